package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/transport"
)

// Compile-time interface checks.
var (
	_ Conn     = (*transport.Transport)(nil)
	_ Conn     = (*fakeConn)(nil)
	_ Signaler = (*recordingSender)(nil)
)

// fakeSDP renders a minimal parseable description. tag identifies the
// connection that produced it.
func fakeSDP(tag string, cands []transport.Candidate) string {
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=" + tag,
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=sendrecv",
	}
	for _, c := range cands {
		lines = append(lines, "a="+c.Init.Candidate)
	}
	return strings.Join(append(lines, ""), "\r\n")
}

func candidate(n int, typ webrtc.ICECandidateType) transport.Candidate {
	return transport.Candidate{
		Init: webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp %d 10.0.0.%d 5000 typ %s", n, 100-n, n, typ)},
		Type: typ,
	}
}

// fakeConn records what the machine does to it. SetLocalDescription
// publishes the configured candidates followed by the end of gathering.
type fakeConn struct {
	tag       string
	bus       *transport.Bus
	gather    []transport.Candidate
	failOffer error

	mu           sync.Mutex
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	placeholders bool
	forced       bool
	closed       bool
	attached     []webrtc.TrackLocal
	trickled     []string
	added        []webrtc.ICECandidateInit

	stateChecks atomic.Int32
}

func (c *fakeConn) Subscribe() *transport.Subscription { return c.bus.Subscribe() }

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.failOffer != nil {
		return webrtc.SessionDescription{}, c.failOffer
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP(c.tag, nil)}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP(c.tag, nil)}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	d.SDP = fakeSDP(c.tag, c.gather)
	c.mu.Lock()
	c.local = &d
	c.mu.Unlock()

	for i := range c.gather {
		c.bus.Publish(transport.CandidateEvent{Candidate: &c.gather[i]})
	}
	c.bus.Publish(transport.CandidateEvent{})
	c.bus.Publish(transport.GatheringCompleteEvent{})
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &d
	return nil
}

func (c *fakeConn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *fakeConn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, init)
	return nil
}

func (c *fakeConn) AddPlaceholders() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeholders = true
	return nil
}

func (c *fakeConn) AttachTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, track)
	return nil
}

func (c *fakeConn) ForceSendRecv() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = true
	return nil
}

func (c *fakeConn) SendTrickle(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trickled = append(c.trickled, text)
	return nil
}

func (c *fakeConn) ConnectionState() webrtc.PeerConnectionState {
	c.stateChecks.Add(1)
	return webrtc.PeerConnectionStateConnecting
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bus.Close()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) remoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ""
	}
	return c.remote.SDP
}

func (c *fakeConn) snapshot() (trickled []string, added []webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.trickled...), append([]webrtc.ICECandidateInit(nil), c.added...)
}

// fakeFactory hands out fakeConns and remembers them.
type fakeFactory struct {
	gather    []transport.Candidate
	failOffer error
	err       error

	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) New(_ context.Context, _ []webrtc.ICEServer) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{
		tag:       fmt.Sprintf("conn%d", len(f.conns)+1),
		bus:       transport.NewBus(),
		gather:    f.gather,
		failOffer: f.failOffer,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

// recordingSender captures outgoing signaling messages.
type recordingSender struct {
	peer string
	fail error

	mu   sync.Mutex
	sent []protocol.Message
}

func (s *recordingSender) Peer() string { return s.peer }

func (s *recordingSender) Send(_ context.Context, cmd protocol.Command, payload *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, protocol.Message{Cmd: cmd, Payload: payload, Peer: s.peer, Serial: uint64(len(s.sent) + 1)})
	return nil
}

func (s *recordingSender) commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Command, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Cmd
	}
	return out
}

func (s *recordingSender) last() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

// countingICE counts lookups.
type countingICE struct{ calls atomic.Int32 }

func (c *countingICE) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	c.calls.Add(1)
	return nil, nil
}

// failingICE always fails the lookup.
type failingICE struct{}

func (failingICE) ICEServers(context.Context) ([]webrtc.ICEServer, error) {
	return nil, errors.New("ice endpoint unreachable")
}

// noMedia simulates a machine without any capture device.
type noMedia struct{}

func (noMedia) GetUserMedia(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, media.ErrDeviceNotFound
}

// gatedICE blocks lookups until release is closed.
type gatedICE struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedICE) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hangingMedia never finishes opening a device.
type hangingMedia struct{}

func (hangingMedia) GetUserMedia(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
