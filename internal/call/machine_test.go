package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/store"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/trickle"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	m       *Machine
	factory *fakeFactory
	sender  *recordingSender

	mu     sync.Mutex
	states []State
	tokens []*AcceptToken
}

func newHarness(t *testing.T, peer string, signal Signaler, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{factory: &fakeFactory{}}
	if signal == nil {
		h.sender = &recordingSender{peer: peer}
		signal = h.sender
	}

	opts := Options{
		Signal:  signal,
		NewConn: h.factory.New,
		ICE:     &countingICE{},
		Media:   media.Synthetic{NoVideo: true},
		OnStateChange: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		OnIncomingCall: func(_ string, tok *AcceptToken) {
			h.mu.Lock()
			h.tokens = append(h.tokens, tok)
			h.mu.Unlock()
		},
	}
	if configure != nil {
		configure(&opts)
	}
	h.m = NewMachine(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go h.m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.m.done
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, waitFor, tick,
		"state is %s, want %s", h.m.State(), want)
}

func (h *harness) token(t *testing.T, i int) *AcceptToken {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.tokens) > i
	}, waitFor, tick)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens[i]
}

func (h *harness) notified() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// sync waits until everything queued before it has run.
func (h *harness) sync() { h.m.call(func() {}) }

func start(from, sdp string, serial uint64) protocol.Message {
	return protocol.Message{Cmd: protocol.CmdStart, Payload: &sdp, Peer: from, Serial: serial}
}

func accept(from, sdp string, serial uint64) protocol.Message {
	return protocol.Message{Cmd: protocol.CmdAccept, Payload: &sdp, Peer: from, Serial: serial}
}

func end(from string, serial uint64) protocol.Message {
	return protocol.Message{Cmd: protocol.CmdEnd, Peer: from, Serial: serial}
}

func outcome(t *testing.T, tok *AcceptToken) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	o, err := tok.Wait(ctx)
	require.NoError(t, err)
	return o
}

func pending(tok *AcceptToken) bool {
	select {
	case <-tok.done:
		return false
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Caller side
// ---------------------------------------------------------------------------

func TestStartRingsWithRelayCandidate(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) { o.EagerMedia = true })
	h.factory.gather = []transport.Candidate{
		candidate(1, webrtc.ICECandidateTypeHost),
		candidate(2, webrtc.ICECandidateTypeRelay),
	}

	h.m.Start()
	h.waitState(t, Ringing)

	require.Equal(t, []protocol.Command{protocol.CmdStart}, h.sender.commands())
	msg := h.sender.last()
	require.NotNil(t, msg.Payload)

	sum, err := transport.Summarize(*msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Candidates["relay"])

	conn := h.factory.conn(0)
	assert.False(t, conn.placeholders)
	assert.Len(t, conn.attached, 1, "audio track attached before the offer")
	assert.Equal(t, []State{Ringing}, h.notified())
}

func TestStartWhileCallRunningIsRejected(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)
	h.m.Start()
	h.sync()

	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, []protocol.Command{protocol.CmdStart}, h.sender.commands())
}

func TestAnswerCompletesCall(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)

	h.m.Dispatch(accept("bob", "answer-sdp", 2))
	conn := h.factory.conn(0)
	assert.Equal(t, "answer-sdp", conn.remoteSDP())
	assert.Equal(t, Ringing, h.m.State())

	conn.bus.Publish(transport.TrackEvent{})
	h.waitState(t, InCall)
}

func TestRemoteEndWhileRinging(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)

	h.m.Dispatch(end("bob", 2))
	assert.Equal(t, Idle, h.m.State())
	assert.True(t, h.factory.conn(0).isClosed())
	assert.Equal(t, []protocol.Command{protocol.CmdStart}, h.sender.commands(), "remote end is not echoed")
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.End()
	h.waitState(t, Idle)
	h.m.End()
	h.sync()

	assert.Equal(t, Idle, h.m.State())
	assert.Equal(t, []protocol.Command{protocol.CmdEnd, protocol.CmdEnd}, h.sender.commands())
	assert.Equal(t, []State{Idle}, h.notified())
}

func TestMediaFailureEndsAttempt(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) {
		o.Media = noMedia{}
		o.EagerMedia = true
	})

	h.m.Start()
	require.Eventually(t, func() bool {
		cmds := h.sender.commands()
		return len(cmds) == 1 && cmds[0] == protocol.CmdEnd
	}, waitFor, tick)

	assert.Equal(t, Idle, h.m.State())
	assert.Zero(t, h.factory.count(), "no connection without media")
}

func TestMediaFailureAfterOfferEndsCall(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) { o.Media = noMedia{} })

	h.m.Start()
	require.Eventually(t, func() bool {
		cmds := h.sender.commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == protocol.CmdEnd
	}, waitFor, tick)

	h.waitState(t, Idle)
	require.Equal(t, 1, h.factory.count())
	assert.True(t, h.factory.conn(0).isClosed())
}

func TestHangingMediaDoesNotBlockOffer(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) { o.Media = hangingMedia{} })

	h.m.Start()
	h.waitState(t, Ringing)

	assert.Equal(t, []protocol.Command{protocol.CmdStart}, h.sender.commands())
	conn := h.factory.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.placeholders)
	assert.Empty(t, conn.attached)
}

func TestSlowICEHoldsOffer(t *testing.T) {
	ice := &gatedICE{release: make(chan struct{})}
	h := newHarness(t, "alice", nil, func(o *Options) {
		o.ICE = ice
		o.EagerMedia = true
	})

	h.m.Start()
	require.Eventually(t, func() bool { return ice.calls.Load() == 1 }, waitFor, tick)

	assert.Never(t, func() bool { return len(h.sender.commands()) > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, h.factory.count(), "no connection before the servers are known")
	assert.Equal(t, Connecting, h.m.State())

	close(ice.release)
	h.waitState(t, Ringing)
	assert.Equal(t, []protocol.Command{protocol.CmdStart}, h.sender.commands())
}

func TestStallWarningLeavesCallRunning(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) { o.StallWarning = 20 * time.Millisecond })

	h.m.Start()
	h.waitState(t, Ringing)

	conn := h.factory.conn(0)
	require.Eventually(t, func() bool { return conn.stateChecks.Load() > 0 }, waitFor, tick,
		"stall warning reports the connection state")
	assert.Equal(t, Ringing, h.m.State())
	assert.False(t, conn.isClosed())
}

func TestOfferFailureClosesConnection(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)
	h.factory.failOffer = errors.New("no codecs")

	h.m.Start()
	require.Eventually(t, func() bool { return h.factory.count() == 1 && h.factory.conn(0).isClosed() }, waitFor, tick)

	h.waitState(t, Idle)
	assert.Equal(t, []protocol.Command{protocol.CmdEnd}, h.sender.commands())
}

func TestSendFailureFailsSetup(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)
	h.sender.fail = errors.New("relay down")

	h.m.Start()
	require.Eventually(t, func() bool { return h.factory.count() == 1 && h.factory.conn(0).isClosed() }, waitFor, tick)
	h.waitState(t, Idle)
}

func TestICEFailureContinuesWithoutServers(t *testing.T) {
	h := newHarness(t, "alice", nil, func(o *Options) { o.ICE = failingICE{} })

	h.m.Start()
	h.waitState(t, Ringing)
}

func TestLazyMediaForcesSendRecv(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)

	conn := h.factory.conn(0)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.forced && len(conn.attached) == 1
	}, waitFor, tick)
	assert.True(t, conn.placeholders)
}

// ---------------------------------------------------------------------------
// Callee side
// ---------------------------------------------------------------------------

func TestIncomingCallBuildsNothingUntilAccepted(t *testing.T) {
	ice := &countingICE{}
	h := newHarness(t, "bob", nil, func(o *Options) { o.ICE = ice })

	h.m.Dispatch(start("alice", "offer-sdp", 1))
	assert.Equal(t, PromptingUserToAcceptCall, h.m.State())
	tok := h.token(t, 0)

	assert.Zero(t, h.factory.count())
	assert.Zero(t, ice.calls.Load())
	assert.Empty(t, h.sender.commands())

	h.m.Accept()
	assert.Equal(t, Accepted, outcome(t, tok))
	require.Eventually(t, func() bool { return len(h.sender.commands()) == 1 }, waitFor, tick)

	msg := h.sender.last()
	assert.Equal(t, protocol.CmdAccept, msg.Cmd)
	assert.Equal(t, "offer-sdp", h.factory.conn(0).remoteSDP())
	assert.Equal(t, Connecting, h.m.State())
}

func TestNewerOfferInterruptsPrompt(t *testing.T) {
	h := newHarness(t, "bob", nil, nil)

	h.m.Dispatch(start("alice", "offer-1", 1))
	first := h.token(t, 0)

	h.m.Dispatch(start("alice", "offer-2", 2))
	assert.Equal(t, Interrupted, outcome(t, first))
	assert.Equal(t, PromptingUserToAcceptCall, h.m.State())

	second := h.token(t, 1)
	h.m.Accept()
	assert.Equal(t, Accepted, outcome(t, second))

	require.Eventually(t, func() bool { return len(h.sender.commands()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, "offer-2", h.factory.conn(0).remoteSDP())
}

func TestEndInterruptsPrompt(t *testing.T) {
	h := newHarness(t, "bob", nil, nil)

	h.m.Dispatch(start("alice", "offer", 1))
	tok := h.token(t, 0)

	h.m.Dispatch(end("alice", 2))
	assert.Equal(t, Interrupted, outcome(t, tok))
	assert.Equal(t, Idle, h.m.State())

	h.m.Accept()
	h.sync()
	assert.Zero(t, h.factory.count())
}

func TestOwnAndMalformedMessagesKeepPrompt(t *testing.T) {
	h := newHarness(t, "bob", nil, nil)

	h.m.Dispatch(start("alice", "offer", 1))
	tok := h.token(t, 0)

	h.m.Dispatch(end("bob", 2))
	h.m.Dispatch(protocol.Message{Cmd: "ring", Peer: "alice", Serial: 3})
	h.m.Dispatch(protocol.Message{Cmd: protocol.CmdStart, Peer: "alice", Serial: 4})

	assert.True(t, pending(tok))
	assert.Equal(t, PromptingUserToAcceptCall, h.m.State())
}

func TestStartDuringPromptIsIgnored(t *testing.T) {
	h := newHarness(t, "bob", nil, nil)

	h.m.Dispatch(start("alice", "offer", 1))
	tok := h.token(t, 0)

	h.m.Start()
	h.sync()

	assert.True(t, pending(tok))
	assert.Equal(t, PromptingUserToAcceptCall, h.m.State())
	assert.Zero(t, h.factory.count())
	assert.Empty(t, h.sender.commands())
}

func TestAutoAccept(t *testing.T) {
	h := newHarness(t, "bob", nil, func(o *Options) { o.AutoAccept = true })

	h.m.Dispatch(start("alice", "offer", 1))
	require.Eventually(t, func() bool { return len(h.sender.commands()) == 1 }, waitFor, tick)

	assert.Equal(t, protocol.CmdAccept, h.sender.last().Cmd)
	assert.Empty(t, h.tokens)
	assert.Equal(t, Connecting, h.m.State())
}

func TestGlareReplacesOutgoingAttempt(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)

	h.m.Dispatch(start("bob", "bob-offer", 2))
	assert.Equal(t, PromptingUserToAcceptCall, h.m.State())
	assert.True(t, h.factory.conn(0).isClosed())
}

func TestBusyWhileInCall(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)
	h.m.Dispatch(accept("bob", "answer", 2))
	h.factory.conn(0).bus.Publish(transport.TrackEvent{})
	h.waitState(t, InCall)

	h.m.Dispatch(start("carol", "carol-offer", 3))
	assert.Equal(t, InCall, h.m.State())
	assert.Equal(t, 1, h.factory.count())
	assert.Empty(t, h.tokens)
	assert.False(t, h.factory.conn(0).isClosed())
}

func TestUnexpectedAnswerIgnored(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Dispatch(accept("bob", "answer", 1))
	assert.Equal(t, Connecting, h.m.State())
	assert.Empty(t, h.sender.commands())
}

// ---------------------------------------------------------------------------
// Candidate trickle
// ---------------------------------------------------------------------------

func encoded(t *testing.T, c *transport.Candidate) string {
	t.Helper()
	var env trickle.Envelope
	if c != nil {
		init := c.Init
		env.Candidate = &init
	}
	text, err := trickle.Encode(env)
	require.NoError(t, err)
	return text
}

func TestTrickleBuffersUntilChannelOpens(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)
	host := candidate(1, webrtc.ICECandidateTypeHost)
	srflx := candidate(2, webrtc.ICECandidateTypeSrflx)
	h.factory.gather = []transport.Candidate{host, srflx}

	h.m.Start()
	h.waitState(t, Ringing)
	conn := h.factory.conn(0)
	h.sync()

	trickled, _ := conn.snapshot()
	assert.Empty(t, trickled, "nothing sent before the channel opens")

	conn.bus.Publish(transport.ChannelOpenEvent{})
	late := candidate(3, webrtc.ICECandidateTypeRelay)
	conn.bus.Publish(transport.CandidateEvent{Candidate: &late})

	want := []string{encoded(t, &host), encoded(t, &srflx), "null", encoded(t, &late)}
	require.Eventually(t, func() bool {
		got, _ := conn.snapshot()
		return len(got) == len(want)
	}, waitFor, tick)
	got, _ := conn.snapshot()
	assert.Equal(t, want, got)
}

func TestTrickleAppliesRemoteCandidates(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)

	h.m.Start()
	h.waitState(t, Ringing)
	conn := h.factory.conn(0)

	remote := candidate(7, webrtc.ICECandidateTypeHost)
	conn.bus.Publish(transport.ChannelMessageEvent{Text: encoded(t, &remote)})
	conn.bus.Publish(transport.ChannelMessageEvent{Text: "{broken"})
	conn.bus.Publish(transport.ChannelMessageEvent{Text: "null"})

	require.Eventually(t, func() bool {
		_, added := conn.snapshot()
		return len(added) == 2
	}, waitFor, tick)
	_, added := conn.snapshot()
	assert.Equal(t, remote.Init, added[0])
	assert.Equal(t, webrtc.ICECandidateInit{}, added[1], "end of candidates")
}

func TestClosedAttemptDropsQueuedCandidates(t *testing.T) {
	h := newHarness(t, "alice", nil, nil)
	h.factory.gather = []transport.Candidate{candidate(1, webrtc.ICECandidateTypeHost)}

	h.m.Start()
	h.waitState(t, Ringing)
	h.m.End()
	h.waitState(t, Idle)

	conn := h.factory.conn(0)
	conn.bus.Publish(transport.ChannelOpenEvent{})
	h.sync()

	trickled, _ := conn.snapshot()
	assert.Empty(t, trickled)
}

// ---------------------------------------------------------------------------
// Two peers over one relay
// ---------------------------------------------------------------------------

type peer struct {
	*harness
	consumer *signaling.Consumer
}

func newPeer(t *testing.T, hub *signaling.Hub, name string) *peer {
	t.Helper()
	client := signaling.NewClient(hub.Endpoint(), name)
	h := newHarness(t, name, client, nil)

	p := &peer{harness: h}
	p.consumer = signaling.NewConsumer(hub.Endpoint(), store.NewMemory(0), h.m.Dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.consumer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func TestCallOverRelay(t *testing.T) {
	hub := signaling.NewHub()
	alice := newPeer(t, hub, "alice")
	bob := newPeer(t, hub, "bob")
	alice.factory.gather = []transport.Candidate{candidate(1, webrtc.ICECandidateTypeRelay)}

	alice.m.Start()
	alice.waitState(t, Ringing)
	bob.waitState(t, PromptingUserToAcceptCall)

	offer := alice.factory.conn(0).LocalDescription().SDP
	bob.m.Accept()
	assert.Equal(t, Accepted, outcome(t, bob.token(t, 0)))

	require.Eventually(t, func() bool {
		return bob.factory.count() == 1 && bob.factory.conn(0).LocalDescription() != nil &&
			alice.factory.conn(0).remoteSDP() == bob.factory.conn(0).LocalDescription().SDP
	}, waitFor, tick)
	assert.Equal(t, offer, bob.factory.conn(0).remoteSDP())

	alice.factory.conn(0).bus.Publish(transport.TrackEvent{})
	bob.factory.conn(0).bus.Publish(transport.TrackEvent{})
	alice.waitState(t, InCall)
	bob.waitState(t, InCall)

	alice.m.End()
	alice.waitState(t, Idle)
	bob.waitState(t, Idle)
	assert.True(t, bob.factory.conn(0).isClosed())
	assert.True(t, alice.factory.conn(0).isClosed())
	assert.Equal(t, uint64(3), hub.Last(), "start, accept, end")
}
