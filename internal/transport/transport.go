// Package transport wraps one pion PeerConnection and its pre-negotiated
// trickle channel behind a small API, and reports asynchronous happenings
// (candidates, channel open, inbound tracks) on an event bus.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// Options configures a Transport.
type Options struct {
	ICEServers []webrtc.ICEServer
	RelayOnly  bool
}

// Transport wraps a single PeerConnection + trickle DataChannel pair.
//
// It is used for exactly one call attempt. Close releases everything and the
// Transport cannot be reused.
type Transport struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	bus *Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	local   map[webrtc.RTPCodecType]webrtc.TrackLocal

	closeOnce sync.Once
	closeErr  error
}

// NewTransport creates a Transport backed by a new PeerConnection on api and
// the trickle channel. Subscribe before calling SetLocalDescription to see
// every gathered candidate.
func NewTransport(ctx context.Context, api *webrtc.API, opts Options) (*Transport, error) {
	pc, err := newPeerConnection(api, opts.ICEServers, opts.RelayOnly)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	dc, err := newTrickleChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create trickle channel: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:      pc,
		dc:      dc,
		bus:     NewBus(),
		ctx:     tCtx,
		cancel:  tCancel,
		pcState: webrtc.PeerConnectionStateNew,
		local:   make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.bus.Publish(CandidateEvent{})
			return
		}
		t.bus.Publish(CandidateEvent{Candidate: &Candidate{Init: c.ToJSON(), Type: c.Typ}})
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			t.bus.Publish(GatheringCompleteEvent{})
		}
	})

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { t.bus.Publish(ChannelOpenEvent{}) })
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			util.LogDebug("[transport] ignoring %d-byte binary message on trickle channel", len(msg.Data))
			return
		}
		t.bus.Publish(ChannelMessageEvent{Text: string(msg.Data)})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		util.LogDebug("[transport] inbound %s track %s (ssrc %d)", track.Kind(), track.ID(), track.SSRC())
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyframe(track)
		}
		t.bus.Publish(TrackEvent{Track: track, Receiver: receiver})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[transport] PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		t.bus.Publish(StateEvent{State: state})
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Subscribe returns a new subscription to this Transport's events.
func (t *Transport) Subscribe() *Subscription {
	return t.bus.Subscribe()
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection and closes every
// subscription. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = errors.Join(t.dc.Close(), t.pc.Close())
		t.bus.Close()
	})
	return t.closeErr
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// LocalDescription returns the local SDP including the candidates gathered
// so far, or nil before SetLocalDescription.
func (t *Transport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

// AddICECandidate adds a remote ICE candidate received through the trickle
// channel.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// SendTrickle writes one text message on the trickle channel. The channel
// must be open.
func (t *Transport) SendTrickle(text string) error {
	return t.dc.SendText(text)
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddPlaceholders adds one audio and one video transceiver in sendrecv
// direction, so an offer or answer can be produced before local media exists.
func (t *Transport) AddPlaceholders() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("add %s placeholder: %w", kind, err)
		}
	}
	return nil
}

// AttachTrack sends track to the peer. A placeholder sender of the same kind
// has its track substituted; otherwise the track is added, reusing a
// receive-only transceiver when one exists.
func (t *Transport) AttachTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	t.local[track.Kind()] = track
	t.mu.Unlock()

	for _, tr := range t.pc.GetTransceivers() {
		if tr.Kind() != track.Kind() {
			continue
		}
		if s := tr.Sender(); s != nil {
			return s.ReplaceTrack(track)
		}
	}

	_, err := t.pc.AddTrack(track)
	return err
}

// ForceSendRecv promotes every transceiver that carries (or should carry) a
// local track to sendrecv. Substituting a track does not change a
// transceiver's direction, so a transceiver created receive-only by the
// remote description would otherwise never send.
func (t *Transport) ForceSendRecv() error {
	t.mu.RLock()
	local := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(t.local))
	for k, v := range t.local {
		local[k] = v
	}
	t.mu.RUnlock()

	var errs []error
	for _, tr := range t.pc.GetTransceivers() {
		track := local[tr.Kind()]
		if track == nil || tr.Direction() == webrtc.RTPTransceiverDirectionSendrecv {
			continue
		}

		if s := tr.Sender(); s != nil {
			// SetSender with a track flips recvonly to sendrecv.
			errs = append(errs, tr.SetSender(s, track))
			continue
		}
		_, err := t.pc.AddTrack(track)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// requestKeyframe asks the sender of an inbound video track for a keyframe
// so the first frames decode without waiting for the next periodic one.
func (t *Transport) requestKeyframe(track *webrtc.TrackRemote) {
	err := t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
	if err != nil {
		util.LogDebug("[transport] PLI for ssrc %d failed: %v", track.SSRC(), err)
	}
}
