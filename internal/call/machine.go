package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/iceconfig"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

// Conn is the media connection a call runs on. *transport.Transport
// implements it.
type Conn interface {
	Subscribe() *transport.Subscription
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddPlaceholders() error
	AttachTrack(webrtc.TrackLocal) error
	ForceSendRecv() error
	SendTrickle(text string) error
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// ConnFactory builds a fresh Conn for one attempt.
type ConnFactory func(ctx context.Context, servers []webrtc.ICEServer) (Conn, error)

// Signaler sends signaling messages as the local peer.
type Signaler interface {
	Peer() string
	Send(ctx context.Context, cmd protocol.Command, payload *string) error
}

// Options wires a Machine to its collaborators.
type Options struct {
	Signal  Signaler
	NewConn ConnFactory
	ICE     iceconfig.Source // defaults to iceconfig.DefaultSTUN
	Media   media.Source     // defaults to media.Synthetic{}

	// EagerMedia waits for local media and attaches it before the offer or
	// answer is created. By default the call negotiates with placeholder
	// transceivers and attaches media once it is acquired, so a slow device
	// never holds up signaling.
	EagerMedia bool

	// AutoAccept answers incoming calls without prompting.
	AutoAccept bool

	// StallWarning logs a warning when an attempt has not reached InCall
	// after this long. The attempt is left running. Zero disables it.
	StallWarning time.Duration

	// Callbacks run on the machine goroutine and must not block. They may
	// call Start and Accept.
	OnStateChange  func(State)
	OnIncomingCall func(from string, token *AcceptToken)
	OnRemoteStream func(*media.RemoteStream)
	OnPacket       media.PacketFunc
}

// Machine is the call-signaling state machine for one local peer.
//
// Every state change, inbound message and connection event is handled on a
// single goroutine started by Run. Slow work (ICE server lookup, media
// capture, candidate gathering) runs on helper goroutines that hand each
// step back to that goroutine.
type Machine struct {
	opts  Options
	self  string
	log   util.Scope
	tasks chan func()
	done  chan struct{}

	// Owned by the loop goroutine.
	ctx    context.Context
	state  State
	prompt promptState
	sess   *session
	nextID uint64

	mu        sync.RWMutex
	published State
}

// NewMachine creates a Machine in the Connecting state. Call Run to start it.
func NewMachine(opts Options) *Machine {
	if opts.ICE == nil {
		opts.ICE = iceconfig.DefaultSTUN
	}
	if opts.Media == nil {
		opts.Media = media.Synthetic{}
	}
	return &Machine{
		opts:      opts,
		self:      opts.Signal.Peer(),
		log:       util.Scope("call"),
		tasks:     make(chan func(), 64),
		done:      make(chan struct{}),
		state:     Connecting,
		prompt:    promptNone{},
		published: Connecting,
	}
}

// Run processes work until ctx is cancelled, then tears down any running
// attempt. It must be running for the other methods to take effect.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)

	for {
		select {
		case fn := <-m.tasks:
			fn()
		case <-ctx.Done():
			m.resolvePrompt(Interrupted)
			m.closeSession()
			return ctx.Err()
		}
	}
}

// ---------------------------------------------------------------------------
// Public surface
// ---------------------------------------------------------------------------

// Start places a call.
func (m *Machine) Start() { m.do(m.startCall) }

// Accept accepts the pending incoming call, if any.
func (m *Machine) Accept() { m.do(m.acceptPrompt) }

// End ends the current call and tells the peer, returning once end has been
// sent. Calling it with no call running still sends end. It must not be
// called from a callback.
func (m *Machine) End() { m.call(m.endCall) }

// Dispatch handles one inbound signaling message and returns once the
// message has been interpreted. Messages must be dispatched in serial order.
func (m *Machine) Dispatch(msg protocol.Message) {
	m.call(func() { m.handle(msg) })
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published
}

// ---------------------------------------------------------------------------
// Loop plumbing
// ---------------------------------------------------------------------------

// do queues fn for the loop. Returns false once Run has exited.
func (m *Machine) do(fn func()) bool {
	select {
	case m.tasks <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call queues fn and waits for it to finish.
func (m *Machine) call(fn func()) bool {
	finished := make(chan struct{})
	if !m.do(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.done:
		return false
	}
}

// step runs fn on the loop if sess is still the current attempt. An error
// from fn fails the attempt. Reports whether fn ran and succeeded.
func (m *Machine) step(sess *session, fn func() error) bool {
	ok := false
	m.call(func() {
		if m.sess != sess {
			return
		}
		if err := fn(); err != nil {
			m.fail(sess, err)
			return
		}
		ok = true
	})
	return ok
}

// apply runs one transition and carries out its effects in order. The new
// state is committed after sends succeed and before notifications go out.
func (m *Machine) apply(ev Event) error {
	prev := m.state
	next, effects, err := Transition(prev, ev)
	if err != nil {
		return err
	}

	var notes []State
	for _, eff := range effects {
		switch e := eff.(type) {
		case InterruptPromptEffect:
			m.resolvePrompt(Interrupted)
		case CloseSessionEffect:
			m.closeSession()
		case SendEffect:
			if err := m.opts.Signal.Send(m.ctx, e.Cmd, e.Payload); err != nil {
				if e.Cmd != protocol.CmdEnd {
					return err
				}
				m.log.Warnf("failed to send end: %v", err)
			}
		case NotifyEffect:
			notes = append(notes, e.State)
		}
	}

	m.setState(next)
	for _, s := range notes {
		m.log.Infof("state: %s", s)
		if m.opts.OnStateChange != nil {
			m.opts.OnStateChange(s)
		}
	}
	return nil
}

func (m *Machine) setState(s State) {
	m.state = s
	m.mu.Lock()
	m.published = s
	m.mu.Unlock()
}

// resolvePrompt settles a pending prompt, if there is one.
func (m *Machine) resolvePrompt(o Outcome) {
	w, ok := m.prompt.(promptWaiting)
	if !ok {
		return
	}
	m.prompt = promptNone{}
	w.token.resolve(o)
	if o == Interrupted {
		util.Stats.AddInterrupted()
		m.log.Infof("prompt for call from %s interrupted", w.from)
	}
}

// newSession starts a fresh attempt, replacing any previous one.
func (m *Machine) newSession(callID string) *session {
	m.closeSession()

	m.nextID++
	ctx, cancel := context.WithCancel(m.ctx)
	sess := &session{id: m.nextID, ctx: ctx, cancel: cancel, callID: callID}

	if d := m.opts.StallWarning; d > 0 {
		sess.stall = time.AfterFunc(d, func() {
			m.do(func() {
				if m.sess != sess || (m.state != Connecting && m.state != Ringing) {
					return
				}
				conn := "no connection yet"
				if sess.conn != nil {
					conn = "connection " + sess.conn.ConnectionState().String()
				}
				m.log.Warnf("call [%s] still %s after %s (%s); waiting for the peer (End to give up)", sess.callID, m.state, d, conn)
			})
		})
	}

	m.sess = sess
	return sess
}

func (m *Machine) closeSession() {
	if m.sess == nil {
		return
	}
	sess := m.sess
	m.sess = nil
	sess.close(m.log)
	util.Stats.AddEnded()
	m.log.Debugf("attempt %d [%s] closed", sess.id, sess.callID)
}

// fail ends the attempt as if the user had hung up.
func (m *Machine) fail(sess *session, err error) {
	if m.sess != sess {
		return
	}
	m.log.Errorf("call [%s] failed: %v", sess.callID, err)
	if err := m.apply(Event{Kind: EvSetupFailed}); err != nil {
		m.log.Errorf("teardown after failure: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Operations (loop only)
// ---------------------------------------------------------------------------

func (m *Machine) startCall() {
	if m.sess != nil {
		m.log.Warnf("a call is already in progress (%s)", m.state)
		return
	}
	if err := m.apply(Event{Kind: EvStart}); err != nil {
		m.log.Warnf("cannot start a call while %s", m.state)
		return
	}
	sess := m.newSession("outgoing")
	go m.runOffer(sess)
}

func (m *Machine) endCall() {
	if err := m.apply(Event{Kind: EvEndLocal}); err != nil {
		m.log.Errorf("end call: %v", err)
	}
}

// handle interprets one inbound message. Any newer command supersedes a
// pending accept prompt before it is looked at.
func (m *Machine) handle(msg protocol.Message) {
	if msg.Peer == m.self {
		m.log.Debugf("skipping own %s (serial %d)", msg.Cmd, msg.Serial)
		return
	}
	if !msg.Cmd.Valid() || (msg.Cmd != protocol.CmdEnd && msg.Payload == nil) {
		m.log.Warnf("ignoring malformed %q from %s (serial %d)", msg.Cmd, msg.Peer, msg.Serial)
		return
	}

	if _, ok := m.prompt.(promptWaiting); ok {
		if err := m.apply(Event{Kind: EvPromptInterrupted}); err != nil {
			m.log.Errorf("interrupt prompt: %v", err)
		}
	}

	switch msg.Cmd {
	case protocol.CmdStart:
		m.handleIncoming(msg.Peer, *msg.Payload, !m.opts.AutoAccept)
	case protocol.CmdAccept:
		m.onAnswer(*msg.Payload)
	case protocol.CmdEnd:
		m.log.Infof("peer %s ended the call", msg.Peer)
		if err := m.apply(Event{Kind: EvEndRemote}); err != nil {
			m.log.Errorf("remote end: %v", err)
		}
	}
}

// handleIncoming reacts to an offer. When promptUser is set the offer is
// only remembered; nothing is built from it until the user accepts.
func (m *Machine) handleIncoming(from, offer string, promptUser bool) {
	kind := EvIncoming
	if !promptUser {
		kind = EvIncomingAuto
	}
	if err := m.apply(Event{Kind: kind}); err != nil {
		m.log.Warnf("ignoring call from %s while %s", from, m.state)
		return
	}

	callID := util.CallID(offer)
	if !promptUser {
		m.log.Infof("auto-accepting call [%s] from %s", callID, from)
		m.acceptCall(offer)
		return
	}

	token := newAcceptToken()
	m.prompt = promptWaiting{token: token, offer: offer, from: from}
	m.log.Infof("incoming call [%s] from %s", callID, from)
	if m.opts.OnIncomingCall != nil {
		m.opts.OnIncomingCall(from, token)
	}
}

func (m *Machine) acceptPrompt() {
	w, ok := m.prompt.(promptWaiting)
	if !ok {
		m.log.Warnf("no incoming call to accept")
		return
	}
	if err := m.apply(Event{Kind: EvAccepted}); err != nil {
		m.log.Errorf("accept: %v", err)
		return
	}
	m.prompt = promptNone{}
	w.token.resolve(Accepted)
	m.acceptCall(w.offer)
}

// acceptCall answers offer on a fresh attempt.
func (m *Machine) acceptCall(offer string) {
	sess := m.newSession(util.CallID(offer))
	go m.runAnswer(sess, offer)
}

// onAnswer applies the peer's answer to the ringing attempt.
func (m *Machine) onAnswer(answer string) {
	if err := m.apply(Event{Kind: EvAnswer}); err != nil {
		m.log.Warnf("ignoring unexpected accept while %s", m.state)
		return
	}
	sess := m.sess
	if sess == nil || sess.conn == nil {
		m.log.Warnf("ignoring accept without a running attempt")
		return
	}

	err := sess.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		m.fail(sess, fmt.Errorf("apply answer: %w", err))
		return
	}
	m.log.Infof("call [%s] answered", sess.callID)
}
