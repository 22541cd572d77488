package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/1ureka/peercall/internal/protocol"
)

// ErrInvalidTransition is returned by Transition for events the current
// state does not accept.
var ErrInvalidTransition = errors.New("call: invalid transition")

// EventKind names an input to the state machine.
type EventKind string

const (
	EvStart             EventKind = "start"              // user starts a call
	EvOfferReady        EventKind = "offer-ready"        // local offer gathered enough candidates
	EvIncoming          EventKind = "incoming"           // offer arrived, ask the user
	EvIncomingAuto      EventKind = "incoming-auto"      // offer arrived, accept without asking
	EvPromptInterrupted EventKind = "prompt-interrupted" // a newer command superseded the prompt
	EvAccepted          EventKind = "accepted"           // user accepted the prompt
	EvAnswerReady       EventKind = "answer-ready"       // local answer gathered enough candidates
	EvAnswer            EventKind = "answer"             // remote answer arrived
	EvTrack             EventKind = "track"              // remote media track arrived
	EvEndLocal          EventKind = "end-local"          // user ended the call
	EvEndRemote         EventKind = "end-remote"         // peer ended the call
	EvSetupFailed       EventKind = "setup-failed"       // media or negotiation failed
)

// Event is one input. SDP is set for EvOfferReady and EvAnswerReady.
type Event struct {
	Kind EventKind
	SDP  string
}

// Effect is an action the machine must carry out after a transition, in
// list order.
type Effect interface{ callEffect() }

// SendEffect sends a signaling message.
type SendEffect struct {
	Cmd     protocol.Command
	Payload *string
}

// CloseSessionEffect tears down the current connection, if any.
type CloseSessionEffect struct{}

// InterruptPromptEffect resolves a pending accept prompt as interrupted.
type InterruptPromptEffect struct{}

// NotifyEffect reports a new state to the user interface. Notifications
// always come after sends, so Ringing is reported only once the offer is out.
type NotifyEffect struct{ State State }

func (SendEffect) callEffect()            {}
func (CloseSessionEffect) callEffect()    {}
func (InterruptPromptEffect) callEffect() {}
func (NotifyEffect) callEffect()          {}

// table is the transition table. A transition whose destination equals its
// source is accepted without changing state.
var table = fsm.Events{
	{Name: string(EvStart), Src: []string{string(Idle), string(Connecting)}, Dst: string(Connecting)},
	{Name: string(EvOfferReady), Src: []string{string(Connecting)}, Dst: string(Ringing)},
	{Name: string(EvIncoming), Src: []string{string(Idle), string(Connecting), string(Ringing)}, Dst: string(PromptingUserToAcceptCall)},
	{Name: string(EvIncomingAuto), Src: []string{string(Idle), string(Connecting), string(Ringing)}, Dst: string(Connecting)},
	{Name: string(EvPromptInterrupted), Src: []string{string(PromptingUserToAcceptCall)}, Dst: string(Idle)},
	{Name: string(EvAccepted), Src: []string{string(PromptingUserToAcceptCall)}, Dst: string(Connecting)},
	{Name: string(EvAnswerReady), Src: []string{string(Connecting)}, Dst: string(Connecting)},
	{Name: string(EvAnswer), Src: []string{string(Ringing)}, Dst: string(Ringing)},
	{Name: string(EvTrack), Src: []string{string(Connecting), string(Ringing), string(InCall)}, Dst: string(InCall)},
	{Name: string(EvEndLocal), Src: allStates, Dst: string(Idle)},
	{Name: string(EvEndRemote), Src: allStates, Dst: string(Idle)},
	{Name: string(EvSetupFailed), Src: allStates, Dst: string(Idle)},
}

// Transition computes the state that follows s on ev and the effects to
// perform. It has no side effects. Events s does not accept return
// ErrInvalidTransition and leave s unchanged.
func Transition(s State, ev Event) (State, []Effect, error) {
	f := fsm.NewFSM(string(s), table, nil)

	err := f.Event(context.Background(), string(ev.Kind))
	var same fsm.NoTransitionError
	if err != nil && !errors.As(err, &same) {
		return s, nil, fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Kind, s)
	}

	next := State(f.Current())
	return next, effectsFor(s, next, ev), nil
}

func effectsFor(prev, next State, ev Event) []Effect {
	var effects []Effect

	switch ev.Kind {
	case EvOfferReady:
		sdp := ev.SDP
		effects = append(effects, SendEffect{Cmd: protocol.CmdStart, Payload: &sdp})
	case EvAnswerReady:
		sdp := ev.SDP
		effects = append(effects, SendEffect{Cmd: protocol.CmdAccept, Payload: &sdp})
	case EvIncoming, EvIncomingAuto:
		// A new offer replaces whatever attempt was running.
		effects = append(effects, CloseSessionEffect{})
	case EvPromptInterrupted:
		effects = append(effects, InterruptPromptEffect{})
	case EvEndLocal, EvSetupFailed:
		effects = append(effects, InterruptPromptEffect{}, CloseSessionEffect{}, SendEffect{Cmd: protocol.CmdEnd})
	case EvEndRemote:
		effects = append(effects, InterruptPromptEffect{}, CloseSessionEffect{})
	}

	if next != prev {
		effects = append(effects, NotifyEffect{State: next})
	}
	return effects
}
