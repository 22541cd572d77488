// Package call implements the two-party call-signaling state machine: offer
// and answer over the ordered update channel, candidate trickling over the
// connection's own data channel, and an interruptible prompt before a call
// is accepted.
package call

// State is the call state shown to the user.
type State string

const (
	// Connecting is the initial state, and the state while an accepted call
	// is being set up.
	Connecting State = "connecting"
	// Ringing means our offer is on the wire and we wait for an answer.
	Ringing State = "ringing"
	// PromptingUserToAcceptCall means an offer arrived and the user has not
	// decided yet. Nothing about the offer has been acted upon.
	PromptingUserToAcceptCall State = "prompting"
	// InCall means remote media has arrived.
	InCall State = "in-call"
	// Idle means no attempt is running.
	Idle State = "idle"
)

func (s State) String() string { return string(s) }

// allStates lists every state, for transitions valid from anywhere.
var allStates = []string{
	string(Connecting),
	string(Ringing),
	string(PromptingUserToAcceptCall),
	string(InCall),
	string(Idle),
}
