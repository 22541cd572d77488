package transport

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// GatherOutcome says which condition ended a gather race.
type GatherOutcome int

const (
	// GatherRelayFound means a relay (TURN) candidate was gathered first.
	GatherRelayFound GatherOutcome = iota + 1
	// GatherComplete means gathering finished before any relay candidate.
	GatherComplete
)

func (o GatherOutcome) String() string {
	switch o {
	case GatherRelayFound:
		return "relay candidate"
	case GatherComplete:
		return "gathering complete"
	}
	return "unknown"
}

// AwaitGather blocks until the first relay candidate or the end of gathering,
// whichever comes first, then cancels sub. sub must have been created before
// SetLocalDescription so no event is missed.
//
// Winning on a relay candidate sends the description as soon as one path is
// known to work; host and server-reflexive candidates found later still reach
// the peer through the trickle channel.
func AwaitGather(ctx context.Context, sub *Subscription) (GatherOutcome, error) {
	defer sub.Cancel()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return 0, err
		}

		switch e := ev.(type) {
		case CandidateEvent:
			if e.Candidate == nil {
				return GatherComplete, nil
			}
			if e.Candidate.Type == webrtc.ICECandidateTypeRelay {
				return GatherRelayFound, nil
			}
		case GatheringCompleteEvent:
			return GatherComplete, nil
		}
	}
}
