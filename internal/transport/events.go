package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrSubscriptionClosed is returned by Next once a subscription is cancelled
// or its bus is closed and the queue is drained.
var ErrSubscriptionClosed = errors.New("transport: subscription closed")

// Event is something the connection reports asynchronously.
type Event interface{ transportEvent() }

// Candidate is one locally gathered ICE candidate.
type Candidate struct {
	Init webrtc.ICECandidateInit
	Type webrtc.ICECandidateType
}

// CandidateEvent reports a local candidate. A nil Candidate marks the end of
// gathering.
type CandidateEvent struct{ Candidate *Candidate }

// GatheringCompleteEvent reports that ICE gathering has finished.
type GatheringCompleteEvent struct{}

// ChannelOpenEvent reports that the trickle channel is open.
type ChannelOpenEvent struct{}

// ChannelMessageEvent carries one text message read from the trickle channel.
type ChannelMessageEvent struct{ Text string }

// TrackEvent reports an inbound media track.
type TrackEvent struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// StateEvent reports a peer connection state change.
type StateEvent struct{ State webrtc.PeerConnectionState }

func (CandidateEvent) transportEvent()         {}
func (GatheringCompleteEvent) transportEvent() {}
func (ChannelOpenEvent) transportEvent()       {}
func (ChannelMessageEvent) transportEvent()    {}
func (TrackEvent) transportEvent()             {}
func (StateEvent) transportEvent()             {}

// ---------------------------------------------------------------------------
// Bus
// ---------------------------------------------------------------------------

// Bus fans events out to subscriptions. Each subscription sees every event
// published after it was created, in publish order. Queues are unbounded so
// Publish never blocks a pion callback.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Subscribing to a closed bus yields
// a subscription that is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{bus: b, signal: make(chan struct{}, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish queues ev on every live subscription.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(ev)
	}
}

// Close closes every subscription. Queued events remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close(false)
	}
	b.subs = nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Subscription is one consumer's view of a Bus.
type Subscription struct {
	bus    *Bus
	signal chan struct{}

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) close(drop bool) {
	s.mu.Lock()
	s.closed = true
	if drop {
		s.queue = nil
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscription closes, or ctx
// is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel detaches the subscription and drops anything still queued. Safe to
// call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
	s.close(true)
}
