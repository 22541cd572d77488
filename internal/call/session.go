package call

import (
	"context"
	"time"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/trickle"
	"github.com/1ureka/peercall/internal/util"
)

// session is one call attempt: its connection, the candidate buffer for the
// trickle channel, and the subscription to the connection's events. A
// session is never reused; every attempt gets a fresh one.
//
// Fields other than id, ctx and cancel are written on the machine loop only.
type session struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	stall  *time.Timer
	callID string

	conn    Conn
	trickle *trickle.Buffer
	events  *transport.Subscription
	local   *media.Stream
	remote  *media.RemoteStream
}

// close releases everything the session holds. Candidates still buffered
// because the channel never opened are dropped.
func (s *session) close(log util.Scope) {
	s.cancel()
	if s.stall != nil {
		s.stall.Stop()
	}
	if s.events != nil {
		s.events.Cancel()
	}
	if s.trickle != nil && !s.trickle.IsOpen() {
		if n := s.trickle.Discard(); n > 0 {
			log.Debugf("dropped %d candidate(s) never sent", n)
		}
	}
	if s.local != nil {
		s.local.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Debugf("close connection: %v", err)
		}
	}
}
