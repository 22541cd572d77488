package signaling

import (
	"context"
	"sync"
)

// Hub is an in-memory update channel: an append-only log with contiguous
// serials starting at 1. Every Endpoint of a Hub sees the same log.
type Hub struct {
	mu      sync.Mutex
	seq     seqGen
	log     [][]byte
	changed chan struct{} // closed and replaced on every append
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{changed: make(chan struct{})}
}

// Append stores data and returns its serial.
func (h *Hub) Append(data []byte) uint64 {
	buf := make([]byte, len(data))
	copy(buf, data)

	h.mu.Lock()
	serial := h.seq.next()
	h.log = append(h.log, buf)
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()

	return serial
}

// Last returns the serial of the newest record, or 0 when empty.
func (h *Hub) Last() uint64 {
	return h.seq.last()
}

// Since returns a snapshot of every record with serial >= from.
func (h *Hub) Since(from uint64) []Record {
	recs, _ := h.since(from)
	return recs
}

func (h *Hub) since(from uint64) ([]Record, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if from == 0 {
		from = 1
	}

	var out []Record
	for s := from; s <= uint64(len(h.log)); s++ {
		out = append(out, Record{Serial: s, Data: h.log[s-1]})
	}
	return out, h.changed
}

// Endpoint returns an Adapter backed by h.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h}
}

// Endpoint is one peer's view of a Hub.
type Endpoint struct {
	hub *Hub
}

func (e *Endpoint) Send(ctx context.Context, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.hub.Append(record)
	return nil
}

func (e *Endpoint) Listen(ctx context.Context, from uint64) (<-chan Record, error) {
	out := make(chan Record)

	go func() {
		defer close(out)

		next := from
		for {
			recs, changed := e.hub.since(next)
			for _, rec := range recs {
				select {
				case out <- rec:
					next = rec.Serial + 1
				case <-ctx.Done():
					return
				}
			}
			if len(recs) > 0 {
				continue
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
