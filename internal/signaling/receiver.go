package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/store"
	"github.com/1ureka/peercall/internal/util"
)

// ErrStreamClosed is returned by Consumer.Run when the adapter ends the stream
// while the context is still live.
var ErrStreamClosed = errors.New("signaling: update stream closed")

// DefaultReorderWindow is how long the Consumer waits for a missing serial
// before delivering the records behind it.
const DefaultReorderWindow = 250 * time.Millisecond

// Handler receives decoded messages strictly in serial order, one at a time.
type Handler func(protocol.Message)

// Consumer reads an Adapter, restores serial order and calls the handler for
// every decodable record. After each record (decodable or not) the serial is
// saved, so a restart resumes at serial+1.
//
// Serials only increase; they need not be contiguous. A record arriving above
// the next expected serial is held for at most the reorder window, then
// delivered with the gap skipped.
type Consumer struct {
	adapter Adapter
	store   store.SerialStore
	handle  Handler
	window  time.Duration
}

// NewConsumer creates a Consumer with DefaultReorderWindow.
func NewConsumer(adapter Adapter, st store.SerialStore, handle Handler) *Consumer {
	return &Consumer{adapter: adapter, store: st, handle: handle, window: DefaultReorderWindow}
}

// Run consumes the stream until ctx is cancelled or the adapter gives up.
// The handler is never invoked concurrently with itself.
func (c *Consumer) Run(ctx context.Context) error {
	last, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load last serial: %w", err)
	}

	from := last + 1
	records, err := c.adapter.Listen(ctx, from)
	if err != nil {
		return fmt.Errorf("listen from serial %d: %w", from, err)
	}
	util.LogDebug("[signaling] consuming updates from serial %d", from)

	reasm := newReassembler(from)

	// gap fires when the oldest held record has waited a full window.
	var gap *time.Timer
	var gapC <-chan time.Time
	defer func() {
		if gap != nil {
			gap.Stop()
		}
	}()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrStreamClosed
			}
			for _, ready := range reasm.feed(rec) {
				c.process(ready)
			}

			switch n := reasm.pending(); {
			case n == 0 && gap != nil:
				gap.Stop()
				gap, gapC = nil, nil
			case n > 0 && gap == nil:
				util.LogDebug("[signaling] %d record(s) waiting for serial %d", n, reasm.expected)
				gap = time.NewTimer(c.window)
				gapC = gap.C
			}

		case <-gapC:
			gap, gapC = nil, nil
			util.LogDebug("[signaling] serial %d not seen within %s, skipping ahead", reasm.expected, c.window)
			for _, ready := range reasm.skip() {
				c.process(ready)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process decodes and dispatches one in-order record, then persists its serial.
func (c *Consumer) process(rec Record) {
	msg, err := protocol.Decode(rec.Serial, rec.Data)
	if err != nil {
		util.Stats.AddMalformed()
		util.LogWarning("[signaling] ignoring record %d: %v", rec.Serial, err)
	} else {
		c.handle(msg)
	}

	util.Stats.AddProcessed()
	if err := c.store.Save(rec.Serial); err != nil {
		util.LogWarning("[signaling] failed to persist serial %d: %v", rec.Serial, err)
	}
}
