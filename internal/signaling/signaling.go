// Package signaling carries call-signaling records over an ordered,
// serial-numbered update channel. Adapters move opaque records; the Consumer
// restores serial order, decodes and hands messages to a handler, and the
// Client encodes outgoing messages.
package signaling

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the adapter has no live stream.
var ErrNotConnected = errors.New("signaling: not connected")

// Record is one raw entry of the update channel.
type Record struct {
	Serial uint64
	Data   []byte
}

// Adapter connects to a host's update channel.
//
// Send appends a record; the host assigns its serial. Listen delivers every
// record with serial >= from, including records this peer sent itself. The
// returned channel is closed when ctx is cancelled or the stream ends for
// good. Records may arrive out of order or more than once; the Consumer
// copes with both.
type Adapter interface {
	Send(ctx context.Context, record []byte) error
	Listen(ctx context.Context, from uint64) (<-chan Record, error)
}
