package trickle

import (
	"errors"

	"github.com/1ureka/peercall/internal/util"
)

// Sender writes one text message on the open trickle channel.
type Sender interface {
	SendTrickle(text string) error
}

// Buffer holds candidates until the trickle channel opens.
//
// The zero state is closed. Before Open, Push appends; Open flushes the held
// envelopes exactly once, in push order, and empties the buffer for good.
// After Open, Push sends immediately. A Buffer is not safe for concurrent
// use; callers drive it from a single goroutine.
type Buffer struct {
	send    Sender
	pending []Envelope
	open    bool
}

// NewBuffer creates a closed Buffer that will write through send.
func NewBuffer(send Sender) *Buffer {
	return &Buffer{send: send}
}

// Push sends e if the channel is open and holds it otherwise.
func (b *Buffer) Push(e Envelope) error {
	if !b.open {
		b.pending = append(b.pending, e)
		return nil
	}
	return b.write(e)
}

// Open marks the channel open and flushes everything held. Later calls do
// nothing. Every held envelope is attempted even if one fails.
func (b *Buffer) Open() error {
	if b.open {
		return nil
	}
	b.open = true

	held := b.pending
	b.pending = nil

	var errs []error
	for _, e := range held {
		if err := b.write(e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(held) > 0 {
		util.LogDebug("[trickle] flushed %d buffered candidate(s)", len(held))
	}
	return errors.Join(errs...)
}

// IsOpen reports whether Open has been called.
func (b *Buffer) IsOpen() bool {
	return b.open
}

// Len returns the number of held envelopes.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Discard drops held envelopes without sending them and returns how many
// there were. Used at teardown when the channel never opened.
func (b *Buffer) Discard() int {
	n := len(b.pending)
	b.pending = nil
	return n
}

func (b *Buffer) write(e Envelope) error {
	text, err := Encode(e)
	if err != nil {
		return err
	}
	if err := b.send.SendTrickle(text); err != nil {
		return err
	}
	util.Stats.AddCandidatesSent(1)
	return nil
}
