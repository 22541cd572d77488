package signaling

import "sync/atomic"

// seqGen hands out update-channel serials. Writers hold the hub lock while
// calling next; last may be read without it.
type seqGen struct {
	val atomic.Uint64
}

// next returns the next serial (monotonically increasing from 1).
func (s *seqGen) next() uint64 {
	return s.val.Add(1)
}

// last returns the most recently issued serial, or 0.
func (s *seqGen) last() uint64 {
	return s.val.Load()
}
