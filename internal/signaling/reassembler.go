package signaling

import (
	"container/heap"

	"github.com/1ureka/peercall/internal/util"
)

// reassembler reorders records by serial. It is owned by the Consumer's
// goroutine and needs no locking. Records at or below the last delivered
// serial are dropped.
type reassembler struct {
	expected uint64
	buffer   recordHeap
}

// newReassembler creates a reassembler expecting serial next.
func newReassembler(next uint64) *reassembler {
	return &reassembler{expected: next}
}

// feed processes an incoming record and returns all records that can now be
// delivered in serial order. Returns nil if none are ready.
func (r *reassembler) feed(rec Record) []Record {
	if rec.Serial < r.expected {
		util.LogDebug("[signaling] record %d already processed (expected %d), ignoring", rec.Serial, r.expected)
		return nil
	}

	if rec.Serial > r.expected {
		// Future record: buffer it unless we already hold that serial.
		for _, held := range r.buffer {
			if held.Serial == rec.Serial {
				return nil
			}
		}
		heap.Push(&r.buffer, rec)
		return nil
	}

	// rec.Serial == r.expected: deliver it and drain any consecutive buffered records.
	result := []Record{rec}
	r.expected++

	for r.buffer.Len() > 0 && r.buffer[0].Serial == r.expected {
		result = append(result, heap.Pop(&r.buffer).(Record))
		r.expected++
	}

	return result
}

// skip gives up on the missing serials: every buffered record is returned in
// order and the next expected serial moves past the newest of them. Serials
// are increasing but not necessarily contiguous, so a gap may never fill.
func (r *reassembler) skip() []Record {
	if r.buffer.Len() == 0 {
		return nil
	}
	result := make([]Record, 0, r.buffer.Len())
	for r.buffer.Len() > 0 {
		result = append(result, heap.Pop(&r.buffer).(Record))
	}
	r.expected = result[len(result)-1].Serial + 1
	return result
}

// pending reports how many out-of-order records are waiting for a gap to fill.
func (r *reassembler) pending() int {
	return r.buffer.Len()
}

// ---------------------------------------------------------------------------
// recordHeap implements a min-heap sorted by Serial.
// ---------------------------------------------------------------------------

type recordHeap []Record

func (h recordHeap) Len() int            { return len(h) }
func (h recordHeap) Less(i, j int) bool  { return h[i].Serial < h[j].Serial }
func (h recordHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x interface{}) { *h = append(*h, x.(Record)) }

func (h *recordHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Record{} // drop the data reference
	*h = old[:n-1]
	return item
}
