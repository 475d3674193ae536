// Package ring implements a lock-free, bounded, multi-producer
// multi-consumer ring buffer modeled on the DPDK-style rte_ring used for
// inter-worker packet-pointer handoff: CAS on head/tail cursors, a
// power-of-two capacity with a mask instead of a modulo, and slots that
// carry ownership by pointer rather than by copy.
package ring

import (
	"fmt"
	"sync/atomic"
)

// Ring is a bounded MPMC queue of interface{} pointers. Capacity must be
// a power of two; Enqueue/Dequeue never block, returning false instead
// when the ring is full or empty.
type Ring struct {
	mask uint64
	buf  []ringSlot

	head uint64 // next slot a producer may claim
	tail uint64 // next slot a consumer may claim
}

type ringSlot struct {
	seq atomic.Uint64
	val atomic.Value
}

// New builds a ring with the given capacity, which must be a power of
// two. Returns an error otherwise.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", capacity)
	}
	r := &Ring{
		mask: uint64(capacity - 1),
		buf:  make([]ringSlot, capacity),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Enqueue pushes v, returning false if the ring is full.
func (r *Ring) Enqueue(v any) bool {
	for {
		head := atomic.LoadUint64(&r.head)
		slot := &r.buf[head&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(head)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.head, head, head+1) {
				slot.val.Store(&v)
				slot.seq.Store(head + 1)
				return true
			}
		case diff < 0:
			return false // full
		default:
			// another producer claimed this slot first; retry.
		}
	}
}

// Dequeue pops the oldest enqueued value, returning false if the ring is
// empty.
func (r *Ring) Dequeue() (any, bool) {
	for {
		tail := atomic.LoadUint64(&r.tail)
		slot := &r.buf[tail&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(tail+1)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, tail, tail+1) {
				p := slot.val.Load().(*any)
				v := *p
				slot.val.Store((*any)(nil))
				slot.seq.Store(tail + r.mask + 1)
				return v, true
			}
		case diff < 0:
			return nil, false // empty
		default:
			// another consumer claimed this slot first; retry.
		}
	}
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return int(r.mask) + 1 }

// Len returns an approximate count of occupied slots, safe to call
// concurrently with producers/consumers but not linearizable with them.
func (r *Ring) Len() int {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	n := int64(head - tail)
	if n < 0 {
		return 0
	}
	return int(n)
}

// FreePercent reports the fraction of slots currently free, used by the
// status line to surface backpressure on the tx/rx rings.
func (r *Ring) FreePercent() float64 {
	cap := r.Cap()
	free := cap - r.Len()
	if free < 0 {
		free = 0
	}
	return float64(free) / float64(cap) * 100
}
