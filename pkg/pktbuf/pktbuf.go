// Package pktbuf provides a fixed-size packet buffer pool. Buffers are
// borrowed by producers (tx workers, scan modules building a response),
// filled, handed to the link layer, and returned to the pool once sent,
// so steady-state transmission does no per-packet allocation.
package pktbuf

import (
	"fmt"

	"github.com/jihwankim/xscan/pkg/ring"
)

// Buf is a reusable packet buffer: a fixed-capacity byte slice plus the
// length currently in use.
type Buf struct {
	data []byte
	n    int
}

// Bytes returns the buffer's contents.
func (b *Buf) Bytes() []byte { return b.data[:b.n] }

// Cap returns the buffer's fixed capacity.
func (b *Buf) Cap() int { return len(b.data) }

// Reset truncates the buffer back to zero length, keeping its capacity.
func (b *Buf) Reset() { b.n = 0 }

// Append appends p to the buffer, panicking if it would overflow
// capacity (a template/probe bug, not a runtime condition to recover
// from).
func (b *Buf) Append(p []byte) {
	if b.n+len(p) > len(b.data) {
		panic("pktbuf: append exceeds buffer capacity")
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
}

// SetLen sets the in-use length directly, e.g. after writing into
// Bytes()[:cap] manually.
func (b *Buf) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic("pktbuf: length out of range")
	}
	b.n = n
}

// NewStandalone builds a Buf outside any Pool, sized to capacity. Scan
// modules use this for sidecar response frames (RSTs, follow-up SYNs,
// ACK+payload) they build on demand rather than drawing from the tx
// pool, since those are rare compared to steady-state scan traffic and
// the handler that builds one doesn't otherwise hold a Pool reference.
func NewStandalone(capacity int) *Buf {
	return &Buf{data: make([]byte, capacity)}
}

// Pool is a bounded pool of fixed-size Bufs, backed by a lock-free ring
// so any worker can borrow or return a buffer without contention.
type Pool struct {
	free    *ring.Ring
	bufSize int
}

// NewPool preallocates count buffers of bufSize bytes each. count must be
// a power of two (the ring constraint).
func NewPool(count, bufSize int) (*Pool, error) {
	r, err := ring.New(count)
	if err != nil {
		return nil, fmt.Errorf("pktbuf: %w", err)
	}
	p := &Pool{free: r, bufSize: bufSize}
	for i := 0; i < count; i++ {
		if !r.Enqueue(&Buf{data: make([]byte, bufSize)}) {
			return nil, fmt.Errorf("pktbuf: failed to seed pool")
		}
	}
	return p, nil
}

// Get borrows a buffer, resetting its length to zero. Returns false if
// the pool is exhausted.
func (p *Pool) Get() (*Buf, bool) {
	v, ok := p.free.Dequeue()
	if !ok {
		return nil, false
	}
	b := v.(*Buf)
	b.Reset()
	return b, true
}

// Put returns a buffer to the pool. The caller must not use b after
// calling Put. A buffer whose capacity doesn't match this pool's
// (e.g. one a scan module built with NewStandalone for a sidecar
// response) is dropped rather than enqueued, since mixing sizes into the
// free ring would hand a future Get() caller a buffer smaller than it
// expects.
func (p *Pool) Put(b *Buf) {
	if len(b.data) != p.bufSize {
		return
	}
	b.Reset()
	// best effort: if the ring is somehow over capacity (caller double-put
	// bug), drop the buffer rather than corrupting ring state.
	p.free.Enqueue(b)
}

// FreePercent reports the fraction of buffers currently available,
// surfaced on the status line alongside the ring's own free percentage.
func (p *Pool) FreePercent() float64 { return p.free.FreePercent() }
