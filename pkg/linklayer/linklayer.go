// Package linklayer defines the interface the scan engine needs from a
// raw-socket/libpcap binding. NIC discovery and the actual socket/pcap
// code live outside this module as implementations of this interface. It
// also provides an in-memory Loopback double that wires a Sink and
// Source together, used by tests and by pkg/engine's own tests to
// exercise the tx->rx path without a real NIC.
package linklayer

import (
	"context"
	"sync"

	"github.com/jihwankim/xscan/pkg/ring"
)

// Sink is where a tx worker hands a finished frame. Send must not block
// indefinitely; a driver that backpressures should return quickly with
// an error so the caller can log it and move on rather than stall the
// scan.
type Sink interface {
	Send(frame []byte) error
}

// Source is what the single Rx worker polls. Recv blocks up to the
// implementation's own short timeout (on the order of 10ms) and returns
// (nil, false) on a timeout, distinguishing "nothing arrived" from an
// error.
type Source interface {
	// Recv blocks until a frame arrives, ctx is done, or an internal
	// timeout elapses. ok is false on timeout; err is non-nil only on a
	// genuine read failure.
	Recv(ctx context.Context) (frame []byte, ok bool, err error)
}

// BPFSetter is implemented by bindings that support installing a capture
// filter: the engine ANDs the scan module's filter hint with any
// user-supplied filter and installs the result once at startup.
type BPFSetter interface {
	SetBPFFilter(expr string) error
}

// Loopback is an in-memory Sink+Source pair backed by the same
// lock-free ring the rest of the engine uses, used to test the tx->rx
// path end-to-end without a NIC.
type Loopback struct {
	r      *ring.Ring
	closed chan struct{}
	once   sync.Once
}

// NewLoopback builds a Loopback with the given ring capacity (power of
// two).
func NewLoopback(capacity int) (*Loopback, error) {
	r, err := ring.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Loopback{r: r, closed: make(chan struct{})}, nil
}

// Send copies frame and enqueues it; returns an error if the ring is
// full (the loopback's stand-in for NIC backpressure).
func (l *Loopback) Send(frame []byte) error {
	cp := append([]byte(nil), frame...)
	if !l.r.Enqueue(cp) {
		return errRingFull
	}
	return nil
}

// Recv polls the ring once; on an empty ring it reports (nil, false, nil)
// immediately rather than sleeping, since tests drive time explicitly.
func (l *Loopback) Recv(ctx context.Context) ([]byte, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	v, ok := l.r.Dequeue()
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Close marks the loopback closed; idempotent.
func (l *Loopback) Close() { l.once.Do(func() { close(l.closed) }) }

type ringFullError struct{}

func (ringFullError) Error() string { return "linklayer: loopback ring full" }

var errRingFull = ringFullError{}
