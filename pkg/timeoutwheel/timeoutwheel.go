// Package timeoutwheel implements the scanner's "fast timeout": every
// event shares the same delay, so instead of a general timer wheel a
// plain FIFO suffices — the oldest event is always the next one due, and
// popping it is O(1). Each handler worker owns one Wheel exclusively; no
// locking is needed because only that worker ever touches it.
package timeoutwheel

import "container/list"

// Event is one pending timeout, carrying an opaque payload the caller
// attaches meaning to (a 5-tuple, a dedup type, whatever the scan module
// needs at expiry).
type Event struct {
	Timestamp int64 // unix seconds (or any monotonic counter) at insertion
	Payload   any
}

// Wheel is a single-delay FIFO of pending Events.
type Wheel struct {
	spec  int64 // seconds an event must age before it's due
	items *list.List
}

// New builds a Wheel with the given delay spec in seconds. spec == 0
// disables timeouts: Pop always returns false.
func New(spec int64) *Wheel {
	return &Wheel{spec: spec, items: list.New()}
}

// Add enqueues an event observed at time now.
func (w *Wheel) Add(now int64, payload any) {
	if w.spec <= 0 {
		return
	}
	w.items.PushBack(Event{Timestamp: now, Payload: payload})
}

// Pop returns the oldest event if its age is >= spec, removing it from
// the wheel. Returns (Event{}, false) when the wheel is empty or its
// head is not yet due.
func (w *Wheel) Pop(now int64) (Event, bool) {
	front := w.items.Front()
	if front == nil {
		return Event{}, false
	}
	ev := front.Value.(Event)
	if now-ev.Timestamp < w.spec {
		return Event{}, false
	}
	w.items.Remove(front)
	return ev, true
}

// DrainDue pops every event currently due, in FIFO order, calling fn for
// each. Used by a handler's per-iteration timeout pass.
func (w *Wheel) DrainDue(now int64, fn func(Event)) {
	for {
		ev, ok := w.Pop(now)
		if !ok {
			return
		}
		fn(ev)
	}
}

// Len reports the number of events currently resident.
func (w *Wheel) Len() int { return w.items.Len() }
