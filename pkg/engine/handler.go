package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jihwankim/xscan/pkg/output"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/timeoutwheel"
)

// errBackpressure signals a full sidecar ring: per spec, overflow here
// means the rings are undersized for the configured rate and is treated
// as fatal rather than a silently dropped response.
var errBackpressure = fmt.Errorf("engine: sidecar ring full, backpressure")

// dispatchBatch bounds how many queued frames a handler drains before
// yielding to its timeout pass again, so one handler with a deep backlog
// can't starve its own fast-timeout wheel: timeouts are checked once per
// handler loop iteration.
const dispatchBatch = 64

// handlerWorker runs handler i, which owns dedup bucket i, fast-timeout
// wheel i, and dispatch/timeout rings i exclusively. Each
// iteration it first drains due timeouts, then up to dispatchBatch
// parsed frames, publishing any emitted Item and draining the module's
// response Stack into the shared sidecar queue.
func (e *Engine) handlerWorker(ctx context.Context, idx int) error {
	h := e.handlers[idx]
	var stack scanmodule.Stack
	idleTicker := time.NewTicker(time.Millisecond)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := e.clock.Now()
		e.drainTimeoutRegistrations(h)

		ft := scanmodule.NewFTimeout(h.wheel, now)
		var drainErr error
		h.wheel.DrainDue(now, func(ev timeoutwheel.Event) {
			if drainErr == nil {
				drainErr = e.runTimeout(idx, ev.Payload, &stack, ft)
			}
		})
		if drainErr != nil {
			return drainErr
		}

		didWork, err := e.drainDispatch(idx, h, &stack, ft)
		if err != nil {
			return err
		}

		if !didWork {
			if e.rxFinished.Load() && h.dispatchIn.Len() == 0 && h.timeoutsIn.Len() == 0 && h.wheel.Len() == 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-idleTicker.C:
			}
		}
	}
}

// drainTimeoutRegistrations moves every pending cross-goroutine timeout
// registration (enqueued by a tx worker via e.registerTimeout) into this
// handler's own Wheel, the single point where the ring's MPMC safety
// hands off to the Wheel's single-owner invariant.
func (e *Engine) drainTimeoutRegistrations(h *handlerState) {
	for {
		v, ok := h.timeoutsIn.Dequeue()
		if !ok {
			return
		}
		env := v.(timeoutEnvelope)
		h.wheel.Add(env.observedAt, env.payload)
	}
}

// drainDispatch processes up to dispatchBatch queued frames, returning
// whether it did any work at all (used by the caller to decide whether
// to idle-sleep before the next iteration).
func (e *Engine) drainDispatch(idx int, h *handlerState, stack *scanmodule.Stack, ft *scanmodule.FTimeout) (bool, error) {
	did := false
	for i := 0; i < dispatchBatch; i++ {
		v, ok := h.dispatchIn.Dequeue()
		if !ok {
			return did, nil
		}
		did = true
		pf := v.(*scanmodule.ParsedFrame)
		if err := e.runHandle(idx, pf, stack, ft); err != nil {
			return did, err
		}
	}
	return did, nil
}

func (e *Engine) runHandle(idx int, pf *scanmodule.ParsedFrame, stack *scanmodule.Stack, ft *scanmodule.FTimeout) error {
	item := scanmodule.Item{
		IPProto: pf.IPProto, IPThem: pf.IPThem, PortThem: pf.PortThem,
		IPMe: pf.IPMe, PortMe: pf.PortMe,
	}
	emit := e.module.Handle(idx, e.seed, pf, &item, stack, ft)
	if emit {
		e.publish(&item)
	}
	return e.drainStack(stack)
}

func (e *Engine) runTimeout(idx int, payload any, stack *scanmodule.Stack, ft *scanmodule.FTimeout) error {
	var item scanmodule.Item
	e.counters.TotalTimeoutEvents.Add(1)
	emit := e.module.Timeout(e.seed, payload, &item, stack, ft)
	if emit {
		e.publish(&item)
	}
	return e.drainStack(stack)
}

// drainStack ships every buffer a Handle/Timeout callback queued for
// transmission into the shared sidecar ring, where a tx worker will pick
// it up. A full ring is a sizing misconfiguration, not a condition the
// scan can keep running through: per spec this is fatal.
func (e *Engine) drainStack(stack *scanmodule.Stack) error {
	for _, buf := range stack.Drain() {
		if !e.sidecar.Enqueue(buf) {
			e.pool.Put(buf)
			return errBackpressure
		}
	}
	return nil
}

// publish counts the Item by level and ships it to the output sink.
func (e *Engine) publish(item *scanmodule.Item) {
	switch item.Level {
	case scanmodule.LevelSuccess:
		e.counters.Successes.Add(1)
	case scanmodule.LevelFailure:
		e.counters.Failures.Add(1)
	default:
		e.counters.Infos.Add(1)
	}
	if e.outSink == nil {
		return
	}
	rec := output.FromItem(time.Unix(e.clock.Now(), 0).UTC(), item)
	if err := e.outSink.Publish(rec); err != nil {
		e.log.Warn("publish failed", "error", err.Error())
	}
}
