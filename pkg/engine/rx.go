package engine

import (
	"context"

	"github.com/jihwankim/xscan/pkg/frameparse"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/scanmodule"
)

// rxWorker is the single rx goroutine: it polls the
// link layer, preprocesses each frame, asks the module whether/how to
// record it, and dispatches it to the handler that owns this 5-tuple's
// dedup bucket. It never blocks on a full dispatch ring; a handler that
// can't keep up drops frames on the floor rather than stalling every
// other handler. Such drops are not counted by any status counter.
func (e *Engine) rxWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if e.rxFinished.Load() {
			return nil
		}

		raw, ok, err := e.source.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("recv failed", "error", err.Error())
			continue
		}
		if !ok {
			continue
		}

		pf, err := frameparse.Parse(raw, e.datalink)
		if err != nil {
			e.counters.ParseErrors.Add(1)
			continue
		}
		pf.IsMyIP = e.isMyIP(pf.IPMe)
		pf.IsMyPort = e.isMyPort(pf.PortMe)

		var pre scanmodule.PreHandle
		e.module.Validate(e.seed, pf, &pre)
		if !pre.GoRecord {
			continue
		}

		idx := e.hashBucket(pf.IPThem, pf.PortThem)
		h := e.handlers[idx]

		if pre.GoDedup && !pre.NoDedup {
			if e.isDuplicate(h, pf, pre.DedupType) {
				e.counters.DedupDrops.Add(1)
				continue
			}
		}

		// A full dispatch ring means this handler is falling behind; the
		// frame is dropped rather than retried so rx keeps draining the
		// wire and never blocks on a handler.
		h.dispatchIn.Enqueue(pf)
	}
}

// isMyIP reports whether addr matches this engine's own transmit-side
// identity on the matching family.
func (e *Engine) isMyIP(addr massip.Addr) bool {
	if addr.Family() == massip.FamilyV4 {
		return e.identity.HasV4 && addr.Uint32() == e.identity.SourceV4.Uint32()
	}
	if !e.identity.HasV6 {
		return false
	}
	hi, lo := addr.Halves()
	mhi, mlo := e.identity.SourceV6.Halves()
	return hi == mhi && lo == mlo
}

// isMyPort reports whether port falls within the reserved source-port
// window this run stamped outgoing packets with.
func (e *Engine) isMyPort(port uint16) bool {
	low := e.identity.SourcePortLow
	high := low + uint16(e.identity.SourcePortNum)
	return port >= low && port < high
}

// isDuplicate consults the owning handler's dedup table, the only piece
// of per-handler state rx touches directly; this
// is safe because handler i's dedup.Table is never touched by any other
// goroutine (partitioned ownership, pkg/dedup's own invariant).
func (e *Engine) isDuplicate(h *handlerState, pf *scanmodule.ParsedFrame, typ uint32) bool {
	if pf.IPThem.Family() == massip.FamilyV4 {
		var ipMe uint32
		if pf.IPMe.Family() == massip.FamilyV4 {
			ipMe = pf.IPMe.Uint32()
		}
		return h.dedup.IsDuplicateV4(pf.IPThem.Uint32(), pf.PortThem, ipMe, pf.PortMe, typ)
	}
	hi, lo := pf.IPThem.Halves()
	var mhi, mlo uint64
	if pf.IPMe.Family() == massip.FamilyV6 {
		mhi, mlo = pf.IPMe.Halves()
	}
	return h.dedup.IsDuplicateV6(hi, lo, pf.PortThem, mhi, mlo, pf.PortMe, typ)
}
