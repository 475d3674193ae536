package engine

import (
	"context"
	"time"

	"github.com/jihwankim/xscan/pkg/cookie"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/throttler"
)

// txWorker generates and transmits this worker's slice of the target
// index space. Worker k of e.txWorkers owns an
// interleaved slice of the (shard, worker) product so the whole product
// of shards x tx-workers partitions the target-index space without
// overlap: index i belongs to this worker iff i mod (shardOf*txWorkers)
// == (shardIndex-1)*txWorkers + k.
func (e *Engine) txWorker(ctx context.Context, k int) error {
	stride := uint64(e.shardOf * e.txWorkers)
	origin := uint64((e.shardIndex-1)*e.txWorkers + k)

	th := e.throttlers[k]

	pass := 0
	for {
		done := e.txPass(ctx, origin, stride, th)
		if done == txPassCanceled {
			return nil
		}
		pass++
		if e.infinite {
			continue
		}
		if pass > e.repeat {
			break
		}
	}

	// This worker's slice is exhausted and no more passes are requested:
	// record completion, then keep draining the sidecar queue until rx
	// tells everyone to stop.
	e.txFinished.Store(true)
	return e.drainSidecarUntilStop(ctx)
}

type txPassResult uint8

const (
	txPassComplete txPassResult = iota
	txPassCanceled
)

func (e *Engine) txPass(ctx context.Context, origin, stride uint64, th *throttler.Throttler) txPassResult {
	ticket := uint64(0)
	total := e.space.Total()
	for {
		select {
		case <-ctx.Done():
			return txPassCanceled
		default:
		}
		if e.txFinished.Load() {
			return txPassCanceled
		}

		budget := th.NextBatch(time.Now())
		if budget == 0 {
			e.drainSidecarOnce()
			time.Sleep(time.Millisecond)
			continue
		}

		for i := uint32(0); i < budget; i++ {
			index := origin + ticket*stride
			ticket++
			if index >= total {
				return txPassComplete
			}
			// Indices below a resumed run's saved point were already
			// transmitted in a prior invocation; skip without consuming a
			// fresh cookie/timeout registration for them.
			if index >= e.startIndex {
				e.transmitOne(index)
				e.bumpProgress(index)
			}
			e.drainSidecarOnce()
		}
	}
}

// transmitOne permutes index through blackrock, resolves the concrete
// target, and drives the scan module's Transmit callback, looping while
// it reports more packets are needed at the same index (Direct
// multi-probe mode).
func (e *Engine) transmitOne(index uint64) {
	permuted := e.perm.Permute(index)
	t := e.space.Pick(permuted)

	multiIndex := 0
	for {
		target := e.buildTarget(t, index, multiIndex)
		buf, ok := e.pool.Get()
		if !ok {
			return // pool exhausted; drop this packet and let the scan continue
		}
		var event scanmodule.TransmitEvent
		needMore, err := e.module.Transmit(e.seed, target, buf, &event)
		if err != nil {
			e.pool.Put(buf)
			return
		}
		if buf.Cap() > 0 && len(buf.Bytes()) > 0 {
			if sendErr := e.sink.Send(buf.Bytes()); sendErr != nil {
				e.log.Warn("transmit failed", "error", sendErr.Error())
			} else {
				e.counters.TotalSent.Add(1)
			}
		}
		e.pool.Put(buf)

		if event.NeedTimeout {
			e.registerTimeout(target, event.TimeoutPayload)
		}
		if !needMore {
			return
		}
		multiIndex++
	}
}

// bumpProgress advances the engine's high-water index mark, used by a
// caller polling Progress() to write periodic resume checkpoints.
func (e *Engine) bumpProgress(index uint64) {
	for {
		cur := e.progress.Load()
		if index <= cur {
			return
		}
		if e.progress.CompareAndSwap(cur, index) {
			return
		}
	}
}

func (e *Engine) buildTarget(t massip.Target, globalIndex uint64, multiIndex int) scanmodule.Target {
	var ipMe massip.Addr
	if t.IP.Family() == massip.FamilyV4 {
		ipMe = e.identity.SourceV4
	} else {
		ipMe = e.identity.SourceV6
	}
	portMe := e.identity.SourcePortLow + uint16(multiIndex)

	// ICMP/ARP-class targets have no wire-level port: t.Port is only the
	// packed-port-namespace tag the composer used to select this
	// protocol, not a real source/dest port. Folding it
	// into the cookie or the dispatch hash would desync tx from rx,
	// since a reply frame never carries that tag back (frameparse leaves
	// PortThem/PortMe at their zero value for ICMP). Normalize both to 0
	// here so cookie, dedup, and handler-bucket hashing all agree with
	// what rx will actually observe.
	portThem := t.Port
	if t.Proto == massip.ProtoICMP || t.Proto == massip.ProtoOther {
		portThem, portMe = 0, 0
	}

	var cookie32 uint32
	if t.IP.Family() == massip.FamilyV4 {
		cookie32 = cookie.Compute(uint64(t.IP.Uint32()), uint64(ipMe.Uint32()), portThem, portMe, e.seed)
	} else {
		hi, lo := t.IP.Halves()
		mhi, mlo := ipMe.Halves()
		cookie32 = cookie.ComputeV6(hi, lo, mhi, mlo, portThem, portMe, e.seed)
	}

	return scanmodule.Target{
		Proto: t.Proto, IPThem: t.IP, PortThem: portThem,
		IPMe: ipMe, PortMe: portMe, MultiIndex: multiIndex, Cookie: cookie32,
	}
}

// registerTimeout hands a fast-timeout registration to the handler that
// owns this 5-tuple's bucket via the lock-free timeoutsIn ring, keeping
// timeoutwheel.Wheel single-owner even though the request
// originates on a tx goroutine.
func (e *Engine) registerTimeout(target scanmodule.Target, payload any) {
	idx := e.hashBucket(target.IPThem, target.PortThem)
	h := e.handlers[idx]
	env := timeoutEnvelope{observedAt: e.clock.Now(), payload: payload}
	if !h.timeoutsIn.Enqueue(env) {
		e.log.Error("timeout ring full, dropping registration", "handler", idx)
	}
}

// drainSidecarOnce transmits at most one queued handler-generated
// response frame (RST, follow-up SYN, ACK+payload) per tx iteration, so
// scan traffic and sidecar traffic share the wire without one starving
// the other.
func (e *Engine) drainSidecarOnce() {
	v, ok := e.sidecar.Dequeue()
	if !ok {
		return
	}
	buf := v.(*pktbuf.Buf)
	if err := e.sink.Send(buf.Bytes()); err != nil {
		e.log.Warn("sidecar transmit failed", "error", err.Error())
	} else {
		e.counters.TotalSent.Add(1)
	}
	e.pool.Put(buf)
}

// drainSidecarUntilStop keeps flushing handler-generated responses after
// this worker's own index generation is done, until rx tells everyone to
// stop.
func (e *Engine) drainSidecarUntilStop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.drainSidecarOnce()
			if e.rxFinished.Load() {
				return nil
			}
		}
	}
}
