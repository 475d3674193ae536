// Package engine is the scan loop itself: N tx workers permuting the
// target-index space through a ScanModule, one rx worker preprocessing
// and dispatching replies, and M handler workers that own a dedup bucket
// range, a fast-timeout wheel, and a dispatch queue apiece. Every
// cross-worker handoff goes through the lock-free rings in pkg/ring; the
// only goroutine-shared mutable state besides those rings is a pair of
// atomic cancellation flags (time_to_finish_tx / time_to_finish_rx) and
// the atomic counters in pkg/status.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jihwankim/xscan/pkg/blackrock"
	"github.com/jihwankim/xscan/pkg/config"
	"github.com/jihwankim/xscan/pkg/dedup"
	"github.com/jihwankim/xscan/pkg/frameparse"
	"github.com/jihwankim/xscan/pkg/linklayer"
	"github.com/jihwankim/xscan/pkg/logging"
	"github.com/jihwankim/xscan/pkg/massip"
	"github.com/jihwankim/xscan/pkg/output"
	"github.com/jihwankim/xscan/pkg/pktbuf"
	"github.com/jihwankim/xscan/pkg/ring"
	"github.com/jihwankim/xscan/pkg/scanmodule"
	"github.com/jihwankim/xscan/pkg/status"
	"github.com/jihwankim/xscan/pkg/throttler"
	"github.com/jihwankim/xscan/pkg/timeoutwheel"
)

// Identity is the engine's fixed transmit-side identity for the whole
// run: which addresses and port range outgoing packets are stamped with.
type Identity struct {
	SourceV4      massip.Addr
	SourceV6      massip.Addr
	HasV4, HasV6  bool
	SourcePortLow uint16
	SourcePortNum int // width of the reserved port window, >= module's MultiNum
}

// Engine owns every piece of shared, read-after-init-only state plus the
// per-handler partitions.
type Engine struct {
	cfg    config.EngineConfig
	module scanmodule.Module
	space  *massip.TargetSpace
	perm   *blackrock.Permutation
	seed   uint64
	shardIndex, shardOf, txWorkers, numHandlers int

	identity Identity
	datalink frameparse.Datalink

	sink   linklayer.Sink
	source linklayer.Source
	outSink output.Sink

	pool    *pktbuf.Pool
	sidecar *ring.Ring // MPMC: handlers push response frames; tx workers drain and transmit

	handlers   []*handlerState
	throttlers []*throttler.Throttler // one per tx worker, sized by throttler.Split

	counters *status.Counters
	clock    *status.Clock
	log      *logging.Logger

	txFinished atomic.Bool // time_to_finish_tx
	rxFinished atomic.Bool // time_to_finish_rx

	repeat   int
	infinite bool

	startIndex uint64       // resume point: indices below this are skipped, not retransmitted
	progress   atomic.Uint64 // highest target index any tx worker has reached, for periodic resume saves
}

type handlerState struct {
	idx        int
	dedup      *dedup.Table
	wheel      *timeoutwheel.Wheel
	dispatchIn *ring.Ring // rx -> this handler: *scanmodule.ParsedFrame
	timeoutsIn *ring.Ring // tx -> this handler: timeoutEnvelope
}

type timeoutEnvelope struct {
	observedAt int64
	payload    any
}

// New builds an Engine. space must already be constructed (massip);
// module must already be Init'd by the caller — Init(config) runs once
// at startup, before the engine exists.
func New(
	cfg *config.Config,
	module scanmodule.Module,
	space *massip.TargetSpace,
	identity Identity,
	datalink frameparse.Datalink,
	sink linklayer.Sink,
	source linklayer.Source,
	outSink output.Sink,
	seed uint64,
	startIndex uint64,
	log *logging.Logger,
) (*Engine, error) {
	pool, err := pktbuf.NewPool(cfg.Engine.StackBufCount, cfg.Link.MaxPacketLen)
	if err != nil {
		return nil, fmt.Errorf("engine: pktbuf pool: %w", err)
	}
	sidecar, err := ring.New(cfg.Engine.DispatchBufCount)
	if err != nil {
		return nil, fmt.Errorf("engine: sidecar ring: %w", err)
	}

	numHandlers := cfg.Engine.RxHandlerWorkers
	handlers := make([]*handlerState, numHandlers)
	for i := range handlers {
		dd, err := dedup.New(cfg.Engine.DedupWindow)
		if err != nil {
			return nil, fmt.Errorf("engine: dedup table %d: %w", i, err)
		}
		dispatchIn, err := ring.New(cfg.Engine.DispatchBufCount)
		if err != nil {
			return nil, fmt.Errorf("engine: dispatch ring %d: %w", i, err)
		}
		timeoutsIn, err := ring.New(cfg.Engine.DispatchBufCount)
		if err != nil {
			return nil, fmt.Errorf("engine: timeout ring %d: %w", i, err)
		}
		handlers[i] = &handlerState{
			idx: i, dedup: dd, wheel: timeoutwheel.New(cfg.Engine.FastTimeoutSec),
			dispatchIn: dispatchIn, timeoutsIn: timeoutsIn,
		}
	}

	perm := blackrock.New(space.Total(), seed, cfg.Targets.BlackrockRounds)

	// One Throttler per tx worker, sized by Split so the whole fleet's
	// burst ceiling (not just each worker's naive 1/N share) accounts for
	// the configured total rate.
	throttlers := throttler.Split(cfg.Engine.RatePerSec, cfg.Engine.TxWorkers, cfg.Engine.MaxBurstSeconds, time.Now())

	e := &Engine{
		cfg: cfg.Engine, module: module, space: space, perm: perm, seed: seed,
		shardIndex: cfg.Targets.Shard.Index, shardOf: cfg.Targets.Shard.Of,
		txWorkers: cfg.Engine.TxWorkers, numHandlers: numHandlers,
		identity: identity, datalink: datalink,
		sink: sink, source: source, outSink: outSink,
		pool: pool, sidecar: sidecar, handlers: handlers, throttlers: throttlers,
		counters: &status.Counters{}, clock: status.NewClock(), log: log,
		repeat: cfg.Targets.Repeat, infinite: cfg.Targets.Infinite,
		startIndex: startIndex,
	}
	return e, nil
}

// Progress returns the highest target index any tx worker has reached so
// far, for a caller that wants to periodically write a resume file: a
// later run resumes by reopening with the same seed and starting tx at
// this saved index.
func (e *Engine) Progress() uint64 { return e.progress.Load() }

// Counters exposes the running counters for the status printer.
func (e *Engine) Counters() *status.Counters { return e.counters }

// Clock exposes the coarse wall clock for the status printer to tick.
func (e *Engine) Clock() *status.Clock { return e.clock }

// SidecarFreePercent and a per-handler dispatch free percentage are the
// two ring occupancy figures the status line shows.
func (e *Engine) SidecarFreePercent() float64 { return e.sidecar.FreePercent() }

func (e *Engine) DispatchFreePercent() float64 {
	if len(e.handlers) == 0 {
		return 100
	}
	var total float64
	for _, h := range e.handlers {
		total += h.dispatchIn.FreePercent()
	}
	return total / float64(len(e.handlers))
}

// RequestStop implements the Ctrl-C policy: the first call sets
// time_to_finish_tx; a second call sets time_to_finish_rx immediately
// (bypassing the grace-period wait a clean drain would otherwise get).
func (e *Engine) RequestStop() {
	if !e.txFinished.Swap(true) {
		return
	}
	e.rxFinished.Store(true)
}

// Run drives the full worker set until the scan completes or ctx is
// canceled: tx completion starts a grace-period wait (cfg.WaitSeconds)
// before rx is told to stop, unless RequestStop already set both flags.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for k := 0; k < e.txWorkers; k++ {
		k := k
		g.Go(func() error { return e.txWorker(gctx, k) })
	}
	g.Go(func() error { return e.rxWorker(gctx) })
	for i := range e.handlers {
		i := i
		g.Go(func() error { return e.handlerWorker(gctx, i) })
	}
	g.Go(func() error { return e.waitAndFinishRx(gctx) })

	return g.Wait()
}

// waitAndFinishRx implements the grace-period half of the Ctrl-C policy:
// once every tx worker has finished generating new indices, wait
// cfg.WaitSeconds for in-flight replies before telling rx to stop.
func (e *Engine) waitAndFinishRx(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.rxFinished.Store(true)
			return nil
		case <-ticker.C:
			if e.txFinished.Load() {
				wait := time.Duration(e.cfg.WaitSeconds) * time.Second
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
				e.rxFinished.Store(true)
				return nil
			}
		}
	}
}

// hashBucket picks the handler that owns dedup/dispatch/timeout
// ownership for a given (ip_them, port_them) pair, the single hash both
// rx's dispatch and tx's cross-goroutine timeout registration must agree
// on.
func (e *Engine) hashBucket(ipThem massip.Addr, portThem uint16) int {
	var h uint64 = 0xcbf29ce484222325
	mix := func(v uint64) {
		h ^= v
		h *= 0x100000001b3
	}
	if ipThem.Family() == massip.FamilyV4 {
		mix(uint64(ipThem.Uint32()))
	} else {
		hi, lo := ipThem.Halves()
		mix(hi)
		mix(lo)
	}
	mix(uint64(portThem))
	return int(h % uint64(e.numHandlers))
}
