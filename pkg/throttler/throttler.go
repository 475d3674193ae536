// Package throttler paces each tx worker to its share of the configured
// packet rate. It is a token bucket: NextBatch(now) reports how many
// packets may be sent in this tick, with bounded carry-over so a worker
// that falls behind (blocked NIC queue, GC pause) cannot unleash a burst
// once it catches up.
//
// golang.org/x/time/rate solves the adjacent "wait until a token is
// available" problem but has no side-effect-free way to ask "how many
// tokens are available right now, capped at N" without also consuming
// them or blocking; NextBatch needs exactly that query so a tx worker can
// size one iteration's work without a rate.Limiter polling loop. The
// bucket math here is accordingly hand-rolled, but it is deliberately the
// same token-bucket model rate.Limiter implements; Split below still
// reaches for rate.Limiter once, at startup, to size the shared burst
// ceiling.
package throttler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler is a per-worker token bucket. Safe for concurrent use.
type Throttler struct {
	mu sync.Mutex

	ratePerSec float64
	maxBurst   float64 // bounded carry-over, e.g. 10x the tick interval's worth

	tokens float64
	last   time.Time
}

// New builds a throttler targeting ratePerSec packets/sec, with carry-over
// bounded to maxBurstSeconds worth of packets (e.g. 10x a typical tick
// interval, per the scanner's burst policy).
func New(ratePerSec float64, maxBurstSeconds float64, now time.Time) *Throttler {
	if ratePerSec < 0 {
		ratePerSec = 0
	}
	return &Throttler{
		ratePerSec: ratePerSec,
		maxBurst:   ratePerSec * maxBurstSeconds,
		tokens:     0,
		last:       now,
	}
}

// NextBatch reports how many packets this worker may send right now,
// consuming that many tokens from the bucket. Called once per tx-worker
// iteration.
func (t *Throttler) NextBatch(now time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ratePerSec <= 0 {
		// unthrottled: always return a fixed iteration-sized batch.
		return defaultUnthrottledBatch
	}

	elapsed := now.Sub(t.last).Seconds()
	if elapsed > 0 {
		t.tokens += elapsed * t.ratePerSec
		if t.tokens > t.maxBurst {
			t.tokens = t.maxBurst
		}
		t.last = now
	}

	if t.tokens < 1 {
		return 0
	}
	batch := uint32(t.tokens)
	t.tokens -= float64(batch)
	return batch
}

// defaultUnthrottledBatch is the batch size handed out per iteration when
// rate limiting is disabled (rate <= 0), letting tx workers run at full
// speed without special-casing a nil throttler at every call site.
const defaultUnthrottledBatch = 1024

// CurrentRate returns the configured target rate, observable for the
// status line.
func (t *Throttler) CurrentRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ratePerSec
}

// SetRate updates the target rate at runtime (e.g. an operator-issued
// rate change), preserving accumulated tokens up to the new burst cap.
func (t *Throttler) SetRate(ratePerSec float64, maxBurstSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ratePerSec = ratePerSec
	t.maxBurst = ratePerSec * maxBurstSeconds
	if t.tokens > t.maxBurst {
		t.tokens = t.maxBurst
	}
}

// Split divides a global target rate evenly across n tx workers, each
// getting its own Throttler. A golang.org/x/time/rate.Limiter sized to
// the global rate supplies the burst ceiling: clampBurst bounds
// totalRatePerSec*maxBurstSeconds to a sane int range, the limiter's
// Burst() returns it, and it is divided back across workers, so a misconfigured rate can't overflow
// the per-worker float64 bucket on the hot path below.
func Split(totalRatePerSec float64, n int, maxBurstSeconds float64, now time.Time) []*Throttler {
	if n <= 0 {
		n = 1
	}
	per := totalRatePerSec / float64(n)
	globalBurst := rate.NewLimiter(rate.Limit(totalRatePerSec), clampBurst(totalRatePerSec*maxBurstSeconds)).Burst()
	perBurstSeconds := maxBurstSeconds
	if per > 0 {
		perBurstSeconds = float64(globalBurst) / float64(n) / per
	}
	out := make([]*Throttler, n)
	for i := range out {
		out[i] = New(per, perBurstSeconds, now)
	}
	return out
}

// clampBurst bounds a computed burst size to what rate.NewLimiter's int
// parameter can hold without overflow or going negative.
func clampBurst(burst float64) int {
	if burst < 1 {
		return 1
	}
	if burst > 1<<30 {
		return 1 << 30
	}
	return int(burst)
}
