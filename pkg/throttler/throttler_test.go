package throttler

import (
	"testing"
	"time"
)

func TestNextBatchAccumulatesOverTime(t *testing.T) {
	start := time.Unix(0, 0)
	th := New(100, 10, start) // 100 pps, burst cap 1000

	if b := th.NextBatch(start); b != 0 {
		t.Fatalf("expected 0 tokens at t=0, got %d", b)
	}
	later := start.Add(500 * time.Millisecond)
	if b := th.NextBatch(later); b != 50 {
		t.Fatalf("expected 50 tokens after 500ms at 100pps, got %d", b)
	}
}

func TestNextBatchBoundedByBurst(t *testing.T) {
	start := time.Unix(0, 0)
	th := New(100, 2, start) // burst cap = 200 tokens

	farFuture := start.Add(10 * time.Second) // would accumulate 1000 without cap
	got := th.NextBatch(farFuture)
	if got != 200 {
		t.Fatalf("expected burst-capped batch of 200, got %d", got)
	}
}

func TestNextBatchUnthrottled(t *testing.T) {
	th := New(0, 10, time.Unix(0, 0))
	if b := th.NextBatch(time.Unix(1, 0)); b != defaultUnthrottledBatch {
		t.Fatalf("expected unthrottled default batch, got %d", b)
	}
}

func TestSplitDividesRateEvenly(t *testing.T) {
	now := time.Unix(0, 0)
	ths := Split(1000, 4, 10, now)
	if len(ths) != 4 {
		t.Fatalf("expected 4 throttlers, got %d", len(ths))
	}
	for _, th := range ths {
		if th.CurrentRate() != 250 {
			t.Fatalf("expected 250pps per worker, got %f", th.CurrentRate())
		}
	}
}

func TestSetRatePreservesCappedTokens(t *testing.T) {
	start := time.Unix(0, 0)
	th := New(100, 10, start)
	th.NextBatch(start.Add(5 * time.Second)) // fill toward cap, then drain
	th.SetRate(10, 10)                       // lower cap to 100
	if th.tokens > 100 {
		t.Fatalf("expected tokens clamped to new cap, got %f", th.tokens)
	}
}
