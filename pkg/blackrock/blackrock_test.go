package blackrock

import "testing"

func collect(p *Permutation) map[uint64]bool {
	out := make(map[uint64]bool, p.N())
	for i := uint64(0); i < p.N(); i++ {
		out[p.Permute(i)] = true
	}
	return out
}

func TestBijectionSmallN(t *testing.T) {
	for _, n := range []uint64{0, 1, 2, 3, 7, 10, 100} {
		p := New(n, 42, DefaultRounds)
		out := collect(p)
		if uint64(len(out)) != n {
			t.Fatalf("n=%d: expected %d distinct outputs, got %d", n, n, len(out))
		}
		for v := uint64(0); v < n; v++ {
			if !out[v] {
				t.Fatalf("n=%d: output set missing %d", n, v)
			}
		}
	}
}

// Blackrock coverage scenario: N=1000, rounds=14, seed=1 — collecting all
// 1000 permuted outputs yields exactly {0..999}.
func TestBijectionCoverageScenario(t *testing.T) {
	const n = 1000
	p := New(n, 1, 14)
	out := collect(p)
	if len(out) != n {
		t.Fatalf("expected %d distinct outputs, got %d", n, len(out))
	}
	for v := uint64(0); v < n; v++ {
		if !out[v] {
			t.Fatalf("missing output %d", v)
		}
	}
}

func TestDifferentSeedsDifferentOrder(t *testing.T) {
	const n = 500
	p1 := New(n, 1, DefaultRounds)
	p2 := New(n, 2, DefaultRounds)
	diff := 0
	for i := uint64(0); i < n; i++ {
		if p1.Permute(i) != p2.Permute(i) {
			diff++
		}
	}
	if diff == 0 {
		t.Fatal("expected different seeds to produce different orderings")
	}
}

func TestDeterministic(t *testing.T) {
	p1 := New(2000, 7, DefaultRounds)
	p2 := New(2000, 7, DefaultRounds)
	for i := uint64(0); i < 2000; i++ {
		if p1.Permute(i) != p2.Permute(i) {
			t.Fatalf("same seed/n produced different output at %d", i)
		}
	}
}

func TestNonSquareN(t *testing.T) {
	// n deliberately not a perfect square, and not close to one, to
	// exercise cycle-walking.
	p := New(997, 99, DefaultRounds)
	out := collect(p)
	if len(out) != 997 {
		t.Fatalf("expected 997 distinct outputs, got %d", len(out))
	}
}
