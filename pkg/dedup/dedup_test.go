package dedup

import "testing"

func TestIsDuplicateV4Idempotent(t *testing.T) {
	tb, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	if tb.IsDuplicateV4(1, 80, 2, 12345, 0) {
		t.Fatal("first insert should not be a duplicate")
	}
	if !tb.IsDuplicateV4(1, 80, 2, 12345, 0) {
		t.Fatal("second insert of same key should be a duplicate")
	}
}

func TestIsDuplicateV4DistinctKeys(t *testing.T) {
	tb, _ := New(16)
	tb.IsDuplicateV4(1, 80, 2, 12345, 0)
	if tb.IsDuplicateV4(1, 81, 2, 12345, 0) {
		t.Fatal("different port should not be a duplicate")
	}
	if tb.IsDuplicateV4(1, 80, 2, 12345, 1) {
		t.Fatal("different type should not be a duplicate")
	}
}

func TestBucketEvictsOldestNotMostRecent(t *testing.T) {
	tb, err := New(4) // exactly 1 bucket of 4
	if err != nil {
		t.Fatal(err)
	}
	if tb.Buckets() != 1 {
		t.Fatalf("expected 1 bucket, got %d", tb.Buckets())
	}
	// fill the bucket with 4 distinct keys (same hash bucket since only
	// one bucket exists).
	for i := uint16(0); i < 4; i++ {
		if tb.IsDuplicateV4(1, i, 2, 0, 0) {
			t.Fatalf("key %d should not be duplicate on first insert", i)
		}
	}
	// re-touch key 0 to move it to front.
	if !tb.IsDuplicateV4(1, 0, 2, 0, 0) {
		t.Fatal("key 0 should be a duplicate")
	}
	// insert a 5th distinct key: should evict the oldest (key 1, since key
	// 0 was just moved to front).
	tb.IsDuplicateV4(1, 4, 2, 0, 0)
	if tb.IsDuplicateV4(1, 1, 2, 0, 0) {
		t.Fatal("expected key 1 to have been evicted")
	}
	if !tb.IsDuplicateV4(1, 0, 2, 0, 0) {
		t.Fatal("expected key 0 (recently touched) to still be resident")
	}
}

func TestIsDuplicateV6(t *testing.T) {
	tb, _ := New(16)
	if tb.IsDuplicateV6(1, 2, 80, 3, 4, 12345, 0) {
		t.Fatal("first insert should not be a duplicate")
	}
	if !tb.IsDuplicateV6(1, 2, 80, 3, 4, 12345, 0) {
		t.Fatal("second insert should be a duplicate")
	}
	if tb.IsDuplicateV6(9, 2, 80, 3, 4, 12345, 0) {
		t.Fatal("different high bits should not be a duplicate")
	}
}

func TestNewRoundsUpToPowerOfTwoBuckets(t *testing.T) {
	tb, err := New(10) // 10/4 = 2 -> already pow2
	if err != nil {
		t.Fatal(err)
	}
	if tb.Buckets() != 2 {
		t.Fatalf("expected 2 buckets, got %d", tb.Buckets())
	}
	tb2, _ := New(20) // 20/4 = 5 -> rounds to 8
	if tb2.Buckets() != 8 {
		t.Fatalf("expected 8 buckets, got %d", tb2.Buckets())
	}
}

func TestNewRejectsNonPositiveWindow(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero window")
	}
}
