package timeoutwheel

import "testing"

func TestPopRespectsDelay(t *testing.T) {
	w := New(10)
	w.Add(100, "a")
	if _, ok := w.Pop(105); ok {
		t.Fatal("expected no pop before age reaches spec")
	}
	ev, ok := w.Pop(110)
	if !ok {
		t.Fatal("expected pop once age == spec")
	}
	if ev.Payload != "a" {
		t.Fatalf("unexpected payload %v", ev.Payload)
	}
}

func TestFIFOOrder(t *testing.T) {
	w := New(5)
	w.Add(0, "first")
	w.Add(1, "second")
	w.Add(2, "third")

	var order []string
	w.DrainDue(100, func(ev Event) { order = append(order, ev.Payload.(string)) })
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	w := New(5)
	if _, ok := w.Pop(0); ok {
		t.Fatal("expected false on empty wheel")
	}
}

func TestPopOnlyPopsWhenHeadDue(t *testing.T) {
	w := New(10)
	w.Add(0, "old")
	w.Add(100, "new")
	// head ("old") is due at now=50; "new" is not yet due until 110, but
	// it should never block "old" from popping, and should not itself be
	// returned early.
	ev, ok := w.Pop(50)
	if !ok || ev.Payload != "old" {
		t.Fatalf("expected 'old' to pop, got %+v ok=%v", ev, ok)
	}
	if _, ok := w.Pop(50); ok {
		t.Fatal("expected 'new' to not be due yet")
	}
}

func TestZeroSpecDisablesTimeouts(t *testing.T) {
	w := New(0)
	w.Add(0, "x")
	if w.Len() != 0 {
		t.Fatalf("expected Add to be a no-op when spec is 0, got len %d", w.Len())
	}
	if _, ok := w.Pop(1000); ok {
		t.Fatal("expected no pops when timeouts are disabled")
	}
}

func TestLen(t *testing.T) {
	w := New(5)
	w.Add(0, 1)
	w.Add(0, 2)
	if w.Len() != 2 {
		t.Fatalf("expected len 2, got %d", w.Len())
	}
	w.Pop(100)
	if w.Len() != 1 {
		t.Fatalf("expected len 1 after pop, got %d", w.Len())
	}
}
