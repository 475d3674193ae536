package pktbuf

import "testing"

func TestPoolGetPutRoundTrip(t *testing.T) {
	p, err := NewPool(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	bufs := make([]*Buf, 0, 4)
	for i := 0; i < 4; i++ {
		b, ok := p.Get()
		if !ok {
			t.Fatalf("expected buffer %d available", i)
		}
		bufs = append(bufs, b)
	}
	if _, ok := p.Get(); ok {
		t.Fatal("expected pool to be exhausted")
	}
	for _, b := range bufs {
		p.Put(b)
	}
	if _, ok := p.Get(); !ok {
		t.Fatal("expected a buffer back after Put")
	}
}

func TestBufAppendAndBytes(t *testing.T) {
	b := &Buf{data: make([]byte, 16)}
	b.Append([]byte("hello"))
	b.Append([]byte("!"))
	if string(b.Bytes()) != "hello!" {
		t.Fatalf("unexpected contents: %q", b.Bytes())
	}
}

func TestBufAppendOverflowPanics(t *testing.T) {
	b := &Buf{data: make([]byte, 4)}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflow")
		}
	}()
	b.Append([]byte("toolong"))
}

func TestPoolPutDropsForeignSizedBuf(t *testing.T) {
	p, err := NewPool(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	foreign := NewStandalone(128)
	p.Put(foreign) // must be dropped, not enqueued alongside the 64-byte buffers

	for i := 0; i < 2; i++ {
		b, ok := p.Get()
		if !ok {
			t.Fatalf("expected buffer %d available", i)
		}
		if b.Cap() != 64 {
			t.Fatalf("expected pool-sized buffer, got cap %d", b.Cap())
		}
	}
	if _, ok := p.Get(); ok {
		t.Fatal("expected pool to remain exhausted after dropping the foreign buffer")
	}
}

func TestBufResetReusesCapacity(t *testing.T) {
	b := &Buf{data: make([]byte, 8)}
	b.Append([]byte("abcd"))
	b.Reset()
	if len(b.Bytes()) != 0 {
		t.Fatal("expected zero length after reset")
	}
	if b.Cap() != 8 {
		t.Fatalf("expected capacity to persist, got %d", b.Cap())
	}
}
