package ring

import (
	"sync"
	"testing"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(3); err == nil {
		t.Fatal("expected error for non-power-of-two capacity")
	}
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	r, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if !r.Enqueue(i) {
			t.Fatalf("enqueue %d failed, ring should have room", i)
		}
	}
	if r.Enqueue(99) {
		t.Fatal("expected enqueue to fail once ring is full")
	}
	for i := 0; i < 8; i++ {
		v, ok := r.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d failed, ring should have items", i)
		}
		if v.(int) != i {
			t.Fatalf("expected %d, got %v", i, v)
		}
	}
	if _, ok := r.Dequeue(); ok {
		t.Fatal("expected dequeue to fail on empty ring")
	}
}

func TestFreePercent(t *testing.T) {
	r, _ := New(4)
	if r.FreePercent() != 100 {
		t.Fatalf("expected 100%% free, got %f", r.FreePercent())
	}
	r.Enqueue(1)
	r.Enqueue(2)
	if got := r.FreePercent(); got != 50 {
		t.Fatalf("expected 50%% free, got %f", got)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	r, err := New(1024)
	if err != nil {
		t.Fatal(err)
	}
	const producers = 8
	const perProducer = 2000
	var wg sync.WaitGroup

	received := make(chan int, producers*perProducer)
	done := make(chan struct{})

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.Enqueue(base*perProducer + i) {
					// spin until a slot frees up.
				}
			}
		}(p)
	}

	var consumeWG sync.WaitGroup
	const consumers = 4
	consumeWG.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer consumeWG.Done()
			for {
				select {
				case <-done:
					for {
						v, ok := r.Dequeue()
						if !ok {
							return
						}
						received <- v.(int)
					}
				default:
					v, ok := r.Dequeue()
					if ok {
						received <- v.(int)
					}
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	consumeWG.Wait()
	close(received)

	seen := make(map[int]bool, producers*perProducer)
	count := 0
	for v := range received {
		if seen[v] {
			t.Fatalf("value %d received twice", v)
		}
		seen[v] = true
		count++
	}
	if count != producers*perProducer {
		t.Fatalf("expected %d total items, got %d", producers*perProducer, count)
	}
}
