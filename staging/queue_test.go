package staging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_PutGetOrder(t *testing.T) {
	q := NewQueue[int](8)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if q.Len() != 5 {
		t.Errorf("expected length 5, got %d", q.Len())
	}

	for i := 0; i < 5; i++ {
		v, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}
}

func TestQueue_CapacityRoundedToPowerOfTwo(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1}, {1, 1}, {3, 4}, {8, 8}, {9, 16}, {100, 128},
	}
	for _, c := range cases {
		if got := NewQueue[int](c.in).Cap(); got != c.want {
			t.Errorf("capacity %d: expected %d, got %d", c.in, c.want, got)
		}
	}
}

func TestQueue_PutBlocksWhenFull(t *testing.T) {
	q := NewQueue[int](2)
	ctx := context.Background()

	for i := 0; i < q.Cap(); i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	var unblocked atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := q.Put(ctx, 99)
		unblocked.Store(true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if unblocked.Load() {
		t.Fatal("put on a full queue should block")
	}

	if _, err := q.Get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked put should complete after a get: %v", err)
	}
}

func TestQueue_PutCancelledWhileFull(t *testing.T) {
	q := NewQueue[int](1)
	if err := q.Put(context.Background(), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Put(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueue_GetBlocksWhenEmpty(t *testing.T) {
	q := NewQueue[int](4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue[int](4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Put(ctx, i); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	q.Close()

	if err := q.Put(ctx, 99); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("put after close: expected ErrQueueClosed, got %v", err)
	}

	for i := 0; i < 3; i++ {
		v, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("draining get %d: %v", i, err)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}

	if _, err := q.Get(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("get on drained closed queue: expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_CloseReleasesBlockedGet(t *testing.T) {
	q := NewQueue[int](4)

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked get not released by close")
	}
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perProd   = 250
	)
	q := NewQueue[int](16)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				if err := q.Put(ctx, base+i); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(p * perProd)
	}

	var got sync.Map
	var count atomic.Int64
	var cg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				v, err := q.Get(ctx)
				if err != nil {
					return
				}
				if _, dup := got.LoadOrStore(v, true); dup {
					t.Errorf("value %d delivered twice", v)
				}
				count.Add(1)
			}
		}()
	}

	wg.Wait()
	for count.Load() < producers*perProd {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	cg.Wait()

	if count.Load() != producers*perProd {
		t.Fatalf("expected %d items, got %d", producers*perProd, count.Load())
	}
}
