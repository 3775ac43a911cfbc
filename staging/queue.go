// Package staging streams large input datasets into a worker pool through a
// size-bounded queue without unbounded memory growth.
//
// A Loader (producer) partitions the input stream into fixed-size batches
// and pushes them into a bounded Queue, but only when a level-triggered
// Trigger is armed. A Monitor watches queue occupancy and arms the trigger
// while the queue sits below a threshold, giving admission control: the
// producer can never run more than one batch ahead of the consumers.
//
// The end of the logical stream is marked by a single sentinel item.
// Consumers pull until they observe the sentinel, then re-post it so that
// any other consumers sharing the queue terminate as well.
package staging

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
)

var (
	// ErrQueueClosed is returned by queue operations after Close, and by
	// Get once a closed queue has been drained.
	ErrQueueClosed = errors.New("staging: queue is closed")
)

const (
	// cache line size for padding to prevent false sharing between slots
	cacheLinePadding = 128
	// spin attempts before parking on a notification channel
	maxSpinAttempts = 10
)

type queueSlot[T any] struct {
	sequence uint64
	value    T
	_        [cacheLinePadding - 16]byte
}

// Queue is a bounded multi-producer multi-consumer ring queue.
//
// Unlike a plain channel it exposes its approximate occupancy via Len,
// which is what the Monitor's admission control is built on. Put blocks
// while the queue is full, so a producer that outruns its consumers is
// stalled rather than allowed to grow memory without bound.
type Queue[T any] struct {
	ring []queueSlot[T]
	mask uint64

	_    [cacheLinePadding]byte
	head uint64
	_    [cacheLinePadding - 8]byte
	tail uint64
	_    [cacheLinePadding - 8]byte

	closed atomic.Bool

	// notification channels are buffered and never closed; closeC is
	// closed on shutdown
	notifyData  chan struct{}
	notifySpace chan struct{}
	closeC      chan struct{}

	capacity int
}

// NewQueue creates a bounded queue. The capacity is rounded up to the next
// power of two for cheap index masking.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	capacity = nextPowerOfTwo(capacity)

	ring := make([]queueSlot[T], capacity)
	for i := range ring {
		ring[i].sequence = uint64(i)
	}

	return &Queue[T]{
		ring:        ring,
		mask:        uint64(capacity - 1),
		capacity:    capacity,
		notifyData:  make(chan struct{}, 1),
		notifySpace: make(chan struct{}, 1),
		closeC:      make(chan struct{}),
	}
}

// Put adds an item, blocking while the queue is full. It returns
// ErrQueueClosed if the queue has been closed and ctx.Err() if the context
// is cancelled while waiting for space.
func (q *Queue[T]) Put(ctx context.Context, value T) error {
	spinCount := 0

	for {
		if q.closed.Load() {
			return ErrQueueClosed
		}

		tail := atomic.LoadUint64(&q.tail)
		slot := &q.ring[tail&q.mask]
		seq := atomic.LoadUint64(&slot.sequence)
		diff := int64(seq) - int64(tail)

		if diff == 0 {
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				slot.value = value
				atomic.StoreUint64(&slot.sequence, tail+1)
				q.signal(q.notifyData)
				return nil
			}
			continue
		}

		// slot still owned by a slow consumer: queue is full
		spinCount++
		if spinCount < maxSpinAttempts {
			runtime.Gosched()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closeC:
			return ErrQueueClosed
		case <-q.notifySpace:
			spinCount = 0
		}
	}
}

// Get removes and returns an item, blocking while the queue is empty.
// It returns ErrQueueClosed once the queue is closed and drained, and
// ctx.Err() if the context is cancelled while waiting.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	spinCount := 0

	for {
		if q.drained() {
			return zero, ErrQueueClosed
		}

		if val, ok := q.TryGet(); ok {
			return val, nil
		}

		spinCount++
		if spinCount < maxSpinAttempts {
			runtime.Gosched()
			continue
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.closeC:
			// drain whatever is left before reporting closed
			if val, ok := q.TryGet(); ok {
				return val, nil
			}
			return zero, ErrQueueClosed
		case <-q.notifyData:
			spinCount = 0
		}
	}
}

// TryGet attempts to dequeue without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	var zero T

	for {
		head := atomic.LoadUint64(&q.head)
		slot := &q.ring[head&q.mask]
		seq := atomic.LoadUint64(&slot.sequence)
		diff := int64(seq) - int64(head+1)

		if diff < 0 {
			return zero, false
		}
		if diff > 0 {
			// another consumer is ahead of us; retry from fresh head
			continue
		}

		if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
			value := slot.value
			slot.value = zero
			// release the slot to producers: next sequence is head+capacity
			atomic.StoreUint64(&slot.sequence, head+q.mask+1)
			q.signal(q.notifySpace)
			return value, true
		}
	}
}

func (q *Queue[T]) signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Len returns the approximate number of items in the queue. It may be
// stale the moment it returns; the monitor only needs a level signal, not
// an exact count.
func (q *Queue[T]) Len() int {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	if tail > head {
		return int(tail - head)
	}
	return 0
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Close marks the queue closed. Pending items can still be drained by Get.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.closeC)
	}
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool { return q.closed.Load() }

func (q *Queue[T]) drained() bool {
	if !q.closed.Load() {
		return false
	}
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	return head >= tail
}

// nextPowerOfTwo returns the next power of 2 >= n.
func nextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power *= 2
	}
	return power
}
