package staging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Item wraps one queue element. End is true only for the sentinel that
// terminates the logical stream.
type Item[T any] struct {
	Payload T
	End     bool
}

// Sentinel returns the end-of-stream marker.
func Sentinel[T any]() Item[T] {
	return Item[T]{End: true}
}

// Loader streams payloads from an input channel into the staging queue in
// fixed-size batches, gated by the trigger. The sentinel is appended once
// to the very end of the logical stream, so the last batch naturally
// carries it; pushing the sentinel also closes the Done signal.
type Loader[T any] struct {
	name        string
	queue       *Queue[Item[T]]
	trigger     *Trigger
	batchSize   int
	waitTimeout time.Duration
	done        chan struct{}
}

// NewLoader wires a loader to its queue and trigger. waitTimeout bounds
// each trigger wait; zero waits indefinitely.
func NewLoader[T any](name string, q *Queue[Item[T]], trig *Trigger, batchSize int, waitTimeout time.Duration) *Loader[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader[T]{
		name:        name,
		queue:       q,
		trigger:     trig,
		batchSize:   batchSize,
		waitTimeout: waitTimeout,
		done:        make(chan struct{}),
	}
}

// Done is closed once the sentinel has been enqueued. The monitor uses it
// to stop polling.
func (l *Loader[T]) Done() <-chan struct{} { return l.done }

// Load runs the producer loop until the source channel is exhausted: wait
// for the trigger, enqueue one batch, clear the trigger, repeat. The source
// may be infinite; Load then runs until ctx is cancelled.
//
// Returns ErrStalledPipeline when a trigger wait times out, or the context
// error on cancellation.
func (l *Loader[T]) Load(ctx context.Context, src <-chan T) error {
	log := logrus.WithField("loader", l.name)

	for batchNum := 0; ; batchNum++ {
		batch, end := l.nextBatch(ctx, src)
		if len(batch) == 0 && !end {
			// context cancelled mid-gather
			return ctx.Err()
		}

		log.Debugf("waiting on trigger for load %d", batchNum)
		if err := l.trigger.Wait(ctx, l.waitTimeout); err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"load":  batchNum,
			"items": len(batch),
		}).Debug("load commencing")

		for _, it := range batch {
			if err := l.queue.Put(ctx, it); err != nil {
				return err
			}
			if it.End {
				close(l.done)
				log.Info("all data loaded")
			}
		}
		batchesLoaded.WithLabelValues(l.name).Inc()

		l.trigger.Clear()
		if end {
			return nil
		}
	}
}

// nextBatch gathers up to batchSize elements of the logical stream, which
// is the source followed by a single sentinel. end is true when the
// sentinel is part of this batch.
func (l *Loader[T]) nextBatch(ctx context.Context, src <-chan T) (batch []Item[T], end bool) {
	batch = make([]Item[T], 0, l.batchSize)
	for len(batch) < l.batchSize {
		select {
		case v, ok := <-src:
			if !ok {
				return append(batch, Sentinel[T]()), true
			}
			batch = append(batch, Item[T]{Payload: v})
		case <-ctx.Done():
			return batch[:0], false
		}
	}
	return batch, false
}

// Consumer pulls items from a staging queue until it observes the
// sentinel. Because a single sentinel would otherwise terminate only the
// first consumer to dequeue it, Next re-posts the sentinel before
// reporting end-of-stream, so every consumer sharing the queue terminates.
type Consumer[T any] struct {
	queue *Queue[Item[T]]
}

// NewConsumer returns a consumer for the given staging queue.
func NewConsumer[T any](q *Queue[Item[T]]) *Consumer[T] {
	return &Consumer[T]{queue: q}
}

// Next returns the next payload. ok is false once the sentinel has been
// observed; err is non-nil on cancellation or queue closure.
func (c *Consumer[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	var zero T

	it, err := c.queue.Get(ctx)
	if err != nil {
		return zero, false, err
	}
	if it.End {
		// put the sentinel back for the other consumers
		if perr := c.queue.Put(ctx, it); perr != nil && perr != ErrQueueClosed {
			return zero, false, perr
		}
		return zero, false, nil
	}
	return it.Payload, true, nil
}
