package engine

import (
	"context"
	"errors"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/memrun/fault"
	"github.com/utkarsh5026/memrun/store"
)

// BatchedExecutor is an Executor that groups the workload into contiguous
// batches before dispatch, so each unit handed to a worker amortizes the
// scheduling overhead over many tasks. Use it when the compute function is
// cheap relative to dispatch latency.
//
// Unless fixed with WithBatchSize, the batch size is derived once per run as
//
//	size = n/workers + n%workers
//
// where n is the count of incomplete indices. Note this adds the full
// remainder to every batch rather than spreading it one unit at a time, so
// it can produce noticeably fewer, larger batches than an even split. The
// formula is inherited behavior and deliberately left as-is.
type BatchedExecutor[P any] struct {
	*Executor[P]
}

// NewBatched creates a batching executor bound to a result store. It
// accepts the same options as New, plus WithBatchSize.
func NewBatched[P any](results *store.Store, opts ...Option) *BatchedExecutor[P] {
	return &BatchedExecutor[P]{Executor: New[P](results, opts...)}
}

// Run executes every incomplete index, dispatching in batches.
func (e *BatchedExecutor[P]) Run(ctx context.Context, data []P, fn ComputeFunc[P]) (*fault.Report, error) {
	return e.RunIndices(ctx, data, nil, fn)
}

// RunIndices is Run with an explicit workload; see Executor.RunIndices.
func (e *BatchedExecutor[P]) RunIndices(ctx context.Context, data []P, indices []int, fn ComputeFunc[P]) (*fault.Report, error) {
	tracker, indices, err := e.prepare(indices)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return tracker.Report(), nil
	}

	workers := resolveWorkers(e.conf.workers, len(indices))
	wctx := e.newWorkerContext(tracker, len(indices), workers)
	defer wctx.finish()

	if workers == 1 {
		err = e.runSequential(ctx, data, indices, fn, wctx)
	} else {
		batches := planBatches(indices, workers, e.conf.batchSize, e.conf.jobname)
		err = e.runBatches(ctx, data, batches, fn, wctx, workers)
	}

	if err == nil {
		tracker.Finish()
	}
	return tracker.Report(), err
}

// planBatches splits the workload into contiguous index batches.
func planBatches(indices []int, workers, size int, jobname string) [][]int {
	n := len(indices)
	if size <= 0 {
		size = n/workers + n%workers
	}
	if size > n {
		size = n
	}

	var batches [][]int
	for start := 0; start < n; start += size {
		batches = append(batches, indices[start:min(start+size, n)])
	}

	logrus.WithFields(logrus.Fields{
		"job":     jobname,
		"batches": int(math.Round(float64(n) / float64(size))),
		"size":    size,
		"workers": workers,
	}).Info("engine: work split into batches")

	return batches
}

// runBatches dispatches whole batches to the worker pool; each worker walks
// its batch sequentially through the shared per-task pipeline.
func (e *BatchedExecutor[P]) runBatches(ctx context.Context, data []P, batches [][]int, fn ComputeFunc[P], wctx *workerContext, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	batchChan := make(chan []int, workers)

	for n := 0; n < min(workers, len(batches)); n++ {
		g.Go(func() error {
			for {
				select {
				case batch, ok := <-batchChan:
					if !ok {
						return nil
					}
					for _, i := range batch {
						if err := e.runTask(gctx, Task[P]{Index: i, Payload: payloadAt(data, i)}, fn, wctx); err != nil {
							return err
						}
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	g.Go(func() error {
		defer close(batchChan)
		for _, batch := range batches {
			select {
			case batchChan <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, fault.ErrAborted) {
		return fault.ErrAborted
	}
	return err
}
