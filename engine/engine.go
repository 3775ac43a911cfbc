// Package engine executes independent, index-addressed tasks across a pool
// of workers and persists every result into a store row.
//
// The engine is resumable: before dispatch it asks the result store which
// indices are still incomplete and only computes those, so a run that
// crashed or aborted can simply be started again. Per-task failures are
// recorded against a failure budget instead of stopping the run; crossing
// the budget aborts cooperatively (tasks already running finish, tasks not
// yet started are skipped).
//
// Trivial workloads (one task) always run sequentially with no
// synchronization primitives at all.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/memrun/fault"
	"github.com/utkarsh5026/memrun/store"
)

// ErrNoMemory is returned by Run when no result store was attached.
// Initialize memory first with store.Open.
var ErrNoMemory = errors.New("engine: result store not initialized")

// ComputeFunc is the caller-supplied compute function for one task.
// It receives the task index and payload and returns one result row, which
// must have exactly store.RowLen() elements.
//
// Returning an error marks the index Failed and counts against the failure
// budget; it does not stop the run unless the budget is exhausted.
type ComputeFunc[P any] func(ctx context.Context, index int, payload P) ([]float64, error)

// Task pairs an index with its payload for dispatch. Tasks are ephemeral:
// created when an incomplete index is discovered, gone once dispatched.
type Task[P any] struct {
	Index   int
	Payload P
}

// Executor dispatches incomplete task indices to a worker pool and writes
// the results into its store.
//
// Type parameter P is the per-task payload type. The payload slice given to
// Run is indexed by task index; it may be nil when the compute function
// needs only the index.
type Executor[P any] struct {
	results *store.Store
	conf    *config
}

// New creates an executor bound to a result store.
//
// Example:
//
//	st, _ := store.Open("results.dat", []int{1000, 3}, math.NaN(), false)
//	exec := engine.New[[]float64](st, engine.WithWorkers(8))
//	report, err := exec.Run(ctx, frames, computeShift)
func New[P any](results *store.Store, opts ...Option) *Executor[P] {
	return &Executor[P]{
		results: results,
		conf:    newConfig(opts...),
	}
}

// Results returns the executor's result store.
func (e *Executor[P]) Results() *store.Store { return e.results }

func (e *Executor[P]) String() string {
	if e.results == nil {
		return "Executor(0/0)"
	}
	return fmt.Sprintf("Executor(%d/%d)", e.results.CompletedCount(), e.results.Len())
}

// Run executes the compute function for every incomplete index in the store
// and returns the run's report. data is indexed by task index and may be
// nil. Running twice against the same store without a Reset performs no
// additional computation on the second run.
//
// Returns fault.ErrAborted alongside the report when the failure budget was
// exhausted; the report is complete in either case.
func (e *Executor[P]) Run(ctx context.Context, data []P, fn ComputeFunc[P]) (*fault.Report, error) {
	return e.RunIndices(ctx, data, nil, fn)
}

// RunIndices is Run with an explicit workload. A nil indices slice means
// "exactly the incomplete slots"; an explicit slice recomputes the given
// indices whether or not they already hold results.
func (e *Executor[P]) RunIndices(ctx context.Context, data []P, indices []int, fn ComputeFunc[P]) (*fault.Report, error) {
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

	logrus.WithFields(logrus.Fields{
		"job":     e.conf.jobname,
		"tasks":   len(indices),
		"workers": workers,
	}).Debug("engine: starting run")

	if workers == 1 {
		err = e.runSequential(ctx, data, indices, fn, wctx)
	} else {
		err = e.runParallel(ctx, data, indices, fn, wctx, workers)
	}

	if err == nil {
		tracker.Finish()
	}
	return tracker.Report(), err
}

// prepare resolves the workload and builds the run's fault tracker.
// Indices completed in earlier runs are marked done so the report does not
// list them as never attempted.
func (e *Executor[P]) prepare(indices []int) (*fault.Tracker, []int, error) {
	if e.results == nil {
		return nil, nil, ErrNoMemory
	}

	explicit := indices != nil
	if !explicit {
		indices = e.results.Incomplete()
	}

	n := e.results.Len()
	tracker := fault.New(e.conf.jobname, n, resolveBudget(e.conf, n))
	if e.conf.timing {
		tracker.EnableTiming()
	}

	inWork := make(map[int]bool, len(indices))
	for _, i := range indices {
		inWork[i] = true
	}
	for i, done := range e.results.Completed() {
		if done && !inWork[i] {
			tracker.MarkDone(i)
		}
	}

	if len(indices) == 0 {
		logrus.WithField("job", e.conf.jobname).Info(
			"engine: all tasks already processed; reopen the store with overwrite to force a rerun")
		tracker.Finish()
	}
	return tracker, indices, nil
}

func (e *Executor[P]) runSequential(ctx context.Context, data []P, indices []int, fn ComputeFunc[P], wctx *workerContext) error {
	for _, i := range indices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runTask(ctx, Task[P]{Index: i, Payload: payloadAt(data, i)}, fn, wctx); err != nil {
			return err
		}
	}
	return nil
}

// runParallel dispatches tasks over a buffered channel drained by an
// errgroup of workers. A worker returning an error (budget exhausted, or a
// store write failure) cancels the group context, which stops the feeder
// and lets the remaining workers drain out; tasks mid-compute are not
// preempted.
func (e *Executor[P]) runParallel(ctx context.Context, data []P, indices []int, fn ComputeFunc[P], wctx *workerContext, workers int) error {
	g, gctx := errgroup.WithContext(ctx)
	taskChan := make(chan Task[P], workers)

	for n := 0; n < workers; n++ {
		g.Go(func() error {
			return e.worker(gctx, taskChan, fn, wctx)
		})
	}

	g.Go(func() error {
		defer close(taskChan)
		for _, i := range indices {
			select {
			case taskChan <- Task[P]{Index: i, Payload: payloadAt(data, i)}:
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

func (e *Executor[P]) worker(ctx context.Context, taskChan <-chan Task[P], fn ComputeFunc[P], wctx *workerContext) error {
	for {
		select {
		case t, ok := <-taskChan:
			if !ok {
				return nil
			}
			if err := e.runTask(ctx, t, fn, wctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runTask is the per-task pipeline shared by the sequential and parallel
// paths: consult the tracker, rate-limit, compute with recovery, write the
// result row, account the outcome.
func (e *Executor[P]) runTask(ctx context.Context, t Task[P], fn ComputeFunc[P], wctx *workerContext) error {
	if err := wctx.tracker.BeforeTask(); err != nil {
		return err
	}

	if e.conf.rateLimiter != nil {
		if err := e.conf.rateLimiter.Wait(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	vals, err := e.computeWithRecovery(ctx, t, fn)
	if err != nil {
		defer wctx.bump()
		return wctx.tracker.Failure(t.Index, err)
	}

	if err := e.results.Write(t.Index, vals); err != nil {
		return err
	}
	wctx.tracker.Success(t.Index, time.Since(start))
	wctx.bump()
	return nil
}

// computeWithRecovery executes one task with panic recovery and the
// configured retry policy. A panic in the compute function is converted to
// an error so a single bad task cannot crash a worker.
func (e *Executor[P]) computeWithRecovery(ctx context.Context, t Task[P], fn ComputeFunc[P]) (vals []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = fmt.Errorf("compute panic on index %d: %v\nstack trace:\n%s", t.Index, r, buf[:n])
		}
	}()

	maxAttempts := max(e.conf.maxAttempts, 1)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && e.conf.initialDelay > 0 {
			select {
			case <-time.After(calcBackoffDelay(e.conf.initialDelay, attempt-1)):
			case <-ctx.Done():
				return vals, ctx.Err()
			}
		}

		vals, err = fn(ctx, t.Index, t.Payload)
		if err == nil {
			return vals, nil
		}
	}
	return vals, err
}

func payloadAt[P any](data []P, i int) P {
	var zero P
	if data == nil || i >= len(data) {
		return zero
	}
	return data[i]
}
