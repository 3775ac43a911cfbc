// Package fault tracks per-task outcomes for a single engine run and
// enforces the run's failure budget.
//
// A Tracker owns the per-index status table, the processed/failed counters,
// and the run state machine (Running -> Aborted or Running -> Finished).
// Abort is cooperative: once the budget is exhausted the tracker flips to
// Aborted and tasks that have not yet started short-circuit; tasks already
// in flight run to completion and are still accounted for.
package fault

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAborted is returned once the number of failed tasks exceeds the
// failure budget. It propagates out of the engine's Run; per-task errors
// below the budget are recorded but never raised.
var ErrAborted = errors.New("fault: failure budget exhausted, run aborted")

// Status is the lifecycle of a single task index.
type Status uint8

const (
	// Pending marks an index that has not been attempted (or was skipped
	// after an abort).
	Pending Status = iota
	// Success marks an index whose result was written to the store.
	Success
	// Failed marks an index whose compute function returned an error.
	Failed
)

// State is the run-level state machine. Aborted and Finished are terminal.
type State int32

const (
	Running State = iota
	Aborted
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Aborted:
		return "aborted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// DefaultBudget resolves the failure budget for a workload of n tasks:
// one percent of n, capped at 50, and never less than 1.
func DefaultBudget(n int) int {
	b := n / 100
	if b > 50 {
		b = 50
	}
	if b < 1 {
		b = 1
	}
	return b
}

// Tracker records task outcomes and enforces the failure budget for one run.
//
// The status table and timing samples are written index-wise by whichever
// worker owns the index, so they need no lock. The failed counter and the
// threshold re-check form a compound check-and-increment and are serialized
// under a single mutex; the run state is a plain atomic so BeforeTask stays
// cheap on the hot path.
type Tracker struct {
	job      string
	capacity int

	mu     sync.Mutex
	failed int

	state     atomic.Int32
	processed atomic.Int64

	status  []Status
	timings []time.Duration // nil unless timing is enabled
	start   time.Time
}

// New creates a tracker for n task indices with the given failure budget.
// A capacity <= 0 falls back to DefaultBudget(n). The job name only labels
// log lines and the report.
func New(job string, n, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultBudget(n)
	}
	return &Tracker{
		job:      job,
		capacity: capacity,
		status:   make([]Status, n),
		start:    time.Now(),
	}
}

// EnableTiming allocates the side array for per-task wall-clock samples.
// Must be called before the run starts.
func (t *Tracker) EnableTiming() {
	t.timings = make([]time.Duration, len(t.status))
}

// Capacity returns the resolved failure budget.
func (t *Tracker) Capacity() int { return t.capacity }

// State returns the current run state.
func (t *Tracker) State() State { return State(t.state.Load()) }

// Processed returns the number of tasks attempted so far, successes and
// failures both: every task that reached the compute function is processed,
// whatever its outcome. Processed never exceeds the workload size.
func (t *Tracker) Processed() int { return int(t.processed.Load()) }

// BeforeTask is consulted by every worker before invoking the compute
// function. It returns ErrAborted once the run has been aborted, so tasks
// that have not yet started are skipped. It never preempts running tasks.
func (t *Tracker) BeforeTask() error {
	if t.State() == Aborted {
		return ErrAborted
	}
	return nil
}

// Success records a completed task. elapsed is only retained when timing
// was enabled.
func (t *Tracker) Success(i int, elapsed time.Duration) {
	t.status[i] = Success
	t.processed.Add(1)
	if t.timings != nil {
		t.timings[i] = elapsed
	}
}

// Failure records a failed task and re-checks the failure budget under the
// tracker's mutex. The budget tolerates exactly capacity failures: the
// increment that pushes the count beyond capacity transitions the run to
// Aborted, logs a single critical notice, and returns ErrAborted. Failures
// within the budget log at info severity and return nil so the run
// continues. Failures observed after the abort (in-flight stragglers) are
// still counted but never repeat the critical notice.
func (t *Tracker) Failure(i int, err error) error {
	t.status[i] = Failed
	t.processed.Add(1)

	t.mu.Lock()
	t.failed++
	nfail := t.failed
	t.mu.Unlock()

	if nfail > t.capacity {
		if t.state.CompareAndSwap(int32(Running), int32(Aborted)) {
			logrus.WithFields(logrus.Fields{
				"job":      t.job,
				"index":    i,
				"failed":   nfail,
				"capacity": t.capacity,
				"critical": true,
			}).Error("failure budget exhausted, aborting run")
		}
		return ErrAborted
	}

	logrus.WithFields(logrus.Fields{
		"job":   t.job,
		"index": i,
		"error": err,
	}).Infof("continuing after %d/%d failures", nfail, t.capacity)
	return nil
}

// MarkDone records an index completed by a previous run. It keeps the index
// out of the never-attempted list without counting it as processed in this
// run's accounting.
func (t *Tracker) MarkDone(i int) {
	t.status[i] = Success
}

// FailedCount returns the number of failures recorded so far.
func (t *Tracker) FailedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Finish marks a run that ran out of work as terminal. It is a no-op when
// the run already aborted.
func (t *Tracker) Finish() {
	t.state.CompareAndSwap(int32(Running), int32(Finished))
}

// StatusOf returns the recorded status of index i.
func (t *Tracker) StatusOf(i int) Status { return t.status[i] }

// Report assembles a complete accounting of the run. It is valid after an
// abort as well: indices that were never attempted are listed as pending.
func (t *Tracker) Report() *Report {
	t.mu.Lock()
	failed := t.failed
	t.mu.Unlock()

	r := &Report{
		Job:       t.job,
		Total:     len(t.status),
		Processed: t.Processed(),
		Failed:    failed,
		Capacity:  t.capacity,
		State:     t.State(),
		Elapsed:   time.Since(t.start),
	}

	for i, st := range t.status {
		switch st {
		case Failed:
			r.FailingIndices = append(r.FailingIndices, i)
		case Pending:
			r.NeverAttempted = append(r.NeverAttempted, i)
		}
	}

	if t.timings != nil {
		r.TimingMean, r.TimingStd, r.TimingSamples = timingStats(t.status, t.timings)
	}
	return r
}

// timingStats computes mean and standard deviation over the samples of
// tasks that succeeded in this run. Indices marked done by a previous run
// carry no sample and are skipped.
func timingStats(status []Status, timings []time.Duration) (mean, std time.Duration, n int) {
	var sum float64
	for i, st := range status {
		if st == Success && timings[i] > 0 {
			sum += float64(timings[i])
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}

	m := sum / float64(n)
	var sq float64
	for i, st := range status {
		if st == Success && timings[i] > 0 {
			d := float64(timings[i]) - m
			sq += d * d
		}
	}
	return time.Duration(m), time.Duration(math.Sqrt(sq / float64(n))), n
}
