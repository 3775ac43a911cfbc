package engine

import (
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/utkarsh5026/memrun/fault"
)

// workerContext carries the shared state each worker needs for one run: the
// fault tracker (which owns the budget mutex) and the lock serializing
// writes to the progress display. Workers receive it explicitly at spawn
// time rather than reaching for package globals, so nothing about a run
// leaks across runs.
//
// The progress lock exists because independent workers do not share
// output-stream ordering; every bar update goes through it. In sequential
// mode the lock is uncontended and costs nothing.
type workerContext struct {
	tracker    *fault.Tracker
	progressMu sync.Mutex
	bar        *progressbar.ProgressBar
}

func (e *Executor[P]) newWorkerContext(tracker *fault.Tracker, workload, workers int) *workerContext {
	wctx := &workerContext{tracker: tracker}

	// progress bar only for non-trivial workloads
	if e.conf.progress && workload > 1 {
		wctx.bar = progressbar.NewOptions(workload,
			progressbar.OptionSetDescription(e.conf.jobname),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
	}
	return wctx
}

// bump advances the progress display by one task, success or failure.
func (w *workerContext) bump() {
	if w.bar == nil {
		return
	}
	w.progressMu.Lock()
	_ = w.bar.Add(1)
	w.progressMu.Unlock()
}

func (w *workerContext) finish() {
	if w.bar == nil {
		return
	}
	w.progressMu.Lock()
	_ = w.bar.Finish()
	w.progressMu.Unlock()
}
