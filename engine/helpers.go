package engine

import (
	"math"
	"runtime"
	"time"

	"github.com/utkarsh5026/memrun/fault"
)

// resolveWorkers turns the requested worker count into an effective one.
// -1 or 0 means "all available hardware parallelism". A workload of one
// task or fewer always gets a single worker: the setup overhead of a pool
// is not worth it for trivial workloads.
func resolveWorkers(requested, workload int) int {
	if workload <= 1 {
		return 1
	}

	n := requested
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return min(n, workload)
}

// resolveBudget resolves the failure budget for a store of n rows:
// an absolute capacity wins, then a fraction of n, then the default of
// one percent capped at 50.
func resolveBudget(cfg *config, n int) int {
	if cfg.budget > 0 {
		return cfg.budget
	}
	if cfg.budgetFrac > 0 {
		b := int(math.Round(float64(n) * cfg.budgetFrac))
		return max(b, 1)
	}
	return fault.DefaultBudget(n)
}

// calcBackoffDelay calculates the exponential backoff delay for retry
// attempts. attemptNumber is 0-indexed; the delay doubles with each
// attempt: initialDelay * 2^attemptNumber.
func calcBackoffDelay(initialDelay time.Duration, attemptNumber int) time.Duration {
	if attemptNumber < 0 {
		return 0
	}
	return time.Duration(float64(initialDelay) * math.Pow(2, float64(attemptNumber)))
}
