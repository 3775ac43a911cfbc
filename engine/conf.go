package engine

import (
	"time"

	"golang.org/x/time/rate"
)

// Option is a functional option for configuring an Executor.
type Option func(*config)

type config struct {
	jobname      string
	workers      int
	batchSize    int
	progress     bool
	timing       bool
	budget       int
	budgetFrac   float64
	maxAttempts  int
	initialDelay time.Duration
	rateLimiter  *rate.Limiter
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		workers:     -1,
		progress:    true,
		maxAttempts: 1,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithJobName labels log lines, the progress bar, and the report.
func WithJobName(name string) Option {
	return func(cfg *config) {
		cfg.jobname = name
	}
}

// WithWorkers sets the number of concurrent workers. -1 (the default) uses
// all available hardware parallelism. Workloads of one task or fewer always
// run sequentially regardless of this setting.
func WithWorkers(n int) Option {
	return func(cfg *config) {
		if n != 0 {
			cfg.workers = n
		}
	}
}

// WithProgress enables or disables the progress bar. Enabled by default.
func WithProgress(enabled bool) Option {
	return func(cfg *config) {
		cfg.progress = enabled
	}
}

// WithTiming records per-task wall-clock durations; the report then carries
// mean and standard deviation over the run's successful tasks.
func WithTiming(enabled bool) Option {
	return func(cfg *config) {
		cfg.timing = enabled
	}
}

// WithFailureBudget sets the failure budget to an absolute count: the run
// tolerates exactly that many task failures and aborts on the next one.
// If neither this nor WithFailureFraction is given, the budget defaults to
// one percent of the store size, capped at 50.
func WithFailureBudget(capacity int) Option {
	return func(cfg *config) {
		if capacity > 0 {
			cfg.budget = capacity
		}
	}
}

// WithFailureFraction sets the failure budget as a fraction of the store
// size, resolved once per run.
func WithFailureFraction(frac float64) Option {
	return func(cfg *config) {
		if frac > 0 {
			cfg.budgetFrac = frac
		}
	}
}

// WithRetryPolicy retries failed tasks with exponential backoff.
// maxAttempts is the total number of attempts per task; initialDelay is the
// delay before the first retry and doubles on each subsequent one. Without
// this option each task is attempted once.
func WithRetryPolicy(maxAttempts int, initialDelay time.Duration) Option {
	return func(cfg *config) {
		if maxAttempts > 0 {
			cfg.maxAttempts = maxAttempts
		}
		if initialDelay > 0 {
			cfg.initialDelay = initialDelay
		}
	}
}

// WithRateLimit bounds task throughput across all workers. Useful when the
// compute function calls out to a shared service.
func WithRateLimit(tasksPerSecond float64, burst int) Option {
	return func(cfg *config) {
		if tasksPerSecond > 0 && burst > 0 {
			cfg.rateLimiter = rate.NewLimiter(rate.Limit(tasksPerSecond), burst)
		}
	}
}

// WithBatchSize fixes the batch size used by BatchedExecutor. When unset,
// the size is derived per run from the workload and worker count.
func WithBatchSize(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.batchSize = size
		}
	}
}
