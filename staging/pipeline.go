package staging

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pipeline wires a queue, trigger, loader, and monitor into one staging
// session. It exists for the common single-queue case; compose the pieces
// by hand for multi-queue topologies.
type Pipeline[T any] struct {
	Queue   *Queue[Item[T]]
	Trigger *Trigger
	Loader  *Loader[T]
	Monitor *Monitor

	g *errgroup.Group
}

// PipelineConfig sizes one staging session.
type PipelineConfig struct {
	// Name labels logs and metrics.
	Name string
	// Capacity bounds the queue. It should be at least
	// Threshold + BatchSize, the worst-case occupancy.
	Capacity int
	// BatchSize is the number of items loaded per trigger cycle.
	BatchSize int
	// Threshold is the occupancy below which the monitor arms the trigger.
	Threshold int
	// Interval is the monitor's poll period. Must exceed one load cycle.
	Interval time.Duration
	// WaitTimeout bounds the loader's trigger waits; zero disables the
	// stall guard.
	WaitTimeout time.Duration
}

// NewPipeline builds a single-queue staging session from cfg.
func NewPipeline[T any](cfg PipelineConfig) *Pipeline[T] {
	if cfg.Name == "" {
		cfg.Name = "staging"
	}
	if cfg.Capacity < cfg.Threshold+cfg.BatchSize {
		cfg.Capacity = cfg.Threshold + cfg.BatchSize
	}

	q := NewQueue[Item[T]](cfg.Capacity)
	trig := NewTrigger()
	loader := NewLoader(cfg.Name, q, trig, cfg.BatchSize, cfg.WaitTimeout)
	mon := NewMonitor(cfg.Name, q, cfg.Threshold, trig, cfg.Interval, loader.Done())

	return &Pipeline[T]{
		Queue:   q,
		Trigger: trig,
		Loader:  loader,
		Monitor: mon,
	}
}

// Start launches the loader and monitor. Call Wait to join them after the
// consumers have observed the sentinel.
func (p *Pipeline[T]) Start(ctx context.Context, src <-chan T) {
	g, gctx := errgroup.WithContext(ctx)
	p.g = g

	g.Go(func() error { return p.Loader.Load(gctx, src) })
	g.Go(func() error { return p.Monitor.Run(gctx) })
}

// Wait blocks until the loader and monitor have both returned and reports
// the first error between them.
func (p *Pipeline[T]) Wait() error {
	if p.g == nil {
		return nil
	}
	return p.g.Wait()
}

// Consumer returns a new consumer of the pipeline's queue.
func (p *Pipeline[T]) Consumer() *Consumer[T] {
	return NewConsumer(p.Queue)
}
