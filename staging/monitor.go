package staging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Occupancy is the read side of a monitored queue.
type Occupancy interface {
	Len() int
}

// Watched pairs one queue with its admission threshold for the
// multi-queue monitor. Name labels log lines and metrics.
type Watched struct {
	Name      string
	Queue     Occupancy
	Threshold int
}

// Monitor drives the loader's trigger from queue occupancy: while the
// loader is not done, the trigger is armed when every watched queue sits
// below its threshold and disarmed otherwise. This is the backpressure
// loop that keeps queue occupancy bounded by threshold + batchSize - 1.
//
// The poll interval must exceed the time one load cycle takes, or the
// controller oscillates without the queue ever draining.
type Monitor struct {
	name     string
	watched  []Watched
	trigger  *Trigger
	interval time.Duration
	done     <-chan struct{}
}

// NewMonitor watches a single queue.
func NewMonitor(name string, q Occupancy, threshold int, trig *Trigger, interval time.Duration, done <-chan struct{}) *Monitor {
	return NewMultiMonitor([]Watched{{Name: name, Queue: q, Threshold: threshold}}, trig, interval, done)
}

// NewMultiMonitor watches several queues feeding downstream consumers of
// differing speed: the trigger is armed only when every queue is below its
// own threshold.
func NewMultiMonitor(watched []Watched, trig *Trigger, interval time.Duration, done <-chan struct{}) *Monitor {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	name := "monitor"
	if len(watched) > 0 {
		name = watched[0].Name
	}
	return &Monitor{
		name:     name,
		watched:  watched,
		trigger:  trig,
		interval: interval,
		done:     done,
	}
}

// Run polls until the loader signals done or the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log := logrus.WithField("monitor", m.name)
	log.WithField("interval", m.interval).Debug("monitor starting")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.poll(log)

		select {
		case <-m.done:
			// one last arm so a loader blocked on its final wait proceeds
			m.trigger.Set()
			log.Debug("monitor done")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll samples every watched queue and sets or clears the trigger.
func (m *Monitor) poll(log *logrus.Entry) {
	canLoad := true
	for _, w := range m.watched {
		n := w.Queue.Len()
		queueOccupancy.WithLabelValues(w.Name).Set(float64(n))
		if n >= w.Threshold {
			log.WithFields(logrus.Fields{
				"queue":     w.Name,
				"occupancy": n,
				"threshold": w.Threshold,
			}).Debug("waiting on queue")
			canLoad = false
		}
	}

	if canLoad {
		if !m.trigger.IsSet() {
			log.Debug("triggering next load")
		}
		m.trigger.Set()
		triggerArmed.WithLabelValues(m.name).Set(1)
	} else {
		m.trigger.Clear()
		triggerArmed.WithLabelValues(m.name).Set(0)
	}
}
