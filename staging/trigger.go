package staging

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStalledPipeline is returned by Trigger.Wait when the arming side has
// gone quiet for longer than the wait timeout. It surfaces a dead monitor
// as an error instead of blocking the producer forever.
var ErrStalledPipeline = errors.New("staging: pipeline stalled waiting for trigger")

// Trigger is a level-triggered binary gate between the queue monitor and
// the loader. Wait returns immediately while the trigger is armed; Set arms
// it and Clear disarms it. The loader clears the trigger after every batch,
// so the monitor must re-arm it before the next batch may proceed.
type Trigger struct {
	mu    sync.Mutex
	armed bool
	ch    chan struct{} // closed while armed; replaced on Clear
}

// NewTrigger returns a disarmed trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{})}
}

// Set arms the trigger, releasing all current and future waiters until
// Clear is called. Arming an armed trigger is a no-op.
func (t *Trigger) Set() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		t.armed = true
		close(t.ch)
	}
}

// Clear disarms the trigger. Subsequent Wait calls block until the next Set.
func (t *Trigger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		t.armed = false
		t.ch = make(chan struct{})
	}
}

// IsSet reports whether the trigger is currently armed.
func (t *Trigger) IsSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Wait blocks until the trigger is armed. A timeout of zero waits
// indefinitely; otherwise ErrStalledPipeline is returned once the timeout
// elapses, bounding the damage when the monitor has died.
func (t *Trigger) Wait(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		t.mu.Lock()
		if t.armed {
			t.mu.Unlock()
			return nil
		}
		ch := t.ch
		t.mu.Unlock()

		select {
		case <-ch:
			// re-check under the lock: a Set/Clear pair may have raced by
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrStalledPipeline
		}
	}
}
