package staging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrigger_WaitReturnsWhileArmed(t *testing.T) {
	trig := NewTrigger()
	trig.Set()

	if !trig.IsSet() {
		t.Fatal("expected trigger armed after Set")
	}
	if err := trig.Wait(context.Background(), 0); err != nil {
		t.Fatalf("wait on armed trigger: %v", err)
	}
	// level-triggered: a second wait passes too
	if err := trig.Wait(context.Background(), 0); err != nil {
		t.Fatalf("second wait on armed trigger: %v", err)
	}
}

func TestTrigger_WaitBlocksUntilSet(t *testing.T) {
	trig := NewTrigger()

	var released atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := trig.Wait(context.Background(), 0)
		released.Store(true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if released.Load() {
		t.Fatal("wait on a disarmed trigger should block")
	}

	trig.Set()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait after Set: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Set did not release the waiter")
	}
}

func TestTrigger_ClearDisarms(t *testing.T) {
	trig := NewTrigger()
	trig.Set()
	trig.Clear()

	if trig.IsSet() {
		t.Fatal("expected trigger disarmed after Clear")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := trig.Wait(ctx, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on cleared trigger, got %v", err)
	}
}

func TestTrigger_WaitTimeout(t *testing.T) {
	trig := NewTrigger()

	start := time.Now()
	err := trig.Wait(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrStalledPipeline) {
		t.Fatalf("expected ErrStalledPipeline, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("wait returned before the timeout elapsed")
	}
}

func TestTrigger_SetClearCycles(t *testing.T) {
	trig := NewTrigger()

	for i := 0; i < 3; i++ {
		trig.Set()
		if err := trig.Wait(context.Background(), time.Second); err != nil {
			t.Fatalf("cycle %d wait: %v", i, err)
		}
		trig.Clear()
		if trig.IsSet() {
			t.Fatalf("cycle %d: trigger still armed after Clear", i)
		}
	}
}
