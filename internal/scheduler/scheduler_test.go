// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresTask(t *testing.T) {
	var fires atomic.Int32
	sched := New()
	err := sched.Add(Task{
		Name:     "every-second",
		Schedule: "* * * * * *",
		Run:      func(context.Context) { fires.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("task did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerAcceptsDescriptor(t *testing.T) {
	sched := New()
	if err := sched.Add(Task{Name: "sync", Schedule: "@every 15m", Run: func(context.Context) {}}); err != nil {
		t.Errorf("expected descriptor to be accepted, got %v", err)
	}
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	sched := New()
	if err := sched.Add(Task{Name: "bad", Schedule: "not a schedule", Run: func(context.Context) {}}); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestSchedulerStopCancelsContext(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	sched := New()
	sched.Add(Task{
		Name:     "long",
		Schedule: "* * * * * *",
		Run: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			cancelled.Store(true)
		},
	})
	sched.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2500 * time.Millisecond):
		t.Fatal("task did not start")
	}
	sched.Stop()

	if !cancelled.Load() {
		t.Error("expected running task to observe cancellation before Stop returned")
	}
}
