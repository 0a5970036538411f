package cronjobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingReconciler struct {
	calls int32
}

func (c *countingReconciler) ReconcileGoal(_ context.Context, goalID string) error {
	atomic.AddInt32(&c.calls, 1)
	return nil
}

func TestScheduler_RunsJobOnTick(t *testing.T) {
	r := &countingReconciler{}
	sched, err := New(context.Background(), r, []Job{{GoalID: "g1", Expression: "@every 10ms"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&r.calls) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one reconcile call")
}

func TestNew_InvalidExpressionErrors(t *testing.T) {
	r := &countingReconciler{}
	if _, err := New(context.Background(), r, []Job{{GoalID: "g1", Expression: "not-a-cron-expr"}}, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
