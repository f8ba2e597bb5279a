package region

import (
	"context"
	"testing"
	"time"
)

func TestCreateTaskRunsAndUntracks(t *testing.T) {
	r := New(nil, 0)
	ran := make(chan struct{})
	task, err := r.CreateTask(context.Background(), Budget{}, func(ctx context.Context) error {
		close(ran)
		return nil
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task never reported done")
	}
	if task.Err() != nil {
		t.Fatalf("unexpected task error: %v", task.Err())
	}
}

func TestNoNewWorkOnceCancelling(t *testing.T) {
	r := New(nil, 50*time.Millisecond)
	blocked := make(chan struct{})
	_, err := r.CreateTask(context.Background(), Budget{}, func(ctx context.Context) error {
		<-blocked
		return nil
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(blocked)
	}()
	r.Shutdown(0)

	if _, err := r.CreateTask(context.Background(), Budget{}, func(ctx context.Context) error { return nil }); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning after shutdown, got %v", err)
	}
	if _, err := r.Reserve(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning from Reserve after shutdown, got %v", err)
	}
}

func TestShutdownBoundedByBudgetAndReportsLeak(t *testing.T) {
	r := New(nil, time.Second)
	// This task ignores cancellation entirely.
	_, err := r.CreateTask(context.Background(), Budget{}, func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	start := time.Now()
	report := r.Shutdown(100 * time.Millisecond)
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took %v, expected bounded by the 100ms budget", elapsed)
	}
	if len(report.Leaked) != 1 || report.Leaked[0].Kind != "task" {
		t.Fatalf("expected one leaked task record, got %+v", report.Leaked)
	}
	if r.Phase() != PhaseClosed {
		t.Fatalf("expected Closed, got %s", r.Phase())
	}
}

func TestTaskObservesCancellationAtSuspensionPoint(t *testing.T) {
	r := New(nil, time.Second)
	observed := make(chan struct{})
	_, err := r.CreateTask(context.Background(), Budget{}, func(ctx context.Context) error {
		<-ctx.Done()
		close(observed)
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	report := r.Shutdown(time.Second)
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("task never observed cancellation")
	}
	if len(report.Leaked) != 0 {
		t.Fatalf("expected no leaks, got %+v", report.Leaked)
	}
}

func TestBudgetComposeTakesComponentWiseMinimum(t *testing.T) {
	near := time.Now().Add(time.Second)
	far := time.Now().Add(time.Hour)

	composed := Budget{Deadline: far, PollQuota: 100}.Compose(Budget{Deadline: near, PollQuota: 10})
	if !composed.Deadline.Equal(near) {
		t.Fatalf("expected nearer deadline, got %v", composed.Deadline)
	}
	if composed.PollQuota != 10 {
		t.Fatalf("expected quota 10, got %d", composed.PollQuota)
	}

	// Zero components mean "unbounded" and never win.
	composed = Budget{}.Compose(Budget{Deadline: near, PollQuota: 10})
	if !composed.Deadline.Equal(near) || composed.PollQuota != 10 {
		t.Fatalf("expected outer bounds to apply, got %+v", composed)
	}
}

func TestChildRegionInheritsShorterCleanupBudget(t *testing.T) {
	parent := New(nil, 100*time.Millisecond)
	child := New(parent, 10*time.Second)
	if child.CleanupBudget() != 100*time.Millisecond {
		t.Fatalf("expected child capped at parent's budget, got %v", child.CleanupBudget())
	}
}

func TestReserveCommitAndRelease(t *testing.T) {
	r := New(nil, 0)

	res, err := r.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	committed := false
	if err := res.Commit(func() error { committed = true; return nil }); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !committed {
		t.Fatal("commit function never ran")
	}
	if err := res.Commit(func() error { return nil }); err == nil {
		t.Fatal("expected second Commit to fail")
	}

	res2, err := r.Reserve()
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res2.Release()
	if err := res2.Commit(func() error { return nil }); err == nil {
		t.Fatal("expected Commit after Release to fail")
	}
}
