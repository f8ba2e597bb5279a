package scheduler

import (
	"testing"
)

type fakeDrainer struct {
	drains int
}

func (d *fakeDrainer) DrainMicrotasks() error {
	d.drains++
	return nil
}

func TestEnqueueMonotonicSeq(t *testing.T) {
	s := New()
	a := s.Enqueue(KindLifecycleEvent, "a")
	b := s.Enqueue(KindLifecycleEvent, "b")
	c := s.Enqueue(KindLifecycleEvent, "c")
	if !(a < b && b < c) {
		t.Fatalf("expected ascending seq, got %d %d %d", a, b, c)
	}
}

func TestTickFIFOOrder(t *testing.T) {
	s := New()
	s.Enqueue(KindLifecycleEvent, 1)
	s.Enqueue(KindLifecycleEvent, 2)
	s.Enqueue(KindLifecycleEvent, 3)

	var order []int
	drain := &fakeDrainer{}
	for {
		more, err := s.Tick(func(m Macrotask) error {
			order = append(order, m.Payload.(int))
			return nil
		}, drain)
		if err != nil {
			t.Fatalf("tick error: %v", err)
		}
		if !more {
			break
		}
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected FIFO order [1 2 3], got %v", order)
	}
	if drain.drains != 3 {
		t.Fatalf("expected one drain per tick, got %d", drain.drains)
	}
}

func TestTickEmptyQueue(t *testing.T) {
	s := New()
	more, err := s.Tick(func(Macrotask) error { return nil }, nil)
	if err != nil || more {
		t.Fatalf("expected (false, nil) on empty queue, got (%v, %v)", more, err)
	}
}

func TestTickNotReentrant(t *testing.T) {
	s := New()
	s.Enqueue(KindLifecycleEvent, 1)
	s.Enqueue(KindLifecycleEvent, 2)

	var reentrantErr error
	_, err := s.Tick(func(Macrotask) error {
		_, reentrantErr = s.Tick(func(Macrotask) error { return nil }, nil)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("outer tick failed: %v", err)
	}
	if reentrantErr == nil {
		t.Fatal("expected reentrant tick to fail")
	}
}

func TestRunUntilEmptyStopsOnError(t *testing.T) {
	s := New()
	s.Enqueue(KindLifecycleEvent, 1)
	s.Enqueue(KindLifecycleEvent, 2)

	calls := 0
	err := s.RunUntilEmpty(func(Macrotask) error {
		calls++
		if calls == 1 {
			return errBoom
		}
		return nil
	}, nil)
	if err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to stop after first error, got %d calls", calls)
	}
}

func TestWakeupsSignalAfterEnqueue(t *testing.T) {
	s := New()
	select {
	case <-s.Wakeups():
		t.Fatal("expected no wakeup before any enqueue")
	default:
	}
	s.Enqueue(KindLifecycleEvent, 1)
	select {
	case <-s.Wakeups():
	default:
		t.Fatal("expected a wakeup signal after enqueue")
	}
}

var errBoom = &testErr{"boom"}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }
