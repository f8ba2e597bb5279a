// Package scheduler implements the runtime's macrotask FIFO: a single
// global queue keyed by a strictly monotonic sequence number, with no
// reordering, no priority, and no preemption.
package scheduler

import (
	"fmt"
	"sync"
)

// Kind identifies what a Macrotask represents.
type Kind string

const (
	KindEnqueueHostCall  Kind = "enqueue_host_call"
	KindHostcallComplete Kind = "hostcall_complete"
	KindLifecycleEvent   Kind = "lifecycle_event"
	KindStreamChunk      Kind = "stream_chunk"
	KindCancelStream     Kind = "cancel_stream"
	KindInvokeHandler    Kind = "invoke_handler"
)

// Macrotask is a single queued unit of work, FIFO by Seq.
type Macrotask struct {
	Seq     uint64
	Kind    Kind
	Payload any
}

// Drainer exhausts an engine's pending microtasks to a fixpoint. The
// scheduler calls it after every script-visible dispatch and before the
// next tick, so all side effects synchronously caused by a macrotask are
// visible before the next one is delivered.
type Drainer interface {
	DrainMicrotasks() error
}

// Handler processes one macrotask. It is expected to deliver the
// macrotask into the owning engine and may itself enqueue further
// macrotasks (e.g. a host-call response).
type Handler func(Macrotask) error

// Scheduler is the single global macrotask FIFO.
//
// Invariants enforced here:
//   - two Enqueue calls from the same goroutine observe ascending Seq
//     (guaranteed by the mutex-protected counter);
//   - Tick is never reentrant (guarded by ticking).
type Scheduler struct {
	mu      sync.Mutex
	seq     uint64
	queue   []Macrotask
	ticking bool
	wake    chan struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{wake: make(chan struct{}, 1)}
}

// Wakeups signals after each Enqueue so a driver goroutine can block
// between ticks instead of polling. The channel is level-triggered with
// capacity one: a receive means "the queue may have work", not a count.
func (s *Scheduler) Wakeups() <-chan struct{} {
	return s.wake
}

// Enqueue appends a macrotask to the tail of the FIFO and returns its
// assigned sequence number. This is the only way to post work.
func (s *Scheduler) Enqueue(kind Kind, payload any) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	seq := s.seq
	s.queue = append(s.queue, Macrotask{Seq: seq, Kind: kind, Payload: payload})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return seq
}

// Len reports the number of macrotasks currently queued.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Tick pops the head macrotask, dispatches it via handler, and drains the
// engine's microtask queue to a fixpoint before returning. It returns
// false if the queue was empty.
func (s *Scheduler) Tick(handler Handler, drain Drainer) (bool, error) {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		return false, fmt.Errorf("scheduler: tick is not reentrant")
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	task := s.queue[0]
	s.queue = s.queue[1:]
	s.ticking = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	if err := handler(task); err != nil {
		return true, err
	}
	if drain != nil {
		if err := drain.DrainMicrotasks(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RunUntilEmpty ticks until the queue is drained or handler/drain return
// an error. Intended for host-driven event loops (one extension's
// engine) rather than the lab scheduler's deterministic replay, which
// has its own driver.
func (s *Scheduler) RunUntilEmpty(handler Handler, drain Drainer) error {
	for {
		more, err := s.Tick(handler, drain)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}
