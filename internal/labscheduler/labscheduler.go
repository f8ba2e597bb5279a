// Package labscheduler implements the deterministic scheduler variant
// used by tests: it accepts (seed, trace_capacity) and replays a set of
// concurrent macrotask producers in a reproducible interleaving so two
// runs with the same seed yield byte-identical traces.
package labscheduler

import (
	"math/rand"

	"github.com/nexus-runtime/extrt/internal/scheduler"
)

// DefaultTraceCapacity bounds the trace buffer when the caller passes
// zero.
const DefaultTraceCapacity = 4096

// ProducerTask is one macrotask a simulated producer wants enqueued.
type ProducerTask struct {
	Kind    scheduler.Kind
	Payload any
}

// Producer is a named source of macrotasks, modeling one event/host-call
// origin (e.g. one extension's engine, or the lifecycle hook fan-out)
// competing to enqueue work.
type Producer struct {
	Name  string
	Tasks []ProducerTask
}

// TraceEntry records one macrotask as it was delivered, for comparing two
// runs of the same scenario.
type TraceEntry struct {
	Seq  uint64
	Kind scheduler.Kind
}

// Scheduler wraps internal/scheduler.Scheduler with a seeded interleaving
// of producer input and a bounded trace of delivered macrotasks. It is a
// test surface, never an alternate production scheduler.
type Scheduler struct {
	sched *scheduler.Scheduler
	rng   *rand.Rand
	seed  int64

	traceCapacity int
	trace         []TraceEntry
}

// New creates a lab scheduler seeded deterministically: the same seed
// always produces the same producer interleaving and, given the same
// handler, the same trace.
func New(seed int64, traceCapacity int) *Scheduler {
	if traceCapacity <= 0 {
		traceCapacity = DefaultTraceCapacity
	}
	return &Scheduler{
		sched:         scheduler.New(),
		rng:           rand.New(rand.NewSource(seed)),
		seed:          seed,
		traceCapacity: traceCapacity,
	}
}

// Seed reports the seed this scheduler was constructed with.
func (s *Scheduler) Seed() int64 { return s.seed }

// Enqueue posts one macrotask directly, bypassing producer interleaving.
// Exposed so single-producer callers (most tests) don't need to build a
// Producer slice just to enqueue one task.
func (s *Scheduler) Enqueue(kind scheduler.Kind, payload any) uint64 {
	return s.sched.Enqueue(kind, payload)
}

// Feed interleaves every producer's task list using the scheduler's
// seeded RNG: at each step, one producer with remaining tasks is chosen
// uniformly at random, its head task is popped and enqueued. Because the
// RNG is deterministic given the seed, two Feed calls with the same seed
// and the same producers (regardless of real goroutine scheduling) always
// enqueue in the same order, which is the whole reproducibility contract.
func (s *Scheduler) Feed(producers []Producer) {
	remaining := make([][]ProducerTask, len(producers))
	for i, p := range producers {
		remaining[i] = append([]ProducerTask(nil), p.Tasks...)
	}
	for {
		var active []int
		for i, tasks := range remaining {
			if len(tasks) > 0 {
				active = append(active, i)
			}
		}
		if len(active) == 0 {
			return
		}
		pick := active[s.rng.Intn(len(active))]
		task := remaining[pick][0]
		remaining[pick] = remaining[pick][1:]
		s.sched.Enqueue(task.Kind, task.Payload)
	}
}

// RunUntilQuiescent ticks until the underlying queue is empty, recording
// each delivered macrotask's (seq, kind) into the bounded trace.
func (s *Scheduler) RunUntilQuiescent(handler scheduler.Handler, drain scheduler.Drainer) error {
	wrapped := func(task scheduler.Macrotask) error {
		s.record(TraceEntry{Seq: task.Seq, Kind: task.Kind})
		return handler(task)
	}
	return s.sched.RunUntilEmpty(wrapped, drain)
}

func (s *Scheduler) record(e TraceEntry) {
	s.trace = append(s.trace, e)
	if len(s.trace) > s.traceCapacity {
		s.trace = s.trace[len(s.trace)-s.traceCapacity:]
	}
}

// Trace returns a copy of the recorded macrotask delivery order. Two
// runs built from the same seed and fed the same producers must compare
// Trace-equal byte for byte.
func (s *Scheduler) Trace() []TraceEntry {
	out := make([]TraceEntry, len(s.trace))
	copy(out, s.trace)
	return out
}

// Len reports how many macrotasks are currently queued, unconsumed.
func (s *Scheduler) Len() int { return s.sched.Len() }
