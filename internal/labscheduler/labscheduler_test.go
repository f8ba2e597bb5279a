package labscheduler

import (
	"reflect"
	"testing"

	"github.com/nexus-runtime/extrt/internal/scheduler"
)

func sampleProducers() []Producer {
	return []Producer{
		{Name: "engine-a", Tasks: []ProducerTask{
			{Kind: scheduler.KindEnqueueHostCall, Payload: 1},
			{Kind: scheduler.KindEnqueueHostCall, Payload: 2},
		}},
		{Name: "engine-b", Tasks: []ProducerTask{
			{Kind: scheduler.KindLifecycleEvent, Payload: "a"},
			{Kind: scheduler.KindLifecycleEvent, Payload: "b"},
			{Kind: scheduler.KindLifecycleEvent, Payload: "c"},
		}},
	}
}

func runScenario(t *testing.T, seed int64) []TraceEntry {
	t.Helper()
	s := New(seed, 0)
	s.Feed(sampleProducers())

	var delivered []scheduler.Macrotask
	err := s.RunUntilQuiescent(func(task scheduler.Macrotask) error {
		delivered = append(delivered, task)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("RunUntilQuiescent: %v", err)
	}
	if len(delivered) != 5 {
		t.Fatalf("expected 5 delivered macrotasks, got %d", len(delivered))
	}
	return s.Trace()
}

func TestSameSeedProducesIdenticalTrace(t *testing.T) {
	a := runScenario(t, 42)
	b := runScenario(t, 42)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical traces for the same seed, got %v vs %v", a, b)
	}
}

func TestTraceIsSeqOrdered(t *testing.T) {
	trace := runScenario(t, 7)
	for i := 1; i < len(trace); i++ {
		if trace[i].Seq <= trace[i-1].Seq {
			t.Fatalf("expected strictly ascending Seq, got %v", trace)
		}
	}
}

func TestDifferentSeedsCanProduceDifferentInterleaving(t *testing.T) {
	seenDifference := false
	var first []TraceEntry
	for seed := int64(0); seed < 20; seed++ {
		trace := runScenario(t, seed)
		if first == nil {
			first = trace
			continue
		}
		if !reflect.DeepEqual(first, trace) {
			seenDifference = true
			break
		}
	}
	if !seenDifference {
		t.Fatalf("expected at least one of 20 seeds to yield a different interleaving")
	}
}

func TestTraceCapacityBoundsBuffer(t *testing.T) {
	s := New(1, 2)
	s.Feed([]Producer{{Name: "p", Tasks: []ProducerTask{
		{Kind: scheduler.KindEnqueueHostCall, Payload: 1},
		{Kind: scheduler.KindEnqueueHostCall, Payload: 2},
		{Kind: scheduler.KindEnqueueHostCall, Payload: 3},
	}}})
	_ = s.RunUntilQuiescent(func(scheduler.Macrotask) error { return nil }, nil)
	if len(s.Trace()) != 2 {
		t.Fatalf("expected trace bounded to capacity 2, got %d entries", len(s.Trace()))
	}
}
