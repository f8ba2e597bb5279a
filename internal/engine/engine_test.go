package engine

import (
	"encoding/json"
	"testing"

	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/pkg/extapi"
)

func newTestEngine(t *testing.T) (*Engine, *scheduler.Scheduler) {
	t.Helper()
	r := region.New(nil, 0)
	s := scheduler.New()
	e, err := Create(r, s)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e, s
}

func TestEvaluateEntrypointRegistersTool(t *testing.T) {
	e, _ := newTestEngine(t)
	src := `
module.exports = function(api) {
  api.registerTool({ name: "greet", description: "says hello", schema: {}, run: function(input) { return "hi"; } });
  api.on("before_agent_start", function(evt) {});
};
`
	result, err := e.EvaluateEntrypoint(src)
	if err != nil {
		t.Fatalf("EvaluateEntrypoint: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "greet" {
		t.Fatalf("unexpected tools: %+v", result.Tools)
	}
	if len(result.Hooks) != 1 || result.Hooks[0].Event != "before_agent_start" {
		t.Fatalf("unexpected hooks: %+v", result.Hooks)
	}
}

func TestHostCallRoundTripsThroughScheduler(t *testing.T) {
	e, s := newTestEngine(t)
	src := `
var seen = null;
module.exports = function(api) {
  api.tool("read", {}, function(err, value) {
    seen = value;
  });
};
`
	_, err := e.EvaluateEntrypoint(src)
	if err != nil {
		t.Fatalf("EvaluateEntrypoint: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one enqueued macrotask, got %d", s.Len())
	}

	more, err := s.Tick(func(task scheduler.Macrotask) error {
		payload, ok := task.Payload.(CallPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", task.Payload)
		}
		value, _ := json.Marshal(map[string]string{"content": "ok"})
		return e.DeliverMacrotask(scheduler.Macrotask{
			Kind: scheduler.KindHostcallComplete,
			Payload: CompletePayload{
				CallID:  payload.CallID,
				Outcome: extapi.Success(value),
			},
		})
	}, e)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !more {
		t.Fatal("expected Tick to report it processed a task")
	}

	seenVal := e.vm.Get("seen")
	if seenVal == nil {
		t.Fatal("expected seen to be set by callback")
	}
	exported, ok := seenVal.Export().(map[string]any)
	if !ok || exported["content"] != "ok" {
		t.Fatalf("unexpected callback value: %#v", seenVal.Export())
	}
}

func TestDeliverMacrotaskUnknownCallIDFails(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.DeliverMacrotask(scheduler.Macrotask{
		Kind:    scheduler.KindHostcallComplete,
		Payload: CompletePayload{CallID: 999, Outcome: extapi.Success(nil)},
	})
	if err == nil {
		t.Fatal("expected error for unknown call id")
	}
}

func TestLifecycleEventDispatchesToRegisteredHook(t *testing.T) {
	e, _ := newTestEngine(t)
	src := `
var fired = false;
module.exports = function(api) {
  api.on("on_shutdown", function(evt) { fired = true; });
};
`
	if _, err := e.EvaluateEntrypoint(src); err != nil {
		t.Fatalf("EvaluateEntrypoint: %v", err)
	}
	err := e.DeliverMacrotask(scheduler.Macrotask{
		Kind:    scheduler.KindLifecycleEvent,
		Payload: LifecyclePayload{Event: "on_shutdown"},
	})
	if err != nil {
		t.Fatalf("DeliverMacrotask: %v", err)
	}
	fired := e.vm.Get("fired")
	if fired == nil || !fired.ToBoolean() {
		t.Fatal("expected hook to run and set fired=true")
	}
}
