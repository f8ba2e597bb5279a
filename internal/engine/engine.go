// Package engine hosts one extension's script runtime: a goja VM wired to
// the activation-function API surface from pkg/extapi, synthesizing
// host-call macrotasks onto internal/scheduler rather than calling out
// directly.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/pkg/extapi"
)

// microtaskPrelude gives extension script code a queueMicrotask primitive
// backed by a plain JS array, drained to a fixpoint by DrainMicrotasks.
// Extensions never see the real event loop; they only see this.
const microtaskPrelude = `
(function(global) {
  var __q = [];
  global.queueMicrotask = function(fn) { __q.push(fn); };
  global.__drainMicrotasks = function() {
    var ran = 0;
    while (__q.length > 0) {
      var batch = __q;
      __q = [];
      for (var i = 0; i < batch.length; i++) {
        batch[i]();
        ran++;
      }
    }
    return ran;
  };
  global.module = { exports: {} };
  global.exports = global.module.exports;
})(this);
`

// ToolRegistration captures one registerTool(...) call made during
// activation.
type ToolRegistration struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     goja.Callable
}

// CommandRegistration captures a slashCommand(...) call.
type CommandRegistration struct {
	Name    string
	Summary string
	Handler goja.Callable
}

// HookRegistration captures an on(event, handler) call.
type HookRegistration struct {
	Event   string
	Handler goja.Callable
}

// ProviderRegistration captures a registerProvider(...) call.
type ProviderRegistration struct {
	Name    string
	Config  json.RawMessage
	Handler goja.Callable
}

// ShortcutRegistration captures a shortcut(...) call.
type ShortcutRegistration struct {
	Name    string
	Key     string
	Handler goja.Callable
}

// FlagRegistration captures a flag(...) call.
type FlagRegistration struct {
	Name        string
	Description string
	Default     json.RawMessage
}

// Result is the outcome of evaluating an extension's entrypoint.
type Result struct {
	Tools     []ToolRegistration
	Commands  []CommandRegistration
	Hooks     []HookRegistration
	Providers []ProviderRegistration
	Shortcuts []ShortcutRegistration
	Flags     []FlagRegistration
}

// pendingCall tracks a not-yet-completed host call awaiting delivery via
// DeliverMacrotask. Streaming calls are kept until the sentinel final
// chunk arrives.
type pendingCall struct {
	callback  goja.Callable
	stream    bool
	cancelled bool
}

// CallPayload is the scheduler.Macrotask payload for KindEnqueueHostCall.
type CallPayload struct {
	CallID  uint64
	Request extapi.Request
}

// CompletePayload is the scheduler.Macrotask payload for
// KindHostcallComplete, produced by whatever drove the dispatch (the
// extension manager) once a Request has been resolved.
type CompletePayload struct {
	CallID  uint64
	Outcome extapi.Outcome
}

// LifecyclePayload is the scheduler.Macrotask payload for
// KindLifecycleEvent.
type LifecyclePayload struct {
	Event string
	Data  json.RawMessage
}

// InvocationResult is what running a registered handler produced.
type InvocationResult struct {
	Value json.RawMessage
	Err   error
}

// InvocationPayload is the scheduler.Macrotask payload for
// KindInvokeHandler: the host asks the engine to run a handler the
// extension registered at activation (a tool body or a slash command).
// Result must be buffered so delivery never blocks the driver.
type InvocationPayload struct {
	Kind   string // "tool" or "command"
	Name   string
	Input  json.RawMessage
	Result chan InvocationResult
}

// CancelPayload is the scheduler.Macrotask payload for KindCancelStream:
// script asked to cancel the stream identified by CallID. The engine
// keeps the pending callback so the host-enqueued sentinel still reaches
// script, which is how a cancelled stream is observed to terminate.
type CancelPayload struct {
	CallID uint64
}

// Engine is one extension's isolated script runtime.
type Engine struct {
	vm      *goja.Runtime
	region  *region.Region
	sched   *scheduler.Scheduler
	drainFn goja.Callable

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextID  uint64

	result Result

	resolver      ModuleResolver
	loadLocal     func(path string) (string, error)
	moduleCache   map[string]goja.Value
	loadingSet    map[string]bool
	lastModuleErr error
}

var _ scheduler.Drainer = (*Engine)(nil)

// Create builds a new engine backed by r and s. Nothing is evaluated
// until EvaluateEntrypoint is called.
func Create(r *region.Region, s *scheduler.Scheduler) (*Engine, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if _, err := vm.RunString(microtaskPrelude); err != nil {
		return nil, fmt.Errorf("engine: install prelude: %w", err)
	}
	drainVal := vm.Get("__drainMicrotasks")
	drainFn, ok := goja.AssertFunction(drainVal)
	if !ok {
		return nil, fmt.Errorf("engine: prelude did not define __drainMicrotasks")
	}

	e := &Engine{
		vm:          vm,
		region:      r,
		sched:       s,
		drainFn:     drainFn,
		pending:     make(map[uint64]*pendingCall),
		moduleCache: make(map[string]goja.Value),
		loadingSet:  make(map[string]bool),
	}
	e.installAPI()
	return e, nil
}

// DrainMicrotasks satisfies scheduler.Drainer.
func (e *Engine) DrainMicrotasks() error {
	_, err := e.drainFn(goja.Undefined())
	return err
}

// EvaluateEntrypoint compiles source as a CommonJS module, expects
// module.exports to be the activation function, and invokes it with the
// api object. Registrations made synchronously during activation are
// returned in Result; async host calls triggered during activation are
// already enqueued on the scheduler by the time this returns.
func (e *Engine) EvaluateEntrypoint(source string) (Result, error) {
	e.lastModuleErr = nil
	if _, err := e.vm.RunString(source); err != nil {
		return Result{}, fmt.Errorf("engine: evaluate module body: %w", err)
	}

	moduleVal := e.vm.Get("module")
	if moduleVal == nil || goja.IsUndefined(moduleVal) {
		return Result{}, fmt.Errorf("engine: module global missing after evaluation")
	}
	moduleObj := moduleVal.ToObject(e.vm)
	exportsVal := moduleObj.Get("exports")

	activate, ok := goja.AssertFunction(exportsVal)
	if !ok {
		return Result{}, fmt.Errorf("engine: module.exports is not a callable activation function")
	}

	api := e.buildAPIObject()
	if _, err := activate(goja.Undefined(), api); err != nil {
		return Result{}, fmt.Errorf("engine: activation function failed: %w", err)
	}
	if err := e.DrainMicrotasks(); err != nil {
		return Result{}, err
	}
	return e.result, nil
}

// DeliverMacrotask applies a macrotask produced outside the engine
// (a dispatched host-call result, a lifecycle event fan-out, or a
// streamed chunk) back into the running script. It is the counterpart to
// the requests the engine itself enqueues via EnqueueHostCall.
func (e *Engine) DeliverMacrotask(task scheduler.Macrotask) error {
	switch task.Kind {
	case scheduler.KindHostcallComplete:
		payload, ok := task.Payload.(CompletePayload)
		if !ok {
			return fmt.Errorf("engine: malformed hostcall_complete payload")
		}
		return e.deliverOutcome(payload.CallID, payload.Outcome)
	case scheduler.KindLifecycleEvent:
		payload, ok := task.Payload.(LifecyclePayload)
		if !ok {
			return fmt.Errorf("engine: malformed lifecycle_event payload")
		}
		return e.deliverLifecycleEvent(payload)
	case scheduler.KindStreamChunk:
		payload, ok := task.Payload.(CompletePayload)
		if !ok {
			return fmt.Errorf("engine: malformed stream_chunk payload")
		}
		return e.deliverOutcome(payload.CallID, payload.Outcome)
	case scheduler.KindInvokeHandler:
		payload, ok := task.Payload.(*InvocationPayload)
		if !ok {
			return fmt.Errorf("engine: malformed invoke_handler payload")
		}
		payload.Result <- e.invokeRegistration(payload)
		return nil
	default:
		return fmt.Errorf("engine: unhandled macrotask kind %q", task.Kind)
	}
}

func (e *Engine) deliverOutcome(callID uint64, outcome extapi.Outcome) error {
	e.mu.Lock()
	pc, ok := e.pending[callID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: no pending call for id %d", callID)
	}
	// Chunks already in flight when script cancelled are suppressed;
	// only the terminal sentinel still reaches the callback.
	if pc.cancelled && outcome.Stream && !outcome.IsFinal {
		e.mu.Unlock()
		return nil
	}
	final := !outcome.Stream || outcome.IsFinal
	if final {
		delete(e.pending, callID)
	}
	e.mu.Unlock()

	errArg, valueArg := outcomeToArgs(e.vm, outcome)
	_, err := pc.callback(goja.Undefined(), errArg, valueArg)
	return err
}

// deliverLifecycleEvent fans payload out to every matching hook in
// registration order. A hook that throws never blocks its siblings; the
// accumulated failures are returned so the driver can log them.
func (e *Engine) deliverLifecycleEvent(payload LifecyclePayload) error {
	var data any
	if len(payload.Data) > 0 {
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return fmt.Errorf("engine: decode lifecycle payload: %w", err)
		}
	}
	var errs []error
	for _, h := range e.result.Hooks {
		if h.Event != payload.Event {
			continue
		}
		if _, err := h.Handler(goja.Undefined(), e.vm.ToValue(data)); err != nil {
			errs = append(errs, fmt.Errorf("engine: hook for %q failed: %w", payload.Event, err))
		}
	}
	return errors.Join(errs...)
}

// invokeRegistration runs a registered tool/command handler with the
// decoded input and marshals whatever it returned.
func (e *Engine) invokeRegistration(p *InvocationPayload) InvocationResult {
	var handler goja.Callable
	switch p.Kind {
	case "tool":
		for _, t := range e.result.Tools {
			if t.Name == p.Name {
				handler = t.Handler
			}
		}
	case "command":
		for _, c := range e.result.Commands {
			if c.Name == p.Name {
				handler = c.Handler
			}
		}
	}
	if handler == nil {
		return InvocationResult{Err: fmt.Errorf("engine: no registered %s %q", p.Kind, p.Name)}
	}

	var input any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			return InvocationResult{Err: fmt.Errorf("engine: decode %s input: %w", p.Kind, err)}
		}
	}
	value, err := handler(goja.Undefined(), e.vm.ToValue(input))
	if err != nil {
		return InvocationResult{Err: err}
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return InvocationResult{}
	}
	raw, err := json.Marshal(value.Export())
	if err != nil {
		return InvocationResult{Err: fmt.Errorf("engine: encode %s result: %w", p.Kind, err)}
	}
	return InvocationResult{Value: raw}
}

// outcomeToArgs converts a wire Outcome into the Node-style (err, value)
// callback arguments extension code expects.
func outcomeToArgs(vm *goja.Runtime, outcome extapi.Outcome) (errArg, valueArg goja.Value) {
	if outcome.Stream {
		chunk := map[string]any{"sequence": outcome.Sequence, "isFinal": outcome.IsFinal}
		if len(outcome.Chunk) > 0 && string(outcome.Chunk) != "null" {
			var v any
			_ = json.Unmarshal(outcome.Chunk, &v)
			chunk["chunk"] = v
		} else {
			chunk["chunk"] = nil
		}
		return goja.Undefined(), vm.ToValue(chunk)
	}
	if !outcome.OK {
		errObj := vm.NewObject()
		_ = errObj.Set("code", string(outcome.Code))
		_ = errObj.Set("message", outcome.Message)
		return errObj, goja.Undefined()
	}
	if len(outcome.Value) == 0 {
		return goja.Undefined(), goja.Undefined()
	}
	var v any
	_ = json.Unmarshal(outcome.Value, &v)
	return goja.Undefined(), vm.ToValue(v)
}

// allocCallID returns a per-engine monotonic call identifier. Call ids
// are unique within a region, never compared across regions.
func (e *Engine) allocCallID() uint64 {
	return atomic.AddUint64(&e.nextID, 1)
}

// enqueueHostCall registers cb for the allocated call_id and posts the
// request macrotask. The id is returned to script so cancelStream can
// name the call later.
func (e *Engine) enqueueHostCall(kind extapi.Kind, payload any, stream bool, bufferSize, stallMs, timeoutMs uint32, cb goja.Callable) uint64 {
	id := e.allocCallID()

	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}

	e.mu.Lock()
	e.pending[id] = &pendingCall{callback: cb, stream: stream}
	e.mu.Unlock()

	req := extapi.Request{
		CallID:     id,
		Kind:       kind,
		Payload:    raw,
		Stream:     stream,
		BufferSize: bufferSize,
		StallMs:    stallMs,
		TimeoutMs:  timeoutMs,
	}
	e.sched.Enqueue(scheduler.KindEnqueueHostCall, CallPayload{CallID: id, Request: req})
	return id
}

// CancelPending drops a pending call's callback without delivering an
// outcome; used when a region tears the engine down with calls still in
// flight.
func (e *Engine) CancelPending(callID uint64) {
	e.mu.Lock()
	delete(e.pending, callID)
	e.mu.Unlock()
}

// MarkCancelled flags a pending streaming call as script-cancelled so
// in-flight non-final chunks are dropped rather than delivered.
func (e *Engine) MarkCancelled(callID uint64) {
	e.mu.Lock()
	if pc, ok := e.pending[callID]; ok {
		pc.cancelled = true
	}
	e.mu.Unlock()
}

// PendingCount reports how many host calls are still awaiting delivery.
// Used by the region shutdown path to decide whether an engine can be
// torn down immediately.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
