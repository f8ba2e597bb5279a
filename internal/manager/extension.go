package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nexus-runtime/extrt/internal/dispatch"
	"github.com/nexus-runtime/extrt/internal/engine"
	"github.com/nexus-runtime/extrt/internal/hostcall"
	"github.com/nexus-runtime/extrt/internal/manifest"
	"github.com/nexus-runtime/extrt/internal/preflight"
	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/internal/security"
	"github.com/nexus-runtime/extrt/internal/stream"
	"github.com/nexus-runtime/extrt/pkg/extapi"
)

// State is the extension load state.
type State int

const (
	StateDiscovered State = iota
	StatePreflighted
	StateLoading
	StateActive
	StateDraining
	StateUnloaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StatePreflighted:
		return "Preflighted"
	case StateLoading:
		return "Loading"
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateUnloaded:
		return "Unloaded"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// streamEntry pairs an open stream with its region untrack function.
type streamEntry struct {
	stream  *stream.Stream
	untrack func()
}

// Extension is one loaded (or failed) extension and everything it owns:
// a region, a scheduler, an engine, the table of in-flight host calls,
// and its open streams. One extension maps to at most one active region
// at any time.
type Extension struct {
	ID          string
	Name        string
	Version     string
	Dir         string
	Fingerprint string
	Manifest    *manifest.Manifest
	Preflight   preflight.Report

	manager *Manager
	logger  *slog.Logger

	region     *region.Region
	sched      *scheduler.Scheduler
	engine     *engine.Engine
	result     engine.Result
	dispatcher *dispatch.Dispatcher
	calls      *hostcall.Table
	unsubs     []func()

	mu      sync.Mutex
	state   State
	cause   string
	streams map[uint64]*streamEntry

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// State returns the current load state.
func (ext *Extension) State() State {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	return ext.state
}

// Cause returns the structured failure cause, empty unless Failed.
func (ext *Extension) Cause() string {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	return ext.cause
}

// Registrations returns what the extension registered at activation.
func (ext *Extension) Registrations() engine.Result { return ext.result }

// RegionID returns the owning region's id, empty before Loading.
func (ext *Extension) RegionID() string {
	if ext.region == nil {
		return ""
	}
	return ext.region.ID
}

func (ext *Extension) setState(s State) {
	ext.mu.Lock()
	ext.state = s
	ext.mu.Unlock()
}

func (ext *Extension) fail(reason string, err error) {
	ext.mu.Lock()
	ext.state = StateFailed
	ext.cause = fmt.Sprintf("%s: %v", reason, err)
	ext.mu.Unlock()
}

func (ext *Extension) requestStop() {
	ext.stopOnce.Do(func() { close(ext.stop) })
}

// loadLocalModule reads a relative import from the extension directory,
// transpiling TypeScript sources through the shared cache.
func (ext *Extension) loadLocalModule(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	source := string(raw)
	if strings.HasSuffix(path, ".ts") {
		return ext.manager.cache.Get(source)
	}
	return source, nil
}

// run is the extension's driver goroutine: it ticks the scheduler,
// delivering macrotasks into the engine and spawning dispatch work for
// host calls the engine enqueued. It is the only goroutine that ever
// touches the goja VM after activation, which is what keeps extension
// script single-threaded cooperative. Exit only happens at an
// empty-queue point after stop is requested, so queued cancellation
// sentinels always reach script first.
func (ext *Extension) run() {
	defer close(ext.stopped)
	for {
		progressed, err := ext.sched.Tick(ext.handleMacrotask, ext.engine)
		if err != nil {
			ext.logger.Error("macrotask dispatch failed", "error", err)
			if ext.manager.hosts.Sink != nil {
				ext.manager.hosts.Sink.Emit(ext.manager.ctx, "event_handler_error", map[string]any{
					"extension_id": ext.ID,
					"error":        err.Error(),
				})
			}
		}
		if progressed {
			continue
		}
		select {
		case <-ext.sched.Wakeups():
		case <-ext.stop:
			return
		}
	}
}

func (ext *Extension) handleMacrotask(task scheduler.Macrotask) error {
	switch task.Kind {
	case scheduler.KindEnqueueHostCall:
		payload, ok := task.Payload.(engine.CallPayload)
		if !ok {
			return fmt.Errorf("manager: malformed enqueue_host_call payload")
		}
		ext.dispatchCall(payload.Request)
		return nil
	case scheduler.KindCancelStream:
		payload, ok := task.Payload.(engine.CancelPayload)
		if !ok {
			return fmt.Errorf("manager: malformed cancel_stream payload")
		}
		ext.cancelStream(payload.CallID)
		return nil
	default:
		return ext.engine.DeliverMacrotask(task)
	}
}

// completion posts a terminal outcome back to script and records it.
func (ext *Extension) completion(req extapi.Request, outcome extapi.Outcome) {
	ext.calls.Forget(req.CallID)
	ext.sched.Enqueue(scheduler.KindHostcallComplete, engine.CompletePayload{CallID: req.CallID, Outcome: outcome})
	ext.countOutcome(req.Kind, outcome)
}

func (ext *Extension) countOutcome(kind extapi.Kind, outcome extapi.Outcome) {
	metrics := ext.manager.metrics
	if metrics == nil {
		return
	}
	label := "ok"
	switch {
	case outcome.Stream:
		label = "ok"
	case outcome.OK:
		label = "ok"
	case outcome.Code == extapi.CodeDenied:
		label = "denied"
	default:
		label = "error"
	}
	metrics.HostCallCounter.WithLabelValues(string(kind), label).Inc()
}

// dispatchCall routes one host-call request off the engine thread. The
// manifest declaration gate runs first (a capability never declared is
// rejected before it reaches policy), then the dispatcher applies the
// policy check and the handler. Work always runs inside a region task
// so cancellation and timeouts are structured.
func (ext *Extension) dispatchCall(req extapi.Request) {
	capability, known := ext.dispatcher.CapabilityFor(req)
	if !known {
		ext.completion(req, extapi.Error(extapi.CodeInvalidRequest, fmt.Sprintf("unknown host-call kind %q", req.Kind)))
		return
	}
	if ext.region.Phase() != region.PhaseRunning {
		ext.completion(req, extapi.Error(extapi.CodeDenied, "region_draining"))
		return
	}
	if len(ext.Manifest.DeclaredCapabilities()) > 0 && !ext.Manifest.HasCapability(capability) {
		ext.manager.ledgerAppend(security.Entry{
			ExtensionID: ext.ID,
			Capability:  capability,
			Decision:    "deny",
			Severity:    security.SeverityWarn,
			Detail:      "capability not declared in manifest",
		})
		ext.completion(req, extapi.Error(extapi.CodeDenied, dispatch.DeniedMessage(capability)))
		return
	}

	budget := region.Budget{}
	if req.TimeoutMs > 0 {
		budget.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	// Log and event emission are local, non-blocking operations; they
	// dispatch inline on the driver so two emissions from the same
	// engine can never reorder against each other.
	if req.Kind == extapi.KindLog || req.Kind == extapi.KindEvents {
		emit := func(outcome extapi.Outcome) error {
			ext.completion(req, outcome)
			return nil
		}
		if err := ext.dispatcher.Dispatch(ext.manager.ctx, ext.ID, req, emit); err != nil {
			ext.completion(req, extapi.Error(extapi.CodeInternal, err.Error()))
		}
		return
	}

	if req.Stream {
		ext.dispatchStreaming(req, budget)
		return
	}
	ext.calls.Register(req)
	start := time.Now()
	_, err := ext.region.CreateTask(ext.manager.ctx, budget, func(ctx context.Context) error {
		emit := func(outcome extapi.Outcome) error {
			ext.completion(req, outcome)
			return nil
		}
		if dispatchErr := ext.dispatcher.Dispatch(ctx, ext.ID, req, emit); dispatchErr != nil {
			ext.completion(req, extapi.Error(extapi.CodeInternal, dispatchErr.Error()))
		}
		ext.observeDuration(req.Kind, start)
		return nil
	})
	if err != nil {
		ext.completion(req, extapi.Error(extapi.CodeDenied, "region_draining"))
	}
}

// dispatchStreaming runs the handler as a producer into a bounded,
// stall-guarded stream owned by the region, and pumps delivered chunks
// back onto the scheduler in dense sequence order.
func (ext *Extension) dispatchStreaming(req extapi.Request, budget region.Budget) {
	cfg := ext.manager.cfg
	bufferSize := req.BufferSize
	if bufferSize == 0 {
		bufferSize = uint32(cfg.Stream.BufferSize)
	}
	stallMs := req.StallMs
	if stallMs == 0 {
		stallMs = uint32(cfg.Stream.StallTimeout / time.Millisecond)
	}

	st := stream.New(ext.manager.ctx, req.CallID, bufferSize, stallMs)
	untrack, err := ext.region.TrackStream(st)
	if err != nil {
		st.Abort()
		ext.completion(req, extapi.Error(extapi.CodeDenied, "region_draining"))
		return
	}
	ext.addStream(req.CallID, &streamEntry{stream: st, untrack: untrack})
	ext.calls.Register(req)

	go ext.pumpStream(req, st)

	start := time.Now()
	_, err = ext.region.CreateTask(ext.manager.ctx, budget, func(ctx context.Context) error {
		emit := func(outcome extapi.Outcome) error {
			if !outcome.Stream {
				// Terminal error before or mid-stream: exactly one of
				// sentinel or Error ends a stream, so skip the sentinel.
				st.Abort()
				ext.completion(req, outcome)
				return nil
			}
			if outcome.IsFinal {
				return st.Finalize(outcome.Chunk)
			}
			return st.Send(outcome.Chunk)
		}
		if dispatchErr := ext.dispatcher.Dispatch(ctx, ext.ID, req, emit); dispatchErr != nil {
			st.Cancel()
		}
		ext.observeDuration(req.Kind, start)
		return nil
	})
	if err != nil {
		st.Cancel()
	}
}

// pumpStream moves chunks from the bounded channel onto the scheduler.
// After a script-side cancel, buffered non-final chunks are discarded so
// the consumer observes nothing between its cancel and the sentinel. An
// aborted stream (terminal Error already delivered) produces no
// sentinel, so the pump also watches Done to avoid waiting forever.
func (ext *Extension) pumpStream(req extapi.Request, st *stream.Stream) {
	forward := func(outcome extapi.Outcome) bool {
		if st.Cancelled() && !outcome.IsFinal {
			return false
		}
		ext.sched.Enqueue(scheduler.KindStreamChunk, engine.CompletePayload{CallID: req.CallID, Outcome: outcome})
		if ext.manager.metrics != nil {
			ext.manager.metrics.StreamChunkCounter.WithLabelValues(string(req.Kind)).Inc()
		}
		return outcome.IsFinal
	}

loop:
	for {
		select {
		case outcome := <-st.Chunks():
			if forward(outcome) {
				break loop
			}
		case <-st.Done():
			// Terminal; the sentinel may still be in flight behind
			// buffered chunks, so keep draining briefly.
			for {
				select {
				case outcome := <-st.Chunks():
					if forward(outcome) {
						break loop
					}
				case <-time.After(50 * time.Millisecond):
					break loop
				}
			}
		}
	}
	if st.Stalled() {
		ext.logger.Warn("stream stalled past its stall timeout",
			"call_id", req.CallID, "kind", req.Kind)
		if ext.manager.metrics != nil {
			ext.manager.metrics.StreamStallCounter.WithLabelValues(string(req.Kind)).Inc()
		}
	}
	ext.calls.Forget(req.CallID)
	ext.removeStream(req.CallID)
	ext.countOutcome(req.Kind, extapi.Outcome{Stream: true, IsFinal: true})
}

func (ext *Extension) cancelStream(callID uint64) {
	ext.mu.Lock()
	entry, ok := ext.streams[callID]
	ext.mu.Unlock()
	if !ok {
		return
	}
	entry.stream.Cancel()
}

func (ext *Extension) addStream(callID uint64, entry *streamEntry) {
	ext.mu.Lock()
	ext.streams[callID] = entry
	ext.mu.Unlock()
}

func (ext *Extension) removeStream(callID uint64) {
	ext.mu.Lock()
	entry, ok := ext.streams[callID]
	delete(ext.streams, callID)
	ext.mu.Unlock()
	if ok && entry.untrack != nil {
		entry.untrack()
	}
}

// InvokeTool runs a tool the extension registered at activation, on the
// extension's own driver goroutine, and returns its marshalled result.
// This is how the host's tool catalog routes a call for an
// extension-provided tool back into script.
func (ext *Extension) InvokeTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return ext.invoke(ctx, "tool", name, input)
}

// InvokeCommand runs a registered slash command handler.
func (ext *Extension) InvokeCommand(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	return ext.invoke(ctx, "command", name, input)
}

func (ext *Extension) invoke(ctx context.Context, kind, name string, input json.RawMessage) (json.RawMessage, error) {
	if ext.State() != StateActive {
		return nil, fmt.Errorf("manager: extension %q is not active", ext.ID)
	}
	payload := &engine.InvocationPayload{
		Kind:   kind,
		Name:   name,
		Input:  input,
		Result: make(chan engine.InvocationResult, 1),
	}
	ext.sched.Enqueue(scheduler.KindInvokeHandler, payload)
	select {
	case result := <-payload.Result:
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ext.stop:
		return nil, fmt.Errorf("manager: extension %q shut down during invocation", ext.ID)
	}
}

// OpenStreams reports how many streams are currently open, for tests
// and the doctor command.
func (ext *Extension) OpenStreams() int {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	return len(ext.streams)
}

func (ext *Extension) observeDuration(kind extapi.Kind, start time.Time) {
	if ext.manager.metrics != nil {
		ext.manager.metrics.HostCallDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}
}
