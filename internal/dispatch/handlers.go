package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nexus-runtime/extrt/pkg/extapi"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// ToolHandler routes a "tool" host-call to the host's built-in tool
// catalog. The runtime core never implements a tool body
// itself; it only validates and forwards.
type ToolHandler struct {
	Executor hostiface.ToolExecutor
}

type toolPayload struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (h *ToolHandler) Kind() extapi.Kind { return extapi.KindTool }

func (h *ToolHandler) Capability(req extapi.Request) string {
	var p toolPayload
	_ = json.Unmarshal(req.Payload, &p)
	if p.Name == "" {
		return "tool:*"
	}
	return "tool:" + p.Name
}

func (h *ToolHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var p toolPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed tool payload"))
	}
	if !knownTool(h.Executor.KnownTools(), p.Name) {
		return emit(extapi.Error(extapi.CodeInvalidRequest, fmt.Sprintf("unknown tool %q", p.Name)))
	}

	result, err := h.Executor.Execute(ctx, p.Name, p.Input)
	if err != nil {
		if code, ok := mapContextErr(ctx); ok {
			return emit(extapi.Error(code, err.Error()))
		}
		return emit(extapi.Error(extapi.CodeIO, err.Error()))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return emit(extapi.Error(extapi.CodeInternal, "failed to encode tool result"))
	}
	return emit(extapi.Success(raw))
}

func knownTool(known []string, name string) bool {
	for _, k := range known {
		if k == name {
			return true
		}
	}
	return false
}

// sessionWriteOps is the set of session operations that mutate state and
// therefore require "session:write" rather than "session:read"
//.
var sessionWriteOps = map[string]struct{}{
	"setName": {}, "setModel": {}, "setLabel": {}, "setThinkingLevel": {},
}

type sessionPayload struct {
	Op    string          `json:"op"`
	Args  json.RawMessage `json:"args"`
}

// SessionHandler multiplexes the Session host-call over a single
// hostiface.SessionHandle collaborator.
type SessionHandler struct {
	Session hostiface.SessionHandle
}

func (h *SessionHandler) Kind() extapi.Kind { return extapi.KindSession }

func (h *SessionHandler) Capability(req extapi.Request) string {
	var p sessionPayload
	_ = json.Unmarshal(req.Payload, &p)
	if _, write := sessionWriteOps[p.Op]; write {
		return "session:write"
	}
	return "session:read"
}

func (h *SessionHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var p sessionPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed session payload"))
	}

	switch p.Op {
	case "getState":
		snap, err := h.Session.GetState(ctx)
		return h.emitResult(emit, ctx, snap, err)
	case "getMessages":
		msgs, err := h.Session.GetMessages(ctx)
		return h.emitResult(emit, ctx, msgs, err)
	case "getName":
		name, err := h.Session.GetName(ctx)
		return h.emitResult(emit, ctx, name, err)
	case "setName":
		var args struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(p.Args, &args)
		err := h.Session.SetName(ctx, args.Name)
		return h.emitResult(emit, ctx, nil, err)
	case "getModel":
		model, err := h.Session.GetModel(ctx)
		return h.emitResult(emit, ctx, model, err)
	case "setModel":
		var args struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(p.Args, &args)
		err := h.Session.SetModel(ctx, args.Model)
		return h.emitResult(emit, ctx, nil, err)
	case "setLabel":
		var args struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		_ = json.Unmarshal(p.Args, &args)
		err := h.Session.SetLabel(ctx, args.Key, args.Value)
		return h.emitResult(emit, ctx, nil, err)
	case "getThinkingLevel":
		level, err := h.Session.GetThinkingLevel(ctx)
		return h.emitResult(emit, ctx, level, err)
	case "setThinkingLevel":
		var args struct {
			Level hostiface.ThinkingLevel `json:"level"`
		}
		_ = json.Unmarshal(p.Args, &args)
		err := h.Session.SetThinkingLevel(ctx, args.Level)
		return h.emitResult(emit, ctx, nil, err)
	default:
		return emit(extapi.Error(extapi.CodeInvalidRequest, fmt.Sprintf("unknown session op %q", p.Op)))
	}
}

func (h *SessionHandler) emitResult(emit Emit, ctx context.Context, value any, err error) error {
	if err != nil {
		if code, ok := mapContextErr(ctx); ok {
			return emit(extapi.Error(code, err.Error()))
		}
		return emit(extapi.Error(extapi.CodeIO, err.Error()))
	}
	if value == nil {
		return emit(extapi.Success(nil))
	}
	raw, encErr := json.Marshal(value)
	if encErr != nil {
		return emit(extapi.Error(extapi.CodeInternal, "failed to encode session result"))
	}
	return emit(extapi.Success(raw))
}

// UiHandler accepts UI-surface signals from script code: shortcut/prompt
// acknowledgements and cancelStream acks. The actual
// rendering lives entirely in the host application; this handler only
// validates and acknowledges.
type UiHandler struct{}

func (h *UiHandler) Kind() extapi.Kind                      { return extapi.KindUi }
func (h *UiHandler) Capability(req extapi.Request) string   { return "ui:interact" }
func (h *UiHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	return emit(extapi.Success(nil))
}

// EventPublisher forwards an extension-emitted custom event onto the
// shared event bus.
type EventPublisher interface {
	Publish(ctx context.Context, name string, payload json.RawMessage) error
}

type eventsPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// EventsHandler routes the "events" host-call kind to the event bus.
type EventsHandler struct {
	Publisher EventPublisher
}

func (h *EventsHandler) Kind() extapi.Kind                    { return extapi.KindEvents }
func (h *EventsHandler) Capability(req extapi.Request) string { return "events:emit" }

func (h *EventsHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var p eventsPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed events payload"))
	}
	if h.Publisher == nil {
		return emit(extapi.Success(nil))
	}
	if err := h.Publisher.Publish(ctx, p.Name, p.Payload); err != nil {
		return emit(extapi.Error(extapi.CodeInternal, err.Error()))
	}
	return emit(extapi.Success(nil))
}

type logPayload struct {
	Level   string          `json:"level"`
	Event   string          `json:"event"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields"`
}

// LogHandler routes extension log calls into the host's structured
// logger, tagged so operators can tell extension noise from runtime
// noise.
type LogHandler struct {
	Logger      *slog.Logger
	ExtensionID string
}

func (h *LogHandler) Kind() extapi.Kind                    { return extapi.KindLog }
func (h *LogHandler) Capability(req extapi.Request) string { return "log:write" }

func (h *LogHandler) Handle(ctx context.Context, req extapi.Request, emit Emit) error {
	var p logPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return emit(extapi.Error(extapi.CodeInvalidRequest, "malformed log payload"))
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := []any{"extension_id", h.ExtensionID}
	if p.Event != "" {
		args = append(args, "event", p.Event)
	}
	if len(p.Fields) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(p.Fields, &fields); err == nil {
			for k, v := range fields {
				args = append(args, k, v)
			}
		}
	}
	logger.LogAttrs(ctx, levelFromString(p.Level), p.Message, slogAttrs(args)...)
	return emit(extapi.Success(nil))
}

func levelFromString(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func slogAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}
