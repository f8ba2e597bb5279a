// Package hostiface declares the interfaces the runtime core consumes from
// its host application. Implementations live outside this module: the
// provider layer, the conversation session store, the tool catalog, the
// TUI/CLI, configuration, auth, and telemetry sinks are all out of scope
// here and are referenced only through these seams.
package hostiface

import (
	"context"
	"encoding/json"
	"io"
)

// ThinkingLevel mirrors the host's notion of reasoning effort for a session.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Message is the minimal shape of a conversation message an extension may
// observe through a SessionSnapshot. The host's real message type carries
// far more; extensions only ever see this projection.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionSnapshot is an immutable read projection of the conversation
// handed to extensions by Session host-calls.
type SessionSnapshot struct {
	Name          string            `json:"name"`
	Model         string            `json:"model"`
	ThinkingLevel ThinkingLevel     `json:"thinking_level"`
	Messages      []Message         `json:"messages"`
	Labels        map[string]string `json:"labels"`
}

// SessionHandle is the host collaborator backing the Session host-call
// handler. All writes are applied atomically by the host.
type SessionHandle interface {
	GetState(ctx context.Context) (SessionSnapshot, error)
	GetMessages(ctx context.Context) ([]Message, error)
	GetName(ctx context.Context) (string, error)
	SetName(ctx context.Context, name string) error
	GetModel(ctx context.Context) (string, error)
	SetModel(ctx context.Context, model string) error
	SetLabel(ctx context.Context, key, value string) error
	GetThinkingLevel(ctx context.Context) (ThinkingLevel, error)
	SetThinkingLevel(ctx context.Context, level ThinkingLevel) error
}

// ToolResult is the structured result of a tool invocation.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolExecutor forwards a tool call to the host's built-in tool catalog.
// The runtime core never implements tools itself; it only routes to this
// collaborator.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (*ToolResult, error)
	// KnownTools lists the contractually defined built-in set, e.g.
	// {read, write, edit, bash, grep, find, ls}.
	KnownTools() []string
}

// HttpRequest is the host-facing shape of an Http host-call payload.
type HttpRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HttpResponse carries headers plus either a full body or a body reader for
// streaming mode.
type HttpResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    io.ReadCloser     `json:"-"`
}

// HttpClient is the host collaborator backing the Http host-call handler.
type HttpClient interface {
	Do(ctx context.Context, req HttpRequest) (*HttpResponse, error)
}

// ProcessSpec describes a process to launch for the Exec host-call.
type ProcessSpec struct {
	Cmd  string
	Args []string
	Env  map[string]string
	Cwd  string
}

// ProcessHandle is a running (or finished) process as seen by the Exec
// handler: either aggregated or streamed via Stdout/Stderr.
type ProcessHandle interface {
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Wait() (exitCode int, err error)
	Kill() error
}

// ProcessLauncher is the host collaborator that actually forks processes.
// The runtime core never calls os/exec directly outside this seam so that
// a host can substitute a sandboxed launcher (container, microVM, etc).
type ProcessLauncher interface {
	Start(ctx context.Context, spec ProcessSpec) (ProcessHandle, error)
}

// EventSink receives structured log records and lifecycle telemetry the
// runtime core decides are worth surfacing to the host (policy denials,
// leaked-handle records, activation failures). It does not receive
// extension-emitted custom events; those go through the event bus (M).
type EventSink interface {
	Emit(ctx context.Context, name string, fields map[string]any)
}
