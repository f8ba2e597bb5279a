// Package extapi defines the wire shapes shared by the script runtime
// bridge and the host-call dispatcher: the request/outcome envelope
//, the closed error taxonomy, and the
// extension-facing API surface names.
package extapi

import "encoding/json"

// Kind enumerates the capability-bearing host-call kinds.
type Kind string

const (
	KindTool    Kind = "tool"
	KindExec    Kind = "exec"
	KindHttp    Kind = "http"
	KindSession Kind = "session"
	KindUi      Kind = "ui"
	KindEvents  Kind = "events"
	KindLog     Kind = "log"
)

// Request is the wire shape of a host-call request.
type Request struct {
	CallID     uint64          `json:"call_id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Stream     bool            `json:"stream,omitempty"`
	BufferSize uint32          `json:"buffer_size,omitempty"`
	StallMs    uint32          `json:"stall_ms,omitempty"`
	TimeoutMs  uint32          `json:"timeout_ms,omitempty"`
}

// Code is the closed taxonomy of outcome codes observable by extensions
//. All other host-side errors collapse to Internal at the
// bridge.
type Code string

const (
	CodeDenied         Code = "DENIED"
	CodeTimeout        Code = "TIMEOUT"
	CodeCancelled      Code = "CANCELLED"
	CodeIO             Code = "IO"
	CodeInvalidRequest Code = "INVALID_REQUEST"
	CodeModuleNotFound Code = "MODULE_NOT_FOUND"
	CodeInternal       Code = "INTERNAL"
)

// Outcome is one of the three wire shapes of a host-call result: success,
// error, or (for streaming calls) a single chunk.
type Outcome struct {
	OK      bool            `json:"ok"`
	Value   json.RawMessage `json:"value,omitempty"`
	Code    Code            `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`

	Stream   bool            `json:"stream,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Chunk    json.RawMessage `json:"chunk,omitempty"`
	IsFinal  bool            `json:"isFinal,omitempty"`
}

// Success builds a non-streaming success outcome.
func Success(value json.RawMessage) Outcome {
	return Outcome{OK: true, Value: value}
}

// Error builds a non-streaming error outcome.
func Error(code Code, message string) Outcome {
	return Outcome{OK: false, Code: code, Message: message}
}

// Chunk builds a streaming chunk outcome.
func Chunk(sequence uint64, chunk json.RawMessage, isFinal bool) Outcome {
	return Outcome{Stream: true, Sequence: sequence, Chunk: chunk, IsFinal: isFinal}
}

// SentinelChunk is the canonical final chunk used to close a stream on
// cancellation or stall: {chunk: null, is_final: true}.
func SentinelChunk(sequence uint64) Outcome {
	return Chunk(sequence, json.RawMessage("null"), true)
}

// APIEntryPoint names the exact surface exposed to extension script code
// by the activation function. Kept as named
// constants so the engine host and documentation stay in sync.
const (
	APIRegisterTool      = "registerTool"
	APISlashCommand      = "slashCommand"
	APIOn                = "on"
	APIFlag              = "flag"
	APIShortcut          = "shortcut"
	APIRegisterProvider  = "registerProvider"
	APISession           = "session"
	APITool              = "tool"
	APIExec              = "exec"
	APIHttp              = "http"
	APILog               = "log"
	APIEvents            = "events"
	APICancelStream      = "cancelStream"
)
