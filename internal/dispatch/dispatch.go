// Package dispatch implements the capability-gated host-call
// dispatcher: one Handler per extapi.Kind, fronted by a policy check
// that turns a Deny into a wire-visible DENIED outcome before the
// handler ever runs.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-runtime/extrt/internal/policy"
	"github.com/nexus-runtime/extrt/pkg/extapi"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// Emit delivers one outcome for a call: a single Success/Error for
// non-streaming kinds, or a sequence of Stream chunks ending in one with
// IsFinal set for streaming kinds. Callers (the extension manager) are
// expected to assign the wire Sequence themselves when wrapping Emit, so
// handlers only need to set Stream/Chunk/IsFinal correctly.
type Emit func(extapi.Outcome) error

// Handler implements one extapi.Kind's host-call semantics.
type Handler interface {
	Kind() extapi.Kind
	// Capability derives the policy capability string for req, e.g.
	// "tool:read" or "exec:run".
	Capability(req extapi.Request) string
	Handle(ctx context.Context, req extapi.Request, emit Emit) error
}

// Dispatcher routes requests to their Handler after a capability check.
type Dispatcher struct {
	handlers map[extapi.Kind]Handler
	policy   *policy.Policy
	warn     *policy.WarnTracker
	sink     hostiface.EventSink
}

// New builds a dispatcher over handlers, indexed by their Kind(). A
// duplicate Kind across handlers is a programmer error and panics at
// construction rather than silently shadowing.
func New(p *policy.Policy, sink hostiface.EventSink, handlers ...Handler) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[extapi.Kind]Handler, len(handlers)),
		policy:   p,
		warn:     policy.NewWarnTracker(),
		sink:     sink,
	}
	for _, h := range handlers {
		if _, exists := d.handlers[h.Kind()]; exists {
			panic(fmt.Sprintf("dispatch: duplicate handler registered for kind %q", h.Kind()))
		}
		d.handlers[h.Kind()] = h
	}
	return d
}

// CapabilityFor reports the capability string req would be checked
// against and whether a handler is registered for its kind at all. The
// extension manager uses this ahead of Dispatch to apply the
// manifest-declaration gate without running the
// handler twice.
func (d *Dispatcher) CapabilityFor(req extapi.Request) (string, bool) {
	handler, ok := d.handlers[req.Kind]
	if !ok {
		return "", false
	}
	return handler.Capability(req), true
}

// Dispatch resolves the capability for req against extensionID's policy
// and, if allowed (or warned), hands off to the kind's Handler. Denials
// and unknown kinds are reported through emit as ordinary outcomes
// rather than Go errors: a denial is a normal, expected wire result.
func (d *Dispatcher) Dispatch(ctx context.Context, extensionID string, req extapi.Request, emit Emit) error {
	handler, ok := d.handlers[req.Kind]
	if !ok {
		return emit(extapi.Error(extapi.CodeInvalidRequest, fmt.Sprintf("unknown host-call kind %q", req.Kind)))
	}

	capability := handler.Capability(req)
	switch d.policy.Resolve(extensionID, capability) {
	case policy.Deny:
		if d.sink != nil {
			d.sink.Emit(ctx, "capability_denied", map[string]any{
				"extension_id": extensionID,
				"capability":   capability,
				"call_id":      req.CallID,
			})
		}
		return emit(extapi.Error(extapi.CodeDenied, DeniedMessage(capability)))
	case policy.Warn:
		if d.warn.ShouldLog(extensionID, capability) && d.sink != nil {
			d.sink.Emit(ctx, "capability_warned", map[string]any{
				"extension_id": extensionID,
				"capability":   capability,
			})
		}
	}

	return handler.Handle(ctx, req, emit)
}

// DeniedMessage reduces an internal capability string to the coarse
// capability name a DENIED outcome carries on the wire ("exec",
// "http", "write", ...). The glob granularity (exec:run, tool:write)
// is an implementation detail of policy matching; extensions only ever
// see the capability class that was refused. The richer string still
// reaches the sink and the risk ledger.
func DeniedMessage(capability string) string {
	family, op, _ := strings.Cut(capability, ":")
	if family != "tool" {
		return family
	}
	switch op {
	case "read", "grep", "find", "ls":
		return "read"
	case "write", "edit":
		return "write"
	case "bash":
		return "exec"
	default:
		return "tool"
	}
}

// mapContextErr maps a context cancellation/deadline into the closed
// outcome taxonomy; other errors collapse to IO by callers
// who know the operation is I/O-shaped, or INTERNAL otherwise.
func mapContextErr(ctx context.Context) (extapi.Code, bool) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return extapi.CodeTimeout, true
	case context.Canceled:
		return extapi.CodeCancelled, true
	default:
		return "", false
	}
}
