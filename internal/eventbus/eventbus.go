// Package eventbus implements the runtime's typed lifecycle hooks:
// well-known event names delivered to extension-registered handlers in
// registration order, with total isolation between subscribers and
// between extensions.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/pkg/hostiface"
)

// Well-known event names. Extensions may also emit custom
// names through the Events host-call handler; those are published under
// their own name with no further validation here.
const (
	EventBeforeAgentStart = "before_agent_start"
	EventAfterAgentStop   = "after_agent_stop"
	EventOnMessage        = "on_message"
	EventOnToolResult     = "on_tool_result"
	EventOnSessionSave    = "on_session_save"
	EventOnShutdown       = "on_shutdown"
)

// DefaultShutdownBudget is the collective cleanup budget all on_shutdown
// subscribers share when PublishShutdown is not given an explicit one. The
// budget is shared, never per-subscriber.
const DefaultShutdownBudget = 5 * time.Second

// Handler is invoked with the event's JSON payload. A returned error is
// logged and surfaced to the host; it never prevents sibling handlers or
// other extensions from running.
type Handler func(ctx context.Context, payload json.RawMessage) error

// subscription is one registered handler, tagged with the extension and
// region that own it so a handler can never outlive its region.
type subscription struct {
	id          uint64
	extensionID string
	event       string
	region      *region.Region
	handler     Handler
}

// Bus fans typed events out to registered handlers. One Bus is shared by
// every extension; handlers from different extensions never observe each
// other directly, only through events published here.
type Bus struct {
	sink hostiface.EventSink

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*subscription
}

// New creates an empty bus. sink may be nil.
func New(sink hostiface.EventSink) *Bus {
	return &Bus{sink: sink, subs: make(map[string][]*subscription)}
}

// unsubscribeFn removes a previously registered subscription.
type unsubscribeFn func()

// Subscribe registers handler for event, owned by extensionID and r.
// Subscribers are invoked in the order they were registered. The
// returned function removes the subscription; it is safe to
// call more than once.
func (b *Bus) Subscribe(extensionID, event string, r *region.Region, handler Handler) unsubscribeFn {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, extensionID: extensionID, event: event, region: r, handler: handler}
	b.subs[event] = append(b.subs[event], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(event, sub.id) })
	}
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, s := range list {
		if s.id == id {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// UnsubscribeExtension removes every subscription owned by extensionID,
// used when a region closes so the bus never calls into a torn-down
// engine.
func (b *Bus) UnsubscribeExtension(extensionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for event, list := range b.subs {
		kept := list[:0:0]
		for _, s := range list {
			if s.extensionID != extensionID {
				kept = append(kept, s)
			}
		}
		b.subs[event] = kept
	}
}

// snapshot returns the subscriber list for event as it stood at the
// moment of the call: a subscriber registered after this point never
// sees the event.
func (b *Bus) snapshot(event string) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	out := make([]*subscription, len(list))
	copy(out, list)
	return out
}

// HandlerError pairs a failed subscriber with enough context to log and
// report it without halting delivery to siblings.
type HandlerError struct {
	ExtensionID string
	Event       string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("eventbus: extension %q handler for %q failed: %v", e.ExtensionID, e.Event, e.Err)
}

// Publish delivers payload to every subscriber of event registered at
// call time, in registration order, isolating failures: a handler that
// returns an error or panics is recorded and logged but never prevents
// any other subscriber, same extension or not, from running.
func (b *Bus) Publish(ctx context.Context, event string, payload json.RawMessage) []*HandlerError {
	var errs []*HandlerError
	for _, sub := range b.snapshot(event) {
		if err := b.invoke(ctx, sub, payload); err != nil {
			herr := &HandlerError{ExtensionID: sub.extensionID, Event: event, Err: err}
			errs = append(errs, herr)
			if b.sink != nil {
				b.sink.Emit(ctx, "event_handler_error", map[string]any{
					"extension_id": sub.extensionID,
					"event":        event,
					"error":        err.Error(),
				})
			}
		}
	}
	return errs
}

// PublishShutdown delivers EventOnShutdown to every registered handler
// under one shared deadline, rather than one budget per subscriber
//. budget<=0 uses DefaultShutdownBudget.
func (b *Bus) PublishShutdown(ctx context.Context, payload json.RawMessage, budget time.Duration) []*HandlerError {
	if budget <= 0 {
		budget = DefaultShutdownBudget
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return b.Publish(shutdownCtx, EventOnShutdown, payload)
}

// invoke calls sub's handler, converting a panic into an error so one
// misbehaving extension's bug can never unwind into the bus or its
// siblings.
func (b *Bus) invoke(ctx context.Context, sub *subscription, payload json.RawMessage) (err error) {
	if sub.region != nil && sub.region.Phase() == region.PhaseClosed {
		return fmt.Errorf("eventbus: region %s already closed", sub.region.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %q handler: %v", sub.event, r)
		}
	}()
	return sub.handler(ctx, payload)
}

// SubscriberCount reports how many handlers are currently registered for
// event, used by tests and diagnostics.
func (b *Bus) SubscriberCount(event string) int {
	return len(b.snapshot(event))
}
