// Package hostcall implements the host-call correlation layer: a
// promise-like future per outstanding call, keyed by a call_id that is
// unique within its owning region (never globally).
package hostcall

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexus-runtime/extrt/pkg/extapi"
)

// IDAllocator hands out strictly increasing call identifiers for one
// region. Call identifiers are never reused and never compared across
// regions.
type IDAllocator struct {
	counter uint64
}

// Next returns the next call_id, starting at 1.
func (a *IDAllocator) Next() uint64 {
	return atomic.AddUint64(&a.counter, 1)
}

// Call is a single in-flight host call: the request that created it and
// the slot its resolution will be written to exactly once.
type Call struct {
	Request extapi.Request

	mu       sync.Mutex
	resolved bool
	result   chan extapi.Outcome
}

func newCall(req extapi.Request) *Call {
	return &Call{Request: req, result: make(chan extapi.Outcome, 1)}
}

// Resolve delivers outcome to whoever is waiting on this call. It is
// safe to call at most once for non-streaming calls; streaming calls may
// call Resolve repeatedly until an outcome with IsFinal set is sent, at
// which point the call is considered terminal and further Resolve calls
// return an error.
func (c *Call) Resolve(outcome extapi.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return fmt.Errorf("hostcall: call %d already resolved", c.Request.CallID)
	}
	final := !outcome.Stream || outcome.IsFinal
	if final {
		c.resolved = true
	}
	select {
	case c.result <- outcome:
	default:
		// Streaming: previous chunk not yet drained. Block the producer
		// rather than drop a chunk, preserving dense sequencing.
		c.result <- outcome
	}
	return nil
}

// Wait blocks until an outcome arrives or ctx is done. On context
// cancellation it returns a synthesized CANCELLED outcome.
func (c *Call) Wait(ctx context.Context) (extapi.Outcome, error) {
	select {
	case out := <-c.result:
		return out, nil
	case <-ctx.Done():
		return extapi.Error(extapi.CodeCancelled, "context cancelled while awaiting host call"), ctx.Err()
	}
}

// Table correlates outstanding calls by call_id for a single region.
type Table struct {
	alloc IDAllocator

	mu    sync.Mutex
	calls map[uint64]*Call
}

// NewTable creates an empty call table.
func NewTable() *Table {
	return &Table{calls: make(map[uint64]*Call)}
}

// Begin allocates a fresh call_id, stamps it onto req, and registers the
// resulting Call for later resolution.
func (t *Table) Begin(req extapi.Request) *Call {
	req.CallID = t.alloc.Next()
	call := newCall(req)

	t.mu.Lock()
	t.calls[req.CallID] = call
	t.mu.Unlock()

	return call
}

// Register tracks a request whose call_id was already allocated on the
// script side (the engine stamps ids synchronously so cancelStream can
// name them). Begin remains for host-originated calls.
func (t *Table) Register(req extapi.Request) *Call {
	call := newCall(req)
	t.mu.Lock()
	t.calls[req.CallID] = call
	t.mu.Unlock()
	return call
}

// Resolve looks up the call for id and resolves it. Returns an error if
// no such call is outstanding (duplicate delivery, or delivery after
// cancellation already forgot it).
func (t *Table) Resolve(id uint64, outcome extapi.Outcome) error {
	t.mu.Lock()
	call, ok := t.calls[id]
	final := !outcome.Stream || outcome.IsFinal
	if ok && final {
		delete(t.calls, id)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("hostcall: no outstanding call for id %d", id)
	}
	return call.Resolve(outcome)
}

// Forget removes a call without resolving it, used when a region shuts
// down or a stream is explicitly cancelled before completion.
func (t *Table) Forget(id uint64) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// Len reports the number of outstanding calls, used by shutdown
// diagnostics to report unresolved work.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Outstanding returns a snapshot of outstanding call_ids, for leak
// reporting during region shutdown.
func (t *Table) Outstanding() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint64, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	return ids
}
