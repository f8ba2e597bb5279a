// Package stream implements the bounded streaming channel behind every
// streaming host call: a dense, monotonic sequence of chunks terminated
// by exactly one finalization (a normal end, a cancellation, or a stall
// timeout collapse to the same sentinel-chunk shape on the wire).
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-runtime/extrt/pkg/extapi"
)

const (
	// DefaultBufferSize bounds how many chunks may be queued before a
	// producer blocks, applied when a caller does not specify one.
	DefaultBufferSize = 16
	// DefaultStallTimeout is how long a stream may go without the
	// consumer draining a chunk before it is torn down.
	DefaultStallTimeout = 30 * time.Second
)

// Stream is a single outbound chunk sequence for one streaming host call.
// It implements internal/region.Handle so a Region can own and cancel it.
type Stream struct {
	CallID uint64

	buffer chan extapi.Outcome
	seq    uint64

	ctx      context.Context
	cancelFn context.CancelFunc

	stallTimer *time.Timer
	stallDur   time.Duration

	mu        sync.Mutex
	finalized bool
	done      chan struct{}
	closeOnce sync.Once

	stalled   atomic.Bool
	cancelled atomic.Bool
}

// New creates a stream for callID under parent, with the given buffer
// size and stall timeout (zero values fall back to the package
// defaults). The returned stream starts its stall timer immediately.
func New(parent context.Context, callID uint64, bufferSize uint32, stallMs uint32) *Stream {
	size := int(bufferSize)
	if size <= 0 {
		size = DefaultBufferSize
	}
	dur := time.Duration(stallMs) * time.Millisecond
	if dur <= 0 {
		dur = DefaultStallTimeout
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		CallID:   callID,
		buffer:   make(chan extapi.Outcome, size),
		ctx:      ctx,
		cancelFn: cancel,
		stallDur: dur,
		done:     make(chan struct{}),
	}
	s.stallTimer = time.AfterFunc(dur, s.onStall)
	return s
}

// Kind satisfies region.Handle.
func (s *Stream) Kind() string { return "stream" }

// Done satisfies region.Handle: closed once the stream has finalized.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel satisfies region.Handle: tears the stream down immediately,
// emitting the sentinel chunk if one has not already gone out. Chunks
// still buffered at cancel time are never shown to the consumer; the
// pump checks Cancelled and forwards only the sentinel.
func (s *Stream) Cancel() {
	s.cancelled.Store(true)
	s.cancelFn()
	_ = s.finalize(extapi.SentinelChunk(s.nextSeq()))
}

// Cancelled reports whether Cancel was called on this stream.
func (s *Stream) Cancelled() bool {
	return s.cancelled.Load()
}

func (s *Stream) onStall() {
	if s.Finalized() {
		return
	}
	s.stalled.Store(true)
	s.cancelFn()
	_ = s.finalize(extapi.SentinelChunk(s.nextSeq()))
}

// Stalled reports whether this stream closed because its stall timer
// fired, as opposed to a normal Finalize or an explicit Cancel. Used by
// the extension manager to log a stall warning and record a
// StreamStallCounter observation distinct from ordinary cancellation.
func (s *Stream) Stalled() bool {
	return s.stalled.Load()
}

// nextSeq hands out the dense 0-based sequence numbers spec'd for
// stream chunks.
func (s *Stream) nextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1) - 1
}

// Send enqueues one non-final chunk, resetting the stall timer. It
// blocks if the bounded buffer is full, until the consumer drains a slot
// or the stream is cancelled/stalled.
func (s *Stream) Send(payload json.RawMessage) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return fmt.Errorf("stream: send after finalization for call %d", s.CallID)
	}
	s.mu.Unlock()

	s.stallTimer.Reset(s.stallDur)
	seq := s.nextSeq()
	select {
	case s.buffer <- extapi.Chunk(seq, payload, false):
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("stream: cancelled while sending chunk for call %d", s.CallID)
	}
}

// Finalize ends the stream normally: the single terminal chunk carries
// last as its payload (nil produces the {null, is_final:true} sentinel).
// It is the producer's counterpart to Cancel, used when the underlying
// work completes on its own.
// An exec stream's exit status rides this terminal chunk.
func (s *Stream) Finalize(last json.RawMessage) error {
	if last == nil {
		return s.finalize(extapi.SentinelChunk(s.nextSeq()))
	}
	return s.finalize(extapi.Chunk(s.nextSeq(), last, true))
}

func (s *Stream) finalize(sentinel extapi.Outcome) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	s.mu.Unlock()

	s.stallTimer.Stop()
	select {
	case s.buffer <- sentinel:
	default:
		// Buffer momentarily full; deliver the sentinel asynchronously
		// rather than block the caller (often a timer goroutine) forever
		// on a consumer that already walked away.
		go func() { s.buffer <- sentinel }()
	}
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Abort terminates the stream without emitting the sentinel. Used when
// the producer already surfaced a terminal Error outcome for the call:
// a stream ends with exactly one of sentinel or Error, never both.
func (s *Stream) Abort() {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	s.mu.Unlock()

	s.cancelFn()
	s.stallTimer.Stop()
	s.closeOnce.Do(func() { close(s.done) })
}

// Chunks exposes the receive side for a consumer loop (the extension
// manager's macrotask producer). Readers must keep draining until a
// chunk with IsFinal set arrives; no further chunks will ever follow it.
func (s *Stream) Chunks() <-chan extapi.Outcome {
	return s.buffer
}

// Finalized reports whether the terminal sentinel has already gone out.
func (s *Stream) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
