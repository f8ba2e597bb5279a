package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSendProducesDenseSequence(t *testing.T) {
	s := New(context.Background(), 1, 4, 0)
	defer s.Cancel()

	if err := s.Send(json.RawMessage(`"a"`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(json.RawMessage(`"b"`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := <-s.Chunks()
	second := <-s.Chunks()
	if first.Sequence != 0 || second.Sequence != 1 {
		t.Fatalf("expected sequence 0,1 got %d,%d", first.Sequence, second.Sequence)
	}
	if first.IsFinal || second.IsFinal {
		t.Fatal("expected neither chunk to be final")
	}
}

func TestFinalizeEmitsExactlyOneSentinel(t *testing.T) {
	s := New(context.Background(), 1, 4, 0)
	if err := s.Finalize(nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	chunk := <-s.Chunks()
	if !chunk.IsFinal {
		t.Fatal("expected final chunk")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() closed after finalize")
	}

	// A second Finalize must be a harmless no-op, not a second sentinel.
	if err := s.Finalize(nil); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	select {
	case _, ok := <-s.Chunks():
		if ok {
			t.Fatal("expected no second chunk after repeated finalize")
		}
	default:
	}
}

func TestCancelFinalizesStream(t *testing.T) {
	s := New(context.Background(), 1, 4, 0)
	s.Cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to close promptly after Cancel")
	}
	if !s.Finalized() {
		t.Fatal("expected stream to be marked finalized after Cancel")
	}
}

func TestSendAfterFinalizeFails(t *testing.T) {
	s := New(context.Background(), 1, 4, 0)
	_ = s.Finalize(nil)
	if err := s.Send(json.RawMessage(`"late"`)); err == nil {
		t.Fatal("expected error sending after finalize")
	}
}

func TestAbortSkipsSentinel(t *testing.T) {
	s := New(context.Background(), 1, 4, 0)
	s.Abort()
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done() closed after Abort")
	}
	select {
	case chunk := <-s.Chunks():
		t.Fatalf("expected no chunk after Abort, got %+v", chunk)
	default:
	}
}

func TestStallTimeoutFinalizesStream(t *testing.T) {
	s := New(context.Background(), 1, 4, 20)
	select {
	case chunk := <-s.Chunks():
		if !chunk.IsFinal {
			t.Fatal("expected sentinel chunk from stall timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("expected stall timeout to finalize stream")
	}
}
