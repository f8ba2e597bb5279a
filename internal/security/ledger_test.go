package security

import (
	"bytes"
	"testing"
	"time"
)

func TestAppendAndReadEntriesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := NewLedger(&buf)

	entries := []Entry{
		{ExtensionID: "ext-a", Capability: "exec:run", Decision: "deny", Severity: SeverityCritical, Detail: "exec denied under safe profile"},
		{ExtensionID: "ext-a", Capability: "http:fetch", Decision: "warn", Severity: SeverityWarn, Detail: "http warned under balanced profile"},
		{ExtensionID: "ext-b", Capability: "tool:read", Decision: "allow", Severity: SeverityInfo, Detail: "read allowed"},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	read, err := ReadEntries(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(read) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(read))
	}
	for i, e := range read {
		if e.ExtensionID != entries[i].ExtensionID || e.Capability != entries[i].Capability {
			t.Fatalf("entry %d mismatch: got %+v want %+v", i, e, entries[i])
		}
		if e.Timestamp.IsZero() {
			t.Fatalf("entry %d expected a stamped timestamp", i)
		}
	}
}

func TestAppendStampsTimestampWhenZero(t *testing.T) {
	var buf bytes.Buffer
	l := NewLedger(&buf)
	before := time.Now()
	if err := l.Append(Entry{ExtensionID: "ext-a", Severity: SeverityInfo}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	entries, err := ReadEntries(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if entries[0].Timestamp.Before(before.Add(-time.Second)) {
		t.Fatalf("expected a recent timestamp, got %v", entries[0].Timestamp)
	}
}

func TestSummarizeCountsBySeverity(t *testing.T) {
	entries := []Entry{
		{Severity: SeverityCritical},
		{Severity: SeverityCritical},
		{Severity: SeverityWarn},
		{Severity: SeverityInfo},
	}
	s := Summarize(entries)
	if s.Critical != 2 || s.Warn != 1 || s.Info != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestHasCriticalScopesToExtension(t *testing.T) {
	entries := []Entry{
		{ExtensionID: "ext-a", Severity: SeverityCritical},
		{ExtensionID: "ext-b", Severity: SeverityInfo},
	}
	if !HasCritical(entries, "ext-a") {
		t.Fatalf("expected ext-a to have a critical entry")
	}
	if HasCritical(entries, "ext-b") {
		t.Fatalf("expected ext-b to have no critical entry")
	}
}
