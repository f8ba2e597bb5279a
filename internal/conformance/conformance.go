// Package conformance implements the runtime's differential test
// surface: it runs the same extension source through
// independent runtime instances and compares their observable
// registration and lifecycle-event outputs, since two conforming runtimes
// (or two runs of the same one) must never disagree.
package conformance

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nexus-runtime/extrt/internal/engine"
	"github.com/nexus-runtime/extrt/internal/region"
	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/pkg/extapi"
)

// LifecycleStep drives one `on(event, handler)` delivery during a
// conformance run, mirroring the shape of engine.LifecyclePayload.
type LifecycleStep struct {
	Event string
	Data  json.RawMessage
}

// EventOutcome records whether delivering one LifecycleStep succeeded.
type EventOutcome struct {
	Event string
	Error string // empty on success
}

// Summary is the serializable, order-preserving projection of one
// runtime instance's observable behavior: registration names (handler
// closures are never compared, only identity/shape) plus the per-step
// outcome of driving the supplied lifecycle script.
type Summary struct {
	Tools     []string
	Commands  []string
	Hooks     []string
	Providers []string
	Shortcuts []string
	Flags     []string
	Events    []EventOutcome
}

// summarize projects an engine.Result into its comparable Summary, names
// only, in registration order.
func summarize(r engine.Result) Summary {
	s := Summary{}
	for _, t := range r.Tools {
		s.Tools = append(s.Tools, t.Name)
	}
	for _, c := range r.Commands {
		s.Commands = append(s.Commands, c.Name)
	}
	for _, h := range r.Hooks {
		s.Hooks = append(s.Hooks, h.Event)
	}
	for _, p := range r.Providers {
		s.Providers = append(s.Providers, p.Name)
	}
	for _, sc := range r.Shortcuts {
		s.Shortcuts = append(s.Shortcuts, sc.Key)
	}
	for _, f := range r.Flags {
		s.Flags = append(s.Flags, f.Name)
	}
	return s
}

// Run evaluates source in a freshly constructed region/scheduler/engine
// triple, drives it through script in order, and returns the resulting
// Summary. Each call constructs an entirely independent runtime instance,
// so calling Run twice with the same arguments is the basis of a
// same-runtime determinism check; calling it
// through RunAll with distinct `build` functions is the basis of a
// cross-runtime conformance check.
func Run(source string, script []LifecycleStep) (Summary, error) {
	r := region.New(nil, 0)
	sched := scheduler.New()
	eng, err := engine.Create(r, sched)
	if err != nil {
		return Summary{}, fmt.Errorf("conformance: create engine: %w", err)
	}

	result, err := eng.EvaluateEntrypoint(source)
	if err != nil {
		return Summary{}, fmt.Errorf("conformance: evaluate entrypoint: %w", err)
	}
	summary := summarize(result)

	// Host-calls issued by the extension resolve against a stub host
	// that answers every request with a null success: the conformance
	// surface compares observable registration/event behavior, not
	// handler results.
	handler := func(task scheduler.Macrotask) error {
		switch task.Kind {
		case scheduler.KindEnqueueHostCall:
			payload, ok := task.Payload.(engine.CallPayload)
			if !ok {
				return fmt.Errorf("conformance: malformed host-call payload")
			}
			sched.Enqueue(scheduler.KindHostcallComplete, engine.CompletePayload{
				CallID:  payload.CallID,
				Outcome: extapi.Success(nil),
			})
			return nil
		case scheduler.KindCancelStream:
			return nil
		default:
			return eng.DeliverMacrotask(task)
		}
	}

	for _, step := range script {
		sched.Enqueue(scheduler.KindLifecycleEvent, engine.LifecyclePayload{Event: step.Event, Data: step.Data})
		outcome := EventOutcome{Event: step.Event}
		if runErr := sched.RunUntilEmpty(handler, eng); runErr != nil {
			outcome.Error = runErr.Error()
		}
		summary.Events = append(summary.Events, outcome)
	}

	return summary, nil
}

// RunAll runs source+script through every named runtime-construction
// function in runtimes, keyed by an arbitrary label (e.g. "goja-stable",
// "goja-canary"), and returns each one's Summary.
func RunAll(source string, script []LifecycleStep, runtimes map[string]func(string, []LifecycleStep) (Summary, error)) (map[string]Summary, error) {
	out := make(map[string]Summary, len(runtimes))
	for name, build := range runtimes {
		summary, err := build(source, script)
		if err != nil {
			return nil, fmt.Errorf("conformance: runtime %q: %w", name, err)
		}
		out[name] = summary
	}
	return out, nil
}

// Diff reports every field where a and b disagree, in a stable order, so
// two non-conforming runtimes produce a reproducible, readable report
// rather than a single "they differ" boolean.
func Diff(a, b Summary) []string {
	var diffs []string
	diffs = append(diffs, diffStrings("tools", a.Tools, b.Tools)...)
	diffs = append(diffs, diffStrings("commands", a.Commands, b.Commands)...)
	diffs = append(diffs, diffStrings("hooks", a.Hooks, b.Hooks)...)
	diffs = append(diffs, diffStrings("providers", a.Providers, b.Providers)...)
	diffs = append(diffs, diffStrings("shortcuts", a.Shortcuts, b.Shortcuts)...)
	diffs = append(diffs, diffStrings("flags", a.Flags, b.Flags)...)
	diffs = append(diffs, diffEvents(a.Events, b.Events)...)
	sort.Strings(diffs)
	return diffs
}

func diffStrings(label string, a, b []string) []string {
	if len(a) != len(b) {
		return []string{fmt.Sprintf("%s: length mismatch (%d vs %d)", label, len(a), len(b))}
	}
	var diffs []string
	for i := range a {
		if a[i] != b[i] {
			diffs = append(diffs, fmt.Sprintf("%s[%d]: %q vs %q", label, i, a[i], b[i]))
		}
	}
	return diffs
}

func diffEvents(a, b []EventOutcome) []string {
	if len(a) != len(b) {
		return []string{fmt.Sprintf("events: length mismatch (%d vs %d)", len(a), len(b))}
	}
	var diffs []string
	for i := range a {
		if a[i] != b[i] {
			diffs = append(diffs, fmt.Sprintf("events[%d]: %+v vs %+v", i, a[i], b[i]))
		}
	}
	return diffs
}

// Conformant reports whether a and b have no observable differences.
func Conformant(a, b Summary) bool {
	return len(Diff(a, b)) == 0
}
