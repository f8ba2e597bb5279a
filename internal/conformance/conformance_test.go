package conformance

import "testing"

const sampleExtensionSource = `
module.exports = function(api) {
  api.registerTool({name: "echo", description: "echoes input", schema: {}, run: function(input) { return input; }});
  api.on("on_message", function(payload) {
    api.log({level: "info", event: "on_message", message: "handled"});
  });
};
`

func TestRunSummarizesRegistrationsDeterministically(t *testing.T) {
	script := []LifecycleStep{{Event: "on_message"}}

	first, err := Run(sampleExtensionSource, script)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	second, err := Run(sampleExtensionSource, script)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if diffs := Diff(first, second); len(diffs) != 0 {
		t.Fatalf("expected identical runs, got diffs: %v", diffs)
	}
	if !Conformant(first, second) {
		t.Fatalf("expected Conformant to agree with an empty Diff")
	}
	if len(first.Tools) != 1 || first.Tools[0] != "echo" {
		t.Fatalf("expected tool %q registered, got %v", "echo", first.Tools)
	}
	if len(first.Hooks) != 1 || first.Hooks[0] != "on_message" {
		t.Fatalf("expected on_message hook registered, got %v", first.Hooks)
	}
	if len(first.Events) != 1 || first.Events[0].Error != "" {
		t.Fatalf("expected the on_message delivery to succeed, got %+v", first.Events)
	}
}

func TestDiffReportsRegistrationMismatch(t *testing.T) {
	a := Summary{Tools: []string{"read"}}
	b := Summary{Tools: []string{"write"}}
	diffs := Diff(a, b)
	if len(diffs) != 1 {
		t.Fatalf("expected exactly one diff, got %v", diffs)
	}
}

func TestDiffReportsLengthMismatch(t *testing.T) {
	a := Summary{Tools: []string{"read", "write"}}
	b := Summary{Tools: []string{"read"}}
	diffs := Diff(a, b)
	if len(diffs) != 1 {
		t.Fatalf("expected a single length-mismatch diff, got %v", diffs)
	}
}

func TestRunAllComparesAcrossRuntimes(t *testing.T) {
	script := []LifecycleStep{{Event: "on_message"}}
	runtimes := map[string]func(string, []LifecycleStep) (Summary, error){
		"goja-a": Run,
		"goja-b": Run,
	}
	summaries, err := RunAll(sampleExtensionSource, script, runtimes)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if !Conformant(summaries["goja-a"], summaries["goja-b"]) {
		t.Fatalf("expected both runtime instances to conform: %v", Diff(summaries["goja-a"], summaries["goja-b"]))
	}
}
