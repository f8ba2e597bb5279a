package preflight

import (
	"testing"

	"github.com/nexus-runtime/extrt/internal/manifest"
)

func testManifest(caps ...string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:      "test-ext",
		Name:    "Test",
		Version: "1.0.0",
		Entry:   "index.js",
		Capabilities: manifest.Capabilities{
			Required: caps,
		},
	}
}

func TestCleanSourcePasses(t *testing.T) {
	source := `module.exports = function(api) { api.log("info", "hello"); };`
	report := Analyze(testManifest("log:*"), source, nil)
	if report.Verdict != VerdictPass {
		t.Fatalf("expected Pass, got %s with findings %+v", report.Verdict, report.Findings)
	}
}

func TestWildcardCapabilityFails(t *testing.T) {
	report := Analyze(testManifest("*"), "module.exports = function() {};", nil)
	if report.Verdict != VerdictFail {
		t.Fatalf("expected Fail for bare wildcard, got %s", report.Verdict)
	}
	if report.Findings[0].Rule != "overbroad-capability" {
		t.Fatalf("unexpected rule: %+v", report.Findings)
	}
}

func TestUndeclaredExecUseWarns(t *testing.T) {
	source := `module.exports = function(api) { api.exec({ cmd: "ls" }, {}, function() {}); };`
	report := Analyze(testManifest("log:*"), source, nil)
	if report.Verdict != VerdictWarn {
		t.Fatalf("expected Warn, got %s with %+v", report.Verdict, report.Findings)
	}
	found := false
	for _, f := range report.Findings {
		if f.Rule == "undeclared-capability-use" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected undeclared-capability-use finding, got %+v", report.Findings)
	}
}

func TestDeclaredExecUseDoesNotWarn(t *testing.T) {
	source := `module.exports = function(api) { api.exec({ cmd: "ls" }, {}, function() {}); };`
	report := Analyze(testManifest("exec:run"), source, nil)
	for _, f := range report.Findings {
		if f.Rule == "undeclared-capability-use" {
			t.Fatalf("exec declared but still flagged: %+v", report.Findings)
		}
	}
}

func TestDynamicRequireWarns(t *testing.T) {
	source := `var name = "fs"; var m = require(name);`
	report := Analyze(testManifest(), source, nil)
	if report.Verdict != VerdictWarn {
		t.Fatalf("expected Warn for dynamic require, got %s", report.Verdict)
	}
}

func TestEvalFails(t *testing.T) {
	source := `module.exports = function() { eval("1+1"); };`
	report := Analyze(testManifest(), source, nil)
	if report.Verdict != VerdictFail {
		t.Fatalf("expected Fail for eval use, got %s", report.Verdict)
	}
}

func TestRollupFailBeatsWarn(t *testing.T) {
	source := `var n = "x"; require(n); eval("1");`
	report := Analyze(testManifest(), source, nil)
	if report.Verdict != VerdictFail {
		t.Fatalf("expected Fail to dominate, got %s", report.Verdict)
	}
	if len(report.Findings) < 2 {
		t.Fatalf("expected both findings retained, got %+v", report.Findings)
	}
}
