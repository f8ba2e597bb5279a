// Package preflight implements the static analyzer that runs over an
// extension's manifest and source before it is ever loaded into an
// engine. It can only fail or warn on what is
// visible without executing script code.
package preflight

import (
	"fmt"
	"regexp"

	"github.com/nexus-runtime/extrt/internal/manifest"
)

// Severity is the per-finding severity, independent of the overall
// Verdict a Report carries.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityFail
)

func (s Severity) String() string {
	switch s {
	case SeverityFail:
		return "fail"
	case SeverityWarn:
		return "warn"
	default:
		return "info"
	}
}

// Finding is one static-analysis observation.
type Finding struct {
	Rule     string
	Severity Severity
	Message  string
}

// Verdict is the overall Pass/Warn/Fail rollup of a Report: Fail if any
// finding is SeverityFail, Warn if any is SeverityWarn and none Fail,
// else Pass.
type Verdict string

const (
	VerdictPass Verdict = "Pass"
	VerdictWarn Verdict = "Warn"
	VerdictFail Verdict = "Fail"
)

// Report is the outcome of analyzing one extension.
type Report struct {
	ExtensionID string
	Verdict     Verdict
	Findings    []Finding
}

// Rule inspects a manifest and its entry source, appending zero or more
// findings. Rules never see script execution, only static text.
type Rule func(m *manifest.Manifest, source string) []Finding

// DefaultRules is the fixed rule set run by Analyze.
func DefaultRules() []Rule {
	return []Rule{
		ruleOverbroadCapability,
		ruleUndeclaredCapabilityUse,
		ruleDynamicRequire,
		ruleDangerousGlobals,
	}
}

// Analyze runs rules over m and source and rolls the findings up into a
// single Verdict.
func Analyze(m *manifest.Manifest, source string, rules []Rule) Report {
	if rules == nil {
		rules = DefaultRules()
	}
	var findings []Finding
	for _, rule := range rules {
		findings = append(findings, rule(m, source)...)
	}
	return Report{ExtensionID: m.ID, Verdict: rollup(findings), Findings: findings}
}

func rollup(findings []Finding) Verdict {
	verdict := VerdictPass
	for _, f := range findings {
		switch f.Severity {
		case SeverityFail:
			return VerdictFail
		case SeverityWarn:
			verdict = VerdictWarn
		}
	}
	return verdict
}

// ruleOverbroadCapability fails an extension that declares the bare "*"
// wildcard, which would bypass policy resolution entirely for every
// capability.
func ruleOverbroadCapability(m *manifest.Manifest, source string) []Finding {
	for _, c := range m.DeclaredCapabilities() {
		if c == "*" {
			return []Finding{{
				Rule:     "overbroad-capability",
				Severity: SeverityFail,
				Message:  "manifest declares the unrestricted \"*\" capability",
			}}
		}
	}
	return nil
}

var capabilityCallPattern = map[string]*regexp.Regexp{
	"exec:run":      regexp.MustCompile(`\bapi\.exec\s*\(`),
	"http:fetch":    regexp.MustCompile(`\bapi\.http\s*\(`),
	"session:write": regexp.MustCompile(`\bapi\.session\.set\w+\s*\(`),
}

// ruleUndeclaredCapabilityUse warns when source calls a host surface
// whose capability the manifest never declares, required or optional:
// the call would resolve to Deny/Warn at runtime regardless, but this
// catches the mismatch before the extension is ever loaded.
func ruleUndeclaredCapabilityUse(m *manifest.Manifest, source string) []Finding {
	var findings []Finding
	for capability, pattern := range capabilityCallPattern {
		if !pattern.MatchString(source) {
			continue
		}
		if m.HasCapability(capability) {
			continue
		}
		findings = append(findings, Finding{
			Rule:     "undeclared-capability-use",
			Severity: SeverityWarn,
			Message:  fmt.Sprintf("source calls a %q surface not declared in capabilities", capability),
		})
	}
	return findings
}

var dynamicRequirePattern = regexp.MustCompile(`\brequire\s*\(\s*[^"'\)\s]`)

// ruleDynamicRequire warns on a require() call whose argument is not a
// string literal, which the module registry cannot resolve statically
// and which often indicates an attempt to load an unvetted path.
func ruleDynamicRequire(m *manifest.Manifest, source string) []Finding {
	if dynamicRequirePattern.MatchString(source) {
		return []Finding{{
			Rule:     "dynamic-require",
			Severity: SeverityWarn,
			Message:  "require() called with a non-literal argument",
		}}
	}
	return nil
}

var dangerousGlobalsPattern = regexp.MustCompile(`\b(eval|Function)\s*\(`)

// ruleDangerousGlobals fails on direct eval/Function-constructor use,
// which would let an extension synthesize and run code the preflight
// analyzer never saw.
func ruleDangerousGlobals(m *manifest.Manifest, source string) []Finding {
	if dangerousGlobalsPattern.MatchString(source) {
		return []Finding{{
			Rule:     "dangerous-globals",
			Severity: SeverityFail,
			Message:  "source uses eval() or the Function constructor",
		}}
	}
	return nil
}
