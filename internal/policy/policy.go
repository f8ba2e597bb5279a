// Package policy implements capability-gated decision resolution
//: three built-in profiles, per-extension overrides, and
// Allow/Warn/Deny semantics over glob-style capability patterns.
package policy

import (
	"strings"
	"sync"
)

// Decision is the three-valued outcome of resolving a capability against
// a policy.
type Decision int

const (
	// Deny is also the fail-closed default when nothing matches.
	Deny Decision = iota
	Warn
	Allow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "Allow"
	case Warn:
		return "Warn"
	default:
		return "Deny"
	}
}

// Profile names one of the three built-in capability postures.
type Profile string

const (
	ProfileSafe       Profile = "safe"
	ProfileBalanced   Profile = "balanced"
	ProfilePermissive Profile = "permissive"
)

// Rule pairs a glob-style capability pattern with the decision it
// carries. Patterns are matched in list order; the first match wins.
// Supported pattern shapes: an exact string, a "prefix:*" glob, or the
// bare "*" wildcard.
type Rule struct {
	Pattern  string
	Decision Decision
}

// Matches reports whether capability satisfies pattern.
func Matches(pattern, capability string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == capability {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(capability, prefix)
	}
	return false
}

// defaultRules are the built-in profile rule sets. Safe allows every
// tool except write, edit, and bash, plus the session/ui/log/events
// surfaces, denying writes, exec, http, and env outright (session
// writes are warned, not blocked). Balanced opens tool, http, exec,
// env, and session and warns on cli registration. Permissive allows
// everything.
var defaultRules = map[Profile][]Rule{
	ProfileSafe: {
		{Pattern: "tool:read", Decision: Allow},
		{Pattern: "tool:grep", Decision: Allow},
		{Pattern: "tool:find", Decision: Allow},
		{Pattern: "tool:ls", Decision: Allow},
		{Pattern: "tool:write", Decision: Deny},
		{Pattern: "tool:edit", Decision: Deny},
		{Pattern: "tool:bash", Decision: Deny},
		{Pattern: "tool:*", Decision: Allow},
		{Pattern: "log:*", Decision: Allow},
		{Pattern: "session:read", Decision: Allow},
		{Pattern: "session:write", Decision: Warn},
		{Pattern: "events:*", Decision: Allow},
		{Pattern: "ui:*", Decision: Allow},
		{Pattern: "http:*", Decision: Deny},
		{Pattern: "exec:*", Decision: Deny},
		{Pattern: "env:*", Decision: Deny},
		{Pattern: "cli:*", Decision: Deny},
		{Pattern: "*", Decision: Deny},
	},
	ProfileBalanced: {
		{Pattern: "tool:*", Decision: Allow},
		{Pattern: "log:*", Decision: Allow},
		{Pattern: "session:*", Decision: Allow},
		{Pattern: "events:*", Decision: Allow},
		{Pattern: "ui:*", Decision: Allow},
		{Pattern: "http:*", Decision: Allow},
		{Pattern: "exec:*", Decision: Allow},
		{Pattern: "env:*", Decision: Allow},
		{Pattern: "cli:*", Decision: Warn},
		{Pattern: "*", Decision: Deny},
	},
	ProfilePermissive: {
		{Pattern: "*", Decision: Allow},
	},
}

// ProfileRules returns a copy of profile's built-in rule list, falling
// back to Safe for unknown names. Used when a per-extension override
// names a whole profile rather than individual capability globs.
func ProfileRules(profile Profile) []Rule {
	rules, ok := defaultRules[profile]
	if !ok {
		rules = defaultRules[ProfileSafe]
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Policy resolves capability decisions for one running instance of the
// runtime: a base profile plus per-extension override rule lists.
type Policy struct {
	mu        sync.RWMutex
	profile   Profile
	rules     []Rule
	overrides map[string][]Rule
}

// New creates a policy using profile's built-in rule set. Unknown
// profile names fall back to Safe, the fail-closed default.
func New(profile Profile) *Policy {
	rules, ok := defaultRules[profile]
	if !ok {
		profile = ProfileSafe
		rules = defaultRules[ProfileSafe]
	}
	return &Policy{
		profile:   profile,
		rules:     rules,
		overrides: make(map[string][]Rule),
	}
}

// Profile reports the active base profile.
func (p *Policy) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// SetOverride installs an extension-specific rule list, consulted before
// the base profile for that extension's capability resolutions.
func (p *Policy) SetOverride(extensionID string, rules []Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.overrides[extensionID] = rules
}

// ClearOverride removes any override rules for extensionID, reverting it
// to the base profile.
func (p *Policy) ClearOverride(extensionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.overrides, extensionID)
}

// Resolve decides a capability for extensionID: override rules are
// checked first (first match wins), then the base profile rules, and
// finally Deny if nothing matched (fail-closed).
func (p *Policy) Resolve(extensionID, capability string) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if override, ok := p.overrides[extensionID]; ok {
		if d, matched := firstMatch(override, capability); matched {
			return d
		}
	}
	if d, matched := firstMatch(p.rules, capability); matched {
		return d
	}
	return Deny
}

func firstMatch(rules []Rule, capability string) (Decision, bool) {
	for _, r := range rules {
		if Matches(r.Pattern, capability) {
			return r.Decision, true
		}
	}
	return Deny, false
}

// WarnTracker deduplicates Warn-decision logging per (extension_id,
// capability) pair for the lifetime of one extension instance: a
// capability warning is logged once, not once per call.
type WarnTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewWarnTracker creates an empty tracker.
func NewWarnTracker() *WarnTracker {
	return &WarnTracker{seen: make(map[string]struct{})}
}

// ShouldLog reports whether this is the first time (extensionID,
// capability) has been seen, marking it seen as a side effect.
func (w *WarnTracker) ShouldLog(extensionID, capability string) bool {
	key := extensionID + "\x00" + capability
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[key]; ok {
		return false
	}
	w.seen[key] = struct{}{}
	return true
}

// Reset clears all dedup state, used between extension reload cycles.
func (w *WarnTracker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]struct{})
}
