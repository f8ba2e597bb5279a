package policy

import "testing"

func TestMatchesGlobShapes(t *testing.T) {
	cases := []struct {
		pattern, capability string
		want                bool
	}{
		{"*", "anything:here", true},
		{"tool:read", "tool:read", true},
		{"tool:read", "tool:write", false},
		{"tool:*", "tool:write", true},
		{"tool:*", "exec:run", false},
		{"cli:*", "cli:run-script", true},
	}
	for _, c := range cases {
		if got := Matches(c.pattern, c.capability); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.pattern, c.capability, got, c.want)
		}
	}
}

func TestSafeProfileDecisions(t *testing.T) {
	p := New(ProfileSafe)
	cases := []struct {
		capability string
		want       Decision
	}{
		{"exec:run", Deny},
		{"http:fetch", Deny},
		{"env:read", Deny},
		{"tool:read", Allow},
		{"tool:write", Deny},
		{"tool:edit", Deny},
		{"tool:bash", Deny},
		{"session:read", Allow},
		{"session:write", Warn},
		{"ui:interact", Allow},
		{"log:write", Allow},
		{"events:emit", Allow},
	}
	for _, c := range cases {
		if got := p.Resolve("ext-a", c.capability); got != c.want {
			t.Errorf("Resolve(safe, %q) = %s, want %s", c.capability, got, c.want)
		}
	}
}

func TestBalancedProfileAllowsUiAndExec(t *testing.T) {
	p := New(ProfileBalanced)
	if d := p.Resolve("ext-a", "ui:interact"); d != Allow {
		t.Fatalf("expected Allow for ui under balanced, got %s", d)
	}
	if d := p.Resolve("ext-a", "exec:run"); d != Allow {
		t.Fatalf("expected Allow for exec under balanced, got %s", d)
	}
}

func TestPermissiveProfileAllowsEverything(t *testing.T) {
	p := New(ProfilePermissive)
	if d := p.Resolve("ext-a", "exec:run"); d != Allow {
		t.Fatalf("expected Allow, got %s", d)
	}
}

func TestUnknownProfileFallsBackToSafe(t *testing.T) {
	p := New(Profile("nonexistent"))
	if p.Profile() != ProfileSafe {
		t.Fatalf("expected fallback to safe, got %s", p.Profile())
	}
}

func TestOverrideTakesPrecedenceOverBaseProfile(t *testing.T) {
	p := New(ProfileSafe)
	p.SetOverride("ext-a", []Rule{{Pattern: "exec:*", Decision: Allow}})
	if d := p.Resolve("ext-a", "exec:run"); d != Allow {
		t.Fatalf("expected override Allow, got %s", d)
	}
	if d := p.Resolve("ext-b", "exec:run"); d != Deny {
		t.Fatalf("expected other extension to stay on base profile, got %s", d)
	}
}

func TestClearOverrideRevertsToBaseProfile(t *testing.T) {
	p := New(ProfileSafe)
	p.SetOverride("ext-a", []Rule{{Pattern: "exec:*", Decision: Allow}})
	p.ClearOverride("ext-a")
	if d := p.Resolve("ext-a", "exec:run"); d != Deny {
		t.Fatalf("expected reverted Deny, got %s", d)
	}
}

func TestWarnTrackerDedupesPerExtensionAndCapability(t *testing.T) {
	w := NewWarnTracker()
	if !w.ShouldLog("ext-a", "tool:write") {
		t.Fatal("expected first occurrence to log")
	}
	if w.ShouldLog("ext-a", "tool:write") {
		t.Fatal("expected second occurrence to be deduped")
	}
	if !w.ShouldLog("ext-a", "http:fetch") {
		t.Fatal("expected a different capability to log")
	}
	if !w.ShouldLog("ext-b", "tool:write") {
		t.Fatal("expected a different extension to log")
	}
}
