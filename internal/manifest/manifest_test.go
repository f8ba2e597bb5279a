package manifest

import "testing"

func TestParseValidManifest(t *testing.T) {
	raw := []byte(`{
		"id": "acme.greeter",
		"name": "Greeter",
		"version": "1.0.0",
		"entry": "index.js",
		"capabilities": {"required": ["tool:read"], "optional": ["http:*"]}
	}`)
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.ID != "acme.greeter" || m.Entry != "index.js" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	raw := []byte(`{"name": "Greeter", "version": "1.0.0", "entry": "index.js"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected schema validation error for missing id")
	}
}

func TestParseRejectsInvalidID(t *testing.T) {
	raw := []byte(`{"id": "Not Valid!", "name": "x", "version": "1.0.0", "entry": "index.js"}`)
	if _, err := Parse(raw); err == nil {
		t.Fatal("expected schema validation error for invalid id pattern")
	}
}

func TestDeclaredCapabilitiesAndHasCapability(t *testing.T) {
	m := &Manifest{Capabilities: Capabilities{
		Required: []string{"tool:read"},
		Optional: []string{"http:*"},
	}}
	decls := m.DeclaredCapabilities()
	if len(decls) != 2 {
		t.Fatalf("expected 2 declared capabilities, got %d", len(decls))
	}
	if !m.HasCapability("tool:read") {
		t.Fatal("expected tool:read to match required capability")
	}
	if !m.HasCapability("http:fetch") {
		t.Fatal("expected http:fetch to match http:* optional capability")
	}
	if m.HasCapability("exec:run") {
		t.Fatal("expected exec:run to not match any declared capability")
	}
}
