// Package manifest implements the extension manifest model: the
// declared identity, entrypoint, and capability surface of one
// extension, validated against a JSON Schema before it is ever trusted.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus-runtime/extrt/internal/policy"
)

// Capabilities splits an extension's declared capability surface into
// what it cannot run without (Required) and what it degrades gracefully
// without (Optional). Both sides use the same glob syntax as policy
// rules.
type Capabilities struct {
	Required []string `json:"required,omitempty"`
	Optional []string `json:"optional,omitempty"`
}

// Manifest is the parsed, validated shape of an extension's manifest
// file.
type Manifest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Entry        string          `json:"entry"`
	Capabilities Capabilities    `json:"capabilities"`
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
}

// DeclaredCapabilities returns every pattern the manifest declares,
// required first, in declaration order.
func (m *Manifest) DeclaredCapabilities() []string {
	out := make([]string, 0, len(m.Capabilities.Required)+len(m.Capabilities.Optional))
	out = append(out, m.Capabilities.Required...)
	out = append(out, m.Capabilities.Optional...)
	return out
}

// HasCapability reports whether any declared pattern matches capability.
func (m *Manifest) HasCapability(capability string) bool {
	for _, pattern := range m.DeclaredCapabilities() {
		if CapabilityMatches(pattern, capability) {
			return true
		}
	}
	return false
}

// CapabilityMatches is the same glob semantics policy rules use, exposed
// here so manifest validation and policy resolution never drift apart.
func CapabilityMatches(pattern, capability string) bool {
	return policy.Matches(pattern, capability)
}

const manifestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "entry"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "entry": {"type": "string", "minLength": 1},
    "capabilities": {
      "type": "object",
      "properties": {
        "required": {"type": "array", "items": {"type": "string"}},
        "optional": {"type": "array", "items": {"type": "string"}}
      },
      "additionalProperties": false
    },
    "config_schema": {"type": "object"}
  }
}`

var (
	schemaOnce    sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr     error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.schema.json", strings.NewReader(manifestSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("manifest: add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("manifest.schema.json")
	})
	return compiledSchema, schemaErr
}

// Parse validates raw against the manifest JSON Schema and, on success,
// unmarshals it into a Manifest.
func Parse(raw []byte) (*Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("manifest: invalid JSON: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("manifest: schema validation failed: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	return &m, nil
}
