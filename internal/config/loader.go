// Package config loads the runtime's own configuration: which extension
// roots to scan, the active capability profile and per-extension
// overrides, cleanup budgets, streaming defaults, and the preflight
// gating mode. A config file may stitch fragments together with
// $include; includes resolve relative to the including file but may
// never escape the root config's directory — a config pulling
// fragments from outside its own tree is the same traversal hazard the
// extension discoverer guards against.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads the config file at path into a merged raw map,
// resolving $include fragments depth-first so the root file's own keys
// win over anything it includes.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	l := &fragmentLoader{
		confineDir: filepath.Dir(abs),
		active:     make(map[string]bool),
	}
	return l.read(abs)
}

// fragmentLoader walks the $include graph of one root config file. The
// active set detects include cycles; confineDir is the traversal
// boundary every fragment must stay inside.
type fragmentLoader struct {
	confineDir string
	active     map[string]bool
}

func (l *fragmentLoader) read(path string) (map[string]any, error) {
	if l.active[path] {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	l.active[path] = true
	defer delete(l.active, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.Expand(string(data), func(name string) string {
		if "$"+name == includeKey {
			return includeKey
		}
		return os.Getenv(name)
	})
	doc, err := decodeDocument(expanded, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	merged := map[string]any{}
	for _, include := range includes {
		fragPath, err := l.resolveInclude(path, include)
		if err != nil {
			return nil, err
		}
		fragment, err := l.read(fragPath)
		if err != nil {
			return nil, err
		}
		merged = overlay(merged, fragment)
	}
	// The including file's own keys win over anything it pulled in.
	return overlay(merged, doc), nil
}

// resolveInclude turns an $include entry into an absolute path,
// rejecting anything that lands outside the root config's directory.
func (l *fragmentLoader) resolveInclude(from, include string) (string, error) {
	include = strings.TrimSpace(include)
	if include == "" {
		return "", fmt.Errorf("%s: empty %s entry", from, includeKey)
	}
	resolved := include
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(from), resolved)
	}
	resolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(l.confineDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("include %q escapes the config directory %s", include, l.confineDir)
	}
	return resolved, nil
}

// decodeDocument parses one fragment: JSON5 for .json/.json5, strict
// single-document YAML otherwise. An empty fragment is an empty map.
func decodeDocument(text, ext string) (map[string]any, error) {
	if e := strings.ToLower(ext); e == ".json" || e == ".json5" {
		var doc map[string]any
		if err := json5.Unmarshal([]byte(text), &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return doc, nil
	}

	decoder := yaml.NewDecoder(strings.NewReader(text))
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(new(map[string]any)); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("expected a single document")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes and returns the $include entries of a fragment,
// accepting a single string or a list of strings.
func popIncludes(doc map[string]any) ([]string, error) {
	raw, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
	}
}

// overlay deep-merges src over dst: nested maps merge recursively,
// everything else in src replaces dst's value.
func overlay(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, incoming := range src {
		if incomingMap, ok := incoming.(map[string]any); ok {
			if existingMap, ok := dst[key].(map[string]any); ok {
				dst[key] = overlay(existingMap, incomingMap)
				continue
			}
		}
		dst[key] = incoming
	}
	return dst
}

// decodeRawConfig strictly decodes a merged raw map into the typed
// Config: an unknown key is a config typo, not data to carry along.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize merged config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
