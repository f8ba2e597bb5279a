// Package modules implements the virtual module registry:
// resolution of specifiers issued by extension code to host-provided
// shims, local relative imports, or a typed MODULE_NOT_FOUND failure.
package modules

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind classifies a resolved specifier.
type Kind int

const (
	KindBuiltin Kind = iota
	KindFrameworkShim
	KindLocal
)

// builtinShims is the closed enumerated set of built-in host shims
//.
var builtinShims = map[string]struct{}{
	"path": {}, "fs": {}, "fs/promises": {}, "crypto": {}, "buffer": {},
	"child_process": {}, "http": {}, "https": {}, "events": {}, "os": {},
	"url": {}, "process": {}, "util": {}, "stream": {}, "stream/promises": {},
	"querystring": {}, "assert": {}, "string_decoder": {}, "module": {},
}

// frameworkShims is the enumerated allow-list of framework/known-package
// shims that return stub values sufficient to permit loading without
// native packages.
var frameworkShims = map[string]struct{}{
	"react": {}, "zod": {}, "yaml": {}, "node-fetch": {},
}

// NotFoundError is returned for unknown bare specifiers. Its Specifier
// field carries the offending specifier for the MODULE_NOT_FOUND outcome
// message.
type NotFoundError struct {
	Specifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("module not found: %s", e.Specifier)
}

// NetworkSpecifierError is returned for specifiers that look like network
// imports (http(s):// or bare URLs), which are rejected unconditionally.
type NetworkSpecifierError struct {
	Specifier string
}

func (e *NetworkSpecifierError) Error() string {
	return fmt.Sprintf("network module specifiers are not permitted: %s", e.Specifier)
}

// ShimProvider supplies the host-implemented value set for a built-in or
// framework shim, keyed by specifier.
type ShimProvider func(specifier string) (any, error)

// Resolution is the outcome of resolving a specifier.
type Resolution struct {
	Kind       Kind
	Specifier  string
	Value      any    // set for KindBuiltin / KindFrameworkShim
	LocalPath  string // set for KindLocal: resolved path relative to extension root
}

// Registry resolves specifiers for one extension's module graph.
type Registry struct {
	extensionRoot string
	shimProvider  ShimProvider
}

// New creates a registry rooted at extensionRoot, using provider to
// materialize built-in/framework shim values on demand.
func New(extensionRoot string, provider ShimProvider) *Registry {
	return &Registry{extensionRoot: extensionRoot, shimProvider: provider}
}

// Resolve classifies and resolves specifier.
func (r *Registry) Resolve(specifier string) (Resolution, error) {
	specifier = strings.TrimSpace(specifier)
	if specifier == "" {
		return Resolution{}, &NotFoundError{Specifier: specifier}
	}
	if isNetworkSpecifier(specifier) {
		return Resolution{}, &NetworkSpecifierError{Specifier: specifier}
	}
	if isRelative(specifier) {
		resolved := filepath.Join(r.extensionRoot, specifier)
		if !withinRoot(r.extensionRoot, resolved) {
			return Resolution{}, &NotFoundError{Specifier: specifier}
		}
		return Resolution{Kind: KindLocal, Specifier: specifier, LocalPath: resolved}, nil
	}
	bare := stripSubpath(specifier)
	if _, ok := builtinShims[bare]; ok {
		value, err := r.materialize(specifier)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: KindBuiltin, Specifier: specifier, Value: value}, nil
	}
	if _, ok := frameworkShims[bare]; ok {
		value, err := r.materialize(specifier)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: KindFrameworkShim, Specifier: specifier, Value: value}, nil
	}
	return Resolution{}, &NotFoundError{Specifier: specifier}
}

func (r *Registry) materialize(specifier string) (any, error) {
	if r.shimProvider == nil {
		return nil, nil
	}
	return r.shimProvider(specifier)
}

func isRelative(specifier string) bool {
	return strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/")
}

func isNetworkSpecifier(specifier string) bool {
	return strings.HasPrefix(specifier, "http://") ||
		strings.HasPrefix(specifier, "https://") ||
		strings.HasPrefix(specifier, "//")
}

// stripSubpath trims a deep-import suffix (e.g. "stream/promises" stays
// whole since it's itself enumerated, but "os/foo" collapses to "os").
func stripSubpath(specifier string) string {
	if _, ok := builtinShims[specifier]; ok {
		return specifier
	}
	if idx := strings.Index(specifier, "/"); idx >= 0 {
		return specifier[:idx]
	}
	return specifier
}

func withinRoot(root, resolved string) bool {
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
