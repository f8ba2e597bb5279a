package engine

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/nexus-runtime/extrt/internal/modules"
)

// ModuleResolver is the engine's view of the virtual module registry:
// classify a specifier without knowing how it was materialized. internal/modules.Registry satisfies this directly.
type ModuleResolver interface {
	Resolve(specifier string) (modules.Resolution, error)
}

// InstallRequire binds a CommonJS require() global backed by resolver.
// Local specifiers are read and transpiled through loadLocal, cached per
// resolved path so a module graph with a shared dependency only
// evaluates it once (and so a require cycle is reported rather than
// recursing forever). Must be called once, before EvaluateEntrypoint.
func (e *Engine) InstallRequire(resolver ModuleResolver, loadLocal func(path string) (string, error)) {
	e.resolver = resolver
	e.loadLocal = loadLocal
	_ = e.vm.Set("require", e.require)
}

// LastModuleError returns the error from the most recent failed
// require() resolution, or nil. The extension manager inspects this
// after a failed EvaluateEntrypoint to decide whether the failure should
// be classified as MODULE_NOT_FOUND rather than a generic
// activation failure.
func (e *Engine) LastModuleError() error {
	return e.lastModuleErr
}

func (e *Engine) require(call goja.FunctionCall) goja.Value {
	specifier := call.Argument(0).String()
	val, err := e.resolveModule(specifier)
	if err != nil {
		e.lastModuleErr = err
		panic(e.vm.NewGoError(err))
	}
	return val
}

func (e *Engine) resolveModule(specifier string) (goja.Value, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("engine: require(%q): no module resolver installed", specifier)
	}
	res, err := e.resolver.Resolve(specifier)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case modules.KindBuiltin, modules.KindFrameworkShim:
		return e.vm.ToValue(res.Value), nil
	case modules.KindLocal:
		return e.requireLocal(res.LocalPath)
	default:
		return nil, fmt.Errorf("engine: require(%q): unrecognized resolution kind", specifier)
	}
}

// requireLocal evaluates the module at path as a CommonJS module body,
// memoizing its exports object by resolved path so repeated requires of
// the same file observe the same object.
func (e *Engine) requireLocal(path string) (goja.Value, error) {
	if cached, ok := e.moduleCache[path]; ok {
		return cached, nil
	}
	if e.loadingSet[path] {
		return nil, fmt.Errorf("engine: circular require involving %q", path)
	}
	if e.loadLocal == nil {
		return nil, fmt.Errorf("engine: require(%q): no local module loader installed", path)
	}

	source, err := e.loadLocal(path)
	if err != nil {
		return nil, fmt.Errorf("engine: load local module %q: %w", path, err)
	}

	e.loadingSet[path] = true
	defer delete(e.loadingSet, path)

	wrapped := "(function(module, exports) {\n" + source + "\n})"
	fnVal, err := e.vm.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("engine: compile local module %q: %w", path, err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("engine: local module %q did not compile to a function wrapper", path)
	}

	moduleObj := e.vm.NewObject()
	exportsObj := e.vm.NewObject()
	_ = moduleObj.Set("exports", exportsObj)

	if _, err := fn(goja.Undefined(), moduleObj, exportsObj); err != nil {
		return nil, fmt.Errorf("engine: evaluate local module %q: %w", path, err)
	}

	result := moduleObj.Get("exports")
	e.moduleCache[path] = result
	return result, nil
}
