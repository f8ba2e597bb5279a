package engine

import (
	"encoding/json"

	"github.com/dop251/goja"

	"github.com/nexus-runtime/extrt/internal/scheduler"
	"github.com/nexus-runtime/extrt/pkg/extapi"
)

// installAPI binds nothing to the global scope; the API surface is only
// ever reachable through the object handed to the activation function.
// There are no ambient globals beyond the module shims.
func (e *Engine) installAPI() {}

// buildAPIObject constructs the single object passed as the sole
// argument to an extension's activation function, exposing exactly the
// names in pkg/extapi.APIEntryPoint.
func (e *Engine) buildAPIObject() *goja.Object {
	vm := e.vm
	api := vm.NewObject()

	_ = api.Set(extapi.APIRegisterTool, e.apiRegisterTool)
	_ = api.Set(extapi.APISlashCommand, e.apiSlashCommand)
	_ = api.Set(extapi.APIOn, e.apiOn)
	_ = api.Set(extapi.APIFlag, e.apiFlag)
	_ = api.Set(extapi.APIShortcut, e.apiShortcut)
	_ = api.Set(extapi.APIRegisterProvider, e.apiRegisterProvider)
	_ = api.Set(extapi.APISession, e.buildSessionObject())
	_ = api.Set(extapi.APITool, e.apiTool)
	_ = api.Set(extapi.APIExec, e.apiExec)
	_ = api.Set(extapi.APIHttp, e.apiHttp)
	_ = api.Set(extapi.APILog, e.apiLog)
	_ = api.Set(extapi.APIEvents, e.apiEvents)
	_ = api.Set(extapi.APICancelStream, e.apiCancelStream)

	return api
}

func asCallable(vm *goja.Runtime, v goja.Value) (goja.Callable, bool) {
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	return goja.AssertFunction(v)
}

func (e *Engine) mustCallable(v goja.Value, what string) goja.Callable {
	fn, ok := asCallable(e.vm, v)
	if !ok {
		panic(e.vm.NewTypeError("%s must be a function", what))
	}
	return fn
}

func exportJSON(v goja.Value) json.RawMessage {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	raw, err := json.Marshal(v.Export())
	if err != nil {
		return nil
	}
	return raw
}

// defObject coerces a definition argument into an object, raising a
// TypeError into script otherwise.
func (e *Engine) defObject(v goja.Value, what string) *goja.Object {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		panic(e.vm.NewTypeError("%s expects a definition object", what))
	}
	return v.ToObject(e.vm)
}

func objString(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (e *Engine) objCallable(obj *goja.Object, key string) goja.Callable {
	fn, _ := asCallable(e.vm, obj.Get(key))
	return fn
}

// apiRegisterTool({name, description, schema, run}) — synchronous
// registration; the handler is invoked later by the manager when the
// host catalog routes a call to this tool.
func (e *Engine) apiRegisterTool(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "registerTool")
	e.result.Tools = append(e.result.Tools, ToolRegistration{
		Name:        objString(def, "name"),
		Description: objString(def, "description"),
		InputSchema: exportJSON(def.Get("schema")),
		Handler:     e.objCallable(def, "run"),
	})
	return goja.Undefined()
}

// apiSlashCommand({name, description, run}).
func (e *Engine) apiSlashCommand(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "slashCommand")
	e.result.Commands = append(e.result.Commands, CommandRegistration{
		Name:    objString(def, "name"),
		Summary: objString(def, "description"),
		Handler: e.objCallable(def, "run"),
	})
	return goja.Undefined()
}

// apiOn(event, handler) registers a lifecycle hook. Delivery order
// matches registration order.
func (e *Engine) apiOn(call goja.FunctionCall) goja.Value {
	event := call.Argument(0).String()
	handler := e.mustCallable(call.Argument(1), "on(event, handler): handler")
	e.result.Hooks = append(e.result.Hooks, HookRegistration{Event: event, Handler: handler})
	return goja.Undefined()
}

// apiFlag({name, description, default}) declares a configuration flag.
func (e *Engine) apiFlag(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "flag")
	e.result.Flags = append(e.result.Flags, FlagRegistration{
		Name:        objString(def, "name"),
		Description: objString(def, "description"),
		Default:     exportJSON(def.Get("default")),
	})
	return goja.Undefined()
}

// apiShortcut({name, key, run}).
func (e *Engine) apiShortcut(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "shortcut")
	e.result.Shortcuts = append(e.result.Shortcuts, ShortcutRegistration{
		Name:    objString(def, "name"),
		Key:     objString(def, "key"),
		Handler: e.objCallable(def, "run"),
	})
	return goja.Undefined()
}

// apiRegisterProvider({name, models, streamSimple}).
func (e *Engine) apiRegisterProvider(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "registerProvider")
	e.result.Providers = append(e.result.Providers, ProviderRegistration{
		Name:    objString(def, "name"),
		Config:  exportJSON(def.Get("models")),
		Handler: e.objCallable(def, "streamSimple"),
	})
	return goja.Undefined()
}

// buildSessionObject exposes session.{getState, getMessages, getName,
// setName, getModel, setModel, setLabel, getThinkingLevel,
// setThinkingLevel}. Every method routes through a "session" host call
// with an op-tagged payload.
func (e *Engine) buildSessionObject() *goja.Object {
	s := e.vm.NewObject()
	_ = s.Set("getState", e.sessionGetter("getState"))
	_ = s.Set("getMessages", e.sessionGetter("getMessages"))
	_ = s.Set("getName", e.sessionGetter("getName"))
	_ = s.Set("getModel", e.sessionGetter("getModel"))
	_ = s.Set("getThinkingLevel", e.sessionGetter("getThinkingLevel"))
	_ = s.Set("setName", e.sessionSetter("setName", "name"))
	_ = s.Set("setModel", e.sessionSetter("setModel", "model"))
	_ = s.Set("setThinkingLevel", e.sessionSetter("setThinkingLevel", "level"))
	_ = s.Set("setLabel", e.sessionSetLabel)
	return s
}

// sessionGetter builds a zero-argument session read: fn(callback).
func (e *Engine) sessionGetter(op string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		cb := e.mustCallable(call.Argument(0), "session."+op+": callback")
		id := e.enqueueHostCall(extapi.KindSession, map[string]any{"op": op}, false, 0, 0, 0, cb)
		return e.vm.ToValue(id)
	}
}

// sessionSetter builds a one-argument session write: fn(value, callback).
func (e *Engine) sessionSetter(op, field string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		value := call.Argument(0).Export()
		cb := e.mustCallable(call.Argument(1), "session."+op+": callback")
		payload := map[string]any{"op": op, "args": map[string]any{field: value}}
		id := e.enqueueHostCall(extapi.KindSession, payload, false, 0, 0, 0, cb)
		return e.vm.ToValue(id)
	}
}

// sessionSetLabel is session.setLabel(key, value, callback).
func (e *Engine) sessionSetLabel(call goja.FunctionCall) goja.Value {
	key := call.Argument(0).String()
	value := call.Argument(1).String()
	cb := e.mustCallable(call.Argument(2), "session.setLabel: callback")
	payload := map[string]any{"op": "setLabel", "args": map[string]any{"key": key, "value": value}}
	id := e.enqueueHostCall(extapi.KindSession, payload, false, 0, 0, 0, cb)
	return e.vm.ToValue(id)
}

func optUint32(opts map[string]any, key string) uint32 {
	if opts == nil {
		return 0
	}
	v, ok := opts[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return uint32(n)
	case float64:
		return uint32(n)
	}
	return 0
}

func optBool(opts map[string]any, key string) bool {
	if opts == nil {
		return false
	}
	v, _ := opts[key].(bool)
	return v
}

// apiTool(name, input, callback) invokes one of the host's built-in
// tools.
func (e *Engine) apiTool(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	input := call.Argument(1).Export()
	cb := e.mustCallable(call.Argument(2), "tool(name, input, callback): callback")
	payload := map[string]any{"name": name, "input": input}
	id := e.enqueueHostCall(extapi.KindTool, payload, false, 0, 0, 0, cb)
	return e.vm.ToValue(id)
}

// apiExec(command, args?, options?, callback) spawns a process through
// the host launcher. Recognized options: stream, buffer_size, stall_ms,
// timeout_ms, env, cwd.
func (e *Engine) apiExec(call goja.FunctionCall) goja.Value {
	args := call.Arguments
	if len(args) < 2 {
		panic(e.vm.NewTypeError("exec(command, args?, options?, callback) requires a command and a callback"))
	}
	command := args[0].String()
	cb := e.mustCallable(args[len(args)-1], "exec: callback")

	var cmdArgs []string
	var opts map[string]any
	for _, arg := range args[1 : len(args)-1] {
		switch v := arg.Export().(type) {
		case []any:
			cmdArgs = make([]string, 0, len(v))
			for _, entry := range v {
				if s, ok := entry.(string); ok {
					cmdArgs = append(cmdArgs, s)
				}
			}
		case map[string]any:
			opts = v
		}
	}

	payload := map[string]any{"cmd": command, "args": cmdArgs}
	if env, ok := opts["env"].(map[string]any); ok {
		payload["env"] = env
	}
	if cwd, ok := opts["cwd"].(string); ok {
		payload["cwd"] = cwd
	}

	id := e.enqueueHostCall(extapi.KindExec, payload, optBool(opts, "stream"),
		optUint32(opts, "buffer_size"), optUint32(opts, "stall_ms"), optUint32(opts, "timeout_ms"), cb)
	return e.vm.ToValue(id)
}

// apiHttp(request, callback) issues an HTTP request; request carries
// {url, method, headers, body, stream?, buffer_size?, stall_ms?,
// timeout_ms?}.
func (e *Engine) apiHttp(call goja.FunctionCall) goja.Value {
	reqVal := call.Argument(0)
	cb := e.mustCallable(call.Argument(1), "http(request, callback): callback")

	opts, _ := reqVal.Export().(map[string]any)
	id := e.enqueueHostCall(extapi.KindHttp, reqVal.Export(), optBool(opts, "stream"),
		optUint32(opts, "buffer_size"), optUint32(opts, "stall_ms"), optUint32(opts, "timeout_ms"), cb)
	return e.vm.ToValue(id)
}

// apiLog({level, event, message, fields?}) is fire-and-forget: it still
// routes through the dispatcher (for capability accounting) but the
// extension does not block on a callback.
func (e *Engine) apiLog(call goja.FunctionCall) goja.Value {
	def := e.defObject(call.Argument(0), "log")
	entry := map[string]any{
		"level":   objString(def, "level"),
		"event":   objString(def, "event"),
		"message": objString(def, "message"),
	}
	if fields := exportJSON(def.Get("fields")); len(fields) > 0 {
		var f any
		_ = json.Unmarshal(fields, &f)
		entry["fields"] = f
	}
	e.enqueueHostCall(extapi.KindLog, entry, false, 0, 0, 0, e.noopCallback())
	return goja.Undefined()
}

// apiEvents(op, payload) emits a custom event onto the shared event
// bus, fire-and-forget like apiLog.
func (e *Engine) apiEvents(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()
	payload := call.Argument(1).Export()
	e.enqueueHostCall(extapi.KindEvents, map[string]any{"name": name, "payload": payload}, false, 0, 0, 0, e.noopCallback())
	return goja.Undefined()
}

// apiCancelStream(callID) asks the host to tear down the stream. The
// pending callback stays registered: the host responds by discarding
// buffered chunks and delivering one final sentinel, which is the only
// further chunk script observes for the cancelled call.
func (e *Engine) apiCancelStream(call goja.FunctionCall) goja.Value {
	callID := uint64(call.Argument(0).ToInteger())
	e.MarkCancelled(callID)
	e.sched.Enqueue(scheduler.KindCancelStream, CancelPayload{CallID: callID})
	return goja.Undefined()
}

func (e *Engine) noopCallback() goja.Callable {
	fn, _ := goja.AssertFunction(e.vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() }))
	return fn
}
