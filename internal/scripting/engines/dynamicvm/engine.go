// Package dynamicvm implements "lua", the built-in dynamic scripting engine.
//
// The name is a nod to the calling convention (KEYS/ARGV, numkeys key… arg…)
// this engine's callers expect, not the language it actually runs: under the
// hood it is a pure-Go JavaScript runtime (goja), standing in for "the real
// interpreter" the same way the teacher's own script engine stands in for
// V8/Node "for simulation mode and environments without V8". That honest
// substitution is the whole point of a reference engine — it proves the
// registry/cache/dispatch contract end-to-end without committing to a real
// CGo-based language runtime.
package dynamicvm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/kvforge/scriptd/internal/scripting/registry"
)

// CommandHook is the extension point a real server wires up so redis.call /
// valkey.call inside a script can actually reach the keyspace. It is an
// external collaborator (the command table) this engine has no opinion
// about; a nil hook makes redis.call/valkey.call report an error rather than
// panic.
type CommandHook func(ctx context.Context, args []string) (any, error)

// compiledScript is the engine-private payload cached on a
// registry.CompiledFunction. subsystem selects which of the engine's two
// runtimes CallFunction must use.
type compiledScript struct {
	prog      *goja.Program
	subsystem string
}

// Engine is the goja-backed "lua" reference engine. It holds two entirely
// separate *goja.Runtime values, one for the EVAL subsystem and one for the
// FUNCTION subsystem, mirroring the teacher's documented "maintains two
// separate interpreter instances" split: ResetEvalEnv only ever discards the
// EVAL one.
type Engine struct {
	mu   sync.Mutex // goja.Runtime is not safe for concurrent use
	hook CommandHook

	// callCtx is the context of whichever CallFunction currently holds mu,
	// read by the redis/valkey call/pcall closures so an in-flight command
	// observes the same cancellation as the script that issued it.
	callCtx context.Context

	// logs accumulates console.log/error/warn output for whichever
	// CallFunction currently holds mu; reset at the start of each call and
	// drained by DrainLogs, mirroring the teacher's enhancedGojaEngine
	// accumulating a *[]string across one script run.
	logs []string

	evalRT *goja.Runtime
	fnRT   *goja.Runtime
}

// New creates a "lua" engine context. hook may be nil in tests that never
// call redis.call/valkey.call.
func New(hook CommandHook) *Engine {
	e := &Engine{hook: hook, callCtx: context.Background()}
	e.evalRT = e.newRuntime()
	e.fnRT = e.newRuntime()
	return e
}

// Name implements registry.EngineContract.
func (e *Engine) Name() string { return "lua" }

// newRuntime builds a fresh goja runtime with the trimmed builtin surface:
// crypto/base64/json helpers survive from the teacher's script engine, the
// sys.* TEE bridge and the fetch simulation do not (no HTTP, no enclave —
// out of scope for a keyspace scripting engine), and KEYS/ARGV plus a
// redis/valkey command binding are added in their place.
func (e *Engine) newRuntime() *goja.Runtime {
	rt := goja.New()

	e.setupConsole(rt)

	call := func(name string, fc goja.FunctionCall) goja.Value {
		args := make([]string, len(fc.Arguments))
		for i, a := range fc.Arguments {
			args[i] = a.String()
		}
		if e.hook == nil {
			panic(rt.NewGoError(fmt.Errorf("%s.call: no command hook bound", name)))
		}
		result, err := e.hook(e.callCtx, args)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return rt.ToValue(result)
	}
	bindCommandTable := func(name string) {
		obj := rt.NewObject()
		_ = obj.Set("call", func(fc goja.FunctionCall) goja.Value { return call(name, fc) })
		_ = obj.Set("pcall", func(fc goja.FunctionCall) (ret goja.Value) {
			defer func() {
				if r := recover(); r != nil {
					ret = rt.ToValue(map[string]any{"err": fmt.Sprint(r)})
				}
			}()
			return call(name, fc)
		})
		_ = rt.Set(name, obj)
	}
	bindCommandTable("redis")
	bindCommandTable("valkey")

	if _, err := rt.RunString(builtins); err != nil {
		// builtins is a fixed constant; a failure here is a programming
		// error in this file, not a user-reachable condition.
		panic(fmt.Sprintf("dynamicvm: builtins failed to load: %v", err))
	}
	return rt
}

// setupConsole binds console.log/error/warn, capturing each call's
// stringified arguments into e.logs rather than discarding them, adapted
// from the teacher's enhancedGojaEngine.setupConsole (script_engine_sys.go).
func (e *Engine) setupConsole(rt *goja.Runtime) {
	record := func(prefix string, fc goja.FunctionCall) goja.Value {
		if len(fc.Arguments) == 0 {
			return goja.Undefined()
		}
		args := make([]string, len(fc.Arguments))
		for i, a := range fc.Arguments {
			args[i] = a.String()
		}
		line := fmt.Sprint(args)
		if prefix != "" {
			line = prefix + " " + line
		}
		e.logs = append(e.logs, line)
		return goja.Undefined()
	}

	console := rt.NewObject()
	_ = console.Set("log", func(fc goja.FunctionCall) goja.Value { return record("", fc) })
	_ = console.Set("error", func(fc goja.FunctionCall) goja.Value { return record("[ERROR]", fc) })
	_ = console.Set("warn", func(fc goja.FunctionCall) goja.Value { return record("[WARN]", fc) })
	_ = rt.Set("console", console)
}

// DrainLogs returns and clears the console output captured by the most
// recent CallFunction. It implements debugger.LogSink so a debug session
// can fold a script's own console.log/error/warn calls into its log
// buffer alongside the call's result.
func (e *Engine) DrainLogs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.logs
	e.logs = nil
	return out
}

// CompileCode implements registry.EngineContract. The script body is
// compiled once as `(function(KEYS, ARGV) { <body> })` and cached on the
// returned CompiledFunction, rather than recompiled on every call the way
// the teacher's Execute does — the registry's compile-once, call-many-times
// contract requires hoisting that cost out of the hot path.
func (e *Engine) CompileCode(ctx context.Context, subsystem, source string) (*registry.CompiledFunction, error) {
	wrapped := "(function(KEYS, ARGV) {\n" + source + "\n})"
	prog, err := goja.Compile(subsystem+".js", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("lua: compile failed: %w", err)
	}
	return &registry.CompiledFunction{
		Engine: e.Name(),
		Handle: &compiledScript{prog: prog, subsystem: subsystem},
	}, nil
}

// CallFunction implements registry.EngineContract.
func (e *Engine) CallFunction(ctx context.Context, req registry.CallRequest) (registry.CallResult, error) {
	cs, ok := req.Function.Handle.(*compiledScript)
	if !ok {
		return registry.CallResult{}, fmt.Errorf("lua: malformed compiled function handle")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = nil

	rt := e.evalRT
	if cs.subsystem == "function" {
		rt = e.fnRT
	}

	e.callCtx = ctx
	defer func() { e.callCtx = context.Background() }()

	if req.State != nil {
		stop := make(chan struct{})
		defer close(stop)
		go pollAndInterrupt(rt, req.State, stop)
	}

	fnVal, err := rt.RunProgram(cs.prog)
	if err != nil {
		return registry.CallResult{}, asScriptError(err)
	}
	entry, ok := goja.AssertFunction(fnVal)
	if !ok {
		return registry.CallResult{}, fmt.Errorf("lua: compiled script is not callable")
	}

	keys := make([]any, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = k
	}
	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}

	resultVal, err := entry(goja.Undefined(), rt.ToValue(keys), rt.ToValue(args))
	if err != nil {
		return registry.CallResult{}, asScriptError(err)
	}
	return registry.CallResult{Value: exportValue(resultVal)}, nil
}

// pollAndInterrupt polls the shared kill-state every millisecond and
// interrupts the goja runtime as soon as a kill is observed, so a long- or
// infinite-running script actually stops rather than running goja's
// cooperative interrupt check never having anywhere to hook into Go's own
// atomic RunState.
func pollAndInterrupt(rt *goja.Runtime, state *registry.RunState, stop chan struct{}) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if state.Killed() {
				rt.Interrupt("script killed by user with SCRIPT KILL")
				return
			}
		}
	}
}

func asScriptError(err error) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		return &registry.CallError{Message: fmt.Sprint(ie.Value())}
	}
	if ex, ok := err.(*goja.Exception); ok {
		return &registry.CallError{Message: ex.Error()}
	}
	return fmt.Errorf("lua: %w", err)
}

// exportValue converts a goja return value into the any-shaped value
// registry.CallResult expects, preferring the flat scalar shapes the
// dispatcher's reply conversion understands over goja's own export types.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	switch val := exported.(type) {
	case int64, string, bool, []byte:
		return val
	case float64:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = e
		}
		return out
	default:
		return fmt.Sprint(exported)
	}
}

// FreeFunction implements registry.EngineContract. goja.Program carries no
// off-heap resources, so this is a no-op; the cached *goja.Program becomes
// eligible for GC once dereferenced.
func (e *Engine) FreeFunction(fn *registry.CompiledFunction) {}

// GetFunctionMemoryOverhead implements registry.EngineContract. goja exposes
// no program size accounting, so this reports a fixed per-script estimate
// rather than pretending to a precision it doesn't have.
func (e *Engine) GetFunctionMemoryOverhead(fn *registry.CompiledFunction) int64 {
	return 4096
}

// ResetEvalEnv implements registry.EngineContract: discards and rebuilds
// only the EVAL-subsystem runtime, leaving the FUNCTION subsystem's loaded
// libraries untouched.
func (e *Engine) ResetEvalEnv(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evalRT = e.newRuntime()
	return nil
}

// GetMemoryInfo implements registry.EngineContract. goja does not expose
// heap statistics, so only a coarse placeholder is reported; real memory
// accounting would require a different JS runtime.
func (e *Engine) GetMemoryInfo() registry.MemoryInfo {
	return registry.MemoryInfo{}
}

// builtins provides the utility globals scripts can rely on, trimmed from
// the teacher's script engine: crypto/base64/json survive, the sys.* TEE
// bridge and the fetch simulation do not (no enclave, no HTTP — out of
// scope here).
const builtins = `
var crypto = {
	randomUUID: function() {
		return 'xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx'.replace(/[xy]/g, function(c) {
			var r = Math.random() * 16 | 0, v = c == 'x' ? r : (r & 0x3 | 0x8);
			return v.toString(16);
		});
	},
	sha256: function(data) {
		var hash = 0;
		for (var i = 0; i < data.length; i++) {
			var char = data.charCodeAt(i);
			hash = ((hash << 5) - hash) + char;
			hash = hash & hash;
		}
		return Math.abs(hash).toString(16);
	}
};

var base64 = {
	encode: function(str) {
		var chars = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=';
		var encoded = '';
		var i = 0;
		while (i < str.length) {
			var a = str.charCodeAt(i++);
			var b = str.charCodeAt(i++);
			var c = str.charCodeAt(i++);
			var enc1 = a >> 2;
			var enc2 = ((a & 3) << 4) | (b >> 4);
			var enc3 = ((b & 15) << 2) | (c >> 6);
			var enc4 = c & 63;
			if (isNaN(b)) { enc3 = enc4 = 64; }
			else if (isNaN(c)) { enc4 = 64; }
			encoded += chars.charAt(enc1) + chars.charAt(enc2) + chars.charAt(enc3) + chars.charAt(enc4);
		}
		return encoded;
	},
	decode: function(str) {
		var chars = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=';
		var decoded = '';
		var i = 0;
		str = str.replace(/[^A-Za-z0-9\+\/\=]/g, '');
		while (i < str.length) {
			var enc1 = chars.indexOf(str.charAt(i++));
			var enc2 = chars.indexOf(str.charAt(i++));
			var enc3 = chars.indexOf(str.charAt(i++));
			var enc4 = chars.indexOf(str.charAt(i++));
			var a = (enc1 << 2) | (enc2 >> 4);
			var b = ((enc2 & 15) << 4) | (enc3 >> 2);
			var c = ((enc3 & 3) << 6) | enc4;
			decoded += String.fromCharCode(a);
			if (enc3 != 64) { decoded += String.fromCharCode(b); }
			if (enc4 != 64) { decoded += String.fromCharCode(c); }
		}
		return decoded;
	}
};

var json = {
	parse: JSON.parse,
	stringify: JSON.stringify
};
`
