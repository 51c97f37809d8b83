// Package registry implements the scripting engine registry: the table of
// language back-ends a command dispatcher can hand scripts to, and the
// contract every back-end must satisfy to be registered.
package registry

import "context"

// ContractVersion is the version of EngineContract a module must declare
// when registering, so RegisterModule can reject a stale or forward-incompatible
// back-end instead of wiring it in and failing later.
const ContractVersion = 1

// CompiledFunction is the opaque handle an engine hands back from CompileCode.
// The registry and cache only ever move this value around; only the engine
// that produced it reaches inside.
type CompiledFunction struct {
	// Engine is the name of the engine that produced this handle, used to
	// route FreeFunction/CallFunction/MemoryOverhead back to the same back-end.
	Engine string
	// Handle is the engine-private compiled representation (a *goja.Program,
	// a compiled stackvm.Program, etc).
	Handle any
}

// CallRequest carries everything an engine needs to invoke a compiled function.
type CallRequest struct {
	Function *CompiledFunction
	Keys     []string
	Args     []string
	// Caller is the dedicated internal identity commands issued by the script
	// should be attributed to, distinct from whatever client issued EVAL.
	Caller string
	// State is the shared kill-state for this run; engines must poll it at
	// safe points (loop boundaries, sleeps) and return promptly once it
	// reports Killed. Nil is valid and means "never killed" (e.g. SCRIPT LOAD
	// has no associated run).
	State *RunState
}

// CallResult is the value a script call produces, shaped so the dispatcher
// can convert it to a wire reply without engines knowing about RESP.
type CallResult struct {
	// Value is one of: nil, int64, int, uint32, string, []byte, bool, []any
	// (of these same kinds), or an error-shaped *CallError.
	Value any
}

// CallError marks a CallResult as a scripted error reply rather than a value.
type CallError struct {
	Message string
}

func (e *CallError) Error() string { return e.Message }

// MemoryInfo reports per-engine memory accounting for SCRIPT/FUNCTION introspection.
type MemoryInfo struct {
	UsedBytes int64
	PeakBytes int64
}

// EngineContract is the "vtable" every scripting back-end implements. It is
// the Go-native replacement for a struct of C function pointers: back-ends
// are always in-process values here, so an interface is the idiomatic shape.
type EngineContract interface {
	// Name returns the engine's registration name (e.g. "lua", "hello").
	Name() string

	// CompileCode compiles source into a CompiledFunction. subsystem is
	// either "eval" or "function" and lets engines that keep separate
	// interpreter instances per subsystem (as the dynamic engine does)
	// route compilation to the right one.
	CompileCode(ctx context.Context, subsystem string, source string) (*CompiledFunction, error)

	// CallFunction invokes a previously compiled function.
	CallFunction(ctx context.Context, req CallRequest) (CallResult, error)

	// FreeFunction releases engine-private resources held by a compiled
	// function. Called exactly once per successful CompileCode, on both the
	// synchronous and lazy-free teardown paths.
	FreeFunction(fn *CompiledFunction)

	// GetFunctionMemoryOverhead estimates the resident cost of keeping fn
	// compiled, used by the eval cache's accounting.
	GetFunctionMemoryOverhead(fn *CompiledFunction) int64

	// ResetEvalEnv discards and recreates the EVAL-subsystem interpreter
	// instance, used by SCRIPT FLUSH. It must never touch the FUNCTION
	// subsystem's interpreter.
	ResetEvalEnv(ctx context.Context) error

	// GetMemoryInfo reports current memory accounting for SCRIPT/FUNCTION
	// introspection commands.
	GetMemoryInfo() MemoryInfo
}
