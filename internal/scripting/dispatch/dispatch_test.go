package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/kvforge/scriptd/internal/scripting/evalcache"
	"github.com/kvforge/scriptd/internal/scripting/registry"
)

// echoEngine is a minimal test engine: CallFunction returns the first arg
// (or the number of keys, if asked), and tracks Free/Reset calls.
type echoEngine struct {
	compiled int
	freed    int
	resets   int
}

func (e *echoEngine) Name() string { return "lua" }

func (e *echoEngine) CompileCode(ctx context.Context, subsystem, source string) (*registry.CompiledFunction, error) {
	e.compiled++
	return &registry.CompiledFunction{Engine: "lua", Handle: source}, nil
}

func (e *echoEngine) CallFunction(ctx context.Context, req registry.CallRequest) (registry.CallResult, error) {
	if len(req.Args) > 0 {
		return registry.CallResult{Value: req.Args[0]}, nil
	}
	return registry.CallResult{Value: int64(len(req.Keys))}, nil
}

func (e *echoEngine) FreeFunction(fn *registry.CompiledFunction) { e.freed++ }
func (e *echoEngine) GetFunctionMemoryOverhead(fn *registry.CompiledFunction) int64 { return 0 }
func (e *echoEngine) ResetEvalEnv(ctx context.Context) error { e.resets++; return nil }
func (e *echoEngine) GetMemoryInfo() registry.MemoryInfo     { return registry.MemoryInfo{} }

func newTestDispatcher(t *testing.T) (*Dispatcher, *echoEngine) {
	t.Helper()
	m := registry.NewManager(nil)
	eng := &echoEngine{}
	if err := m.RegisterModule(registry.ContractVersion, eng); err != nil {
		t.Fatalf("register: %v", err)
	}
	return New(Options{Engines: m}), eng
}

func TestEvalCompilesAndCaches(t *testing.T) {
	d, eng := newTestDispatcher(t)

	r := d.Eval(context.Background(), "return ARGV[1]", nil, []string{"hello"}, false)
	if r.Kind == ReplyError {
		t.Fatalf("unexpected error reply: %v", r.Err)
	}
	if r.Str != "hello" {
		t.Fatalf("unexpected reply: %+v", r)
	}
	if eng.compiled != 1 {
		t.Fatalf("expected one compile, got %d", eng.compiled)
	}

	// Second EVAL with identical body should hit the cache, not recompile.
	d.Eval(context.Background(), "return ARGV[1]", nil, []string{"again"}, false)
	if eng.compiled != 1 {
		t.Fatalf("expected cache hit to avoid recompiling, got %d compiles", eng.compiled)
	}
}

func TestEvalShaMissReturnsNoScript(t *testing.T) {
	d, _ := newTestDispatcher(t)
	r := d.EvalSha(context.Background(), "0000000000000000000000000000000000000a", nil, nil, false)
	if r.Kind != ReplyError {
		t.Fatalf("expected error reply for missing digest")
	}
}

func TestEvalShaRejectsBadDigestLength(t *testing.T) {
	d, _ := newTestDispatcher(t)
	r := d.EvalSha(context.Background(), "short", nil, nil, false)
	if r.Kind != ReplyError {
		t.Fatalf("expected error reply for malformed digest")
	}
}

func TestScriptLoadThenEvalSha(t *testing.T) {
	d, _ := newTestDispatcher(t)

	loaded := d.ScriptLoad(context.Background(), "return ARGV[1]")
	if loaded.Kind == ReplyError {
		t.Fatalf("unexpected error: %v", loaded.Err)
	}

	r := d.EvalSha(context.Background(), loaded.Str, nil, []string{"x"}, false)
	if r.Kind == ReplyError {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if r.Str != "x" {
		t.Fatalf("unexpected reply: %+v", r)
	}
}

func TestScriptExists(t *testing.T) {
	d, _ := newTestDispatcher(t)
	loaded := d.ScriptLoad(context.Background(), "return 1")

	r := d.ScriptExists([]string{loaded.Str, "0000000000000000000000000000000000000a"})
	if r.Kind != ReplyArray || len(r.Array) != 2 {
		t.Fatalf("unexpected reply shape: %+v", r)
	}
	if !r.Array[0].Bool || r.Array[1].Bool {
		t.Fatalf("unexpected exists results: %+v", r.Array)
	}
}

func TestScriptFlushSyncResetsEngines(t *testing.T) {
	d, eng := newTestDispatcher(t)
	d.ScriptLoad(context.Background(), "return 1")

	r := d.ScriptFlush(context.Background(), false)
	if r.Kind != ReplySimpleString || r.Str != "OK" {
		t.Fatalf("unexpected flush reply: %+v", r)
	}
	if d.Cache().Len() != 0 {
		t.Fatalf("expected cache to be empty after flush")
	}
	if eng.resets != 1 {
		t.Fatalf("expected engine ResetEvalEnv to be called once, got %d", eng.resets)
	}
}

// TestScriptLoadSurvivesFiveHundredEvals is worked scenario #5: SCRIPT LOAD
// admits L without an LRU back-reference, so 500 distinct EVALs filling the
// LRU to capacity and one more past it evict the oldest EVAL entry, never L.
func TestScriptLoadSurvivesFiveHundredEvals(t *testing.T) {
	d, _ := newTestDispatcher(t)

	loaded := d.ScriptLoad(context.Background(), "return 'loaded-forever'")
	if loaded.Kind == ReplyError {
		t.Fatalf("unexpected error: %v", loaded.Err)
	}

	var first string
	for i := 0; i < evalcache.MaxEntries; i++ {
		body := fmt.Sprintf("return %d", i)
		r := d.Eval(context.Background(), body, nil, nil, false)
		if r.Kind == ReplyError {
			t.Fatalf("unexpected error on eval %d: %v", i, r.Err)
		}
		if i == 0 {
			first = evalcache.Digest(body)
		}
	}

	// One more EVAL past capacity must evict the oldest EVAL entry.
	d.Eval(context.Background(), fmt.Sprintf("return %d", evalcache.MaxEntries), nil, nil, false)

	r := d.ScriptExists([]string{loaded.Str, first})
	if r.Kind != ReplyArray || len(r.Array) != 2 {
		t.Fatalf("unexpected reply shape: %+v", r)
	}
	if !r.Array[0].Bool {
		t.Fatalf("expected SCRIPT LOAD-admitted script to still exist")
	}
	if r.Array[1].Bool {
		t.Fatalf("expected the oldest EVAL-admitted script to have been evicted")
	}
}

func TestEvalRoRejectsScriptWithoutReadOnlyFlag(t *testing.T) {
	d, _ := newTestDispatcher(t)
	r := d.Eval(context.Background(), "return ARGV[1]", nil, []string{"x"}, true)
	if r.Kind != ReplyError {
		t.Fatalf("expected EVAL_RO to be rejected for a script without read-only/no-writes flags")
	}
}

func TestEvalRoAcceptsReadOnlyScript(t *testing.T) {
	d, _ := newTestDispatcher(t)
	body := "#!lua flags=read-only\nreturn ARGV[1]"
	r := d.Eval(context.Background(), body, nil, []string{"x"}, true)
	if r.Kind == ReplyError {
		t.Fatalf("unexpected error: %v", r.Err)
	}
}

func TestScriptKillWithNoRunningScript(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if r := d.ScriptKill(); r.Kind != ReplyError {
		t.Fatalf("expected NOTBUSY error when no script is running")
	}
}

// blockingEngine holds CallFunction open until told to proceed, so the test
// can exercise SCRIPT KILL against a script that is genuinely "running".
type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Name() string { return "lua" }
func (e *blockingEngine) CompileCode(ctx context.Context, subsystem, source string) (*registry.CompiledFunction, error) {
	return &registry.CompiledFunction{Engine: "lua"}, nil
}
func (e *blockingEngine) CallFunction(ctx context.Context, req registry.CallRequest) (registry.CallResult, error) {
	close(e.entered)
	<-e.release
	if req.State != nil && req.State.Killed() {
		return registry.CallResult{}, &registry.CallError{Message: "killed"}
	}
	return registry.CallResult{Value: int64(1)}, nil
}
func (e *blockingEngine) FreeFunction(fn *registry.CompiledFunction)                   {}
func (e *blockingEngine) GetFunctionMemoryOverhead(fn *registry.CompiledFunction) int64 { return 0 }
func (e *blockingEngine) ResetEvalEnv(ctx context.Context) error                       { return nil }
func (e *blockingEngine) GetMemoryInfo() registry.MemoryInfo                           { return registry.MemoryInfo{} }

func TestScriptKillTerminatesRunningScript(t *testing.T) {
	m := registry.NewManager(nil)
	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	if err := m.RegisterModule(registry.ContractVersion, eng); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := New(Options{Engines: m})

	resultCh := make(chan Reply, 1)
	go func() {
		resultCh <- d.Eval(context.Background(), "return 1", nil, nil, false)
	}()

	<-eng.entered
	if r := d.ScriptKill(); r.Kind == ReplyError {
		t.Fatalf("expected kill to succeed on a running script: %v", r.Err)
	}
	close(eng.release)

	r := <-resultCh
	if r.Kind != ReplyError {
		t.Fatalf("expected killed script to report an error reply")
	}
}
