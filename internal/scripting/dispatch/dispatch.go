// Package dispatch implements the execution dispatcher: the EVAL/EVALSHA
// and SCRIPT command shapes, flag-folding for admission planning, and
// cooperative cancellation of a running script.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	serr "github.com/kvforge/scriptd/infrastructure/errors"
	"github.com/kvforge/scriptd/internal/metrics"
	"github.com/kvforge/scriptd/internal/scripting/debugger"
	"github.com/kvforge/scriptd/internal/scripting/evalcache"
	"github.com/kvforge/scriptd/internal/scripting/registry"
	"github.com/kvforge/scriptd/internal/scripting/shebang"
	"github.com/kvforge/scriptd/pkg/logger"
)

// ReplyKind tags the shape of a Reply, standing in for the RESP reply types
// without this package knowing anything about RESP wire encoding — that
// encoding is an external collaborator's job.
type ReplyKind int

const (
	ReplySimpleString ReplyKind = iota
	ReplyBulkString
	ReplyInteger
	ReplyBoolean
	ReplyArray
	ReplyError
)

// Reply is the dispatcher's hand-off value to whatever downstream
// component owns RESP encoding.
type Reply struct {
	Kind  ReplyKind
	Str   string
	Int   int64
	Bool  bool
	Array []Reply
	Err   error
}

func errReply(err error) Reply { return Reply{Kind: ReplyError, Err: err} }

// Dispatcher ties the engine registry, the eval cache, and a library
// catalog together to serve the EVAL/EVALSHA/SCRIPT command shapes. It
// holds the library catalog but serves no FUNCTION command itself.
type Dispatcher struct {
	engines  *registry.Manager
	cache    *evalcache.Cache
	catalog  *LibraryCatalog
	debugger *debugger.Debugger
	log      *logger.Logger
	teardown chan evalcache.TeardownJob

	// current is the shared execution state of the one script running on
	// the main thread right now, or nil between runs. The core itself runs
	// single-threaded and cooperatively, so there is never more than one;
	// it is still an atomic pointer because SCRIPT KILL arrives from a
	// different client connection's goroutine and must observe/CAS it
	// without a data race.
	current atomic.Pointer[registry.RunState]
}

// Options configures a new Dispatcher.
type Options struct {
	Engines  *registry.Manager
	Catalog  *LibraryCatalog
	Log      *logger.Logger
	Teardown chan evalcache.TeardownJob // lazy-free worker's inbox; nil disables async flush
}

// New builds a Dispatcher over the given engine registry.
func New(opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = logger.NewDefault("dispatch")
	}
	if opts.Catalog == nil {
		opts.Catalog = NewLibraryCatalog()
	}
	d := &Dispatcher{engines: opts.Engines, catalog: opts.Catalog, log: opts.Log, teardown: opts.Teardown}
	d.cache = evalcache.New(d.releaseFunction, opts.Log)
	d.debugger = debugger.New(opts.Log)
	return d
}

// Debugger exposes the dispatcher's interactive debugger, armed by
// SCRIPT DEBUG and driven by the connection handler that owns the client's
// prompt round-trips.
func (d *Dispatcher) Debugger() *debugger.Debugger { return d.debugger }

// ScriptDebug implements SCRIPT DEBUG YES|SYNC|NO: arms or disarms the
// debugger for the next EVAL on this connection.
func (d *Dispatcher) ScriptDebug(mode string) Reply {
	switch mode {
	case "YES":
		if err := d.debugger.Arm(true); err != nil {
			return errReply(err)
		}
	case "SYNC":
		if err := d.debugger.Arm(false); err != nil {
			return errReply(err)
		}
	case "NO":
		d.debugger.EndSession()
		d.debugger = debugger.New(d.log)
	default:
		return errReply(fmt.Errorf("ERR unknown SCRIPT DEBUG mode %q, expected YES, SYNC or NO", mode))
	}
	return Reply{Kind: ReplySimpleString, Str: "OK"}
}

// DebugEval runs body under the armed debugger session: SYNC mode installs
// a per-line pause hook on engines that support debugger.LineHook and runs
// the call on a background goroutine so the caller's connection loop can
// drive Debugger().HandlePrompt concurrently; YES mode hands the call off
// to a re-exec'd child via Debugger().Runtime().ForkSession instead, so the
// script's own execution (and any mutation it performs) never touches this
// process's address space.
func (d *Dispatcher) DebugEval(ctx context.Context, body string, keys, args []string) (Reply, error) {
	digest := evalcache.Digest(body)
	entry, err := d.admit(ctx, digest, body, false)
	if err != nil {
		return errReply(err), nil
	}
	if startErr := d.debugger.Session().StartSession(entry.Directive.Body); startErr != nil {
		return Reply{}, startErr
	}

	if d.debugger.Session().Forked() {
		fs, ferr := d.debugger.Runtime().ForkSession(ctx, debugger.ChildRequest{
			Engine: entry.Function.Engine,
			Body:   entry.Directive.Body,
			Keys:   keys,
			Args:   args,
		})
		if ferr != nil {
			return errReply(ferr), nil
		}
		d.log.WithField("pid", fs.PID).Info("debug session forked")
		return Reply{Kind: ReplySimpleString, Str: "OK"}, nil
	}

	resultCh := make(chan Reply, 1)
	go func() {
		d.debugger.Session().SetState(debugger.StateStepping)
		var reply Reply
		useErr := d.engines.Use(entry.Function.Engine, func(e registry.EngineContract) error {
			if hookable, ok := e.(debugger.LineHook); ok {
				hookable.SetLineHook(d.debugger.OnLine)
				defer hookable.SetLineHook(nil)
			}
			reply = d.call(ctx, entry, keys, args, false)
			if sink, ok := e.(debugger.LogSink); ok {
				for _, line := range sink.DrainLogs() {
					d.debugger.Session().Log(line)
				}
			}
			return nil
		})
		if useErr != nil {
			reply = errReply(useErr)
		}
		d.debugger.EndSession()
		resultCh <- reply
	}()

	select {
	case reply := <-resultCh:
		return reply, nil
	case <-ctx.Done():
		return errReply(ctx.Err()), nil
	}
}

// releaseFunction routes a compiled function back to its owning engine for
// FreeFunction, never freeing it directly.
func (d *Dispatcher) releaseFunction(fn *registry.CompiledFunction) {
	if fn == nil {
		return
	}
	_ = d.engines.Use(fn.Engine, func(e registry.EngineContract) error {
		e.FreeFunction(fn)
		return nil
	})
}

// admit resolves body to a cache entry, compiling and inserting it on a
// miss. The parsed shebang directive travels on the returned entry
// (entry.Directive) so callers can flag-fold before invocation. loadOnly selects SCRIPT LOAD's
// non-evicting admission (StoreLoad, promoting an existing LRU-tracked
// entry if one already exists for this digest) instead of EVAL/EVALSHA's
// LRU-tracked admission (StoreEval).
func (d *Dispatcher) admit(ctx context.Context, digest, body string, loadOnly bool) (*evalcache.Entry, error) {
	if entry, ok := d.cache.Lookup(digest); ok {
		if loadOnly {
			return d.cache.StoreLoad(digest, entry.Directive, entry.Function, len(entry.Directive.Body)), nil
		}
		return entry, nil
	}

	directive, err := shebang.Parse(body)
	if err != nil {
		return nil, serr.ScriptCompileError("", err)
	}

	var entry *evalcache.Entry
	useErr := d.engines.Use(directive.Engine, func(e registry.EngineContract) error {
		fn, err := e.CompileCode(ctx, "eval", directive.Body)
		if err != nil {
			return serr.ScriptCompileError(directive.Engine, err)
		}
		if loadOnly {
			entry = d.cache.StoreLoad(digest, directive, fn, len(directive.Body))
		} else {
			entry = d.cache.StoreEval(digest, directive, fn, len(directive.Body))
		}
		return nil
	})
	if useErr != nil {
		return nil, useErr
	}
	return entry, nil
}

// Eval implements EVAL body numkeys key… arg…. readOnly propagates the
// EVAL_RO variant's read-only requirement into run-context admission.
func (d *Dispatcher) Eval(ctx context.Context, body string, keys, args []string, readOnly bool) Reply {
	digest := evalcache.Digest(body)
	entry, err := d.admit(ctx, digest, body, false)
	if err != nil {
		return errReply(err)
	}
	return d.call(ctx, entry, keys, args, readOnly)
}

// EvalSha implements EVALSHA/EVALSHA_RO: hit-only lookup, NOSCRIPT on miss.
func (d *Dispatcher) EvalSha(ctx context.Context, digest string, keys, args []string, readOnly bool) Reply {
	if err := evalcache.ValidateDigest(digest); err != nil {
		return errReply(serr.New(serr.ErrCodeScriptCompile, err.Error(), 400))
	}
	entry, ok := d.cache.Lookup(digest)
	if !ok {
		return errReply(serr.ScriptNotFound(digest))
	}
	return d.call(ctx, entry, keys, args, readOnly)
}

// call folds flags, checks policy, and invokes the engine, translating the
// outcome into a Reply.
func (d *Dispatcher) call(ctx context.Context, entry *evalcache.Entry, keys, args []string, readOnly bool) Reply {
	// The command's own base flags (before considering the script's
	// declared flags) never assert read-only by default; EVAL_RO's
	// strictness comes entirely from requiring the *combined* flags to
	// assert it, per the conservative resolution of the read-only Open
	// Question: a script with no declared flags does not satisfy EVAL_RO.
	effective := shebang.Fold(0, entry.Directive.Flags)

	if readOnly && effective&(shebang.FlagReadOnly|shebang.FlagNoWrites) == 0 {
		return errReply(serr.ScriptPolicyError("EVAL_RO requires a read-only or no-writes script"))
	}

	state := registry.NewRunState()
	d.current.Store(state)
	start := time.Now()
	defer func() {
		state.Finish()
		d.current.CompareAndSwap(state, nil)
	}()

	var result registry.CallResult
	useErr := d.engines.Use(entry.Function.Engine, func(e registry.EngineContract) error {
		var err error
		result, err = e.CallFunction(ctx, registry.CallRequest{
			Function: entry.Function,
			Keys:     keys,
			Args:     args,
			Caller:   "script",
			State:    state,
		})
		return err
	})
	if state.Killed() && useErr == nil {
		useErr = &registry.CallError{Message: "script killed by user with SCRIPT KILL"}
	}
	if useErr != nil {
		status := "error"
		if state.Killed() {
			status = "killed"
			metrics.RecordScriptKill()
		}
		metrics.RecordScriptExecution(entry.Function.Engine, status, time.Since(start))
		if status == "killed" {
			return errReply(serr.ScriptKilled())
		}
		if ce, ok := asCallError(useErr); ok {
			return Reply{Kind: ReplyError, Err: serr.ScriptRuntimeError(entry.Function.Engine, ce)}
		}
		return errReply(serr.ScriptRuntimeError(entry.Function.Engine, useErr))
	}
	metrics.RecordScriptExecution(entry.Function.Engine, "ok", time.Since(start))
	return valueToReply(result.Value)
}

func asCallError(err error) (*registry.CallError, bool) {
	ce, ok := err.(*registry.CallError)
	return ce, ok
}

// valueToReply converts an engine's CallResult.Value into a wire-agnostic Reply.
func valueToReply(v any) Reply {
	switch val := v.(type) {
	case nil:
		return Reply{Kind: ReplyBulkString}
	case int64:
		return Reply{Kind: ReplyInteger, Int: val}
	case int:
		return Reply{Kind: ReplyInteger, Int: int64(val)}
	case uint32:
		return Reply{Kind: ReplyInteger, Int: int64(val)}
	case bool:
		return Reply{Kind: ReplyBoolean, Bool: val}
	case string:
		return Reply{Kind: ReplyBulkString, Str: val}
	case []byte:
		return Reply{Kind: ReplyBulkString, Str: string(val)}
	case []any:
		arr := make([]Reply, len(val))
		for i, e := range val {
			arr[i] = valueToReply(e)
		}
		return Reply{Kind: ReplyArray, Array: arr}
	case *registry.CallError:
		return Reply{Kind: ReplyError, Err: val}
	default:
		return Reply{Kind: ReplyBulkString, Str: fmt.Sprint(val)}
	}
}

// ScriptLoad implements SCRIPT LOAD body: admit without execution, and
// without an LRU back-reference, so the script survives EVAL eviction
// pressure until it is explicitly flushed.
func (d *Dispatcher) ScriptLoad(ctx context.Context, body string) Reply {
	digest := evalcache.Digest(body)
	if _, err := d.admit(ctx, digest, body, true); err != nil {
		return errReply(err)
	}
	return Reply{Kind: ReplyBulkString, Str: digest}
}

// ScriptExists implements SCRIPT EXISTS d….
func (d *Dispatcher) ScriptExists(digests []string) Reply {
	arr := make([]Reply, len(digests))
	for i, dg := range digests {
		arr[i] = Reply{Kind: ReplyBoolean, Bool: d.cache.Exists(dg)}
	}
	return Reply{Kind: ReplyArray, Array: arr}
}

// ScriptShow implements SCRIPT SHOW digest.
func (d *Dispatcher) ScriptShow(digest string) Reply {
	entry, ok := d.cache.Lookup(digest)
	if !ok {
		return errReply(serr.ScriptNotFound(digest))
	}
	return Reply{Kind: ReplyBulkString, Str: entry.Directive.Body}
}

// ScriptFlush implements SCRIPT FLUSH [ASYNC|SYNC].
func (d *Dispatcher) ScriptFlush(ctx context.Context, async bool) Reply {
	if async && d.teardown != nil {
		job := d.cache.FlushAsync()
		select {
		case d.teardown <- job:
		default:
			// Backpressure: run it inline rather than block the main
			// thread or silently drop the teardown.
			job.Run()
		}
	} else {
		d.cache.FlushSync()
	}

	for _, name := range d.engines.Names() {
		_ = d.engines.Use(name, func(e registry.EngineContract) error {
			return e.ResetEvalEnv(ctx)
		})
	}
	return Reply{Kind: ReplySimpleString, Str: "OK"}
}

// ScriptKill signals the currently running script, if any, to terminate at
// its next safe point.
func (d *Dispatcher) ScriptKill() Reply {
	state := d.current.Load()
	if state == nil || state.Finished() || !state.Kill() {
		return errReply(fmt.Errorf("NOTBUSY No scripts in execution right now"))
	}
	return Reply{Kind: ReplySimpleString, Str: "OK"}
}

// Cache exposes the dispatcher's eval cache for introspection/metrics.
func (d *Dispatcher) Cache() *evalcache.Cache { return d.cache }

// Catalog exposes the dispatcher's FUNCTION library catalog.
func (d *Dispatcher) Catalog() *LibraryCatalog { return d.catalog }
