// Package stackvm implements "hello", the minimal stack-based reference
// engine used to exercise the scripting engine contract end-to-end: a
// whitespace-separated token stream of function blocks over a handful of
// instructions, with deliberately small static limits.
package stackvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kvforge/scriptd/internal/scripting/registry"
)

const (
	maxFunctions        = 16
	maxInstructionsPerFn = 256
	maxStackSlots       = 64
)

type opcode int

const (
	opConstI opcode = iota
	opArgs
	opSleep
	opReturn
)

type instruction struct {
	op  opcode
	arg uint32
}

// program is one compiled function block.
type program struct {
	name         string
	instructions []instruction
}

// Engine is the "hello" reference engine: a context per registry
// registration, holding the currently compiled program set for the EVAL
// subsystem and, separately, for the FUNCTION subsystem — mirroring the
// two-interpreter-instance requirement real engines must satisfy.
type Engine struct {
	eval     []*program
	function []*program

	// lineHook, when set, is invoked before executing each instruction with
	// a 1-based line number (the instruction's position within its function
	// block), letting a debugger session single-step this engine.
	lineHook func(lineno int)
}

// SetLineHook implements debugger.LineHook: it installs or clears the
// per-instruction pause callback a debug session uses to drive stepping.
func (e *Engine) SetLineHook(hook func(lineno int)) {
	e.lineHook = hook
}

// New creates a fresh "hello" engine context.
func New() *Engine {
	return &Engine{}
}

// Name implements registry.EngineContract.
func (e *Engine) Name() string { return "hello" }

// CompileCode implements registry.EngineContract. A second compile on the
// same subsystem replaces that subsystem's program set. The replaced
// programs are not passed to FreeFunction here: a descriptor returned by an
// earlier compile keeps its program and stays callable until its holder
// releases it.
func (e *Engine) CompileCode(ctx context.Context, subsystem, source string) (*registry.CompiledFunction, error) {
	programs, err := compile(source)
	if err != nil {
		return nil, err
	}

	switch subsystem {
	case "function":
		for _, p := range e.function {
			_ = p // released via FreeFunction by the cache/dispatcher, not here
		}
		e.function = programs
	default:
		e.eval = programs
	}

	if len(programs) == 0 {
		return nil, fmt.Errorf("hello: program contains no function blocks")
	}
	// CompileCode's contract returns one descriptor; the first function
	// block in source order is the entry point EVAL/FCALL invokes.
	return &registry.CompiledFunction{Engine: e.Name(), Handle: programs[0]}, nil
}

// compile tokenizes source into function blocks, enforcing the static
// limits on function count, instructions per function, and (indirectly,
// at call time) the runtime stack depth.
func compile(source string) ([]*program, error) {
	tokens := strings.Fields(source)
	var programs []*program
	var current *program

	for i := 0; i < len(tokens); i++ {
		tok := strings.ToUpper(tokens[i])
		switch tok {
		case "FUNCTION":
			if current != nil {
				return nil, fmt.Errorf("hello: FUNCTION opened before previous RETURN")
			}
			i++
			if i >= len(tokens) {
				return nil, fmt.Errorf("hello: FUNCTION missing name")
			}
			if len(programs) >= maxFunctions {
				return nil, fmt.Errorf("hello: too many functions, limit %d", maxFunctions)
			}
			current = &program{name: tokens[i]}
		case "CONSTI":
			arg, err := nextU32(tokens, &i)
			if err != nil {
				return nil, err
			}
			if err := pushInstr(current, instruction{op: opConstI, arg: arg}); err != nil {
				return nil, err
			}
		case "ARGS":
			arg, err := nextU32(tokens, &i)
			if err != nil {
				return nil, err
			}
			if err := pushInstr(current, instruction{op: opArgs, arg: arg}); err != nil {
				return nil, err
			}
		case "SLEEP":
			if err := pushInstr(current, instruction{op: opSleep}); err != nil {
				return nil, err
			}
		case "RETURN":
			if err := pushInstr(current, instruction{op: opReturn}); err != nil {
				return nil, err
			}
			programs = append(programs, current)
			current = nil
		default:
			return nil, fmt.Errorf("hello: unknown token %q", tokens[i])
		}
	}
	if current != nil {
		return nil, fmt.Errorf("hello: function %q missing RETURN", current.name)
	}
	return programs, nil
}

func pushInstr(p *program, instr instruction) error {
	if p == nil {
		return fmt.Errorf("hello: instruction outside of a FUNCTION block")
	}
	if len(p.instructions) >= maxInstructionsPerFn {
		return fmt.Errorf("hello: function %q exceeds %d instructions", p.name, maxInstructionsPerFn)
	}
	p.instructions = append(p.instructions, instr)
	return nil
}

func nextU32(tokens []string, i *int) (uint32, error) {
	*i++
	if *i >= len(tokens) {
		return 0, fmt.Errorf("hello: missing operand at token %d", *i)
	}
	n, err := strconv.ParseUint(tokens[*i], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("hello: invalid u32 operand %q: %w", tokens[*i], err)
	}
	return uint32(n), nil
}

// CallFunction implements registry.EngineContract. It returns an unsigned
// 32-bit integer reply.
func (e *Engine) CallFunction(ctx context.Context, req registry.CallRequest) (registry.CallResult, error) {
	p, ok := req.Function.Handle.(*program)
	if !ok {
		return registry.CallResult{}, fmt.Errorf("hello: malformed compiled function handle")
	}

	stack := make([]uint32, 0, maxStackSlots)
	push := func(v uint32) error {
		if len(stack) >= maxStackSlots {
			return fmt.Errorf("hello: stack overflow, limit %d", maxStackSlots)
		}
		stack = append(stack, v)
		return nil
	}
	pop := func() (uint32, error) {
		if len(stack) == 0 {
			return 0, fmt.Errorf("hello: stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for idx, instr := range p.instructions {
		if req.State != nil && req.State.Killed() {
			return registry.CallResult{}, &registry.CallError{Message: "script killed by user with SCRIPT KILL"}
		}
		if e.lineHook != nil {
			e.lineHook(idx + 1)
		}
		switch instr.op {
		case opConstI:
			if err := push(instr.arg); err != nil {
				return registry.CallResult{}, err
			}
		case opArgs:
			if int(instr.arg) >= len(req.Args) {
				return registry.CallResult{}, fmt.Errorf("hello: ARGS index %d out of range", instr.arg)
			}
			n, err := strconv.ParseUint(req.Args[instr.arg], 10, 32)
			if err != nil {
				return registry.CallResult{}, fmt.Errorf("hello: ARGS[%d] is not a u32: %w", instr.arg, err)
			}
			if err := push(uint32(n)); err != nil {
				return registry.CallResult{}, err
			}
		case opSleep:
			secs, err := pop()
			if err != nil {
				return registry.CallResult{}, err
			}
			if killed := sleepPollingKill(secs, req.State); killed {
				return registry.CallResult{}, &registry.CallError{Message: "script killed by user with SCRIPT KILL"}
			}
		case opReturn:
			v, err := pop()
			if err != nil {
				return registry.CallResult{}, err
			}
			return registry.CallResult{Value: v}, nil
		}
	}
	return registry.CallResult{}, fmt.Errorf("hello: function fell off the end without RETURN")
}

// sleepPollingKill polls the shared execution state every millisecond,
// returning true as soon as a kill is observed so the caller can abandon the
// sleep early.
func sleepPollingKill(seconds uint32, state *registry.RunState) bool {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if state != nil && state.Killed() {
			return true
		}
		<-ticker.C
	}
	return false
}

// FreeFunction implements registry.EngineContract. The "hello" engine holds
// no resources beyond the Go program struct, so this is a no-op.
func (e *Engine) FreeFunction(fn *registry.CompiledFunction) {}

// GetFunctionMemoryOverhead implements registry.EngineContract.
func (e *Engine) GetFunctionMemoryOverhead(fn *registry.CompiledFunction) int64 {
	p, ok := fn.Handle.(*program)
	if !ok {
		return 0
	}
	return int64(len(p.instructions)) * 8
}

// ResetEvalEnv implements registry.EngineContract, discarding the EVAL
// subsystem's compiled programs without touching the FUNCTION subsystem's.
func (e *Engine) ResetEvalEnv(ctx context.Context) error {
	e.eval = nil
	return nil
}

// GetMemoryInfo implements registry.EngineContract.
func (e *Engine) GetMemoryInfo() registry.MemoryInfo {
	var used int64
	for _, p := range e.eval {
		used += int64(len(p.instructions)) * 8
	}
	for _, p := range e.function {
		used += int64(len(p.instructions)) * 8
	}
	return registry.MemoryInfo{UsedBytes: used}
}
