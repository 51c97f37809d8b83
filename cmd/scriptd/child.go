package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kvforge/scriptd/internal/scripting/debugger"
	"github.com/kvforge/scriptd/internal/scripting/engines/dynamicvm"
	"github.com/kvforge/scriptd/internal/scripting/engines/stackvm"
	"github.com/kvforge/scriptd/internal/scripting/registry"
)

// runDebuggerChild is the entry point a re-exec'd debug child runs instead
// of the normal server: it reads one debugger.ChildRequest off stdin, runs
// that script to completion under a fresh Debugger whose line hook pauses
// on breakpoints, and speaks the same prompt protocol over stdout that a
// ForkedSession on the parent side reads from. This is the process-level
// isolation substitute for a bare fork(): the script (and anything it
// mutates) lives entirely in this address space and is discarded when the
// child exits.
func runDebuggerChild() error {
	stdin := bufio.NewReader(os.Stdin)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read child request: %w", err)
	}
	var req debugger.ChildRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return fmt.Errorf("parse child request: %w", err)
	}

	engines := registry.NewManager(nil)
	_ = engines.RegisterModule(registry.ContractVersion, stackvm.New())
	_ = engines.RegisterModule(registry.ContractVersion, dynamicvm.New(nil))

	dbg := debugger.New(nil)
	if err := dbg.Arm(true); err != nil {
		return err
	}
	if err := dbg.Session().StartSession(req.Body); err != nil {
		return err
	}

	resultCh := make(chan registry.CallResult, 1)
	errCh := make(chan error, 1)
	go func() {
		var result registry.CallResult
		useErr := engines.Use(req.Engine, func(e registry.EngineContract) error {
			fn, err := e.CompileCode(context.Background(), "eval", req.Body)
			if err != nil {
				return err
			}
			if hookable, ok := e.(debugger.LineHook); ok {
				hookable.SetLineHook(dbg.OnLine)
				defer hookable.SetLineHook(nil)
			}
			result, err = e.CallFunction(context.Background(), registry.CallRequest{
				Function: fn,
				Keys:     req.Keys,
				Args:     req.Args,
				Caller:   "script",
			})
			if sink, ok := e.(debugger.LogSink); ok {
				for _, line := range sink.DrainLogs() {
					dbg.Session().Log(line)
				}
			}
			return err
		})
		if useErr != nil {
			errCh <- useErr
			return
		}
		resultCh <- result
	}()

	stdout := bufio.NewWriter(os.Stdout)
	for {
		cmdArgs, rerr := debugger.ReadCommand(stdin)
		if rerr != nil {
			break
		}
		line := strings.Join(cmdArgs, " ")
		reply, end, herr := dbg.HandlePrompt(context.Background(), line, nil, nil)
		var out []string
		if herr != nil {
			out = append(out, herr.Error())
		} else if reply != "" {
			out = append(out, dbg.Session().Truncate(reply))
		}
		out = append(out, dbg.Session().DrainLogs()...)
		if len(out) > 0 {
			stdout.WriteString(debugger.FrameLogs(out))
			_ = stdout.Flush()
		}
		if end {
			break
		}
	}

	select {
	case result := <-resultCh:
		dbg.Session().Log(fmt.Sprint(result.Value))
	case err := <-errCh:
		dbg.Session().Log(err.Error())
	default:
	}
	if logs := dbg.Session().DrainLogs(); len(logs) > 0 {
		stdout.WriteString(debugger.FrameLogs(logs))
	}
	stdout.WriteString(debugger.FrameEndSession())
	_ = stdout.Flush()
	return nil
}
