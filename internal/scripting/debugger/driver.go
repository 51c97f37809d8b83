package debugger

import (
	"context"
	"fmt"

	"github.com/kvforge/scriptd/internal/metrics"
	"github.com/kvforge/scriptd/pkg/logger"
)

// LineHook is the optional per-line instrumentation seam an engine can
// implement to let the debugger pause execution at breakpoints and drive
// single-stepping. An engine that does not implement it can still be
// debugged in forked (YES) mode, since that mode only needs the engine to
// run the script to completion in an isolated child and report server.breakpoint()
// pauses through Session.TriggerBreak; SYNC-mode line stepping additionally
// requires LineHook so the engine can yield control between lines.
type LineHook interface {
	// SetLineHook installs a callback invoked before executing the source
	// line at lineno; the callback blocks until the debugger decides to
	// resume. Passing nil uninstalls it.
	SetLineHook(hook func(lineno int))
}

// LogSink is the optional seam an engine implements to surface console
// output a script emitted during its most recent call (console.log/error/
// warn on the dynamic engine), so a debug session can fold it into its own
// log buffer alongside the call's result.
type LogSink interface {
	// DrainLogs returns and clears whatever log lines accumulated during
	// the most recently completed CallFunction call.
	DrainLogs() []string
}

// Debugger ties a Session's state machine to the prompt command loop and,
// for SCRIPT DEBUG YES, the forked-child runtime.
type Debugger struct {
	session *Session
	runtime *Runtime
	log     *logger.Logger

	resume chan struct{}
}

// New creates a Debugger with a fresh idle session.
func New(log *logger.Logger) *Debugger {
	if log == nil {
		log = logger.NewDefault("debugger")
	}
	return &Debugger{
		session: NewSession(),
		runtime: NewRuntime(log),
		log:     log,
		resume:  make(chan struct{}),
	}
}

// Session exposes the underlying session state machine.
func (d *Debugger) Session() *Session { return d.session }

// Runtime exposes the forked-child process tracker.
func (d *Debugger) Runtime() *Runtime { return d.runtime }

// Arm prepares a session for the next EVAL, per SCRIPT DEBUG YES|SYNC.
// forked selects the re-exec-as-fork isolation mode; !forked is the
// in-process SYNC mode.
func (d *Debugger) Arm(forked bool) error {
	if err := d.session.Arm(forked); err != nil {
		return err
	}
	metrics.RecordDebuggerSessionStart()
	return nil
}

// OnLine is the LineHook callback installed on the engine for SYNC-mode
// debugging: it blocks the running script at a breakpoint or step until
// the operator issues a prompt command that resumes it.
func (d *Debugger) OnLine(lineno int) {
	if !d.session.ShouldPause(lineno) {
		return
	}
	d.session.SetState(StatePrompt)
	<-d.resume
	if d.session.State() == StatePrompt {
		d.session.SetState(StateStepping)
	}
}

// Resume releases a script blocked in OnLine, used after a [s]tep,
// [c]ontinue, or [a]bort prompt command has been processed.
func (d *Debugger) Resume() {
	select {
	case d.resume <- struct{}{}:
	default:
	}
}

// HandlePrompt interprets one line typed at the prompt and returns the text
// to send back to the operator (without framing), plus whether the session
// should end.
func (d *Debugger) HandlePrompt(ctx context.Context, line string, evaluator func(code string) (string, error), cmdHook func(ctx context.Context, args []string) (any, error)) (reply string, endSession bool, err error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		return "", false, err
	}

	switch cmd.Kind {
	case CmdHelp:
		return HelpText, false, nil

	case CmdStep:
		d.session.TriggerBreak()
		d.Resume()
		return "", false, nil

	case CmdContinue:
		d.session.SetStep(false)
		d.Resume()
		return "", false, nil

	case CmdList:
		lines := d.session.SourceLines()
		cur := d.session.CurrentLine()
		start := cur - ListWindow - 1
		end := cur + ListWindow
		return FormatSourceWindow(lines, start, end, cur), false, nil

	case CmdWhole:
		lines := d.session.SourceLines()
		return FormatSourceWindow(lines, 0, len(lines), d.session.CurrentLine()), false, nil

	case CmdPrint:
		return "(locals are reported per-engine; none attached)", false, nil

	case CmdBreak:
		line, remove, clear, perr := ParseBreakpointArg(cmd.Arg)
		if perr != nil {
			return "", false, perr
		}
		switch {
		case clear:
			d.session.ClearBreakpoints()
			return "All breakpoints removed", false, nil
		case remove:
			d.session.RemoveBreakpoint(line)
			return fmt.Sprintf("Breakpoint at line %d removed", line), false, nil
		default:
			if err := d.session.AddBreakpoint(line); err != nil {
				return "", false, err
			}
			return fmt.Sprintf("Breakpoint set at line %d", line), false, nil
		}

	case CmdTrace:
		return fmt.Sprintf("at line %d", d.session.CurrentLine()), false, nil

	case CmdEval:
		if evaluator == nil {
			return "", false, fmt.Errorf("debugger: eval not supported in this session")
		}
		out, eerr := evaluator(cmd.Arg)
		if eerr != nil {
			return "", false, eerr
		}
		return out, false, nil

	case CmdRedis:
		if cmdHook == nil {
			return "", false, fmt.Errorf("debugger: no command hook bound")
		}
		args := splitInline(cmd.Arg)
		result, herr := cmdHook(ctx, args)
		if herr != nil {
			return "", false, herr
		}
		return PrintValue(result), false, nil

	case CmdMaxLen:
		n := 0
		if cmd.Arg != "" {
			fmt.Sscanf(cmd.Arg, "%d", &n)
		}
		d.session.SetMaxLen(n)
		return fmt.Sprintf("max log entry length set to %d", d.session.MaxLen()), false, nil

	case CmdAbort:
		d.session.SetState(StateEndSession)
		d.Resume()
		return "", true, nil

	default:
		return "", false, fmt.Errorf("debugger: unhandled command kind %v", cmd.Kind)
	}
}

// EndSession finalizes the session state machine and metrics once a
// debugger session (forked or in-process) is done.
func (d *Debugger) EndSession() {
	d.session.SetState(StateEndSession)
	metrics.RecordDebuggerSessionEnd()
}
