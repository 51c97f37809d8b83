package main

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/kvforge/scriptd/internal/scripting/debugger"
)

// runDebugSession takes over conn once SCRIPT DEBUG YES|SYNC has armed the
// session: it reads the EVAL that starts the debugged script, then drives
// the prompt protocol (step/continue/print/... plus framed log replies and
// the <endsession> sentinel) for the rest of the connection's lifetime,
// per the debugger's own wire protocol rather than the normal command
// framing used by the surrounding connection loop.
func (s *server) runDebugSession(r *bufio.Reader, w *bufio.Writer, conn net.Conn) {
	dbg := s.dispatcher.Debugger()

	args, err := readCommandLine(r)
	if err != nil || len(args) < 3 || !strings.EqualFold(args[0], "EVAL") {
		w.WriteString(debugger.FrameLogs([]string{"ERR expected EVAL to start a debug session"}))
		w.WriteString(debugger.FrameEndSession())
		_ = w.Flush()
		return
	}

	numkeys := atoiOrZero(args[2])
	if numkeys < 0 || numkeys > len(args)-3 {
		numkeys = 0
	}
	keys := args[3 : 3+numkeys]
	rest := args[3+numkeys:]

	evalDone := make(chan struct{})
	go func() {
		defer close(evalDone)
		ctx, cancel := context.WithTimeout(context.Background(), s.evalTimeout)
		defer cancel()
		reply, derr := s.dispatcher.DebugEval(ctx, args[1], keys, rest)
		if derr != nil {
			dbg.Session().Log(derr.Error())
		} else if reply.Err != nil {
			dbg.Session().Log(reply.Err.Error())
		} else if reply.Str != "" {
			dbg.Session().Log(reply.Str)
		}
	}()

	promptDone := make(chan struct{})
	go func() {
		defer close(promptDone)
		for {
			cmdArgs, rerr := debugger.ReadCommand(r)
			if rerr != nil {
				return
			}
			line := strings.Join(cmdArgs, " ")
			reply, end, herr := dbg.HandlePrompt(context.Background(), line, nil, nil)
			if herr != nil {
				w.WriteString(debugger.FrameLogs([]string{herr.Error()}))
				_ = w.Flush()
				continue
			}
			var out []string
			if reply != "" {
				out = append(out, dbg.Session().Truncate(reply))
			}
			out = append(out, dbg.Session().DrainLogs()...)
			if len(out) > 0 {
				w.WriteString(debugger.FrameLogs(out))
				_ = w.Flush()
			}
			if end {
				w.WriteString(debugger.FrameEndSession())
				_ = w.Flush()
				return
			}
		}
	}()

	<-evalDone
	<-promptDone
}

func atoiOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
