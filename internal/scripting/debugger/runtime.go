package debugger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/kvforge/scriptd/pkg/logger"
)

// ForkEnv is the environment variable that, when set, tells a re-exec'd
// process it is a debugger child rather than the normal server: the value
// is the subcommand name the child's main() should dispatch to.
const ForkEnv = "SCRIPTD_DEBUGGER_CHILD"

// ChildSubcommand is the hidden argv[1] / ForkEnv value a re-exec'd child
// is launched with. cmd/scriptd's main() checks for this before doing
// anything else.
const ChildSubcommand = "__debugger_child"

// ChildRequest is shipped to the forked child as JSON over its stdin: the
// script body plus the keys/args EVAL was called with. Go's runtime cannot
// safely bare-fork (goroutines, the GC, and open file descriptors make a
// raw fork() after process start undefined behavior), so a forked debug
// session instead re-execs the same binary as a fresh child process and
// hands it everything it needs to reconstruct the call over a pipe.
type ChildRequest struct {
	Engine string   `json:"engine"`
	Body   string   `json:"body"`
	Keys   []string `json:"keys"`
	Args   []string `json:"args"`
}

// Runtime tracks every forked debugger child process: its PID, for
// kill_all()/pending_count() bookkeeping, and the pipes used to drive its
// prompt protocol.
type Runtime struct {
	mu       sync.Mutex
	children map[int]*ForkedSession
	log      *logger.Logger
}

// NewRuntime creates an empty fork-tracking runtime.
func NewRuntime(log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.NewDefault("debugger")
	}
	return &Runtime{children: make(map[int]*ForkedSession), log: log}
}

// ForkedSession is one live forked debug child: its process handle and the
// pipes the prompt protocol is driven over.
type ForkedSession struct {
	PID    int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// ForkSession launches a fresh child process of the running binary in
// debugger-child mode, ships req over its stdin, and returns a handle for
// driving the prompt protocol over its stdout. The child's own execution
// and any mutation it performs are invisible to the parent by construction,
// since it runs in a separate address space — this is what gives
// SCRIPT DEBUG YES its isolation guarantee.
func (rt *Runtime) ForkSession(ctx context.Context, req ChildRequest) (*ForkedSession, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("debugger: cannot resolve own executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, ChildSubcommand)
	cmd.Env = append(os.Environ(), ForkEnv+"="+ChildSubcommand)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("debugger: fork failed: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("debugger: writing child request: %w", err)
	}

	fs := &ForkedSession{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}

	rt.mu.Lock()
	rt.children[fs.PID] = fs
	rt.mu.Unlock()
	rt.log.WithField("pid", fs.PID).Info("forked debugger child")

	return fs, nil
}

// SendCommand writes one prompt command line to the child's stdin.
func (fs *ForkedSession) SendCommand(line string) error {
	_, err := fs.stdin.Write([]byte(line + "\n"))
	return err
}

// ReadFrame reads one outbound frame (a multi-bulk block of simple strings,
// or the end-of-session sentinel) from the child's stdout.
func (fs *ForkedSession) ReadFrame() (string, bool, error) {
	var b bytes.Buffer
	for {
		line, err := fs.stdout.ReadString('\n')
		if err != nil {
			return b.String(), false, err
		}
		b.WriteString(line)
		if line == EndSessionSentinel || line == "+<endsession>\n" {
			return b.String(), true, nil
		}
		if fs.stdout.Buffered() == 0 {
			return b.String(), false, nil
		}
	}
}

// Remove releases bookkeeping for a child that has exited, implementing
// the runtime's remove(pid) operation.
func (rt *Runtime) Remove(pid int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.children, pid)
}

// PendingCount implements pending_count(): the number of forked debug
// children currently tracked.
func (rt *Runtime) PendingCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.children)
}

// KillAll implements kill_all(): forcibly terminates every tracked child,
// used at server shutdown so no orphaned debug session outlives it.
func (rt *Runtime) KillAll() {
	rt.mu.Lock()
	children := make([]*ForkedSession, 0, len(rt.children))
	for _, fs := range rt.children {
		children = append(children, fs)
	}
	rt.children = make(map[int]*ForkedSession)
	rt.mu.Unlock()

	for _, fs := range children {
		if err := fs.cmd.Process.Kill(); err != nil {
			rt.log.WithField("pid", fs.PID).WithError(err).Warn("failed to kill debugger child")
		}
	}
}

// Wait blocks until the forked child exits and returns its error, if any.
func (fs *ForkedSession) Wait() error {
	return fs.cmd.Wait()
}
