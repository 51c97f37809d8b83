// Package debugger implements the scripting subsystem's line-oriented
// interactive debugger: a session state machine, breakpoints, stepping,
// value printing, and the fork-based isolation SCRIPT DEBUG YES requires.
package debugger

import (
	"fmt"
	"strings"
	"sync"
)

// MaxBreakpoints bounds the number of integer line breakpoints a session
// may hold at once.
const MaxBreakpoints = 64

// State is one stage of a debug session's state machine.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateStartSession
	StateStepping
	StatePrompt
	StateEndSession
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateStartSession:
		return "start_session"
	case StateStepping:
		return "stepping"
	case StatePrompt:
		return "prompt"
	case StateEndSession:
		return "end_session"
	default:
		return "unknown"
	}
}

// Session is the debugger's per-client state: a singleton created at
// startup and reset at each start_session, per the session state machine.
type Session struct {
	mu sync.Mutex

	state  State
	forked bool

	breakpoints map[int]bool
	step        bool
	breakOnce   bool // server.breakpoint() one-shot "break on next line"

	source      []string
	currentLine int

	logs       []string
	replyMaxLen int // 0 = unlimited; coerced to 60 if in [1,59]
}

// NewSession creates an idle session with the default (unlimited) reply cap.
func NewSession() *Session {
	return &Session{
		state:       StateIdle,
		breakpoints: make(map[int]bool),
	}
}

// Arm transitions idle -> armed on SCRIPT DEBUG YES|SYNC, recording whether
// this session will run forked.
func (s *Session) Arm(forked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("debugger: cannot arm from state %s", s.state)
	}
	s.forked = forked
	s.state = StateArmed
	return nil
}

// StartSession resets all per-session fields and splits source into lines,
// transitioning armed -> start_session.
func (s *Session) StartSession(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed {
		return fmt.Errorf("debugger: cannot start session from state %s", s.state)
	}
	s.breakpoints = make(map[int]bool)
	s.step = false
	s.breakOnce = false
	s.source = strings.Split(source, "\n")
	s.currentLine = 0
	s.logs = nil
	s.state = StateStartSession
	return nil
}

// Forked reports whether this session's script runs in a forked child.
func (s *Session) Forked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forked
}

// State reports the current state machine stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState forces a state transition; used by the driver loop at the
// running/prompt/end_session boundaries where the effect (not a discrete
// client command) is what causes the move.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// ShouldPause reports whether execution reaching line should transfer
// control to the prompt: a breakpoint at this line, step mode, or a
// one-shot server.breakpoint() call consumes itself here.
func (s *Session) ShouldPause(line int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentLine = line
	if s.breakOnce {
		s.breakOnce = false
		return true
	}
	if s.step {
		return true
	}
	return s.breakpoints[line]
}

// TriggerBreak implements server.breakpoint(): sets the one-shot
// break-on-next-line flag from inside the running script.
func (s *Session) TriggerBreak() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakOnce = true
}

// SetStep enables or disables step mode (stop at every line).
func (s *Session) SetStep(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = on
}

// CurrentLine returns the line execution is currently paused at.
func (s *Session) CurrentLine() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLine
}

// AddBreakpoint adds line N, rejecting it once MaxBreakpoints is reached.
func (s *Session) AddBreakpoint(line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.breakpoints[line]; exists {
		return nil
	}
	if len(s.breakpoints) >= MaxBreakpoints {
		return fmt.Errorf("debugger: breakpoint limit %d reached", MaxBreakpoints)
	}
	s.breakpoints[line] = true
	return nil
}

// RemoveBreakpoint removes line N, if present.
func (s *Session) RemoveBreakpoint(line int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakpoints, line)
}

// ClearBreakpoints removes every breakpoint (`b 0`).
func (s *Session) ClearBreakpoints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakpoints = make(map[int]bool)
}

// ListBreakpoints returns the sorted set of active breakpoint lines.
func (s *Session) ListBreakpoints() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]int, 0, len(s.breakpoints))
	for l := range s.breakpoints {
		lines = append(lines, l)
	}
	for i := 1; i < len(lines); i++ {
		for j := i; j > 0 && lines[j-1] > lines[j]; j-- {
			lines[j-1], lines[j] = lines[j], lines[j-1]
		}
	}
	return lines
}

// Log appends one log entry, replacing embedded CR/LF with spaces per the
// reply-framing rule so a later multi-bulk send can't be corrupted by an
// embedded line break.
func (s *Session) Log(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := strings.ReplaceAll(strings.ReplaceAll(entry, "\r", " "), "\n", " ")
	s.logs = append(s.logs, clean)
}

// DrainLogs returns and clears the buffered log entries.
func (s *Session) DrainLogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.logs
	s.logs = nil
	return out
}

// SetMaxLen sets the per-reply truncation cap: 0 means unlimited, values in
// [1,59] are coerced up to 60.
func (s *Session) SetMaxLen(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 && n < 60 {
		n = 60
	}
	s.replyMaxLen = n
}

// MaxLen returns the current per-reply truncation cap.
func (s *Session) MaxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyMaxLen
}

// Truncate applies the session's reply cap to s, appending an ellipsis
// marker when truncation occurs.
func (s *Session) Truncate(text string) string {
	cap := s.MaxLen()
	if cap <= 0 || len(text) <= cap {
		return text
	}
	return text[:cap] + "..."
}

// SourceLines returns the full source split by line, 1-indexed callers
// should subtract one before indexing.
func (s *Session) SourceLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}
