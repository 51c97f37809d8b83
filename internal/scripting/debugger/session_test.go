package debugger

import "testing"

func TestArmRejectsNonIdleState(t *testing.T) {
	s := NewSession()
	if err := s.Arm(false); err != nil {
		t.Fatalf("arm from idle: %v", err)
	}
	if err := s.Arm(false); err == nil {
		t.Fatalf("expected error arming an already-armed session")
	}
}

func TestStartSessionRequiresArmedState(t *testing.T) {
	s := NewSession()
	if err := s.StartSession("return 1"); err == nil {
		t.Fatalf("expected error starting session before arming")
	}
	if err := s.Arm(true); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := s.StartSession("line1\nline2"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if !s.Forked() {
		t.Fatalf("expected forked flag to persist through start_session")
	}
	if got := len(s.SourceLines()); got != 2 {
		t.Fatalf("expected 2 source lines, got %d", got)
	}
}

func TestBreakpointLimit(t *testing.T) {
	s := NewSession()
	for i := 1; i <= MaxBreakpoints; i++ {
		if err := s.AddBreakpoint(i); err != nil {
			t.Fatalf("add breakpoint %d: %v", i, err)
		}
	}
	if err := s.AddBreakpoint(MaxBreakpoints + 1); err == nil {
		t.Fatalf("expected error exceeding breakpoint limit")
	}
}

func TestShouldPauseHonorsBreakpointsStepAndOneShot(t *testing.T) {
	s := NewSession()
	if s.ShouldPause(1) {
		t.Fatalf("expected no pause with nothing armed")
	}

	_ = s.AddBreakpoint(5)
	if !s.ShouldPause(5) {
		t.Fatalf("expected pause at breakpoint line")
	}
	if s.ShouldPause(6) {
		t.Fatalf("expected no pause off-breakpoint")
	}

	s.SetStep(true)
	if !s.ShouldPause(6) {
		t.Fatalf("expected pause in step mode")
	}
	s.SetStep(false)

	s.TriggerBreak()
	if !s.ShouldPause(100) {
		t.Fatalf("expected one-shot break to pause")
	}
	if s.ShouldPause(101) {
		t.Fatalf("expected one-shot break to be consumed")
	}
}

func TestClearAndListBreakpoints(t *testing.T) {
	s := NewSession()
	_ = s.AddBreakpoint(3)
	_ = s.AddBreakpoint(1)
	_ = s.AddBreakpoint(2)
	got := s.ListBreakpoints()
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	s.ClearBreakpoints()
	if len(s.ListBreakpoints()) != 0 {
		t.Fatalf("expected no breakpoints after clear")
	}
}

func TestLogReplacesEmbeddedLineBreaksAndDrains(t *testing.T) {
	s := NewSession()
	s.Log("hello\r\nworld")
	logs := s.DrainLogs()
	if len(logs) != 1 || logs[0] != "hello  world" {
		t.Fatalf("unexpected log rendering: %#v", logs)
	}
	if len(s.DrainLogs()) != 0 {
		t.Fatalf("expected logs to be cleared after drain")
	}
}

func TestSetMaxLenCoercesSmallPositiveValues(t *testing.T) {
	s := NewSession()
	s.SetMaxLen(10)
	if got := s.MaxLen(); got != 60 {
		t.Fatalf("expected coercion to 60, got %d", got)
	}
	s.SetMaxLen(0)
	if got := s.MaxLen(); got != 0 {
		t.Fatalf("expected 0 (unlimited) to pass through, got %d", got)
	}
}

func TestTruncateAppliesCapWithEllipsis(t *testing.T) {
	s := NewSession()
	s.SetMaxLen(60)
	long := "0123456789012345678901234567890123456789012345678901234567890123456789"
	got := s.Truncate(long)
	if got != long[:60]+"..." {
		t.Fatalf("unexpected truncation: %q", got)
	}
	if s.Truncate("short") != "short" {
		t.Fatalf("expected short text to pass through untouched")
	}
}
