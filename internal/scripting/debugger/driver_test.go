package debugger

import (
	"context"
	"testing"
	"time"
)

// waitForPrompt blocks until OnLine has parked the script at the prompt, so
// that the Resume issued by the next prompt command is not dropped.
func waitForPrompt(t *testing.T, d *Debugger) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Session().State() != StatePrompt {
		if time.Now().After(deadline) {
			t.Fatalf("OnLine did not reach the prompt")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDebuggerStepAndContinueUnblockOnLine(t *testing.T) {
	d := New(nil)
	if err := d.Arm(false); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := d.Session().StartSession("a\nb\nc"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	d.Session().SetStep(true)

	paused := make(chan int, 1)
	go func() {
		d.OnLine(1)
		paused <- 1
	}()
	waitForPrompt(t, d)

	reply, end, err := d.HandlePrompt(context.Background(), "step", nil, nil)
	if err != nil || end {
		t.Fatalf("unexpected prompt result: reply=%q end=%v err=%v", reply, end, err)
	}

	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnLine did not unblock after step command")
	}
}

func TestDebuggerBreakCommandsManageBreakpoints(t *testing.T) {
	d := New(nil)
	_ = d.Arm(false)
	_ = d.Session().StartSession("x")

	if _, _, err := d.HandlePrompt(context.Background(), "break 3", nil, nil); err != nil {
		t.Fatalf("break: %v", err)
	}
	if !d.Session().ShouldPause(3) {
		t.Fatalf("expected breakpoint at line 3")
	}

	if _, _, err := d.HandlePrompt(context.Background(), "break -3", nil, nil); err != nil {
		t.Fatalf("remove break: %v", err)
	}
	if d.Session().ShouldPause(3) {
		t.Fatalf("expected breakpoint removed")
	}
}

func TestDebuggerAbortEndsSessionAndUnblocks(t *testing.T) {
	d := New(nil)
	_ = d.Arm(false)
	_ = d.Session().StartSession("x")
	d.Session().SetStep(true)

	done := make(chan struct{})
	go func() {
		d.OnLine(1)
		close(done)
	}()
	waitForPrompt(t, d)

	_, end, err := d.HandlePrompt(context.Background(), "abort", nil, nil)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !end {
		t.Fatalf("expected abort to end the session")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnLine did not unblock after abort")
	}
	if d.Session().State() != StateEndSession {
		t.Fatalf("expected end_session state, got %v", d.Session().State())
	}
}

func TestDebuggerEvalDelegatesToEvaluator(t *testing.T) {
	d := New(nil)
	_ = d.Arm(false)
	_ = d.Session().StartSession("x")

	reply, _, err := d.HandlePrompt(context.Background(), "eval 1+1", func(code string) (string, error) {
		if code != "1+1" {
			t.Fatalf("unexpected eval code %q", code)
		}
		return "2", nil
	}, nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if reply != "2" {
		t.Fatalf("expected 2, got %q", reply)
	}
}

func TestDebuggerRedisDelegatesToCommandHook(t *testing.T) {
	d := New(nil)
	_ = d.Arm(false)
	_ = d.Session().StartSession("x")

	reply, _, err := d.HandlePrompt(context.Background(), "redis get foo", nil, func(ctx context.Context, args []string) (any, error) {
		if len(args) != 2 || args[0] != "get" || args[1] != "foo" {
			t.Fatalf("unexpected args %v", args)
		}
		return "bar", nil
	})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	if reply != "bar" {
		t.Fatalf("expected bar, got %q", reply)
	}
}

func TestDebuggerHelpReturnsHelpText(t *testing.T) {
	d := New(nil)
	reply, end, err := d.HandlePrompt(context.Background(), "help", nil, nil)
	if err != nil || end {
		t.Fatalf("unexpected: reply=%q end=%v err=%v", reply, end, err)
	}
	if reply != HelpText {
		t.Fatalf("expected help text")
	}
}
