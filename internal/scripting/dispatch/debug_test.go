package dispatch

import (
	"context"
	"testing"

	"github.com/kvforge/scriptd/internal/scripting/debugger"
)

func TestScriptDebugArmsAndDisarmsSession(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if r := d.ScriptDebug("SYNC"); r.Kind != ReplySimpleString || r.Str != "OK" {
		t.Fatalf("expected OK arming SYNC, got %+v", r)
	}
	if r := d.ScriptDebug("SYNC"); r.Kind != ReplyError {
		t.Fatalf("expected error re-arming an already-armed session, got %+v", r)
	}
	if r := d.ScriptDebug("NO"); r.Kind != ReplySimpleString {
		t.Fatalf("expected OK disarming, got %+v", r)
	}
	if r := d.ScriptDebug("SYNC"); r.Kind != ReplySimpleString {
		t.Fatalf("expected re-arm to succeed after NO reset the session, got %+v", r)
	}
}

func TestScriptDebugRejectsUnknownMode(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if r := d.ScriptDebug("MAYBE"); r.Kind != ReplyError {
		t.Fatalf("expected error for unknown mode, got %+v", r)
	}
}

func TestDebugEvalSyncRunsToCompletion(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if r := d.ScriptDebug("SYNC"); r.Kind != ReplySimpleString {
		t.Fatalf("arm: %+v", r)
	}

	reply, err := d.DebugEval(context.Background(), "return ARGV[1]", nil, []string{"hi"})
	if err != nil {
		t.Fatalf("debug eval: %v", err)
	}
	if reply.Kind != ReplyBulkString || reply.Str != "hi" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if d.Debugger().Session().State() != debugger.StateEndSession {
		t.Fatalf("expected session to reach end_session, got %v", d.Debugger().Session().State())
	}
}
