package debugger

import (
	"strings"
	"testing"
)

func TestPrintValueSequence(t *testing.T) {
	got := PrintValue([]any{"a", "b", int64(3)})
	want := "1) a\n2) b\n3) 3"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrintValueMappingSortsKeys(t *testing.T) {
	got := PrintValue(map[string]any{"b": 2, "a": 1})
	want := "a => 1\nb => 2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPrintValueScalarsAndNil(t *testing.T) {
	if PrintValue(nil) != "nil" {
		t.Fatalf("expected nil rendering")
	}
	if PrintValue(true) != "true" {
		t.Fatalf("expected true rendering")
	}
	if PrintValue("hi") != "hi" {
		t.Fatalf("expected string passthrough")
	}
}

func TestPrintValueEmptyCollections(t *testing.T) {
	if PrintValue([]any{}) != "(empty array)" {
		t.Fatalf("expected empty array marker")
	}
	if PrintValue(map[string]any{}) != "(empty table)" {
		t.Fatalf("expected empty table marker")
	}
}

func TestPrintValueBoundsRecursionDepth(t *testing.T) {
	var nest any = []any{"bottom"}
	for i := 0; i < maxPrintDepth+5; i++ {
		nest = []any{nest}
	}
	got := PrintValue(nest)
	if !strings.Contains(got, "...") {
		t.Fatalf("expected recursion bound to surface as truncation marker, got %q", got)
	}
}

func TestFormatSourceWindowMarksCurrentLine(t *testing.T) {
	lines := []string{"a", "b", "c"}
	got := FormatSourceWindow(lines, 0, 3, 2)
	if !strings.Contains(got, "->2\tb") {
		t.Fatalf("expected current-line marker, got %q", got)
	}
}

func TestFormatSourceWindowClampsBounds(t *testing.T) {
	lines := []string{"a", "b"}
	got := FormatSourceWindow(lines, -5, 50, 1)
	if !strings.Contains(got, "a") || !strings.Contains(got, "b") {
		t.Fatalf("expected both lines rendered despite out-of-range window: %q", got)
	}
}
