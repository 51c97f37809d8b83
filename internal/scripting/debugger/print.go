package debugger

import (
	"fmt"
	"sort"
	"strings"
)

// maxPrintDepth bounds recursive descent into nested tables/arrays when
// rendering a value at the prompt, so a self-referential or very deep
// structure can't hang the session.
const maxPrintDepth = 4

// PrintValue renders v for the [r]edis/[v]alkey reply, dual-rendering a
// []any as a sequence and a map[string]any as a mapping; any other value
// is rendered as a scalar.
func PrintValue(v any) string {
	return printDepth(v, 0)
}

func printDepth(v any, depth int) string {
	if depth >= maxPrintDepth {
		return "..."
	}
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return val
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%v", val)
	case []any:
		return printSequence(val, depth)
	case map[string]any:
		return printMapping(val, depth)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// printSequence renders a []any as a 1-indexed list, the way a Lua table
// used as an array prints.
func printSequence(items []any, depth int) string {
	if len(items) == 0 {
		return "(empty array)"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d) %s", i+1, printDepth(item, depth+1))
	}
	return b.String()
}

// printMapping renders a map[string]any sorted by key, the way a Lua table
// used as a dictionary prints.
func printMapping(m map[string]any, depth int) string {
	if len(m) == 0 {
		return "(empty table)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s => %s", k, printDepth(m[k], depth+1))
	}
	return b.String()
}

// FormatSourceWindow renders lines[start:end] (0-indexed, end exclusive)
// with 1-based line numbers, marking current with an arrow, for [l]ist and
// [w]hole.
func FormatSourceWindow(lines []string, start, end, current int) string {
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		marker := "  "
		if i+1 == current {
			marker = "->"
		}
		if i > start {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s%d\t%s", marker, i+1, lines[i])
	}
	return b.String()
}

// ListWindow is the number of lines shown before/after the current line by
// the bare [l]ist command.
const ListWindow = 5
