// Package shebang parses the optional `#!engine flags=a,b` first line of a
// script body and folds script-level flags together with a command's base
// flags for admission planning.
package shebang

import (
	"fmt"
	"strings"
)

// Flag is one bit of the fixed script-flag vocabulary.
type Flag uint8

const (
	FlagReadOnly Flag = 1 << iota
	FlagNoWrites
	FlagAllowStale
	FlagAllowCrossSlotKeys
	FlagNoCluster
	FlagEvalCompatMode
)

var flagNames = map[string]Flag{
	"read-only":             FlagReadOnly,
	"no-writes":             FlagNoWrites,
	"allow-stale":           FlagAllowStale,
	"allow-cross-slot-keys": FlagAllowCrossSlotKeys,
	"no-cluster":            FlagNoCluster,
}

// DefaultEngine is the engine implied by an absent shebang line.
const DefaultEngine = "lua"

// Directive is the parsed result of a script's shebang line (or its absence).
type Directive struct {
	Engine string
	Flags  Flag
	// Body is the script source with the shebang line (if any) stripped.
	Body string
}

// Has reports whether f is set in the directive's flag bitmask.
func (d Directive) Has(f Flag) bool { return d.Flags&f != 0 }

// Parse extracts the engine name and flags from source. An absent shebang
// implies DefaultEngine and eval-compat-mode, per the no-shebang default.
func Parse(source string) (Directive, error) {
	if !strings.HasPrefix(source, "#!") {
		return Directive{Engine: DefaultEngine, Flags: FlagEvalCompatMode, Body: source}, nil
	}

	nl := strings.IndexByte(source, '\n')
	if nl < 0 {
		return Directive{}, fmt.Errorf("shebang: missing newline after directive line")
	}
	line := source[2:nl]
	body := source[nl+1:]

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Directive{}, fmt.Errorf("shebang: missing engine name")
	}

	engine := strings.ToLower(fields[0])
	var flags Flag

	for _, tok := range fields[1:] {
		rest, ok := strings.CutPrefix(tok, "flags=")
		if !ok {
			return Directive{}, fmt.Errorf("shebang: unrecognized directive token %q", tok)
		}
		for _, name := range strings.Split(rest, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			flag, ok := flagNames[name]
			if !ok {
				return Directive{}, fmt.Errorf("shebang: unknown flag %q", name)
			}
			flags |= flag
		}
	}

	return Directive{Engine: engine, Flags: flags, Body: body}, nil
}

// Emit renders flags back to the comma-separated token form used inside a
// shebang line, in a fixed canonical order so parse(emit(flags)) is stable.
func Emit(flags Flag) string {
	var names []string
	for _, pair := range []struct {
		flag Flag
		name string
	}{
		{FlagReadOnly, "read-only"},
		{FlagNoWrites, "no-writes"},
		{FlagAllowStale, "allow-stale"},
		{FlagAllowCrossSlotKeys, "allow-cross-slot-keys"},
		{FlagNoCluster, "no-cluster"},
	} {
		if flags&pair.flag != 0 {
			names = append(names, pair.name)
		}
	}
	return strings.Join(names, ",")
}

// Fold combines a script's declared flags with a command's base flags for
// admission planning. If eval-compat-mode is set, the command's base flags
// pass through unchanged; otherwise the script's explicit flags replace the
// script-relevant subset (read-only/no-writes, allow-stale,
// allow-cross-slot-keys, no-cluster) of the base flags.
func Fold(base, script Flag) Flag {
	if script&FlagEvalCompatMode != 0 {
		return base
	}
	const scriptRelevant = FlagReadOnly | FlagNoWrites | FlagAllowStale | FlagAllowCrossSlotKeys | FlagNoCluster
	return (base &^ scriptRelevant) | (script & scriptRelevant)
}
