package invoke

import (
	"log/slog"
	"strconv"
	"strings"
)

type argKind int

const (
	kindNull argKind = iota
	kindString
	kindBool
)

// Arg is a positional argument for an external program. It is either a
// string, a boolean or null.
type Arg struct {
	kind argKind
	str  string
	b    bool
}

func Str(s string) Arg { return Arg{kind: kindString, str: s} }

func Bool(b bool) Arg { return Arg{kind: kindBool, b: b} }

func Null() Arg { return Arg{kind: kindNull} }

func (a Arg) IsNull() bool { return a.kind == kindNull }

// String renders the argument without any path rewriting.
func (a Arg) String() string {
	switch a.kind {
	case kindString:
		return a.str
	case kindBool:
		return strconv.FormatBool(a.b)
	default:
		return "null"
	}
}

// PathMapping translates host directories into the paths the program
// sees inside its sandbox.
type PathMapping struct {
	HostReadOnly  string
	ReadOnlyMount string
	HostOut       string
	OutMount      string
}

// Sanitize renders args as strings, rewriting host path prefixes according
// to m. The result has the same length and order as args.
func Sanitize(args []Arg, m PathMapping) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		orig := a.String()
		s := orig
		if a.kind == kindString {
			switch {
			case m.HostReadOnly != "" && strings.Contains(s, m.HostReadOnly):
				s = strings.ReplaceAll(s, m.HostReadOnly, m.ReadOnlyMount)
			case m.HostOut != "" && strings.Contains(s, m.HostOut):
				s = strings.ReplaceAll(s, m.HostOut, m.OutMount)
			}
		}
		if s != orig {
			slog.Debug("rewrote argument path", "from", orig, "to", s)
		}
		out = append(out, s)
	}
	return out
}
