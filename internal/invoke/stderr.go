package invoke

import (
	"fmt"
	"log/slog"
	"strings"
)

type extractOptions struct {
	logger *slog.Logger
}

type ExtractOption func(*extractOptions)

// WithLineLogging logs every non-empty stderr line at error level while
// the message is being extracted.
func WithLineLogging(l *slog.Logger) ExtractOption {
	return func(o *extractOptions) {
		o.logger = l
	}
}

// ExtractErrorMessage recovers the user-facing part of an R error from
// stderr. R reports errors as an "Error in ... :" header followed by
// continuation lines that are either indented by two spaces or follow a
// line ending in a colon. Call traces and "Execution halted" are dropped.
// An empty result means nothing recognisable was found.
func ExtractErrorMessage(stderr string, opts ...ExtractOption) string {
	o := &extractOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var msg strings.Builder
	sawError := false
	sawColon := false
	for _, line := range strings.Split(stderr, "\n") {
		if line == "" {
			continue
		}
		if o.logger != nil {
			o.logger.Error("process stderr", "line", line)
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Error") || strings.HasPrefix(line, "Fatal error"):
			msg.WriteString(trimmed)
			sawError = true
		case strings.HasPrefix(line, "  ") && sawError:
			msg.WriteString(" " + trimmed)
			sawError = true
		case sawColon:
			msg.WriteString(" " + trimmed)
			sawError = true
		default:
			sawError = false
		}

		sawColon = strings.HasSuffix(trimmed, ":")
	}
	return msg.String()
}

// FallbackMessage is reported when stderr held no recognisable error.
func FallbackMessage(script string) string {
	return fmt.Sprintf("R script %q failed with no recoverable error message", script)
}
