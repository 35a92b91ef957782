package heat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks errors caused by the request inputs.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotImplemented marks inputs that are recognised but not supported.
	ErrNotImplemented = errors.New("not implemented")
	// ErrUnknownProcess is returned for process ids that do not exist.
	ErrUnknownProcess = errors.New("unknown process")
)

// ExecuteError reports a failed run of the external program. Message is
// safe to show to users.
type ExecuteError struct {
	Process  string
	ExitCode int
	Message  string
	Err      error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("%s failed (exit code %d): %s", e.Process, e.ExitCode, e.Message)
}

func (e *ExecuteError) Unwrap() error {
	return e.Err
}
