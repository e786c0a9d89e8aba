package cli

import "fmt"

// SilentError wraps an error a command has already reported to the user
// (e.g. through a styled message), so main.go's top-level error handler
// doesn't print it a second time.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string { return e.Err.Error() }
func (e *SilentError) Unwrap() error { return e.Err }

func silent(err error) error {
	if err == nil {
		return nil
	}
	return &SilentError{Err: err}
}

// UsageError marks an error as invalid usage (exit code 2) rather than a
// runtime failure (exit code 1) — bad arguments, unknown stage IDs, an
// unrecognized verb.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}
