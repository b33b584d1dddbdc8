package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidPath        = errors.New("invalid dump path")
	ErrUnrecognizedFormat = errors.New("unrecognized dump format")
	ErrMalformedRecord    = errors.New("malformed record")
	ErrMissingIdentity    = errors.New("record has no identity")
	ErrSplitterIO         = errors.New("dump read failed")
	ErrBulkFailure        = errors.New("bulk submission rejected")
	ErrTransport          = errors.New("search engine transport error")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("operation timed out")
)

// Exit codes reported by the indexer command.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

type AppError struct {
	Err      error
	Message  string
	ExitCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, exitCode int, message string) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  message,
		ExitCode: exitCode,
	}
}

func Newf(sentinel error, exitCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:      sentinel,
		Message:  fmt.Sprintf(format, args...),
		ExitCode: exitCode,
	}
}

// Recoverable reports whether err is scoped to a single chunk, record or
// source and must not terminate the run.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrMissingIdentity) ||
		errors.Is(err, ErrSplitterIO)
}

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.ExitCode
	}

	switch {
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrUnrecognizedFormat), errors.Is(err, ErrInvalidInput):
		return ExitUsage
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitFailure
	}
}
