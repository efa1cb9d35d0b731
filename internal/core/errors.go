package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a reference to a request or task that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidOperation marks an illegal transition or structural change.
	// It is always reported before any mutation is applied.
	ErrInvalidOperation = errors.New("invalid operation")
)

// OpError carries the failure kind and a caller-facing message.
type OpError struct {
	Kind error
	Msg  string
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *OpError) Unwrap() error { return e.Kind }

func notFoundf(format string, args ...any) error {
	return &OpError{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func invalidf(format string, args ...any) error {
	return &OpError{Kind: ErrInvalidOperation, Msg: fmt.Sprintf(format, args...)}
}

// ErrorKind classifies err for transports: "not_found", "invalid_operation"
// or "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	default:
		return "internal"
	}
}
