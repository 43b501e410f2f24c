// Package aierr defines the error taxonomy shared by every layer of the
// retrieval and orchestration core.
//
// Each failure carries exactly one kind sentinel. Callers test for a kind with
// [errors.Is] (e.g. errors.Is(err, aierr.ErrUpstream)) and transports map the
// kind to a status code with [KindOf].
package aierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind sentinels. Every [*Error] unwraps to exactly one of these.
var (
	// ErrInvalidInput marks a caller error (4xx-equivalent).
	ErrInvalidInput = errors.New("invalid input")

	// ErrProviderUnavailable marks a missing or unusable backend or model.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUpstream marks a backend that answered with a failure or a malformed payload.
	ErrUpstream = errors.New("upstream error")

	// ErrTimeout marks a backend that did not answer within its bound.
	ErrTimeout = errors.New("timeout")

	// ErrUnsupported marks an adapter that lacks the requested capability.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrPersistence marks a failure in collaborator storage.
	ErrPersistence = errors.New("persistence error")
)

var kindNames = map[error]string{
	ErrInvalidInput:        "invalid_input",
	ErrProviderUnavailable: "provider_unavailable",
	ErrUpstream:            "upstream_error",
	ErrTimeout:             "timeout",
	ErrUnsupported:         "unsupported_operation",
	ErrPersistence:         "persistence_error",
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "openai: embed"), Msg is a human-readable description and Err the
// optional underlying cause.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause to [errors.Is] / [errors.As].
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns a classified error with a formatted message.
func New(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause under kind. It returns nil when cause is nil.
func Wrap(kind error, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// InvalidInput is shorthand for New(ErrInvalidInput, ...).
func InvalidInput(op, format string, args ...any) *Error {
	return New(ErrInvalidInput, op, format, args...)
}

// Unavailable is shorthand for New(ErrProviderUnavailable, ...).
func Unavailable(op, format string, args ...any) *Error {
	return New(ErrProviderUnavailable, op, format, args...)
}

// Unsupported is shorthand for New(ErrUnsupported, ...).
func Unsupported(op, format string, args ...any) *Error {
	return New(ErrUnsupported, op, format, args...)
}

// Persistence wraps a storage failure. It returns nil when cause is nil.
func Persistence(op string, cause error) error {
	return Wrap(ErrPersistence, op, cause)
}

// FromContext classifies a failure that happened while talking to a backend.
// Deadline expiry becomes [ErrTimeout], cancellation is passed through
// unchanged, already-classified errors keep their kind and everything else
// becomes [ErrUpstream].
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := kindOf(err); k != nil {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrTimeout, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &Error{Kind: ErrUpstream, Op: op, Err: err}
}

// KindOf returns the stable name of err's kind (e.g. "upstream_error"), or
// "internal" when err carries no kind.
func KindOf(err error) string {
	if k := kindOf(err); k != nil {
		return kindNames[k]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindNames[ErrTimeout]
	}
	return "internal"
}

// kinds fixes the probe order for errors that carry no *Error.
var kinds = []error{ErrInvalidInput, ErrProviderUnavailable, ErrUpstream, ErrTimeout, ErrUnsupported, ErrPersistence}

// kindOf returns the kind of the outermost *Error, falling back to a sentinel
// probe for bare wrapped sentinels.
func kindOf(err error) error {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != nil {
		return ae.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
