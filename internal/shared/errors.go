package shared

import (
	"errors"
	"fmt"
)

// Kind classifies domain failures so callers can branch without parsing messages.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindConflict              Kind = "conflict"
	KindDataIntegrity         Kind = "data_integrity"
	KindExternalLookup        Kind = "external_lookup"
	KindNotFound              Kind = "not_found"
	KindInvalidState          Kind = "invalid_state"
	KindInternal              Kind = "internal"
)

// Error is the typed error carried across service boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Fields holds per-field messages for validation failures.
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind when the target is a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Err == nil && t.Fields == nil
}

var (
	// ErrValidation matches malformed or missing input; nothing was persisted.
	ErrValidation = &Error{Kind: KindValidation}
	// ErrInsufficientInventory matches allocation shortfalls.
	ErrInsufficientInventory = &Error{Kind: KindInsufficientInventory}
	// ErrConflict matches idempotency payload mismatches and lost races.
	ErrConflict = &Error{Kind: KindConflict}
	// ErrDataIntegrity matches a projected balance that went negative.
	ErrDataIntegrity = &Error{Kind: KindDataIntegrity}
	// ErrExternalLookup matches unknown warehouse, SKU or batch references.
	ErrExternalLookup = &Error{Kind: KindExternalLookup}
	// ErrNotFound indicates resource not found.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrInvalidState indicates a forbidden status transition.
	ErrInvalidState = &Error{Kind: KindInvalidState}
)

// Validation builds a validation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a retryable conflict error.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// DataIntegrity builds a data integrity error.
func DataIntegrity(op, format string, args ...any) error {
	return &Error{Kind: KindDataIntegrity, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ExternalLookup builds an unknown-reference error.
func ExternalLookup(op, format string, args ...any) error {
	return &Error{Kind: KindExternalLookup, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InvalidState builds a forbidden-transition error.
func InvalidState(op, format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the stable kind of err, or KindInternal for untyped failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may safely resubmit the request.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}
