// Package errors defines the typed error taxonomy shared by the store, the
// engines and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind categorizes an error so callers can match on it.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotInitialized    Kind = "NOT_INITIALIZED"
	KindNotFound          Kind = "NOT_FOUND"
	KindTimeout           Kind = "TIMEOUT"
	KindStorage           Kind = "STORAGE"
	KindUnsupportedFormat Kind = "UNSUPPORTED_FORMAT"
	KindConfig            Kind = "CONFIG"
)

// Error is the single concrete error type. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap allows errors.Is and errors.As to see the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Validation reports a malformed event, query or import payload.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotInitialized reports an operation attempted before Initialize.
func NotInitialized(op string) error {
	return &Error{Kind: KindNotInitialized, Op: op, Message: "memory graph not initialized"}
}

// NotFound reports an unknown id where absence is not a routine outcome.
func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// Timeout reports a query or maintenance run that exceeded its budget.
func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Message: "operation exceeded its time budget", Err: err}
}

// Storage wraps a persistence failure.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) && e.Kind == KindStorage {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Message: "storage failure", Err: err}
}

// UnsupportedFormat reports an export/import format that is not implemented.
func UnsupportedFormat(op, format string) error {
	return &Error{Kind: KindUnsupportedFormat, Op: op, Message: fmt.Sprintf("unsupported format %q", format)}
}

// Config reports an invalid configuration section.
func Config(section, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: section, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool        { return KindOf(err) == KindValidation }
func IsNotInitialized(err error) bool    { return KindOf(err) == KindNotInitialized }
func IsNotFound(err error) bool          { return KindOf(err) == KindNotFound }
func IsTimeout(err error) bool           { return KindOf(err) == KindTimeout }
func IsStorage(err error) bool           { return KindOf(err) == KindStorage }
func IsUnsupportedFormat(err error) bool { return KindOf(err) == KindUnsupportedFormat }
func IsConfig(err error) bool            { return KindOf(err) == KindConfig }
