// Package errors defines the error values returned by objectstore clients.
//
// Callers match kinds with the standard library:
//
//	if errors.Is(err, objerr.ErrInvalidArgument) { ... }
//
// Not-found is absent from read paths: clients return a nil
// object or an empty slice instead. ErrNotFound exists for the provider
// layer and for surfaces (such as the HTTP gateway) that need to render it.
package errors

import (
	"errors"
	"fmt"
)

// ObjectError is a classified storage error. Code identifies the kind and
// is what errors.Is compares; Message, Key and Err add context.
type ObjectError struct {
	// Code is the error kind, e.g. "NotFound" or "ProviderFault".
	Code string
	// Message is a human-readable description of the error.
	Message string
	// Key is the object key the failing operation was addressing, if any.
	Key string
	// Err is the underlying cause, typically a provider SDK error.
	Err error
}

// Error implements the error interface.
func (e *ObjectError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Key != "" {
		msg += " (key " + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ObjectError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an ObjectError of the same kind.
func (e *ObjectError) Is(target error) bool {
	t, ok := target.(*ObjectError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithKey returns a copy of the error addressing the given key.
func (e *ObjectError) WithKey(key string) *ObjectError {
	cp := *e
	cp.Key = key
	return &cp
}

// WithMessage returns a copy of the error with the given message.
func (e *ObjectError) WithMessage(format string, args ...any) *ObjectError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithCause returns a copy of the error wrapping cause.
func (e *ObjectError) WithCause(cause error) *ObjectError {
	cp := *e
	cp.Err = cause
	return &cp
}

// Pre-defined error kinds.
var (
	// ErrNotFound is the provider-level condition of a missing key.
	ErrNotFound = &ObjectError{
		Code:    "NotFound",
		Message: "The specified key does not exist",
	}

	// ErrInvalidArgument is returned synchronously, before any provider call,
	// for a missing object name, a zero content length or a missing content type.
	ErrInvalidArgument = &ObjectError{
		Code:    "InvalidArgument",
		Message: "Invalid argument",
	}

	// ErrContentValidation matches any *ContentValidationError.
	ErrContentValidation = &ObjectError{
		Code:    "ContentValidation",
		Message: "Content does not match its checksum",
	}

	// ErrProviderFault wraps any other backend-reported failure.
	ErrProviderFault = &ObjectError{
		Code:    "ProviderFault",
		Message: "Storage provider error",
	}

	// ErrParse matches any *ParseError.
	ErrParse = &ObjectError{
		Code:    "ParseError",
		Message: "Malformed header value",
	}

	// ErrClosed is returned by every operation on a closed client.
	ErrClosed = &ObjectError{
		Code:    "Closed",
		Message: "Storage client is closed",
	}
)

// Provider wraps a provider SDK error as ErrProviderFault. The returned error
// unwraps to err.
func Provider(op, key string, err error) error {
	return ErrProviderFault.WithKey(key).WithMessage("%s failed", op).WithCause(err)
}

// InvalidArgument returns ErrInvalidArgument with the given message.
func InvalidArgument(key, format string, args ...any) error {
	return ErrInvalidArgument.WithKey(key).WithMessage(format, args...)
}

// ContentValidationError reports a checksum mismatch, or a digest that could
// not be computed, during verification. Expected and Actual are rendered in
// hex; either is empty when it was unknown.
type ContentValidationError struct {
	Key       string
	Algorithm string
	Expected  string
	Actual    string
	// Err is set when the digest could not be computed at all.
	Err error
}

// Error implements the error interface.
func (e *ContentValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("content validation failed for %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("content validation failed for %q: %s mismatch, expected %q, got %q",
		e.Key, e.Algorithm, e.Expected, e.Actual)
}

// Unwrap returns the underlying cause, if any.
func (e *ContentValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrContentValidation.
func (e *ContentValidationError) Is(target error) bool {
	return target == ErrContentValidation
}

// ParseError reports a header value that does not have the expected form.
type ParseError struct {
	Header string
	Value  string
	Err    error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot parse %s header %q: %v", e.Header, e.Value, e.Err)
	}
	return fmt.Sprintf("cannot parse %s header %q", e.Header, e.Value)
}

// Unwrap returns the underlying cause, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Code returns the kind of err, or "" when err is not classified.
func Code(err error) string {
	var oe *ObjectError
	if errors.As(err, &oe) {
		return oe.Code
	}
	if errors.Is(err, ErrContentValidation) {
		return ErrContentValidation.Code
	}
	if errors.Is(err, ErrParse) {
		return ErrParse.Code
	}
	return ""
}
