package types

import (
	"errors"
	"fmt"
)

// ErrorKind is a transport-independent failure classification. The HTTP
// boundary maps kinds to status codes; the ops channel returns them as
// {success:false, error} payloads.
type ErrorKind string

const (
	KindAuth        ErrorKind = "AUTH_ERROR"
	KindNotFound    ErrorKind = "NOT_FOUND"
	KindValidation  ErrorKind = "VALIDATION_ERROR"
	KindLimit       ErrorKind = "LIMIT_EXCEEDED"
	KindUnavailable ErrorKind = "EXTERNAL_UNAVAILABLE"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindInternal    ErrorKind = "INTERNAL"
)

// Error carries a kind plus a human-readable message. Field names ride along
// for validation errors so clients can point at the offending key.
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
	wrapped error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a typed error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around an underlying cause.
func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, wrapped: err}
}

// ValidationError builds a VALIDATION_ERROR naming the violating field.
func ValidationError(field, msg string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: msg}
}

// KindOf extracts the kind from err, defaulting to INTERNAL for
// unclassified failures.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its REST status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return 401
	case KindNotFound:
		return 404
	case KindValidation:
		return 400
	case KindLimit:
		return 409
	case KindUnavailable:
		return 503
	case KindTimeout:
		return 504
	default:
		return 500
	}
}
