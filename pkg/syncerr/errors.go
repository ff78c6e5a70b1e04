// Package syncerr classifies failures raised while synchronizing an entity type.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type ErrorType string

const (
	TypeFetch             ErrorType = "FetchError"
	TypeParse             ErrorType = "ParseError"
	TypeMerge             ErrorType = "MergeError"
	TypeDependencyMissing ErrorType = "DependencyMissingError"
	TypeConfiguration     ErrorType = "ConfigurationError"
	TypeCancelled         ErrorType = "Cancelled"
	TypeUnknown           ErrorType = "UnknownError"
)

// StatusCode is the HTTP status an API caller sees for a failure of this type.
func (t ErrorType) StatusCode() int {
	switch t {
	case TypeConfiguration:
		return http.StatusBadRequest
	case TypeFetch:
		return http.StatusBadGateway
	case TypeDependencyMissing:
		return http.StatusConflict
	case TypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified synchronization failure.
type Error struct {
	Type       ErrorType
	EntityType string
	Scope      string
	// Code is a short machine readable reason, e.g. "http_503" or "duplicate_current".
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.EntityType == "" {
		return fmt.Sprintf("%s: %s", e.Type, msg)
	}
	if e.Scope == "" {
		return fmt.Sprintf("%s [%s]: %s", e.Type, e.EntityType, msg)
	}
	return fmt.Sprintf("%s [%s %s]: %s", e.Type, e.EntityType, e.Scope, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Type, so errors.Is(err, syncerr.ErrFetch) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.EntityType == "" && t.Message == "" && t.Err == nil
}

var (
	ErrFetch             = &Error{Type: TypeFetch}
	ErrParse             = &Error{Type: TypeParse}
	ErrMerge             = &Error{Type: TypeMerge}
	ErrDependencyMissing = &Error{Type: TypeDependencyMissing}
	ErrConfiguration     = &Error{Type: TypeConfiguration}
	ErrCancelled         = &Error{Type: TypeCancelled}
)

func newError(t ErrorType, entityType, code string, err error, format string, args ...any) *Error {
	return &Error{
		Type:       t,
		EntityType: entityType,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Err:        err,
	}
}

func Fetch(entityType, code string, err error, format string, args ...any) *Error {
	return newError(TypeFetch, entityType, code, err, format, args...)
}

func Parse(entityType, code string, err error, format string, args ...any) *Error {
	return newError(TypeParse, entityType, code, err, format, args...)
}

func Merge(entityType, code string, err error, format string, args ...any) *Error {
	return newError(TypeMerge, entityType, code, err, format, args...)
}

func DependencyMissing(entityType, code string, err error, format string, args ...any) *Error {
	return newError(TypeDependencyMissing, entityType, code, err, format, args...)
}

func Configuration(code string, err error, format string, args ...any) *Error {
	return newError(TypeConfiguration, "", code, err, format, args...)
}

// StatusCode maps e onto an HTTP status. A cancelled cause answers 503 whatever the type.
func (e *Error) StatusCode() int {
	return Classify(e).StatusCode()
}

// ToHTTPError converts e into the API error shape, keeping its type and code as meta.
func (e *Error) ToHTTPError() *httperror.HTTPError {
	return httperror.NewHTTPError(e.StatusCode(), e.Error()).
		AddMetaValue("error_type", Classify(e)).
		AddMetaValue("error_code", e.Code)
}

// StatusCode returns the HTTP status of err: its classified status when err is cancelled or
// carries an *Error, the httperror status otherwise.
func StatusCode(err error) int {
	var se *Error
	var he *httperror.HTTPError
	switch {
	case Classify(err) == TypeCancelled:
		return TypeCancelled.StatusCode()
	case errors.As(err, &se):
		return se.StatusCode()
	case errors.As(err, &he):
		return he.Code
	default:
		return http.StatusInternalServerError
	}
}

// WithScope returns a copy of err annotated with the scope it failed in.
func (e *Error) WithScope(scope string) *Error {
	cp := *e
	cp.Scope = scope
	return &cp
}

// Classify returns the taxonomy type of err. Context cancellation wins over the wrapped type.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TypeCancelled
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Type
	}
	return TypeUnknown
}

// Code returns the code of the first classified error in err's chain.
func Code(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
