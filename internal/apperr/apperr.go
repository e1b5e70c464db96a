// Package apperr implements the error taxonomy surfaced at every boundary
// between the core and an external caller (the admin HTTP surface,
// integration callbacks, gateway calls). It generalizes the single-code-space
// RPCError pattern used by the MCP bridge into the nine-kind taxonomy this
// domain needs.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the nine error categories the core can surface.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindConflict            Kind = "conflict"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindGatewayError        Kind = "gateway_error"
	KindTimeout             Kind = "timeout"
	KindConfigurationError  Kind = "configuration_error"
)

// statusByKind maps each Kind to the HTTP status the admin surface answers
// with. Kept private; callers use Status().
var statusByKind = map[Kind]int{
	KindValidation:         400,
	KindConflict:           409,
	KindUnauthorized:       401,
	KindForbidden:          403,
	KindNotFound:           404,
	KindServiceUnavailable: 503,
	KindGatewayError:       502,
	KindTimeout:            504,
	KindConfigurationError: 503,
}

// Error is the structured error type carried across the core boundary.
type Error struct {
	Kind      Kind
	Message   string
	Details   map[string]any
	Gateway   string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Gateway != "" && e.Operation != "" {
		return fmt.Sprintf("%s: %s (gateway=%s op=%s)", e.Kind, e.Message, e.Gateway, e.Operation)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status this error should be surfaced as.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return 500
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(details map[string]any, format string, args ...any) *Error {
	e := newf(KindValidation, format, args...)
	e.Details = details
	return e
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func ServiceUnavailable(gateway, format string, args ...any) *Error {
	e := newf(KindServiceUnavailable, format, args...)
	e.Gateway = gateway
	return e
}

func GatewayError(gateway, operation string, err error) *Error {
	return &Error{
		Kind:      KindGatewayError,
		Message:   err.Error(),
		Gateway:   gateway,
		Operation: operation,
		Err:       err,
	}
}

func Timeout(gateway, operation string) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   "operation_timeout",
		Gateway:   gateway,
		Operation: operation,
	}
}

func ConfigurationError(format string, args ...any) *Error {
	return newf(KindConfigurationError, format, args...)
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	if ok {
		return e, true
	}
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
