// Package derr defines the coded errors shared across the dispatch engine.
// Handlers map codes onto HTTP statuses; the Detail map carries enough
// context (current vs requested state and so on) for callers to
// self-correct without a round trip to support.
package derr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidArgument     Code = "invalid_argument"
	CodeInvalidCoordinates  Code = "invalid_coordinates"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeInvalidPing         Code = "invalid_ping"
	CodePingThrottled       Code = "ping_throttled"
	CodeNotFound            Code = "not_found"
	CodeAssignmentExists    Code = "assignment_exists"
	CodeCourierNotAvailable Code = "courier_not_available"
	CodeCourierOverloaded   Code = "courier_overloaded"
	CodeNoCouriersAvailable Code = "no_couriers_available"
	CodeRouteExpired        Code = "route_expired"
	CodeUnauthorized        Code = "unauthorized"
	CodeProviderDown        Code = "provider_down"
	CodeInternal            Code = "internal"
)

type Error struct {
	Code   Code           `json:"code"`
	Msg    string         `json:"message"`
	Detail map[string]any `json:"detail,omitempty"`
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match any *Error by code using a bare New(code, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, typically a store failure.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, cause: cause}
}

// With returns a copy carrying extra detail for the caller.
func (e *Error) With(key string, value any) *Error {
	d := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		d[k] = v
	}
	d[key] = value
	return &Error{Code: e.Code, Msg: e.Msg, Detail: d, cause: e.cause}
}

// CodeOf extracts the error code, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
