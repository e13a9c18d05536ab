package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable wire-level error identifier. Values are part of the
// protocol contract and never change once released.
type Code string

const (
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeRateLimited          Code = "rate_limited"
	CodeConvNotFound         Code = "conv_not_found"
	CodeNotMember            Code = "not_member"
	CodePayloadTooLarge      Code = "payload_too_large"
	CodeInvalidFrame         Code = "invalid_frame"
	CodeInvalidAck           Code = "invalid_ack"
	CodeReplayWindowExceeded Code = "replay_window_exceeded"
	CodeSlowConsumer         Code = "slow_consumer"
	CodeStorageUnavailable   Code = "storage_unavailable"
	CodeConflict             Code = "conflict"
	CodeInternal             Code = "internal"
)

// Error is the canonical error value carried across component boundaries.
// Transports translate it into an error frame or an HTTP status plus body;
// Details land next to code/message at the top level of the wire body.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// With attaches a structured detail field and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 4)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the stable code from any error chain, defaulting to
// internal for errors that never got classified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError normalizes err for the wire. Unclassified errors surface as a
// bare internal so no backend detail leaks to clients.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// ReplayWindowExceeded builds the structured recovery error for a replay
// request below the retained window. Clients resubscribe from earliest.
func ReplayWindowExceeded(requested, earliest, latest uint64) *Error {
	return NewError(CodeReplayWindowExceeded, "requested seq is below the retained window").
		With("requested_from_seq", requested).
		With("earliest_seq", earliest).
		With("latest_seq", latest)
}

// HTTPStatus maps a code onto the HTTP surface.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotMember:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeConvNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInvalidFrame, CodeInvalidAck, CodeReplayWindowExceeded:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
