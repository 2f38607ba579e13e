// Package apperr defines the error taxonomy shared by the verification pipeline.
// Every error carries a stable machine-readable Kind that the HTTP layer maps to a
// status code, independent of the human message.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a stable error code.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindInvalidState        Kind = "invalid_state"
	KindTokenExpired        Kind = "token_expired"
	KindTokenRevoked        Kind = "token_revoked"
	KindTokenMismatch       Kind = "token_mismatch"
	KindDeviceLimitExceeded Kind = "device_limit_exceeded"
	KindMissingEvidence     Kind = "missing_evidence"
	KindVerificationTimeout Kind = "verification_timeout"
	KindDuplicateAttendance Kind = "duplicate_attendance"
	KindSessionNotActive    Kind = "session_not_active"
	KindNotEnrolled         Kind = "not_enrolled"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is; any *Error with the same Kind matches.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired}
	ErrTokenRevoked        = &Error{Kind: KindTokenRevoked}
	ErrTokenMismatch       = &Error{Kind: KindTokenMismatch}
	ErrDeviceLimitExceeded = &Error{Kind: KindDeviceLimitExceeded}
	ErrMissingEvidence     = &Error{Kind: KindMissingEvidence}
	ErrVerificationTimeout = &Error{Kind: KindVerificationTimeout}
	ErrDuplicateAttendance = &Error{Kind: KindDuplicateAttendance}
	ErrSessionNotActive    = &Error{Kind: KindSessionNotActive}
	ErrNotEnrolled         = &Error{Kind: KindNotEnrolled}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInternal            = &Error{Kind: KindInternal}
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the caller-facing message for err. Unclassified errors are not
// echoed so storage details do not leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal error"
		}
		if e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	return "internal error"
}

// HTTPStatus maps a kind to the status used by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindMissingEvidence:
		return http.StatusBadRequest
	case KindUnauthorized, KindTokenExpired, KindTokenRevoked, KindTokenMismatch:
		return http.StatusUnauthorized
	case KindForbidden, KindNotEnrolled, KindDeviceLimitExceeded:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindDuplicateAttendance, KindSessionNotActive:
		return http.StatusConflict
	case KindVerificationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
