package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine-readable category of an error.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindPolicyConflict      Kind = "policy_conflict"
	KindInvalidOrUsedToken  Kind = "invalid_or_used_token"
	KindCourseMismatch      Kind = "course_mismatch"
	KindTokenExpired        Kind = "token_expired"
	KindDuplicateSubmission Kind = "duplicate_submission"
	KindUniquenessExhausted Kind = "uniqueness_exhausted"
	KindTransient           Kind = "transient_storage"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Error carries a Kind, a message safe to show to clients, and the
// underlying cause (never shown).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, apperr.New(apperr.KindTokenExpired, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
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

// MessageOf returns the client-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}

// HasKind reports whether err is an *Error of kind k.
func HasKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Retryable reports whether the caller may safely retry the same request.
func Retryable(err error) bool {
	return HasKind(err, KindTransient)
}

// HTTPStatus maps a Kind to the status code used by the HTTP layer.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindPolicyConflict, KindInvalidOrUsedToken, KindDuplicateSubmission:
		return http.StatusConflict
	case KindCourseMismatch:
		return http.StatusUnprocessableEntity
	case KindTokenExpired:
		return http.StatusGone
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
