// Package apperror defines the error taxonomy shared by the approval core.
// Errors are created at the point of violation and travel unchanged (or
// wrapped with %w) up to the HTTP boundary, where Status maps them to a
// response code.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindInvalidState
	KindConflict
	KindAuth
	KindForbidden
	KindRateLimited
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "too_many_requests"
	case KindUpstream:
		return "upstream"
	}
	return "internal"
}

// AuthReason distinguishes authentication failures for client messaging.
type AuthReason string

const (
	AuthMissing          AuthReason = "missing"
	AuthInvalidSignature AuthReason = "invalid_signature"
	AuthExpired          AuthReason = "expired"
	AuthRevoked          AuthReason = "revoked"
)

// Error is the concrete error type for every kind in the taxonomy.
type Error struct {
	Kind       Kind
	Reason     AuthReason    // only for KindAuth
	Message    string        // safe to show to the caller
	RetryAfter time.Duration // only for KindRateLimited
	Transient  bool          // only for KindUpstream; true when a retry may succeed
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on reason when the target carries one, so the
// sentinels below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is.
var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrAuth         = &Error{Kind: KindAuth}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrUpstream     = &Error{Kind: KindUpstream}

	// ErrInvalidCredentials is the single answer to every failed login, so
	// callers cannot tell an unknown email from a wrong password.
	ErrInvalidCredentials = &Error{Kind: KindAuth, Message: "invalid email or password"}

	ErrAuthMissing          = &Error{Kind: KindAuth, Reason: AuthMissing}
	ErrAuthInvalidSignature = &Error{Kind: KindAuth, Reason: AuthInvalidSignature}
	ErrAuthExpired          = &Error{Kind: KindAuth, Reason: AuthExpired}
	ErrAuthRevoked          = &Error{Kind: KindAuth, Reason: AuthRevoked}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// Auth builds an authentication failure. cause is kept for logs only.
func Auth(reason AuthReason, cause error) *Error {
	return &Error{Kind: KindAuth, Reason: reason, Message: "unauthorized", Err: cause}
}

func RateLimited(retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// Upstream wraps a failure of an external collaborator.
func Upstream(transient bool, cause error) *Error {
	return &Error{Kind: KindUpstream, Message: "upstream failure", Transient: transient, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is an upstream failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUpstream && e.Transient
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
