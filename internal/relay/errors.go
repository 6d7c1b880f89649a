package relay

import (
	"errors"

	"github.com/nicklaustrup/dungeonchat-sub003/internal/store"
)

var (
	ErrTooManySessions      = errors.New("too many sessions")
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	ErrForbiddenPath        = errors.New("path not allowed for credential")
	ErrClientClosed         = errors.New("relay client closed")
)

// Error codes carried in error frames.
const (
	CodeUnauthorized         = "unauthorized"
	CodeBadFrame             = "bad_frame"
	CodeInvalidPath          = "invalid_path"
	CodeForbidden            = "forbidden"
	CodeTooManySessions      = "too_many_sessions"
	CodeTooManySubscriptions = "too_many_subscriptions"
	CodeRateLimited          = "rate_limited"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal_error"
)

// RemoteError is an error frame returned by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "relay: " + e.Code
	}
	return "relay: " + e.Code + ": " + e.Message
}

// Is maps well-known codes back to their local sentinels so callers can use
// errors.Is across the connection.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeInvalidPath:
		return target == store.ErrInvalidPath
	case CodeForbidden:
		return target == ErrForbiddenPath
	case CodeTooManySessions:
		return target == ErrTooManySessions
	case CodeTooManySubscriptions:
		return target == ErrTooManySubscriptions
	case CodeUnavailable:
		return target == store.ErrClosed
	}
	return false
}

// errorCode picks the wire code for a server-side failure.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, ErrForbiddenPath):
		return CodeForbidden
	case errors.Is(err, ErrTooManySubscriptions):
		return CodeTooManySubscriptions
	case errors.Is(err, store.ErrClosed):
		return CodeUnavailable
	case errors.Is(err, errBadFrame):
		return CodeBadFrame
	default:
		return CodeInternal
	}
}
