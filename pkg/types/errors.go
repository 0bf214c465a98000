package types

import "errors"

// Protocol errors surfaced to clients as "error" messages. None of them is
// fatal to the process or closes the connection.
var (
	ErrInvalidClassroomCode = errors.New("invalid classroom code")
	ErrSessionExpired       = errors.New("session expired or ended")
	ErrValidation           = errors.New("validation failed")
	ErrNotRegistered        = errors.New("connection is not registered")
	ErrRoleNotAllowed       = errors.New("message not allowed for this role")
	ErrManualModeDisabled   = errors.New("manual send requires manual translation mode")
	ErrRateLimited          = errors.New("too many messages")
)

// Client-facing error codes
const (
	CodeInvalidClassroomCode = "invalid_classroom_code"
	CodeSessionExpired       = "session_expired"
	CodeValidation           = "validation_error"
	CodeNotRegistered        = "not_registered"
	CodeForbidden            = "forbidden"
	CodeManualModeDisabled   = "manual_mode_disabled"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal_error"
)

// ErrorCode maps an error chain onto a stable client-facing code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidClassroomCode):
		return CodeInvalidClassroomCode
	case errors.Is(err, ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotRegistered):
		return CodeNotRegistered
	case errors.Is(err, ErrRoleNotAllowed):
		return CodeForbidden
	case errors.Is(err, ErrManualModeDisabled):
		return CodeManualModeDisabled
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
