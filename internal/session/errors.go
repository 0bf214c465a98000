package session

import "errors"

// Session lifecycle errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session has ended")
	ErrManagerClosed   = errors.New("session manager is closed")
	ErrInvalidMode     = errors.New("invalid translation mode")
)
