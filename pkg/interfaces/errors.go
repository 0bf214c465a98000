package interfaces

import "errors"

// Common store errors shared by every SessionStore implementation
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrStoreClosed      = errors.New("session store is closed")
)
