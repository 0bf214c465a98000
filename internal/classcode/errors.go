package classcode

import "errors"

var (
	ErrCodeNotFound  = errors.New("classroom code not found")
	ErrCodeExpired   = errors.New("classroom code expired")
	ErrCodeRetired   = errors.New("classroom code retired with its session")
	ErrCodeExhausted = errors.New("could not generate a unique classroom code")
	ErrCodeTaken     = errors.New("classroom code bound to another session")
)
