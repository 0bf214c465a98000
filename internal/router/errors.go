package router

import "errors"

var (
	ErrNoTranscriber    = errors.New("server-side transcription is not configured")
	ErrEmptyTranscript  = errors.New("transcription produced no text")
	ErrSessionNotActive = errors.New("session is not active")
)
