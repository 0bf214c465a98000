package speech

import "errors"

var (
	ErrEmptyAudio      = errors.New("speech provider returned no audio")
	ErrUnknownService  = errors.New("unknown TTS service")
	ErrAudioTooLarge   = errors.New("audio payload exceeds limit")
	ErrMissingAPIKey   = errors.New("openai API key is required for speech")
	ErrUnknownProvider = errors.New("unknown speech provider")
)
