package interfaces

import "context"

// Translator turns text in one language into another
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Synthesizer renders text to audio for a language
type Synthesizer interface {
	Synthesize(ctx context.Context, text, lang string) ([]byte, error)
}

// Transcriber turns teacher audio into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, lang string) (string, error)
}
