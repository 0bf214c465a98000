// Package speech adapts OpenAI text-to-speech and Whisper to the
// Synthesizer and Transcriber capabilities
package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"voicetranslator/pkg/interfaces"
)

// maxAudioBytes bounds a synthesized clip read into memory
const maxAudioBytes = 8 << 20

// OpenAIConfig configures the OpenAI speech endpoints
type OpenAIConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
	// Model is the TTS model, tts-1 by default
	Model string `json:"model"`
	// Voice is applied for every language; OpenAI voices are multilingual
	Voice string `json:"voice"`
	// Format is the audio container, mp3 by default
	Format string `json:"format"`
	// TranscriptionModel defaults to whisper-1
	TranscriptionModel string `json:"transcriptionModel"`
}

func newOpenAIClient(cfg OpenAIConfig) (*openai.Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(config), nil
}

// OpenAISynthesizer renders speech with the audio/speech endpoint
type OpenAISynthesizer struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
	format openai.SpeechResponseFormat
}

var _ interfaces.Synthesizer = (*OpenAISynthesizer)(nil)

func NewOpenAISynthesizer(cfg OpenAIConfig) (*OpenAISynthesizer, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return newOpenAISynthesizer(client, cfg), nil
}

func newOpenAISynthesizer(client *openai.Client, cfg OpenAIConfig) *OpenAISynthesizer {
	s := &OpenAISynthesizer{
		client: client,
		model:  openai.TTSModel1,
		voice:  openai.VoiceAlloy,
		format: openai.SpeechResponseFormatMp3,
	}
	if cfg.Model != "" {
		s.model = openai.SpeechModel(cfg.Model)
	}
	if cfg.Voice != "" {
		s.voice = openai.SpeechVoice(cfg.Voice)
	}
	if cfg.Format != "" {
		s.format = openai.SpeechResponseFormat(cfg.Format)
	}
	return s
}

// Synthesize returns the encoded clip for text. The language is implied by
// the text itself.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: s.format,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech lang=%s: %w", lang, err)
	}
	defer func() { _ = resp.Close() }()

	audio, err := io.ReadAll(io.LimitReader(resp, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading speech audio: %w", err)
	}
	if len(audio) > maxAudioBytes {
		return nil, ErrAudioTooLarge
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio, nil
}

// WhisperTranscriber turns teacher audio into text
type WhisperTranscriber struct {
	client *openai.Client
	model  string
}

var _ interfaces.Transcriber = (*WhisperTranscriber)(nil)

func NewWhisperTranscriber(cfg OpenAIConfig) (*WhisperTranscriber, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	return newWhisperTranscriber(client, cfg), nil
}

func newWhisperTranscriber(client *openai.Client, cfg OpenAIConfig) *WhisperTranscriber {
	model := cfg.TranscriptionModel
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{client: client, model: model}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(audio),
		FilePath: "utterance.webm",
		Language: baseLanguage(lang),
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription lang=%s: %w", lang, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code Whisper expects
func baseLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}
