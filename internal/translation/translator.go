// Package translation turns teacher utterances into other languages with a
// completion provider
package translation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicetranslator/internal/llm"
	"voicetranslator/pkg/interfaces"
)

// ErrEmptyTranslation is returned when the provider answered with no text
var ErrEmptyTranslation = errors.New("provider returned an empty translation")

// Schema is the structured output every provider must return
var Schema = &llm.Schema{
	Name: "classroom-translation",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"translation": map[string]any{
				"type":        "string",
				"description": "The utterance rendered in the target language",
			},
		},
		"required":             []string{"translation"},
		"additionalProperties": false,
	},
}

const systemPrompt = `You translate a teacher's spoken classroom utterances for students.
Translate faithfully and keep the register natural for a classroom.
Do not add explanations. Respond only with the JSON object.`

type output struct {
	Translation string `json:"translation"`
}

// Translator implements interfaces.Translator on an llm.Provider
type Translator struct {
	provider  llm.Provider
	timeout   time.Duration
	maxTokens int
}

var _ interfaces.Translator = (*Translator)(nil)

// New wraps provider. timeout bounds each Translate call when positive.
func New(provider llm.Provider, timeout time.Duration) *Translator {
	return &Translator{provider: provider, timeout: timeout, maxTokens: 1024}
}

// Translate returns text unchanged when source and target name the same language
func (t *Translator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if SameLanguage(sourceLang, targetLang) {
		return text, nil
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	resp, err := t.provider.Generate(ctx, llm.Request{
		System:    systemPrompt,
		Prompt:    Prompt(text, sourceLang, targetLang),
		Schema:    Schema,
		MaxTokens: t.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("translate %s->%s: %w", sourceLang, targetLang, err)
	}

	var out output
	if err := json.Unmarshal(resp.Content, &out); err != nil {
		return "", fmt.Errorf("decode translation: %w", err)
	}
	if strings.TrimSpace(out.Translation) == "" {
		return "", ErrEmptyTranslation
	}
	return out.Translation, nil
}

// Prompt renders the user message for one utterance
func Prompt(text, sourceLang, targetLang string) string {
	source := sourceLang
	if source == "" {
		source = "the detected language"
	}
	return fmt.Sprintf("Source language: %s\nTarget language: %s\nUtterance:\n%s", source, targetLang, text)
}

// SameLanguage compares BCP-47 tags case-insensitively. "es" and "es-ES" differ:
// a regional student asked for the regional variant.
func SameLanguage(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// EchoFallback answers with the original utterance tagged by target language.
// It backs the mock provider so the coordinator runs without vendor keys.
func EchoFallback(req llm.Request) (json.RawMessage, error) {
	target := ""
	text := req.Prompt
	for _, line := range strings.SplitN(req.Prompt, "\n", 4) {
		if v, ok := strings.CutPrefix(line, "Target language: "); ok {
			target = v
		}
	}
	if _, after, ok := strings.Cut(req.Prompt, "Utterance:\n"); ok {
		text = after
	}
	return json.Marshal(output{Translation: fmt.Sprintf("[%s] %s", target, text)})
}
