// Package llm wraps the chat-completion SDKs behind one structured-output
// call so the translation layer can swap vendors by configuration
package llm

import (
	"context"
	"encoding/json"
)

// Provider produces one completion. When req.Schema is set the returned
// Content is JSON that already passed schema validation.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	ModelID() string
}

// Request is a single-turn prompt
type Request struct {
	System      string
	Prompt      string
	Schema      *Schema
	MaxTokens   int
	Temperature float64
}

// Schema names a JSON Schema definition. Name doubles as the compile cache key.
type Schema struct {
	Name       string
	Definition map[string]any
}

// Response is the provider output with token accounting
type Response struct {
	Content    json.RawMessage
	Model      string
	StopReason string // "end" or "max_tokens"
	Usage      Usage
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func resolveModel(name string, aliases map[string]string) string {
	if id, ok := aliases[name]; ok {
		return id
	}
	return name
}
