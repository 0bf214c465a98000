package llm

import (
	"context"
	"log"
	"time"
)

type loggingProvider struct {
	inner Provider
	name  string
}

// WithLogging logs latency and token usage of every completion
func WithLogging(p Provider, name string) Provider {
	return &loggingProvider{inner: p, name: name}
}

func (l *loggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		log.Printf("LLM %s model=%s failed after %dms: %v", l.name, l.inner.ModelID(), elapsed, err)
		return nil, err
	}
	log.Printf("LLM %s model=%s latency=%dms tokens_in=%d tokens_out=%d",
		l.name, resp.Model, elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (l *loggingProvider) ModelID() string { return l.inner.ModelID() }
