package speech

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"voicetranslator/pkg/interfaces"
)

// Registry maps a client's ttsServiceType onto a Synthesizer
type Registry struct {
	mu       sync.RWMutex
	services map[string]interfaces.Synthesizer
	fallback string
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]interfaces.Synthesizer)}
}

// Register adds a service. The first registered service becomes the fallback
// for connections that did not pick one.
func (r *Registry) Register(name string, s interfaces.Synthesizer) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = s
	if r.fallback == "" {
		r.fallback = name
	}
}

// SetDefault changes the fallback service
func (r *Registry) SetDefault(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return ErrUnknownService
	}
	r.fallback = name
	return nil
}

// Lookup resolves serviceType, falling back to the default for empty or
// unknown names. It reports false when no service is registered at all.
func (r *Registry) Lookup(serviceType string) (interfaces.Synthesizer, string, bool) {
	name := strings.ToLower(strings.TrimSpace(serviceType))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.services[name]; ok {
		return s, name, true
	}
	if s, ok := r.services[r.fallback]; ok {
		return s, r.fallback, true
	}
	return nil, "", false
}

// Names lists registered services
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config selects the server-side speech providers
type Config struct {
	// Provider is "openai" or "none". With none, students only get text and
	// rely on client-side speech.
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
	// MaxAudioBytes caps decoded teacher audio accepted for transcription
	MaxAudioBytes int `json:"maxAudioBytes"`
	// DefaultService serves students whose ttsServiceType is empty or unknown.
	// Empty keeps the first registered service.
	DefaultService string `json:"defaultService"`
}

func DefaultConfig() Config {
	return Config{
		Provider:      "none",
		OpenAI:        OpenAIConfig{Model: "tts-1", Voice: "alloy", Format: "mp3"},
		MaxAudioBytes: 2 << 20,
	}
}

// Build returns the synthesizer registry and transcriber for cfg. The
// transcriber is nil when no provider is configured.
func Build(cfg Config) (*Registry, interfaces.Transcriber, error) {
	reg := NewRegistry()
	var transcriber interfaces.Transcriber
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
	case "openai":
		client, err := newOpenAIClient(cfg.OpenAI)
		if err != nil {
			return nil, nil, err
		}
		reg.Register("openai", newOpenAISynthesizer(client, cfg.OpenAI))
		transcriber = newWhisperTranscriber(client, cfg.OpenAI)
	default:
		return nil, nil, ErrUnknownProvider
	}
	if cfg.DefaultService != "" {
		if err := reg.SetDefault(cfg.DefaultService); err != nil {
			return nil, nil, fmt.Errorf("%w %q, have %v", err, cfg.DefaultService, reg.Names())
		}
	}
	return reg, transcriber, nil
}
