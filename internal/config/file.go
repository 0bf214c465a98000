package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Environment string               `json:"environment"`
	Database    *DatabaseConfigFile  `json:"database"`
	HTTP        *HTTPConfigFile      `json:"http"`
	WebSocket   *WebSocketConfigFile `json:"websocket"`
	// Session uses integer milliseconds, the same shape as SessionConfig
	Session     *SessionConfig         `json:"session"`
	Translation *TranslationConfigFile `json:"translation"`
	Speech      *SpeechConfigFile      `json:"speech"`
	Cache       *CacheConfigFile       `json:"cache"`
}

type DatabaseConfigFile struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	MongoURI      string `json:"mongo_uri"`
	MongoDatabase string `json:"mongo_database"`
	Timeout       string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	PingInterval   string   `json:"ping_interval"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	BufferSize     int      `json:"buffer_size"`
	MaxMessageSize int64    `json:"max_message_size"`
	RateLimit      *int     `json:"rate_limit"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type ProviderConfigFile struct {
	APIKey  string `json:"apiKey"`
	Model   string `json:"model"`
	BaseURL string `json:"baseUrl"`
}

type TranslationConfigFile struct {
	Provider    string              `json:"provider"`
	OpenAI      *ProviderConfigFile `json:"openai"`
	Anthropic   *ProviderConfigFile `json:"anthropic"`
	Gemini      *ProviderConfigFile `json:"gemini"`
	Timeout     string              `json:"timeout"`
	MaxAttempts int                 `json:"maxAttempts"`
}

type SpeechConfigFile struct {
	Provider      string              `json:"provider"`
	OpenAI        *ProviderConfigFile `json:"openai"`
	Voice          string              `json:"voice"`
	MaxAudioBytes  int                 `json:"maxAudioBytes"`
	DefaultService string              `json:"defaultService"`
}

type CacheConfigFile struct {
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	TTL           string `json:"ttl"`
}

// LoadFromFile reads a JSON file over the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// applyFile overlays the non-zero values of the file at path onto c.
// Malformed durations are errors rather than silently ignored.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := f.apply(c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (f *ConfigFile) apply(c *Config) error {
	var errs durationErrors
	setString(&c.Environment, f.Environment)

	if d := f.Database; d != nil {
		setString(&c.Database.Driver, d.Driver)
		setString(&c.Database.Path, d.Path)
		setString(&c.Database.MongoURI, d.MongoURI)
		setString(&c.Database.MongoDatabase, d.MongoDatabase)
		errs.parse("database.timeout", d.Timeout, &c.Database.Timeout)
	}

	if h := f.HTTP; h != nil {
		if h.Port > 0 {
			c.HTTP.Port = h.Port
		}
		setString(&c.HTTP.Host, h.Host)
		errs.parse("http.read_timeout", h.ReadTimeout, &c.HTTP.ReadTimeout)
		errs.parse("http.write_timeout", h.WriteTimeout, &c.HTTP.WriteTimeout)
		errs.parse("http.shutdown_timeout", h.ShutdownTimeout, &c.HTTP.ShutdownTimeout)
	}

	if w := f.WebSocket; w != nil {
		errs.parse("websocket.ping_interval", w.PingInterval, &c.WebSocket.PingInterval)
		errs.parse("websocket.read_timeout", w.ReadTimeout, &c.WebSocket.ReadTimeout)
		errs.parse("websocket.write_timeout", w.WriteTimeout, &c.WebSocket.WriteTimeout)
		if w.BufferSize > 0 {
			c.WebSocket.BufferSize = w.BufferSize
		}
		if w.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = w.MaxMessageSize
		}
		if w.RateLimit != nil {
			c.WebSocket.RateLimit = *w.RateLimit
		}
		if len(w.AllowedOrigins) > 0 {
			c.WebSocket.AllowedOrigins = w.AllowedOrigins
		}
	}

	if s := f.Session; s != nil {
		setMillis(&c.Session.StaleSessionTimeoutMs, s.StaleSessionTimeoutMs)
		setMillis(&c.Session.AllStudentsLeftTimeoutMs, s.AllStudentsLeftTimeoutMs)
		setMillis(&c.Session.EmptyTeacherTimeoutMs, s.EmptyTeacherTimeoutMs)
		setMillis(&c.Session.ReconnectGraceMs, s.ReconnectGraceMs)
		setMillis(&c.Session.CleanupIntervalMs, s.CleanupIntervalMs)
		setMillis(&c.Session.ClassroomCodeTTLMs, s.ClassroomCodeTTLMs)
		setMillis(&c.Session.ShortSessionThresholdMs, s.ShortSessionThresholdMs)
		if s.NonProductionScale != 0 {
			c.Session.NonProductionScale = s.NonProductionScale
		}
	}

	if t := f.Translation; t != nil {
		setString(&c.Translation.Provider, t.Provider)
		if p := t.OpenAI; p != nil {
			setString(&c.Translation.OpenAI.APIKey, p.APIKey)
			setString(&c.Translation.OpenAI.Model, p.Model)
			setString(&c.Translation.OpenAI.BaseURL, p.BaseURL)
		}
		if p := t.Anthropic; p != nil {
			setString(&c.Translation.Anthropic.APIKey, p.APIKey)
			setString(&c.Translation.Anthropic.Model, p.Model)
		}
		if p := t.Gemini; p != nil {
			setString(&c.Translation.Gemini.APIKey, p.APIKey)
			setString(&c.Translation.Gemini.Model, p.Model)
			setString(&c.Translation.Gemini.BaseURL, p.BaseURL)
		}
		errs.parse("translation.timeout", t.Timeout, &c.Translation.Timeout)
		if t.MaxAttempts > 0 {
			c.Translation.Retry.MaxAttempts = t.MaxAttempts
		}
	}

	if s := f.Speech; s != nil {
		setString(&c.Speech.Provider, s.Provider)
		if p := s.OpenAI; p != nil {
			setString(&c.Speech.OpenAI.APIKey, p.APIKey)
			setString(&c.Speech.OpenAI.Model, p.Model)
			setString(&c.Speech.OpenAI.BaseURL, p.BaseURL)
		}
		setString(&c.Speech.OpenAI.Voice, s.Voice)
		setString(&c.Speech.DefaultService, s.DefaultService)
		if s.MaxAudioBytes > 0 {
			c.Speech.MaxAudioBytes = s.MaxAudioBytes
		}
	}

	if k := f.Cache; k != nil {
		setString(&c.Cache.RedisAddr, k.RedisAddr)
		setString(&c.Cache.RedisPassword, k.RedisPassword)
		if k.RedisDB > 0 {
			c.Cache.RedisDB = k.RedisDB
		}
		errs.parse("cache.ttl", k.TTL, &c.Cache.TTL)
	}

	return errs.err()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setMillis(dst *int64, v int64) {
	if v != 0 {
		*dst = v
	}
}

// durationErrors collects every bad duration so one run reports them all
type durationErrors []string

func (e *durationErrors) parse(field, value string, dst *time.Duration) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s: %v", field, err))
		return
	}
	*dst = d
}

func (e durationErrors) err() error {
	if len(e) == 0 {
		return nil
	}
	return fmt.Errorf("invalid durations: %v", []string(e))
}
