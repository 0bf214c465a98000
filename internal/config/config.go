package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"voicetranslator/internal/llm"
	"voicetranslator/internal/speech"
)

const envPrefix = "VOICETRANSLATOR_"

// Environments
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// testScale shrinks every session timeout in the test environment unless a
// scale is configured explicitly
const testScale = 0.001

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Environment string           `json:"environment"`
	Database    *DatabaseConfig  `json:"database"`
	HTTP        *HTTPConfig      `json:"http"`
	WebSocket   *WebSocketConfig `json:"websocket"`
	Session     *SessionConfig   `json:"session"`
	Translation llm.Config       `json:"translation"`
	Speech      speech.Config    `json:"speech"`
	Cache       *CacheConfig     `json:"cache"`
}

// DatabaseConfig selects the durable store
type DatabaseConfig struct {
	// Driver is one of "sqlite", "mongo", "memory"
	Driver        string        `json:"driver"`
	Path          string        `json:"path"`
	MongoURI      string        `json:"mongo_uri"`
	MongoDatabase string        `json:"mongo_database"`
	Timeout       time.Duration `json:"timeout"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Host            string        `json:"host"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
	// RateLimit is inbound frames per connection per minute
	RateLimit      int      `json:"rate_limit"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// SessionConfig holds the lifecycle policy timeouts in integer milliseconds
type SessionConfig struct {
	StaleSessionTimeoutMs    int64 `json:"staleSessionTimeoutMs"`
	AllStudentsLeftTimeoutMs int64 `json:"allStudentsLeftTimeoutMs"`
	EmptyTeacherTimeoutMs    int64 `json:"emptyTeacherTimeoutMs"`
	ReconnectGraceMs         int64 `json:"reconnectGraceMs"`
	CleanupIntervalMs        int64 `json:"cleanupIntervalMs"`
	ClassroomCodeTTLMs       int64 `json:"classroomCodeTtlMs"`
	ShortSessionThresholdMs  int64 `json:"shortSessionThresholdMs"`
	// NonProductionScale multiplies every timeout outside production. Zero
	// means 1 in development and 0.001 in test.
	NonProductionScale float64 `json:"nonProductionScale"`
}

// CacheConfig enables the Redis translation cache when RedisAddr is set
type CacheConfig struct {
	RedisAddr     string        `json:"redis_addr"`
	RedisPassword string        `json:"redis_password"`
	RedisDB       int           `json:"redis_db"`
	TTL           time.Duration `json:"ttl"`
}

// SessionTimeouts are the effective durations after scaling
type SessionTimeouts struct {
	Stale           time.Duration
	AllStudentsLeft time.Duration
	EmptyTeacher    time.Duration
	ReconnectGrace  time.Duration
	CleanupInterval time.Duration
	CodeTTL         time.Duration
	ShortSession    time.Duration
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
// A lesson rarely idles 90 minutes; a teacher who loses wifi gets 5 minutes to come back
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Database: &DatabaseConfig{
			Driver:        "sqlite",
			Path:          "./data/voicetranslator.db",
			MongoDatabase: "voicetranslator",
			Timeout:       30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Host:            "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 4 << 20,
			RateLimit:      600,
		},
		Session: &SessionConfig{
			StaleSessionTimeoutMs:    (90 * time.Minute).Milliseconds(),
			AllStudentsLeftTimeoutMs: (10 * time.Minute).Milliseconds(),
			EmptyTeacherTimeoutMs:    (5 * time.Minute).Milliseconds(),
			ReconnectGraceMs:         (5 * time.Minute).Milliseconds(),
			CleanupIntervalMs:        (2 * time.Minute).Milliseconds(),
			ClassroomCodeTTLMs:       (2 * time.Hour).Milliseconds(),
			ShortSessionThresholdMs:  (5 * time.Minute).Milliseconds(),
		},
		Translation: llm.DefaultConfig(),
		Speech:      speech.DefaultConfig(),
		Cache: &CacheConfig{
			TTL: 24 * time.Hour,
		},
	}
}

// Scale is the factor applied to session timeouts
func (c *Config) Scale() float64 {
	if c.Environment == EnvProduction {
		return 1
	}
	if c.Session != nil && c.Session.NonProductionScale > 0 {
		return c.Session.NonProductionScale
	}
	if c.Environment == EnvTest {
		return testScale
	}
	return 1
}

// Timeouts returns the session timeouts with the environment's scale applied
func (c *Config) Timeouts() SessionTimeouts {
	s := c.Session
	if s == nil {
		s = DefaultConfig().Session
	}
	scale := c.Scale()
	return SessionTimeouts{
		Stale:           scaled(s.StaleSessionTimeoutMs, scale),
		AllStudentsLeft: scaled(s.AllStudentsLeftTimeoutMs, scale),
		EmptyTeacher:    scaled(s.EmptyTeacherTimeoutMs, scale),
		ReconnectGrace:  scaled(s.ReconnectGraceMs, scale),
		CleanupInterval: scaled(s.CleanupIntervalMs, scale),
		CodeTTL:         scaled(s.ClassroomCodeTTLMs, scale),
		ShortSession:    scaled(s.ShortSessionThresholdMs, scale),
	}
}

// scaled never rounds a positive timeout down to zero
func scaled(ms int64, scale float64) time.Duration {
	v := int64(math.Round(float64(ms) * scale))
	if v < 1 {
		v = 1
	}
	return time.Duration(v) * time.Millisecond
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.RateLimit < 0 {
		return fmt.Errorf("WebSocket rate limit cannot be negative")
	}

	if err := c.validateSession(); err != nil {
		return err
	}

	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation: %w", err)
	}
	switch c.Speech.Provider {
	case "none", "":
	case "openai":
		if c.Speech.OpenAI.APIKey == "" {
			return fmt.Errorf("speech: openai API key is required for the openai provider")
		}
	default:
		return fmt.Errorf("speech: unknown provider %q", c.Speech.Provider)
	}

	if c.Cache != nil && c.Cache.RedisAddr != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive when redis is configured")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "mongo":
		if c.Database.MongoURI == "" || c.Database.MongoDatabase == "" {
			return fmt.Errorf("mongo driver needs a URI and a database name")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	return nil
}

// validateSession checks the ordering stale > all-students-left > empty-teacher
// on the configured values and again after scaling
func (c *Config) validateSession() error {
	s := c.Session
	if s == nil {
		return fmt.Errorf("session configuration is required")
	}
	fields := map[string]int64{
		"staleSessionTimeoutMs":    s.StaleSessionTimeoutMs,
		"allStudentsLeftTimeoutMs": s.AllStudentsLeftTimeoutMs,
		"emptyTeacherTimeoutMs":    s.EmptyTeacherTimeoutMs,
		"reconnectGraceMs":         s.ReconnectGraceMs,
		"cleanupIntervalMs":        s.CleanupIntervalMs,
		"classroomCodeTtlMs":       s.ClassroomCodeTTLMs,
		"shortSessionThresholdMs":  s.ShortSessionThresholdMs,
	}
	for name, v := range fields {
		if v <= 0 {
			return fmt.Errorf("session %s must be positive", name)
		}
	}
	if s.NonProductionScale < 0 || s.NonProductionScale > 1 {
		return fmt.Errorf("session nonProductionScale must be within (0, 1]")
	}
	if !(s.StaleSessionTimeoutMs > s.AllStudentsLeftTimeoutMs && s.AllStudentsLeftTimeoutMs > s.EmptyTeacherTimeoutMs) {
		return fmt.Errorf("session timeouts must satisfy stale > allStudentsLeft > emptyTeacher")
	}
	t := c.Timeouts()
	if !(t.Stale > t.AllStudentsLeft && t.AllStudentsLeft > t.EmptyTeacher) {
		return fmt.Errorf("scale %g collapses the session timeout ordering", c.Scale())
	}
	return nil
}

// Load builds the configuration: defaults, then .env, then the environment,
// then the JSON file at path or VOICETRANSLATOR_CONFIG_FILE
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := LoadFromEnv()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	e := envReader{prefix: envPrefix}

	e.str("ENV", &cfg.Environment)

	e.str("DATABASE_DRIVER", &cfg.Database.Driver)
	e.str("DATABASE_PATH", &cfg.Database.Path)
	e.str("MONGO_URI", &cfg.Database.MongoURI)
	e.str("MONGO_DATABASE", &cfg.Database.MongoDatabase)
	e.duration("DATABASE_TIMEOUT", &cfg.Database.Timeout)

	e.integer("HTTP_PORT", &cfg.HTTP.Port)
	e.str("HTTP_HOST", &cfg.HTTP.Host)
	e.duration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	e.duration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	e.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	e.duration("WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	e.duration("WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	e.duration("WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	e.integer("WEBSOCKET_BUFFER_SIZE", &cfg.WebSocket.BufferSize)
	e.integer("WEBSOCKET_RATE_LIMIT", &cfg.WebSocket.RateLimit)
	e.list("WEBSOCKET_ALLOWED_ORIGINS", &cfg.WebSocket.AllowedOrigins)

	e.millis("STALE_SESSION_TIMEOUT_MS", &cfg.Session.StaleSessionTimeoutMs)
	e.millis("ALL_STUDENTS_LEFT_TIMEOUT_MS", &cfg.Session.AllStudentsLeftTimeoutMs)
	e.millis("EMPTY_TEACHER_TIMEOUT_MS", &cfg.Session.EmptyTeacherTimeoutMs)
	e.millis("RECONNECT_GRACE_MS", &cfg.Session.ReconnectGraceMs)
	e.millis("CLEANUP_INTERVAL_MS", &cfg.Session.CleanupIntervalMs)
	e.millis("CLASSROOM_CODE_TTL_MS", &cfg.Session.ClassroomCodeTTLMs)
	e.millis("SHORT_SESSION_THRESHOLD_MS", &cfg.Session.ShortSessionThresholdMs)
	e.float("NON_PRODUCTION_SCALE", &cfg.Session.NonProductionScale)

	// provider keys keep their vendor names so existing shells work unchanged
	vendor := envReader{}
	vendor.str("OPENAI_API_KEY", &cfg.Translation.OpenAI.APIKey)
	vendor.str("OPENAI_API_KEY", &cfg.Speech.OpenAI.APIKey)
	vendor.str("ANTHROPIC_API_KEY", &cfg.Translation.Anthropic.APIKey)
	vendor.str("GEMINI_API_KEY", &cfg.Translation.Gemini.APIKey)

	e.str("TRANSLATION_PROVIDER", &cfg.Translation.Provider)
	e.str("OPENAI_MODEL", &cfg.Translation.OpenAI.Model)
	e.str("ANTHROPIC_MODEL", &cfg.Translation.Anthropic.Model)
	e.str("GEMINI_MODEL", &cfg.Translation.Gemini.Model)
	e.duration("TRANSLATION_TIMEOUT", &cfg.Translation.Timeout)
	e.integer("TRANSLATION_MAX_ATTEMPTS", &cfg.Translation.Retry.MaxAttempts)

	e.str("SPEECH_PROVIDER", &cfg.Speech.Provider)
	e.str("TTS_MODEL", &cfg.Speech.OpenAI.Model)
	e.str("TTS_VOICE", &cfg.Speech.OpenAI.Voice)
	e.str("TTS_DEFAULT_SERVICE", &cfg.Speech.DefaultService)
	e.integer("MAX_AUDIO_BYTES", &cfg.Speech.MaxAudioBytes)

	e.str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.integer("REDIS_DB", &cfg.Cache.RedisDB)
	e.duration("CACHE_TTL", &cfg.Cache.TTL)

	return cfg
}

// envReader overrides a field when its variable is set. Unparseable values
// keep the previous setting and are logged.
type envReader struct {
	prefix string
}

func (e envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(e.prefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e envReader) invalid(name, value string, err error) {
	log.Printf("Ignoring invalid %s%s=%q: %v", e.prefix, name, value, err)
}

func (e envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e envReader) integer(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(name, v, err)
		return
	}
	*dst = n
}

func (e envReader) millis(name string, dst *int64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.invalid(name, v, err)
		return
	}
	*dst = n
}

func (e envReader) float(name string, dst *float64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(name, v, err)
		return
	}
	*dst = f
}

func (e envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.invalid(name, v, err)
		return
	}
	*dst = d
}
