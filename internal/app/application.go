package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voicetranslator/internal/api"
	"voicetranslator/internal/cache"
	"voicetranslator/internal/classcode"
	"voicetranslator/internal/config"
	"voicetranslator/internal/database"
	"voicetranslator/internal/hub"
	"voicetranslator/internal/llm"
	"voicetranslator/internal/memstore"
	"voicetranslator/internal/mongostore"
	"voicetranslator/internal/router"
	"voicetranslator/internal/session"
	"voicetranslator/internal/speech"
	"voicetranslator/internal/sweeper"
	"voicetranslator/internal/translation"
	"voicetranslator/internal/websocket"
	pkgdatabase "voicetranslator/pkg/database"
	"voicetranslator/pkg/interfaces"
)

// limiterPruneInterval is how often idle rate windows are dropped
const limiterPruneInterval = time.Minute

// Application coordinates all system components
// ARCHITECTURAL DISCOVERY: one struct owns every long-lived component so
// shutdown can run in reverse dependency order
type Application struct {
	config     *config.Config
	store      interfaces.SessionStore
	sessions   *session.Manager
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	handler    *websocket.Handler
	sweeper    *sweeper.Sweeper
	cache      *cache.RedisStore
	apiServer  *api.Server
	httpServer *http.Server

	// ctx bounds connection work and background loops
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Sessions → Registry → Translation → Router → Hub → Handler → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	timeouts := cfg.Timeouts()

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{config: cfg, ctx: ctx, cancel: cancel}
	ok := false
	defer func() {
		if !ok {
			app.release()
		}
	}()

	// STEP 1: durable store
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	app.store = store

	// STEP 2: session authority, recovering sessions a previous process left active
	app.sessions = session.NewManager(store, classcode.NewManager(), session.Options{
		Timeouts: session.Timeouts{
			ReconnectGrace: timeouts.ReconnectGrace,
			CodeTTL:        timeouts.CodeTTL,
			ShortSession:   timeouts.ShortSession,
		},
		PersistTimeout: cfg.Database.Timeout,
	})
	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	err = app.sessions.LoadActiveSessions(loadCtx)
	loadCancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 3: connection registry
	app.registry = websocket.NewRegistry(app.sessions)

	// STEP 4: translation and speech
	translator, err := app.buildTranslator(ctx)
	if err != nil {
		return nil, err
	}
	voices, transcriber, err := speech.Build(cfg.Speech)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speech provider: %w", err)
	}
	if names := voices.Names(); len(names) > 0 {
		log.Printf("Server-side speech services=%v", names)
	}

	// STEP 5: fan-out router and per-session hub
	app.router = router.NewRouter(app.registry, app.sessions, translator, voices, transcriber, router.Config{
		TranslationTimeout: cfg.Translation.Timeout,
	})
	app.hub = hub.NewHub(hub.DefaultConfig())

	// STEP 6: WebSocket handler, told about every session end
	app.handler = websocket.NewHandler(ctx, app.registry, app.sessions, app.router, app.hub, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.ReadTimeout,
		WriteWait:      cfg.WebSocket.WriteTimeout,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.BufferSize,
		MaxAudioBytes:  cfg.Speech.MaxAudioBytes,
		RateLimit:      cfg.WebSocket.RateLimit,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	})
	app.sessions.OnSessionEnded(app.handler.SessionEnded)

	// STEP 7: lifecycle sweeper
	app.sweeper = sweeper.New(app.sessions, sweeper.Timeouts{
		Stale:           timeouts.Stale,
		AllStudentsLeft: timeouts.AllStudentsLeft,
		EmptyTeacher:    timeouts.EmptyTeacher,
		Interval:        timeouts.CleanupInterval,
	}, nil)

	// STEP 8: HTTP surface with the WebSocket endpoint mounted at /ws
	app.apiServer = api.NewServer(app.sessions, store, app.registry, app.handler)
	app.apiServer.AddStats("hub", app.hub)
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	log.Printf("Application configured environment=%s store=%s translation=%s speech=%s scale=%g",
		cfg.Environment, cfg.Database.Driver, cfg.Translation.Provider, cfg.Speech.Provider, cfg.Scale())
	ok = true
	return app, nil
}

// openStore selects the SessionStore named by the config
func openStore(ctx context.Context, cfg *config.DatabaseConfig) (interfaces.SessionStore, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Path
		dbConfig.ConnMaxLifetime = cfg.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Timeout / 3
		m, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		return m, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		s, err := mongostore.Connect(connectCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return s, nil
	case "memory":
		log.Println("Using in-memory session store; history is lost on restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %q", cfg.Driver)
	}
}

// buildTranslator wires provider → translator → optional Redis cache
func (app *Application) buildTranslator(ctx context.Context) (interfaces.Translator, error) {
	cfg := app.config
	provider, err := llm.NewProvider(ctx, cfg.Translation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize translation provider: %w", err)
	}
	if mock, ok := provider.(*llm.MockProvider); ok {
		// FUNCTIONAL DISCOVERY: without a vendor key, students still receive the
		// teacher's text tagged with their language
		mock.Fallback = translation.EchoFallback
	}
	var translator interfaces.Translator = translation.New(provider, cfg.Translation.Timeout)

	if cfg.Cache == nil || cfg.Cache.RedisAddr == "" {
		return translator, nil
	}
	redisStore, err := cache.NewRedisStore(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to translation cache: %w", err)
	}
	app.cache = redisStore
	log.Printf("Translation cache enabled addr=%s ttl=%s", cfg.Cache.RedisAddr, cfg.Cache.TTL)
	return cache.NewTranslator(translator, redisStore, cfg.Cache.TTL), nil
}

// Start begins application execution
// Hub and sweeper start first, then the listener accepts connections
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	if err := ctx.Err(); err != nil {
		_ = ln.Close()
		_ = app.hub.Stop()
		return err
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	app.wg.Add(3)
	go func() {
		defer app.wg.Done()
		app.sweeper.Run(app.ctx)
	}()
	go func() {
		defer app.wg.Done()
		app.pruneRateLimits()
	}()
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Voice translator listening on %s", ln.Addr())
	return nil
}

func (app *Application) pruneRateLimits() {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.handler.PruneRateLimits()
		}
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → connections → Hub → persistence → Store
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down voice translator")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if n := app.registry.CloseAll(); n > 0 {
		log.Printf("Closed %d WebSocket connections", n)
	}
	app.cancel()
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	app.wg.Wait()

	if err := app.sessions.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush session writes: %w", err))
	}
	app.release()

	log.Printf("Voice translator shutdown complete")
	return errors.Join(errs...)
}

// release closes what NewApplication opened. Safe on a partial application.
func (app *Application) release() {
	app.cancel()
	if app.sessions != nil {
		app.sessions.Close()
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			log.Printf("Translation cache close error: %v", err)
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Printf("Database shutdown error: %v", err)
		}
	}
}

// Addr returns the bound listener address once started, else the configured one
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process servers
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Sessions exposes the session authority to operators and tests
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}
