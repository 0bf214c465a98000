// Package hub serializes per-session work. Jobs for one session run one at a
// time in submission order; different sessions run in parallel.
package hub

import (
	"context"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Job is one unit of session work, typically a fan-out of one utterance
type Job func(ctx context.Context)

// Config sizes the per-session queues
type Config struct {
	// QueueSize bounds pending jobs per session
	QueueSize int
	// IdleTimeout retires a session worker with nothing to do
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{QueueSize: 64, IdleTimeout: 30 * time.Second}
}

type worker struct {
	jobs chan Job
}

// Hub owns one worker goroutine per session with pending work
// ARCHITECTURAL DISCOVERY: a worker is created on first Submit and retires
// after IdleTimeout so idle classrooms hold no goroutine
type Hub struct {
	cfg Config

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*worker
	wg      sync.WaitGroup
}

func NewHub(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Hub{cfg: cfg, workers: make(map[string]*worker)}
}

// Start enables Submit. Jobs receive a context derived from ctx.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.running = true
	log.Println("Starting session hub...")
	return nil
}

// Stop rejects new jobs, lets queued jobs finish and waits for the workers
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	for id, w := range h.workers {
		close(w.jobs)
		delete(h.workers, id)
	}
	h.mu.Unlock()

	log.Println("Stopping session hub...")
	h.wg.Wait()
	h.cancel()
	return nil
}

// Submit queues job behind any earlier job of the same session. It never
// blocks: a full queue returns ErrQueueFull.
func (h *Hub) Submit(sessionID string, job Job) error {
	if sessionID == "" {
		return ErrMissingSession
	}
	// Sends happen under h.mu so a worker deciding to retire cannot miss one
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}

	w, ok := h.workers[sessionID]
	if !ok {
		w = &worker{jobs: make(chan Job, h.cfg.QueueSize)}
		h.workers[sessionID] = w
		h.wg.Add(1)
		go h.run(sessionID, w)
	}
	select {
	case w.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Hub) run(sessionID string, w *worker) {
	defer h.wg.Done()
	idle := time.NewTimer(h.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-w.jobs:
			if !ok {
				return
			}
			h.execute(sessionID, job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.cfg.IdleTimeout)
		case <-idle.C:
			if h.retire(sessionID, w) {
				return
			}
			idle.Reset(h.cfg.IdleTimeout)
		}
	}
}

// retire removes an idle worker unless a job slipped in meanwhile
func (h *Hub) retire(sessionID string, w *worker) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(w.jobs) > 0 {
		return false
	}
	if h.workers[sessionID] == w {
		delete(h.workers, sessionID)
	}
	return true
}

// execute runs one job; a panic is logged and the worker carries on
func (h *Hub) execute(sessionID string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Session job panicked session=%s: %v\n%s", sessionID, r, debug.Stack())
		}
	}()
	job(h.ctx)
}

// Stats reports how many session workers are alive
func (h *Hub) Stats() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending := 0
	for _, w := range h.workers {
		pending += len(w.jobs)
	}
	return map[string]int{
		"session_workers": len(h.workers),
		"pending_jobs":    pending,
	}
}
