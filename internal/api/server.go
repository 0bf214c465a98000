package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"voicetranslator/internal/session"
	"voicetranslator/internal/websocket"
	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Sessions is the live session authority
type Sessions interface {
	ActiveSessions() []types.Session
	Snapshot(sessionID string) (types.Session, bool)
	EndSession(ctx context.Context, sessionID string, reason types.EndReason) (types.Session, error)
	ResolveCode(code string) (string, error)
	Stats() map[string]int
}

// Store is the history side of the durable store
type Store interface {
	GetSessionByID(ctx context.Context, sessionID string) (*types.Session, error)
	GetSessionQualityStats(ctx context.Context) (*types.QualityStats, error)
	HealthCheck(ctx context.Context) error
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	LanguageBreakdown(sessionID string) websocket.Breakdown
	GetStats() map[string]int
}

// StatsSource contributes counters to /health
type StatsSource interface {
	Stats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	sessions Sessions
	store    Store
	registry Registry
	extra    map[string]StatsSource
	router   *mux.Router
	started  time.Time
}

// NewServer wires the status routes. ws, when non-nil, is mounted at /ws.
func NewServer(sessions Sessions, store Store, registry Registry, ws http.Handler) *Server {
	s := &Server{
		sessions: sessions,
		store:    store,
		registry: registry,
		extra:    make(map[string]StatsSource),
		router:   mux.NewRouter(),
		started:  time.Now(),
	}
	s.setupRoutes(ws)
	return s
}

// AddStats exposes src's counters under name in /health
func (s *Server) AddStats(name string, src StatsSource) {
	s.extra[name] = src
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS and JSON middleware applied to all API routes for web client compatibility
func (s *Server) setupRoutes(ws http.Handler) {
	if ws != nil {
		// the upgrade must not pass through the JSON middleware
		s.router.Handle("/ws", ws).Methods(http.MethodGet)
	}

	api := s.router.NewRoute().Subrouter()
	api.Use(corsMiddleware, jsonMiddleware)

	api.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/api/sessions", s.listSessions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/api/sessions/{id}", s.getSession).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/api/sessions/{id}", s.endSession).Methods(http.MethodDelete)
	api.HandleFunc("/api/sessions/{id}/status", s.sessionStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/api/classrooms/{code}", s.checkClassroom).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/api/metrics/quality", s.qualityStats).Methods(http.MethodGet, http.MethodOptions)
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionResponse struct {
	Session types.Session `json:"session"`
	Live    bool          `json:"live"`
}

type ListSessionsResponse struct {
	Sessions []types.Session `json:"sessions"`
}

type StatusResponse struct {
	SessionID     string                    `json:"sessionId"`
	State         types.SessionState        `json:"state"`
	Mode          types.TranslationMode     `json:"mode"`
	StudentsCount int                       `json:"studentsCount"`
	Teacher       bool                      `json:"teacherConnected"`
	Languages     []websocket.LanguageShare `json:"languages"`
	Unassigned    int                       `json:"unassigned"`
}

type ClassroomResponse struct {
	Valid     bool   `json:"valid"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string                    `json:"status"`
	Timestamp   time.Time                 `json:"timestamp"`
	Database    string                    `json:"database"`
	Connections map[string]int            `json:"connections"`
	Sessions    map[string]int            `json:"sessions"`
	Components  map[string]map[string]int `json:"components,omitempty"`
	System      map[string]any            `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /api/sessions - List active sessions, oldest first
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: s.sessions.ActiveSessions()})
}

// GET /api/sessions/{id} answers from memory for live sessions and from the
// store for ended ones
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if snap, ok := s.sessions.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, SessionResponse{Session: snap, Live: snap.IsActive()})
		return
	}

	stored, err := s.store.GetSessionByID(r.Context(), id)
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case err != nil:
		log.Printf("Failed to load session=%s: %v", id, err)
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, SessionResponse{Session: *stored})
	}
}

// GET /api/sessions/{id}/status - live head count and language mix
func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.sessions.Snapshot(id)
	if !ok || !snap.IsActive() {
		s.sendError(w, "Session not active", http.StatusNotFound)
		return
	}
	b := s.registry.LanguageBreakdown(id)
	writeJSON(w, http.StatusOK, StatusResponse{
		SessionID:     id,
		State:         snap.State,
		Mode:          snap.Mode,
		StudentsCount: snap.StudentsCount,
		Teacher:       snap.TeacherConnected,
		Languages:     b.Languages,
		Unassigned:    b.Unassigned,
	})
}

// FUNCTIONAL DISCOVERY: DELETE /api/sessions/{id} - administrative end. Connected
// clients are notified by the session end hook, not here.
func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ended, err := s.sessions.EndSession(r.Context(), id, types.EndReasonAdmin)
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		s.sendError(w, "Session already ended", http.StatusConflict)
		return
	case errors.Is(err, session.ErrSessionNotFound):
		// ended sessions leave memory once persisted
		if _, serr := s.store.GetSessionByID(r.Context(), id); serr == nil {
			s.sendError(w, "Session already ended", http.StatusConflict)
		} else {
			s.sendError(w, "Session not found", http.StatusNotFound)
		}
		return
	case err != nil:
		log.Printf("Failed to end session=%s: %v", id, err)
		s.sendError(w, "Failed to end session", http.StatusInternalServerError)
		return
	}
	log.Printf("Session ended by administrator session=%s quality=%s", id, ended.Quality)
	writeJSON(w, http.StatusOK, SessionResponse{Session: ended})
}

// GET /api/classrooms/{code} lets a join page check a code before connecting
func (s *Server) checkClassroom(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	id, err := s.sessions.ResolveCode(code)
	switch {
	case errors.Is(err, types.ErrInvalidClassroomCode):
		writeJSON(w, http.StatusNotFound, ClassroomResponse{Code: types.CodeInvalidClassroomCode, Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusGone, ClassroomResponse{Code: types.CodeSessionExpired, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, ClassroomResponse{Valid: true, SessionID: id})
	}
}

// GET /api/metrics/quality - distribution of ended sessions by quality
func (s *Server) qualityStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSessionQualityStats(r.Context())
	if err != nil {
		log.Printf("Failed to aggregate quality stats: %v", err)
		s.sendError(w, "Failed to load quality stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	resp := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.GetStats(),
		Sessions:    s.sessions.Stats(),
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if len(s.extra) > 0 {
		resp.Components = make(map[string]map[string]int, len(s.extra))
		for name, src := range s.extra {
			resp.Components[name] = src.Stats()
		}
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
