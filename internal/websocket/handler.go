package websocket

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetranslator/internal/hub"
	"voicetranslator/internal/router"
	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Sessions is the session authority as seen by the transport
type Sessions interface {
	interfaces.SessionLifecycle
	Snapshot(sessionID string) (types.Session, bool)
	Touch(sessionID string)
	SetMode(ctx context.Context, sessionID string, mode types.TranslationMode) error
	Mode(sessionID string) types.TranslationMode
	EndSession(ctx context.Context, sessionID string, reason types.EndReason) (types.Session, error)
}

// Fanout is the router surface the handler drives
type Fanout interface {
	RouteTranscription(ctx context.Context, sessionID, sourceLang, text string) router.DeliveryReport
	RouteManual(ctx context.Context, sessionID, sourceLang, text string) (router.DeliveryReport, error)
	RouteAudio(ctx context.Context, sessionID, sourceLang string, audio []byte) (router.DeliveryReport, error)
	BroadcastMode(sessionID string, mode types.TranslationMode) int
}

// Dispatcher serializes session work
type Dispatcher interface {
	Submit(sessionID string, job hub.Job) error
}

// HandlerConfig tunes transport behaviour
type HandlerConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// MaxAudioBytes caps decoded audio frames
	MaxAudioBytes int
	// RateLimit is inbound frames per connection per minute; 0 disables it
	RateLimit int
	// AllowedOrigins restricts browser origins; empty allows all
	AllowedOrigins []string
}

// DefaultHandlerConfig returns classroom-tested transport settings
// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
// provides reliable connection health monitoring for classroom environments
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      5 * time.Second,
		MaxMessageSize: 4 << 20,
		SendBuffer:     100,
		MaxAudioBytes:  2 << 20,
		RateLimit:      600,
	}
}

// Handler accepts classroom connections and dispatches their messages
type Handler struct {
	registry *Registry
	sessions Sessions
	fanout   Fanout
	hub      Dispatcher
	limiter  *RateLimiter
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	newID    func() string
	// ctx bounds all connection work; cancelled on shutdown
	ctx context.Context
}

func NewHandler(ctx context.Context, registry *Registry, sessions Sessions, fanout Fanout, dispatcher Dispatcher, cfg HandlerConfig) *Handler {
	def := DefaultHandlerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = def.MaxAudioBytes
	}
	h := &Handler{
		registry: registry,
		sessions: sessions,
		fanout:   fanout,
		hub:      dispatcher,
		limiter:  NewRateLimiter(cfg.RateLimit, time.Minute),
		cfg:      cfg,
		newID:    uuid.NewString,
		ctx:      ctx,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request. An optional ?code= is resolved first so a
// dead classroom link fails before the upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var pending string
	if code := r.URL.Query().Get("code"); code != "" {
		id, err := h.sessions.ResolveCode(code)
		switch {
		case errors.Is(err, types.ErrInvalidClassroomCode):
			http.Error(w, "Invalid classroom code", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, "Classroom session expired", http.StatusGone)
			return
		}
		pending = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)

	conn := NewConnection(ws, h.newID(), h.cfg.SendBuffer, h.cfg.WriteWait)
	if err := h.registry.Add(conn, pending); err != nil {
		log.Printf("Failed to track connection: %v", err)
		_ = conn.Close()
		return
	}
	_ = conn.WriteJSON(types.ConnectionMessage{
		Type:         types.TypeConnection,
		Status:       "connected",
		ConnectionID: conn.ID(),
		SessionID:    pending,
	})

	go h.readPump(conn, ws)
}

func (h *Handler) readPump(conn *Connection, ws *websocket.Conn) {
	defer h.disconnect(conn)

	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	go h.pingLoop(conn, ws)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error conn=%s: %v", conn.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// any client frame proves liveness
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		h.Dispatch(conn, data)
	}
}

// pingLoop keeps the transport alive; WriteControl is safe alongside the writer goroutine
func (h *Handler) pingLoop(conn *Connection, ws *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// Dispatch handles one inbound frame from conn
func (h *Handler) Dispatch(conn interfaces.Sender, data []byte) {
	if !h.limiter.Allow(conn.ID()) {
		h.reject(conn, types.ErrRateLimited)
		return
	}
	// any frame from a bound participant counts as session activity
	if p, ok := h.registry.Get(conn.ID()); ok && p.SessionID != "" {
		h.sessions.Touch(p.SessionID)
	}

	switch m := types.DecodeInbound(data).(type) {
	case types.RegisterMessage:
		h.handleRegister(conn, m)
	case types.SettingsMessage:
		h.handleSettings(conn, m)
	case types.TranscriptionMessage:
		h.handleTranscription(conn, m)
	case types.SendTranslationMessage:
		h.handleManualSend(conn, m)
	case types.AudioMessage:
		h.handleAudio(conn, m)
	case types.TeacherModeMessage:
		h.handleTeacherMode(conn, m)
	case types.EndSessionMessage:
		h.handleEndSession(conn)
	case types.PingMessage:
		ts := m.Timestamp
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		_ = conn.WriteJSON(types.PongMessage{Type: types.TypePong, Timestamp: ts})
	case types.UnrecognizedMessage:
		if m.Err != nil {
			log.Printf("Ignoring malformed %q message conn=%s: %v", m.Type, conn.ID(), m.Err)
		} else {
			log.Printf("Ignoring unknown message type %q conn=%s", m.Type, conn.ID())
		}
	}
}

func (h *Handler) reject(conn interfaces.Sender, err error) {
	if werr := conn.WriteJSON(types.NewErrorMessage(err)); werr != nil {
		log.Printf("Failed to send error conn=%s: %v", conn.ID(), werr)
	}
}

func (h *Handler) handleRegister(conn interfaces.Sender, m types.RegisterMessage) {
	res, err := h.registry.Register(h.ctx, conn.ID(), m)
	if err != nil {
		h.reject(conn, err)
		return
	}
	p := res.Participant
	if res.Rejoined {
		_ = conn.WriteJSON(types.RegisterAck{
			Type: types.TypeRegister, Status: "success", Role: p.Role, SessionID: p.SessionID,
			LanguageCode: p.LanguageCode, Settings: p.Settings, Mode: h.sessions.Mode(p.SessionID),
		})
		return
	}

	_ = conn.WriteJSON(types.RegisterAck{
		Type:         types.TypeRegister,
		Status:       "success",
		Role:         p.Role,
		SessionID:    p.SessionID,
		LanguageCode: p.LanguageCode,
		Settings:     p.Settings,
		Restored:     res.Restored,
		Mode:         res.Session.Mode,
	})

	switch p.Role {
	case types.RoleTeacher:
		_ = conn.WriteJSON(types.ClassroomCodeMessage{
			Type:      types.TypeClassroomCode,
			Code:      res.Session.ClassroomCode,
			SessionID: res.Session.ID,
			ExpiresAt: res.Session.CodeExpiresAt,
		})
		log.Printf("Teacher registered session=%s conn=%s restored=%t", p.SessionID, conn.ID(), res.Restored)
		if res.Restored {
			h.notify(p.SessionID, types.RoleStudent, types.PresenceMessage{
				Type: types.TypeTeacherReconnected, SessionID: p.SessionID, StudentsCount: res.Session.StudentsCount,
			})
		}
	case types.RoleStudent:
		log.Printf("Student joined session=%s conn=%s lang=%s", p.SessionID, conn.ID(), p.LanguageCode)
		h.notify(p.SessionID, types.RoleTeacher, types.PresenceMessage{
			Type:          types.TypeStudentJoined,
			SessionID:     p.SessionID,
			ConnectionID:  conn.ID(),
			Name:          p.Name,
			LanguageCode:  p.LanguageCode,
			StudentsCount: res.Session.StudentsCount,
		})
	}
}

func (h *Handler) handleSettings(conn interfaces.Sender, m types.SettingsMessage) {
	settings, err := h.registry.UpdateSettings(conn.ID(), m.Settings)
	if err != nil {
		h.reject(conn, err)
		return
	}
	_ = conn.WriteJSON(types.SettingsAck{Type: types.TypeSettings, Status: "success", Settings: settings})
}

// teacher returns the registered teacher participant behind conn
func (h *Handler) teacher(conn interfaces.Sender) (interfaces.Participant, error) {
	p, ok := h.registry.Get(conn.ID())
	if !ok || p.SessionID == "" {
		return p, types.ErrNotRegistered
	}
	if p.Role != types.RoleTeacher {
		return p, types.ErrRoleNotAllowed
	}
	if !h.sessions.IsActive(p.SessionID) {
		return p, types.ErrSessionExpired
	}
	return p, nil
}

func sourceLanguage(p interfaces.Participant, override string) string {
	if lang := types.NormalizeLanguage(override); lang != "" {
		return lang
	}
	return p.LanguageCode
}

func (h *Handler) handleTranscription(conn interfaces.Sender, m types.TranscriptionMessage) {
	p, err := h.teacher(conn)
	if err == nil {
		err = types.Validate(m)
	}
	if err != nil {
		h.reject(conn, err)
		return
	}
	if m.IsFinal != nil && !*m.IsFinal {
		// interim results only keep the session warm
		h.sessions.Touch(p.SessionID)
		return
	}
	if h.sessions.Mode(p.SessionID) == types.ModeManual {
		h.sessions.Touch(p.SessionID)
		return
	}

	src := sourceLanguage(p, m.LanguageCode)
	text := m.Text
	h.submit(conn, p.SessionID, func(ctx context.Context) {
		report := h.fanout.RouteTranscription(ctx, p.SessionID, src, text)
		if failed := report.Failed(); len(failed) > 0 {
			log.Printf("Fan-out partial session=%s delivered=%d failed=%v", p.SessionID, report.Delivered, failed)
		}
	})
}

func (h *Handler) handleManualSend(conn interfaces.Sender, m types.SendTranslationMessage) {
	p, err := h.teacher(conn)
	if err == nil {
		err = types.Validate(m)
	}
	if err == nil && h.sessions.Mode(p.SessionID) != types.ModeManual {
		err = types.ErrManualModeDisabled
	}
	if err != nil {
		h.reject(conn, err)
		return
	}

	src := sourceLanguage(p, m.LanguageCode)
	text := m.Text
	h.submit(conn, p.SessionID, func(ctx context.Context) {
		report, err := h.fanout.RouteManual(ctx, p.SessionID, src, text)
		ack := types.ManualSendAck{Type: types.TypeManualSendAck, Status: "sent", Delivered: report.Delivered, Languages: report.DeliveredLanguages()}
		if err != nil {
			ack.Status = "error"
			ack.Message = err.Error()
		}
		_ = conn.WriteJSON(ack)
	})
}

func (h *Handler) handleAudio(conn interfaces.Sender, m types.AudioMessage) {
	p, err := h.teacher(conn)
	if err == nil {
		err = types.Validate(m)
	}
	if err != nil {
		h.reject(conn, err)
		return
	}
	if base64.StdEncoding.DecodedLen(len(m.Data)) > h.cfg.MaxAudioBytes {
		h.reject(conn, types.ErrValidation)
		return
	}
	audio, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		h.reject(conn, types.ErrValidation)
		return
	}

	src := sourceLanguage(p, m.LanguageCode)
	h.submit(conn, p.SessionID, func(ctx context.Context) {
		if _, err := h.fanout.RouteAudio(ctx, p.SessionID, src, audio); err != nil {
			log.Printf("Audio fan-out failed session=%s: %v", p.SessionID, err)
			if !errors.Is(err, router.ErrEmptyTranscript) {
				h.reject(conn, err)
			}
		}
	})
}

func (h *Handler) handleTeacherMode(conn interfaces.Sender, m types.TeacherModeMessage) {
	p, err := h.teacher(conn)
	if err == nil {
		err = types.Validate(m)
	}
	if err == nil {
		err = h.sessions.SetMode(h.ctx, p.SessionID, m.Mode)
	}
	if err != nil {
		h.reject(conn, err)
		return
	}
	// queued behind pending utterances so students see the switch in order
	mode := m.Mode
	h.submit(conn, p.SessionID, func(context.Context) {
		h.fanout.BroadcastMode(p.SessionID, mode)
	})
	_ = conn.WriteJSON(types.TeacherModeNotice{Type: types.TypeTeacherMode, Mode: mode})
}

func (h *Handler) handleEndSession(conn interfaces.Sender) {
	p, err := h.teacher(conn)
	if err != nil {
		h.reject(conn, err)
		return
	}
	if _, err := h.sessions.EndSession(h.ctx, p.SessionID, types.EndReasonExplicit); err != nil {
		h.reject(conn, types.ErrSessionExpired)
		return
	}
	log.Printf("Session ended by teacher session=%s", p.SessionID)
}

func (h *Handler) submit(conn interfaces.Sender, sessionID string, job hub.Job) {
	if err := h.hub.Submit(sessionID, job); err != nil {
		log.Printf("Failed to queue session work session=%s: %v", sessionID, err)
		h.reject(conn, err)
	}
}

// notify sends msg to every participant of role in the session
func (h *Handler) notify(sessionID string, role types.Role, msg any) {
	for _, p := range h.registry.ConnectionsForSession(sessionID, role) {
		p.Conn.Send(msg)
	}
}

func (h *Handler) disconnect(conn *Connection) {
	defer func() { _ = conn.Close() }()
	h.limiter.Forget(conn.ID())

	p, ok := h.registry.Detach(h.ctx, conn.ID())
	if !ok || p.SessionID == "" {
		return
	}
	switch p.Role {
	case types.RoleTeacher:
		log.Printf("Teacher disconnected session=%s conn=%s", p.SessionID, conn.ID())
		if len(h.registry.ConnectionsForSession(p.SessionID, types.RoleTeacher)) == 0 {
			h.notify(p.SessionID, types.RoleStudent, types.PresenceMessage{
				Type: types.TypeTeacherLeft, SessionID: p.SessionID,
			})
		}
	case types.RoleStudent:
		count := 0
		if s, ok := h.sessions.Snapshot(p.SessionID); ok {
			count = s.StudentsCount
		}
		h.notify(p.SessionID, types.RoleTeacher, types.PresenceMessage{
			Type:          types.TypeStudentLeft,
			SessionID:     p.SessionID,
			ConnectionID:  conn.ID(),
			Name:          p.Name,
			LanguageCode:  p.LanguageCode,
			StudentsCount: count,
		})
	}
}

// PruneRateLimits drops rate windows of connections gone quiet
func (h *Handler) PruneRateLimits() {
	h.limiter.Cleanup()
}

// SessionEnded is registered as the session manager's end hook: every
// connection of the session is told and then closed
func (h *Handler) SessionEnded(s types.Session) {
	n := h.registry.CloseSession(s.ID, types.SessionEndedMessage{
		Type: types.TypeSessionEnded, SessionID: s.ID, Reason: s.EndReason,
	})
	log.Printf("Closed %d connections of ended session=%s reason=%s", n, s.ID, s.EndReason)
}
