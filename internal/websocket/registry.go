package websocket

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// client is the registry's record of one transport connection
type client struct {
	conn      interfaces.Sender
	role      types.Role
	sessionID string // empty until registration completes
	language  string
	name      string
	settings  types.ConnectionSettings
	// pending is a session resolved from the upgrade URL before register
	pending string
}

func (c *client) participant() interfaces.Participant {
	return interfaces.Participant{
		Conn:         c.conn,
		Role:         c.role,
		SessionID:    c.sessionID,
		LanguageCode: c.language,
		Name:         c.name,
		Settings:     c.settings,
	}
}

// AttachResult is what a successful Register hands back to the handler
type AttachResult struct {
	Participant interfaces.Participant
	Session     types.Session
	Restored    bool
	Superseded  string
	// Rejoined is set when an already registered connection registered again
	Rejoined bool
}

// Registry tracks every live connection and which session it belongs to
// ARCHITECTURAL DISCOVERY: the registry owns transport state only; session
// state lives behind SessionLifecycle and is consulted outside r.mu
type Registry struct {
	mu        sync.RWMutex                  // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy fan-out lookups
	clients   map[string]*client            // connID -> client
	bySession map[string]map[string]*client // sessionID -> connID -> client
	sessions  interfaces.SessionLifecycle
}

func NewRegistry(sessions interfaces.SessionLifecycle) *Registry {
	return &Registry{
		clients:   make(map[string]*client),
		bySession: make(map[string]map[string]*client),
		sessions:  sessions,
	}
}

// Add tracks a freshly opened transport. pendingSession may carry a session
// resolved from the upgrade request; it is only used by a student register
// that omits the classroom code.
func (r *Registry) Add(conn interfaces.Sender, pendingSession string) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn.ID()] = &client{conn: conn, pending: pendingSession}
	return nil
}

// Register attaches a connection to a session. Teachers create or restore
// their session; students join the session their classroom code resolves to.
func (r *Registry) Register(ctx context.Context, connID string, msg types.RegisterMessage) (AttachResult, error) {
	if err := types.Validate(msg); err != nil {
		return AttachResult{}, err
	}

	r.mu.RLock()
	c, ok := r.clients[connID]
	var (
		current types.Role
		bound   string
		pending string
	)
	if ok {
		current, bound, pending = c.role, c.sessionID, c.pending
	}
	r.mu.RUnlock()
	if !ok {
		return AttachResult{}, ErrConnectionNotFound
	}

	if bound != "" {
		return r.reregister(connID, current, bound, msg)
	}

	switch msg.Role {
	case types.RoleTeacher:
		att, err := r.sessions.RegisterTeacher(ctx, msg.TeacherID, msg.LanguageCode, connID)
		if err != nil {
			return AttachResult{}, err
		}
		p, err := r.bind(connID, msg, att.Session.ID, att.Session.TeacherLanguage)
		if err != nil {
			r.sessions.ParticipantLeft(ctx, att.Session.ID, types.RoleTeacher, connID)
			return AttachResult{}, err
		}
		return AttachResult{Participant: p, Session: att.Session, Restored: att.Restored, Superseded: att.Superseded}, nil

	default:
		sessionID, err := r.resolveStudentSession(msg.ClassroomCode, pending)
		if err != nil {
			return AttachResult{}, err
		}
		s, err := r.sessions.JoinStudent(ctx, sessionID, connID)
		if err != nil {
			return AttachResult{}, err
		}
		p, err := r.bind(connID, msg, sessionID, types.NormalizeLanguage(msg.LanguageCode))
		if err != nil {
			r.sessions.ParticipantLeft(ctx, sessionID, types.RoleStudent, connID)
			return AttachResult{}, err
		}
		return AttachResult{Participant: p, Session: s}, nil
	}
}

func (r *Registry) resolveStudentSession(code, pending string) (string, error) {
	if code != "" {
		return r.sessions.ResolveCode(code)
	}
	if pending != "" {
		return pending, nil
	}
	return "", fmt.Errorf("%w: classroomCode is required for students", types.ErrValidation)
}

// bind records the attachment. A session that ended between the lifecycle
// call and here is reported as expired rather than joined.
func (r *Registry) bind(connID string, msg types.RegisterMessage, sessionID, language string) (interfaces.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[connID]
	if !ok {
		return interfaces.Participant{}, ErrConnectionNotFound
	}
	if !r.sessions.IsActive(sessionID) {
		return interfaces.Participant{}, types.ErrSessionExpired
	}

	c.role = msg.Role
	c.sessionID = sessionID
	c.language = language
	c.name = msg.Name
	c.pending = ""
	if msg.Settings != nil {
		c.settings = c.settings.Apply(*msg.Settings)
	}
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]*client)
	}
	r.bySession[sessionID][connID] = c
	return c.participant(), nil
}

// reregister lets a bound connection repeat register to change its language,
// name or settings. Moving to another role or session needs a new transport.
func (r *Registry) reregister(connID string, role types.Role, sessionID string, msg types.RegisterMessage) (AttachResult, error) {
	if msg.Role != role {
		return AttachResult{}, fmt.Errorf("%w: %w", types.ErrValidation, ErrAlreadyRegistered)
	}
	if role == types.RoleStudent && msg.ClassroomCode != "" {
		target, err := r.sessions.ResolveCode(msg.ClassroomCode)
		if err != nil {
			return AttachResult{}, err
		}
		if target != sessionID {
			return AttachResult{}, fmt.Errorf("%w: %w", types.ErrValidation, ErrAlreadyRegistered)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connID]
	if !ok || c.sessionID != sessionID {
		return AttachResult{}, ErrConnectionNotFound
	}
	if lang := types.NormalizeLanguage(msg.LanguageCode); lang != "" {
		c.language = lang
	}
	if msg.Name != "" {
		c.name = msg.Name
	}
	if msg.Settings != nil {
		c.settings = c.settings.Apply(*msg.Settings)
	}
	return AttachResult{Participant: c.participant(), Rejoined: true}, nil
}

// UpdateSettings merges patch into the connection's settings
func (r *Registry) UpdateSettings(connID string, patch types.SettingsPatch) (types.ConnectionSettings, error) {
	if err := types.Validate(patch); err != nil {
		return types.ConnectionSettings{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[connID]
	if !ok {
		return types.ConnectionSettings{}, ErrConnectionNotFound
	}
	c.settings = c.settings.Apply(patch)
	return c.settings, nil
}

// Detach forgets a closed transport and tells the session it left. It is
// idempotent: the second call reports false.
func (r *Registry) Detach(ctx context.Context, connID string) (interfaces.Participant, bool) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	if !ok {
		r.mu.Unlock()
		return interfaces.Participant{}, false
	}
	delete(r.clients, connID)
	p := c.participant()
	r.unbindLocked(c)
	r.mu.Unlock()

	if p.SessionID != "" {
		r.sessions.ParticipantLeft(ctx, p.SessionID, p.Role, connID)
	}
	return p, true
}

func (r *Registry) unbindLocked(c *client) {
	if c.sessionID == "" {
		return
	}
	if members, ok := r.bySession[c.sessionID]; ok {
		delete(members, c.conn.ID())
		// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
		if len(members) == 0 {
			delete(r.bySession, c.sessionID)
		}
	}
}

// ConnectionsForSession returns the session's participants, optionally
// filtered by role, ordered by connection id
func (r *Registry) ConnectionsForSession(sessionID string, roles ...types.Role) []interfaces.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.bySession[sessionID]
	out := make([]interfaces.Participant, 0, len(members))
	for _, c := range members {
		if len(roles) > 0 && !hasRole(roles, c.role) {
			continue
		}
		out = append(out, c.participant())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID() < out[j].ConnectionID() })
	return out
}

func hasRole(roles []types.Role, role types.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Get returns one connection's participant view
func (r *Registry) Get(connID string) (interfaces.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	if !ok {
		return interfaces.Participant{}, false
	}
	return c.participant(), true
}

// LanguageShare is one language's slice of a session's students
type LanguageShare struct {
	Language string `json:"language"`
	Count    int    `json:"count"`
	Percent  int    `json:"percent"`
}

// Breakdown is the per-language view of a session's connected students
type Breakdown struct {
	Students   int             `json:"students"`
	Languages  []LanguageShare `json:"languages"`
	Unassigned int             `json:"unassigned"`
}

// LanguageBreakdown groups connected students by language. Percentages are
// over students with a language and always sum to 100 when any exist.
func (r *Registry) LanguageBreakdown(sessionID string) Breakdown {
	students := r.ConnectionsForSession(sessionID, types.RoleStudent)
	counts := make(map[string]int)
	b := Breakdown{Students: len(students), Languages: []LanguageShare{}}
	for _, p := range students {
		if p.LanguageCode == "" {
			b.Unassigned++
			continue
		}
		counts[p.LanguageCode]++
	}
	for lang, n := range counts {
		b.Languages = append(b.Languages, LanguageShare{Language: lang, Count: n})
	}
	sort.Slice(b.Languages, func(i, j int) bool {
		if b.Languages[i].Count != b.Languages[j].Count {
			return b.Languages[i].Count > b.Languages[j].Count
		}
		return b.Languages[i].Language < b.Languages[j].Language
	})
	assignPercentages(b.Languages, b.Students-b.Unassigned)
	return b
}

// assignPercentages uses the largest remainder method so rounding never
// leaves the total at 99 or 101
func assignPercentages(shares []LanguageShare, total int) {
	if total == 0 {
		return
	}
	sum := 0
	remainders := make([]int, len(shares))
	for i := range shares {
		shares[i].Percent = shares[i].Count * 100 / total
		remainders[i] = shares[i].Count * 100 % total
		sum += shares[i].Percent
	}
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return remainders[order[a]] > remainders[order[b]] })
	for k := 0; sum < 100 && k < len(order); k++ {
		shares[order[k]].Percent++
		sum++
	}
}

type gracefulCloser interface {
	CloseGracefully()
}

// CloseSession sends msg to every connection of the session and closes them.
// The connections stay tracked until their transport reports the close.
func (r *Registry) CloseSession(sessionID string, msg any) int {
	r.mu.Lock()
	members := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	conns := make([]interfaces.Sender, 0, len(members))
	for _, c := range members {
		c.sessionID = ""
		conns = append(conns, c.conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		if msg != nil && !conn.Send(msg) {
			log.Printf("Dropped session end notice session=%s conn=%s", sessionID, conn.ID())
		}
		if gc, ok := conn.(gracefulCloser); ok {
			gc.CloseGracefully()
		} else if err := conn.Close(); err != nil {
			log.Printf("Failed to close connection session=%s conn=%s: %v", sessionID, conn.ID(), err)
		}
	}
	return len(conns)
}

// CloseAll drops every connection on shutdown. Sessions stay active so
// clients can restore them after a restart.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]interfaces.Sender, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{
		"total_connections": len(r.clients),
		"active_sessions":   len(r.bySession),
		"teachers":          0,
		"students":          0,
	}
	for _, members := range r.bySession {
		for _, c := range members {
			switch c.role {
			case types.RoleTeacher:
				stats["teachers"]++
			case types.RoleStudent:
				stats["students"]++
			}
		}
	}
	return stats
}
