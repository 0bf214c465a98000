package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicetranslator/internal/classcode"
	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Timeouts the manager itself enforces. Sweep timeouts belong to the sweeper.
type Timeouts struct {
	ReconnectGrace time.Duration
	CodeTTL        time.Duration
	ShortSession   time.Duration
}

// Options configures a Manager
type Options struct {
	Timeouts Timeouts
	// PersistRetryDelay is the pause before the single retry of a failed store write
	PersistRetryDelay time.Duration
	// PersistTimeout bounds each store write
	PersistTimeout time.Duration
	Clock          func() time.Time
	NewID          func() string
}

// entry is the authoritative in-memory state of one session. All mutations of
// a session go through entry.mu; the manager lock only guards the indexes.
// Lock order: Manager.mu, then entry.mu, then the code manager.
type entry struct {
	mu       sync.Mutex
	s        types.Session
	teachers map[string]struct{}
	students map[string]struct{}
}

// Manager owns session state: creation, teacher restore, student counts,
// translation mode and termination
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*entry  // sessionID -> entry
	byTeacher map[string]string // teacherID -> sessionID of the active session

	codes    *classcode.Manager
	store    interfaces.SessionStore
	persist  *persister
	timeouts Timeouts
	now      func() time.Time
	newID    func() string

	hooksMu sync.RWMutex
	onEnded []func(types.Session)
}

// NewManager creates a session manager backed by store
func NewManager(store interfaces.SessionStore, codes *classcode.Manager, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.PersistRetryDelay <= 0 {
		opts.PersistRetryDelay = 5 * time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Manager{
		sessions:  make(map[string]*entry),
		byTeacher: make(map[string]string),
		codes:     codes,
		store:     store,
		persist:   newPersister(opts.PersistRetryDelay, opts.PersistTimeout),
		timeouts:  opts.Timeouts,
		now:       opts.Clock,
		newID:     opts.NewID,
	}
}

// OnSessionEnded registers a callback run after a session ends, outside any
// manager lock. The registry uses it to notify and close connections.
func (m *Manager) OnSessionEnded(fn func(types.Session)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onEnded = append(m.onEnded, fn)
}

// RegisterTeacher creates a session or restores the teacher's current one.
// The whole decision runs under the manager lock, so concurrent registrations
// for one teacherID are first-writer-wins and all observe the same session.
func (m *Manager) RegisterTeacher(ctx context.Context, teacherID, language, connID string) (types.TeacherAttachment, error) {
	language = types.NormalizeLanguage(language)
	now := m.now()

	m.mu.Lock()
	var ended []types.Session
	if teacherID != "" {
		if id, ok := m.byTeacher[teacherID]; ok {
			if e := m.sessions[id]; e != nil {
				e.mu.Lock()
				if e.s.IsActive() && m.withinGrace(&e.s, now) {
					att, err := m.restoreLocked(e, language, connID, now)
					e.mu.Unlock()
					m.mu.Unlock()
					return att, err
				}
				if e.s.IsActive() {
					log.Printf("Teacher %s reconnected outside grace, superseding session=%s", teacherID, id)
					ended = append(ended, m.endLocked(e, types.EndReasonSuperseded, now))
				}
				e.mu.Unlock()
			}
			delete(m.byTeacher, teacherID)
		}
	}

	att, err := m.createLocked(teacherID, language, connID, now)
	m.mu.Unlock()

	for _, s := range ended {
		att.Superseded = s.ID
		m.fireEnded(s)
	}
	return att, err
}

// withinGrace: a connected teacher always restores; otherwise the window runs
// from the last detach, or from creation if the teacher never detached
func (m *Manager) withinGrace(s *types.Session, now time.Time) bool {
	if s.TeacherConnected {
		return true
	}
	ref := s.CreatedAt
	if s.TeacherDetachedAt != nil {
		ref = *s.TeacherDetachedAt
	}
	return now.Sub(ref) <= m.timeouts.ReconnectGrace
}

func (m *Manager) restoreLocked(e *entry, language, connID string, now time.Time) (types.TeacherAttachment, error) {
	var update types.SessionUpdate

	// the code expires on its own clock; a restored session needs a usable one
	if !m.codes.IsValid(e.s.ID) {
		code, expiresAt, err := m.codes.Issue(e.s.ID, m.timeouts.CodeTTL)
		if err != nil {
			return types.TeacherAttachment{}, fmt.Errorf("reissue classroom code: %w", err)
		}
		e.s.ClassroomCode = code
		e.s.CodeExpiresAt = expiresAt
		update.ClassroomCode = &code
		update.CodeExpiresAt = &expiresAt
	}
	if language != "" && language != e.s.TeacherLanguage {
		e.s.TeacherLanguage = language
		update.TeacherLanguage = &language
	}

	e.teachers[connID] = struct{}{}
	e.s.TeacherConnected = true
	e.s.TeacherDetachedAt = nil
	e.s.LastActivityAt = now
	update.LastActivityAt = &now

	m.enqueueUpdate(e.s.ID, update)
	return types.TeacherAttachment{Session: e.s, Restored: true}, nil
}

func (m *Manager) createLocked(teacherID, language, connID string, now time.Time) (types.TeacherAttachment, error) {
	id := m.newID()
	code, expiresAt, err := m.codes.Issue(id, m.timeouts.CodeTTL)
	if err != nil {
		return types.TeacherAttachment{}, fmt.Errorf("issue classroom code: %w", err)
	}

	e := &entry{
		s: types.Session{
			ID:               id,
			TeacherID:        teacherID,
			TeacherLanguage:  language,
			ClassroomCode:    code,
			CodeExpiresAt:    expiresAt,
			State:            types.SessionActive,
			Mode:             types.ModeAuto,
			CreatedAt:        now,
			LastActivityAt:   now,
			TeacherConnected: true,
		},
		teachers: map[string]struct{}{connID: {}},
		students: make(map[string]struct{}),
	}
	m.sessions[id] = e
	if teacherID != "" {
		m.byTeacher[teacherID] = id
	}

	created := e.s
	m.persist.enqueue(persistOp{
		name:      "create",
		sessionID: id,
		fn: func(ctx context.Context) error {
			return m.store.CreateSession(ctx, &created)
		},
	})
	log.Printf("Created session=%s code=%s teacher=%q", id, code, teacherID)
	return types.TeacherAttachment{Session: e.s}, nil
}

// ResolveCode maps a classroom code onto an active session id
func (m *Manager) ResolveCode(code string) (string, error) {
	id, err := m.codes.Resolve(code)
	switch {
	case errors.Is(err, classcode.ErrCodeNotFound):
		return "", types.ErrInvalidClassroomCode
	case err != nil:
		return "", types.ErrSessionExpired
	}
	if !m.IsActive(id) {
		return "", types.ErrSessionExpired
	}
	return id, nil
}

// JoinStudent counts a student connection into a session. Joining twice with
// the same connID counts once. The first join ever sets StartTime.
func (m *Manager) JoinStudent(ctx context.Context, sessionID, connID string) (types.Session, error) {
	e := m.lookup(sessionID)
	if e == nil {
		return types.Session{}, types.ErrSessionExpired
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.IsActive() {
		return types.Session{}, types.ErrSessionExpired
	}
	if _, dup := e.students[connID]; dup {
		return e.s, nil
	}

	now := m.now()
	e.students[connID] = struct{}{}
	count := len(e.students)
	e.s.StudentsCount = count
	e.s.AllStudentsLeftAt = nil
	e.s.LastActivityAt = now

	update := types.SessionUpdate{StudentsCount: &count, LastActivityAt: &now}
	if !e.s.StudentsEverJoined {
		ever := true
		e.s.StudentsEverJoined = true
		update.StudentsEverJoined = &ever
	}
	if e.s.StartTime == nil {
		start := now
		e.s.StartTime = &start
		update.StartTime = &start
	}
	m.enqueueUpdate(sessionID, update)
	return e.s, nil
}

// ParticipantLeft removes a connection from its session's presence sets.
// Unknown sessions and connections are ignored.
func (m *Manager) ParticipantLeft(ctx context.Context, sessionID string, role types.Role, connID string) {
	e := m.lookup(sessionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.IsActive() {
		return
	}
	now := m.now()

	switch role {
	case types.RoleTeacher:
		if _, ok := e.teachers[connID]; !ok {
			return
		}
		delete(e.teachers, connID)
		e.s.LastActivityAt = now
		if len(e.teachers) == 0 {
			detached := now
			e.s.TeacherConnected = false
			e.s.TeacherDetachedAt = &detached
		}
	case types.RoleStudent:
		if _, ok := e.students[connID]; !ok {
			return
		}
		delete(e.students, connID)
		count := len(e.students)
		e.s.StudentsCount = count
		e.s.LastActivityAt = now
		if count == 0 && e.s.StudentsEverJoined {
			left := now
			e.s.AllStudentsLeftAt = &left
		}
		m.enqueueUpdate(sessionID, types.SessionUpdate{StudentsCount: &count, LastActivityAt: &now})
	}
}

// Touch records traffic on a session. It is kept in memory and reaches the
// store with the next persisted change.
func (m *Manager) Touch(sessionID string) {
	e := m.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.s.IsActive() {
		e.s.LastActivityAt = m.now()
	}
	e.mu.Unlock()
}

// RecordTranscript appends a teacher utterance
func (m *Manager) RecordTranscript(ctx context.Context, record types.TranscriptRecord) error {
	e := m.lookup(record.SessionID)
	if e == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.IsActive() {
		return ErrSessionEnded
	}
	now := m.now()
	if record.ID == "" {
		record.ID = m.newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	e.s.LastActivityAt = now

	m.persist.enqueue(persistOp{
		name:      "transcript",
		sessionID: record.SessionID,
		fn: func(ctx context.Context) error {
			if err := m.store.AddTranscript(ctx, &record); err != nil {
				return err
			}
			return m.store.UpdateSession(ctx, record.SessionID, types.SessionUpdate{LastActivityAt: &now})
		},
	})
	return nil
}

// RecordTranslation appends one delivered per-language translation and
// counts it into TotalTranslations
func (m *Manager) RecordTranslation(ctx context.Context, record types.TranslationRecord) error {
	e := m.lookup(record.SessionID)
	if e == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.IsActive() {
		return ErrSessionEnded
	}
	if record.TargetLanguage == "" {
		return fmt.Errorf("%w: translation without target language", types.ErrValidation)
	}
	now := m.now()
	if record.ID == "" {
		record.ID = m.newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	e.s.TotalTranslations++
	e.s.LastActivityAt = now
	total := e.s.TotalTranslations

	m.persist.enqueue(persistOp{
		name:      "translation",
		sessionID: record.SessionID,
		fn: func(ctx context.Context) error {
			if err := m.store.AddTranslation(ctx, &record); err != nil {
				return err
			}
			return m.store.UpdateSession(ctx, record.SessionID, types.SessionUpdate{
				TotalTranslations: &total,
				LastActivityAt:    &now,
			})
		},
	})
	return nil
}

// SetMode switches between auto and manual translation
func (m *Manager) SetMode(ctx context.Context, sessionID string, mode types.TranslationMode) error {
	if mode != types.ModeAuto && mode != types.ModeManual {
		return ErrInvalidMode
	}
	e := m.lookup(sessionID)
	if e == nil {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.s.IsActive() {
		return ErrSessionEnded
	}
	now := m.now()
	e.s.Mode = mode
	e.s.LastActivityAt = now
	m.enqueueUpdate(sessionID, types.SessionUpdate{Mode: &mode, LastActivityAt: &now})
	return nil
}

// Mode returns the session's translation mode, auto for unknown sessions
func (m *Manager) Mode(sessionID string) types.TranslationMode {
	s, ok := m.Snapshot(sessionID)
	if !ok || s.Mode == "" {
		return types.ModeAuto
	}
	return s.Mode
}

// EndSession ends an active session now
func (m *Manager) EndSession(ctx context.Context, sessionID string, reason types.EndReason) (types.Session, error) {
	s, ended, err := m.EndIf(ctx, sessionID, func(types.Session) (types.EndReason, bool) {
		return reason, true
	})
	if err != nil {
		return types.Session{}, err
	}
	if !ended {
		return s, ErrSessionEnded
	}
	return s, nil
}

// EndIf evaluates predicate under the session's lock and ends the session when
// it returns true. The sweeper uses this so a policy decision and the
// transition it triggers cannot interleave with joins or restores.
func (m *Manager) EndIf(ctx context.Context, sessionID string, predicate func(types.Session) (types.EndReason, bool)) (types.Session, bool, error) {
	m.mu.Lock()
	e := m.sessions[sessionID]
	if e == nil {
		m.mu.Unlock()
		return types.Session{}, false, ErrSessionNotFound
	}

	e.mu.Lock()
	if !e.s.IsActive() {
		s := e.s
		e.mu.Unlock()
		m.mu.Unlock()
		return s, false, nil
	}
	reason, ok := predicate(e.s)
	if !ok {
		s := e.s
		e.mu.Unlock()
		m.mu.Unlock()
		return s, false, nil
	}
	s := m.endLocked(e, reason, m.now())
	e.mu.Unlock()
	m.mu.Unlock()

	m.fireEnded(s)
	return s, true, nil
}

// endLocked transitions e to ended. Callers hold m.mu and e.mu. The entry is
// removed from memory only after its end has been written to the store.
func (m *Manager) endLocked(e *entry, reason types.EndReason, now time.Time) types.Session {
	end := now
	e.s.Quality = Classify(e.s, end, m.timeouts.ShortSession)
	e.s.State = types.SessionEnded
	e.s.EndTime = &end
	e.s.EndReason = reason
	e.s.StudentsCount = 0
	e.s.TeacherConnected = false
	e.teachers = make(map[string]struct{})
	e.students = make(map[string]struct{})

	id := e.s.ID
	if m.byTeacher[e.s.TeacherID] == id {
		delete(m.byTeacher, e.s.TeacherID)
	}
	m.codes.Invalidate(id)

	quality := e.s.Quality
	m.persist.enqueue(persistOp{
		name:      "end",
		sessionID: id,
		fn: func(ctx context.Context) error {
			return m.store.EndSession(ctx, id, end, quality, reason)
		},
		after: func() {
			m.mu.Lock()
			if m.sessions[id] == e {
				delete(m.sessions, id)
			}
			m.mu.Unlock()
		},
	})
	log.Printf("Ended session=%s reason=%s quality=%s", id, reason, quality)
	return e.s
}

func (m *Manager) fireEnded(s types.Session) {
	m.hooksMu.RLock()
	hooks := append([]func(types.Session){}, m.onEnded...)
	m.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(s)
	}
}

// IsActive reports whether the session exists and has not ended
func (m *Manager) IsActive(sessionID string) bool {
	s, ok := m.Snapshot(sessionID)
	return ok && s.IsActive()
}

// Snapshot returns a copy of the session's current state
func (m *Manager) Snapshot(sessionID string) (types.Session, bool) {
	e := m.lookup(sessionID)
	if e == nil {
		return types.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// ActiveSessions lists active sessions, oldest first
func (m *Manager) ActiveSessions() []types.Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]types.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.s.IsActive() {
			out = append(out, e.s)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PurgeExpiredCodes drops expired codes and tombstones
func (m *Manager) PurgeExpiredCodes(now time.Time) int {
	return m.codes.PurgeExpired(now)
}

// LoadActiveSessions restores active sessions after a restart. No connection
// survives a restart, so every session starts with its teacher detached now
// and zero students.
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	stored, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range stored {
		if s == nil || !s.IsActive() {
			continue
		}
		if _, exists := m.sessions[s.ID]; exists {
			continue
		}

		e := &entry{
			s:        *s,
			teachers: make(map[string]struct{}),
			students: make(map[string]struct{}),
		}
		detached := now
		e.s.TeacherConnected = false
		e.s.TeacherDetachedAt = &detached
		zero := 0
		update := types.SessionUpdate{StudentsCount: &zero}
		if e.s.StudentsEverJoined {
			left := now
			e.s.AllStudentsLeftAt = &left
		}
		e.s.StudentsCount = 0

		if e.s.ClassroomCode == "" || !now.Before(e.s.CodeExpiresAt) ||
			m.codes.Reserve(e.s.ID, e.s.ClassroomCode, e.s.CodeExpiresAt) != nil {
			code, expiresAt, err := m.codes.Issue(e.s.ID, m.timeouts.CodeTTL)
			if err != nil {
				return fmt.Errorf("reissue code for session %s: %w", e.s.ID, err)
			}
			e.s.ClassroomCode = code
			e.s.CodeExpiresAt = expiresAt
			update.ClassroomCode = &code
			update.CodeExpiresAt = &expiresAt
		}

		m.sessions[e.s.ID] = e
		if e.s.TeacherID != "" {
			m.byTeacher[e.s.TeacherID] = e.s.ID
		}
		m.enqueueUpdate(e.s.ID, update)
	}

	log.Printf("Loaded %d active sessions", len(stored))
	return nil
}

// Stats returns counters for the health endpoint
func (m *Manager) Stats() map[string]int {
	active := m.ActiveSessions()
	students := 0
	for _, s := range active {
		students += s.StudentsCount
	}
	return map[string]int{
		"active_sessions":    len(active),
		"connected_students": students,
	}
}

// Flush waits until all store writes enqueued so far were attempted
func (m *Manager) Flush(ctx context.Context) error {
	return m.persist.flush(ctx)
}

// Close drains pending store writes. The store itself is closed by its owner.
func (m *Manager) Close() {
	m.persist.close()
}

func (m *Manager) lookup(sessionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) enqueueUpdate(sessionID string, update types.SessionUpdate) {
	if update.IsEmpty() {
		return
	}
	m.persist.enqueue(persistOp{
		name:      "update",
		sessionID: sessionID,
		fn: func(ctx context.Context) error {
			return m.store.UpdateSession(ctx, sessionID, update)
		},
	})
}
