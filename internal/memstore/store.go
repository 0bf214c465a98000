// Package memstore is an in-process SessionStore used for tests and for
// running the coordinator without a database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Store keeps every record in maps guarded by a single RWMutex
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*types.Session
	transcripts  map[string][]types.TranscriptRecord
	translations map[string][]types.TranslationRecord
	closed       bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		sessions:     make(map[string]*types.Session),
		transcripts:  make(map[string][]types.TranscriptRecord),
		translations: make(map[string][]types.TranslationRecord),
	}
}

var _ interfaces.SessionStore = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, update types.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	update.ApplyTo(session)
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endTime time.Time, quality types.SessionQuality, reason types.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	session, ok := s.sessions[sessionID]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	end := endTime
	session.State = types.SessionEnded
	session.EndTime = &end
	session.Quality = quality
	session.EndReason = reason
	session.StudentsCount = 0
	return nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *Store) GetActiveSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, interfaces.ErrSessionNotActive
	}
	return session, nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Session
	for _, session := range s.sessions {
		if session.IsActive() {
			copied := *session
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AddTranscript(ctx context.Context, record *types.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	if _, ok := s.sessions[record.SessionID]; !ok {
		return interfaces.ErrSessionNotFound
	}
	s.transcripts[record.SessionID] = append(s.transcripts[record.SessionID], *record)
	return nil
}

func (s *Store) AddTranslation(ctx context.Context, record *types.TranslationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	if _, ok := s.sessions[record.SessionID]; !ok {
		return interfaces.ErrSessionNotFound
	}
	s.translations[record.SessionID] = append(s.translations[record.SessionID], *record)
	return nil
}

func (s *Store) GetTranscriptCountBySession(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transcripts[sessionID]), nil
}

// Translations returns the records stored for a session, oldest first
func (s *Store) Translations(sessionID string) []types.TranslationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.TranslationRecord(nil), s.translations[sessionID]...)
}

func (s *Store) GetSessionQualityStats(ctx context.Context) (*types.QualityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.QualityStats{ByQuality: make(map[types.SessionQuality]int)}
	var durationTotal time.Duration
	var timed int64
	for _, session := range s.sessions {
		if session.IsActive() {
			continue
		}
		stats.TotalSessions++
		stats.ByQuality[session.Quality]++
		stats.TotalTranslations += session.TotalTranslations
		if session.StartTime != nil && session.EndTime != nil {
			durationTotal += session.EndTime.Sub(*session.StartTime)
			timed++
		}
	}
	if timed > 0 {
		stats.AverageDurationMs = durationTotal.Milliseconds() / timed
	}
	return stats, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
