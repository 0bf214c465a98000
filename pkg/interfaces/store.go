package interfaces

import (
	"context"
	"time"

	"voicetranslator/pkg/types"
)

// SessionStore is the durable record of sessions, transcripts and translations.
// The coordinator treats it as append-mostly and calls it only after the
// in-memory state has already changed.
type SessionStore interface {
	// CreateSession inserts a new active session
	CreateSession(ctx context.Context, session *types.Session) error

	// UpdateSession applies a partial update; nil fields are untouched
	UpdateSession(ctx context.Context, sessionID string, update types.SessionUpdate) error

	// EndSession marks a session ended with its end-of-life classification
	EndSession(ctx context.Context, sessionID string, endTime time.Time, quality types.SessionQuality, reason types.EndReason) error

	// GetSessionByID returns a session in any state, or ErrSessionNotFound
	GetSessionByID(ctx context.Context, sessionID string) (*types.Session, error)

	// GetActiveSession returns the session only while it is active
	GetActiveSession(ctx context.Context, sessionID string) (*types.Session, error)

	// ListActiveSessions is used for crash recovery at startup
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)

	AddTranscript(ctx context.Context, record *types.TranscriptRecord) error
	AddTranslation(ctx context.Context, record *types.TranslationRecord) error
	GetTranscriptCountBySession(ctx context.Context, sessionID string) (int, error)
	GetSessionQualityStats(ctx context.Context) (*types.QualityStats, error)

	// HealthCheck verifies the backing store is reachable
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and releases resources
	Close() error
}
