// Package database is the sqlite-backed SessionStore
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "voicetranslator/pkg/database"
	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Manager implements interfaces.SessionStore on sqlite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer for sqlite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

var _ interfaces.SessionStore = (*Manager)(nil)

// NewManager opens the database, applies pending migrations and starts the
// writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, config.MigrationsPath).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: sqlite allows one writer at a time; funnelling
	// writes through one goroutine turns lock contention into queueing
	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.writeChannel:
			op.result <- op.operation(op.ctx, m.db)
		case <-m.shutdown:
			// finish whatever is already queued
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- op.operation(op.ctx, m.db)
				default:
					log.Println("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write and waits for its result. Retries belong to the
// caller.
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrStoreClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("write operation not queued: %w", ctx.Err())
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation timeout: %w", ctx.Err())
	}
}

// CreateSession inserts a new session row
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, teacher_id, teacher_language, classroom_code, code_expires_at,
				state, mode, created_at, start_time, end_time, last_activity_at,
				students_count, students_ever_joined, total_translations, quality, end_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			session.ID,
			session.TeacherID,
			session.TeacherLanguage,
			session.ClassroomCode,
			session.CodeExpiresAt.UTC(),
			session.State,
			modeOrDefault(session.Mode),
			session.CreatedAt.UTC(),
			nullTime(session.StartTime),
			nullTime(session.EndTime),
			session.LastActivityAt.UTC(),
			session.StudentsCount,
			session.StudentsEverJoined,
			session.TotalTranslations,
			session.Quality,
			session.EndReason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// UpdateSession writes only the fields present in update
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, update types.SessionUpdate) error {
	sets, args := updateColumns(update)
	if len(sets) == 0 {
		return nil
	}
	query := "UPDATE sessions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, sessionID)

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return requireRow(res)
	})
}

// EndSession marks the session ended. Ending twice keeps the first end.
func (m *Manager) EndSession(ctx context.Context, sessionID string, endTime time.Time, quality types.SessionQuality, reason types.EndReason) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET state = 'ended', end_time = ?, quality = ?, end_reason = ?, students_count = 0
			WHERE id = ? AND state = 'active'
		`, endTime.UTC(), quality, reason, sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := m.GetSessionByID(ctx, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

const sessionColumns = `id, teacher_id, teacher_language, classroom_code, code_expires_at,
	state, mode, created_at, start_time, end_time, last_activity_at,
	students_count, students_ever_joined, total_translations, quality, end_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var codeExpires, start, end sql.NullTime
	err := row.Scan(
		&s.ID, &s.TeacherID, &s.TeacherLanguage, &s.ClassroomCode, &codeExpires,
		&s.State, &s.Mode, &s.CreatedAt, &start, &end, &s.LastActivityAt,
		&s.StudentsCount, &s.StudentsEverJoined, &s.TotalTranslations, &s.Quality, &s.EndReason,
	)
	if err != nil {
		return nil, err
	}
	if codeExpires.Valid {
		s.CodeExpiresAt = codeExpires.Time
	}
	if start.Valid {
		t := start.Time
		s.StartTime = &t
	}
	if end.Valid {
		t := end.Time
		s.EndTime = &t
	}
	return &s, nil
}

// GetSessionByID reads are concurrent and bypass the writer
func (m *Manager) GetSessionByID(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

func (m *Manager) GetActiveSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s, err := m.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.IsActive() {
		return nil, interfaces.ErrSessionNotActive
	}
	return s, nil
}

// ListActiveSessions returns active sessions oldest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE state = 'active' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

func (m *Manager) AddTranscript(ctx context.Context, record *types.TranscriptRecord) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO transcripts (id, session_id, language, text, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, record.ID, record.SessionID, record.Language, record.Text, record.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert transcript: %w", err)
		}
		return nil
	})
}

func (m *Manager) AddTranslation(ctx context.Context, record *types.TranslationRecord) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO translations (id, session_id, source_language, target_language,
				original_text, translated_text, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			record.ID, record.SessionID, record.SourceLanguage, record.TargetLanguage,
			record.OriginalText, record.TranslatedText, record.LatencyMs, record.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert translation: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetTranscriptCountBySession(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transcripts WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transcripts: %w", err)
	}
	return count, nil
}

// GetSessionQualityStats aggregates ended sessions
func (m *Manager) GetSessionQualityStats(ctx context.Context) (*types.QualityStats, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT quality, COUNT(*), COALESCE(SUM(total_translations), 0)
		FROM sessions WHERE state = 'ended'
		GROUP BY quality
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query quality stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &types.QualityStats{ByQuality: make(map[types.SessionQuality]int)}
	for rows.Next() {
		var quality types.SessionQuality
		var count, translations int
		if err := rows.Scan(&quality, &count, &translations); err != nil {
			return nil, fmt.Errorf("failed to scan quality row: %w", err)
		}
		stats.ByQuality[quality] = count
		stats.TotalSessions += count
		stats.TotalTranslations += translations
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// sqlite keeps DATETIME as text, so durations are computed here
	durRows, err := m.db.QueryContext(ctx, `
		SELECT start_time, end_time FROM sessions
		WHERE state = 'ended' AND start_time IS NOT NULL AND end_time IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session durations: %w", err)
	}
	defer func() { _ = durRows.Close() }()

	var total time.Duration
	var n int64
	for durRows.Next() {
		var start, end time.Time
		if err := durRows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan duration row: %w", err)
		}
		total += end.Sub(start)
		n++
	}
	if n > 0 {
		stats.AverageDurationMs = total.Milliseconds() / n
	}
	return stats, durRows.Err()
}

// HealthCheck validates connectivity and a basic read
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions LIMIT 1").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the connection for schema validation
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func updateColumns(u types.SessionUpdate) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.TeacherLanguage != nil {
		add("teacher_language", *u.TeacherLanguage)
	}
	if u.ClassroomCode != nil {
		add("classroom_code", *u.ClassroomCode)
	}
	if u.CodeExpiresAt != nil {
		add("code_expires_at", u.CodeExpiresAt.UTC())
	}
	if u.Mode != nil {
		add("mode", *u.Mode)
	}
	if u.StartTime != nil {
		add("start_time", u.StartTime.UTC())
	}
	if u.LastActivityAt != nil {
		add("last_activity_at", u.LastActivityAt.UTC())
	}
	if u.StudentsCount != nil {
		add("students_count", *u.StudentsCount)
	}
	if u.StudentsEverJoined != nil {
		add("students_ever_joined", *u.StudentsEverJoined)
	}
	if u.TotalTranslations != nil {
		add("total_translations", *u.TotalTranslations)
	}
	return sets, args
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return interfaces.ErrSessionNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func modeOrDefault(mode types.TranslationMode) types.TranslationMode {
	if mode == "" {
		return types.ModeAuto
	}
	return mode
}
