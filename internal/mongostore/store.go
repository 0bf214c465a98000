// Package mongostore is a MongoDB SessionStore for deployments that already
// run a document database
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

const (
	sessionsCollection     = "sessions"
	transcriptsCollection  = "transcripts"
	translationsCollection = "translations"
)

// Store keeps sessions, transcripts and translations in three collections
type Store struct {
	client       *mongo.Client
	sessions     *mongo.Collection
	transcripts  *mongo.Collection
	translations *mongo.Collection
}

var _ interfaces.SessionStore = (*Store)(nil)

// Connect dials uri, pings it and ensures indexes
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(client, database)
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Printf("Connected to MongoDB database=%s", database)
	return s, nil
}

// New wraps an already connected client
func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)
	return &Store{
		client:       client,
		sessions:     db.Collection(sessionsCollection),
		transcripts:  db.Collection(transcriptsCollection),
		translations: db.Collection(translationsCollection),
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "teacher_id", Value: 1}, {Key: "state", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}
	for _, coll := range []*mongo.Collection{s.transcripts, s.translations} {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("failed to create %s index: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if _, err := s.sessions.InsertOne(ctx, session); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, update types.SessionUpdate) error {
	set := updateDocument(update)
	if len(set) == 0 {
		return nil
	}
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return interfaces.ErrSessionNotFound
	}
	return nil
}

// EndSession only transitions active sessions, so ending twice keeps the first end
func (s *Store) EndSession(ctx context.Context, sessionID string, endTime time.Time, quality types.SessionQuality, reason types.EndReason) error {
	res, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "state": types.SessionActive},
		bson.M{"$set": bson.M{
			"state":          types.SessionEnded,
			"end_time":       endTime.UTC(),
			"quality":        quality,
			"end_reason":     reason,
			"students_count": 0,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetSessionByID(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, interfaces.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &session, nil
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
	cursor, err := s.sessions.Find(ctx,
		bson.M{"state": types.SessionActive},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var sessions []*types.Session
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode active sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) AddTranscript(ctx context.Context, record *types.TranscriptRecord) error {
	if _, err := s.transcripts.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

func (s *Store) AddTranslation(ctx context.Context, record *types.TranslationRecord) error {
	if _, err := s.translations.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to insert translation: %w", err)
	}
	return nil
}

func (s *Store) GetTranscriptCountBySession(ctx context.Context, sessionID string) (int, error) {
	n, err := s.transcripts.CountDocuments(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("failed to count transcripts: %w", err)
	}
	return int(n), nil
}

type qualityRow struct {
	Quality      types.SessionQuality `bson:"_id"`
	Count        int                  `bson:"count"`
	Translations int                  `bson:"translations"`
	DurationMs   int64                `bson:"duration_ms"`
	Timed        int64                `bson:"timed"`
}

// GetSessionQualityStats aggregates ended sessions server-side
func (s *Store) GetSessionQualityStats(ctx context.Context) (*types.QualityStats, error) {
	cursor, err := s.sessions.Aggregate(ctx, qualityPipeline())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate quality stats: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var rows []qualityRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode quality stats: %w", err)
	}
	return foldQualityRows(rows), nil
}

func qualityPipeline() mongo.Pipeline {
	hasDuration := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{bson.M{"$ifNull": bson.A{"$start_time", nil}}, nil}},
		bson.M{"$ne": bson.A{bson.M{"$ifNull": bson.A{"$end_time", nil}}, nil}},
	}}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"state": types.SessionEnded}}},
		{{Key: "$group", Value: bson.M{
			"_id":          "$quality",
			"count":        bson.M{"$sum": 1},
			"translations": bson.M{"$sum": "$total_translations"},
			"duration_ms": bson.M{"$sum": bson.M{"$cond": bson.A{
				hasDuration, bson.M{"$subtract": bson.A{"$end_time", "$start_time"}}, 0,
			}}},
			"timed": bson.M{"$sum": bson.M{"$cond": bson.A{hasDuration, 1, 0}}},
		}}},
	}
}

func foldQualityRows(rows []qualityRow) *types.QualityStats {
	stats := &types.QualityStats{ByQuality: make(map[types.SessionQuality]int)}
	var duration, timed int64
	for _, row := range rows {
		stats.ByQuality[row.Quality] += row.Count
		stats.TotalSessions += row.Count
		stats.TotalTranslations += row.Translations
		duration += row.DurationMs
		timed += row.Timed
	}
	if timed > 0 {
		stats.AverageDurationMs = duration / timed
	}
	return stats
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// updateDocument maps a partial update onto $set fields using the bson names
// of types.Session
func updateDocument(u types.SessionUpdate) bson.M {
	set := bson.M{}
	if u.TeacherLanguage != nil {
		set["teacher_language"] = *u.TeacherLanguage
	}
	if u.ClassroomCode != nil {
		set["classroom_code"] = *u.ClassroomCode
	}
	if u.CodeExpiresAt != nil {
		set["code_expires_at"] = u.CodeExpiresAt.UTC()
	}
	if u.Mode != nil {
		set["mode"] = *u.Mode
	}
	if u.StartTime != nil {
		set["start_time"] = u.StartTime.UTC()
	}
	if u.LastActivityAt != nil {
		set["last_activity_at"] = u.LastActivityAt.UTC()
	}
	if u.StudentsCount != nil {
		set["students_count"] = *u.StudentsCount
	}
	if u.StudentsEverJoined != nil {
		set["students_ever_joined"] = *u.StudentsEverJoined
	}
	if u.TotalTranslations != nil {
		set["total_translations"] = *u.TotalTranslations
	}
	return set
}
