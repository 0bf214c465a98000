package types

import (
	"time"
)

// Role identifies which side of a classroom a connection speaks for
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// SessionState is the stored lifecycle state. "Expired" is never stored:
// it is a policy predicate that moves a session to SessionEnded.
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// SessionQuality is a post-hoc reporting label computed when a session ends
type SessionQuality string

const (
	QualityReal       SessionQuality = "real"
	QualityNoStudents SessionQuality = "no_students"
	QualityNoActivity SessionQuality = "no_activity"
	QualityTooShort   SessionQuality = "too_short"
	QualityUnknown    SessionQuality = "unknown"
)

// EndReason records what retired a session
type EndReason string

const (
	EndReasonStale           EndReason = "stale"
	EndReasonAllStudentsLeft EndReason = "all_students_left"
	EndReasonEmptyTeacher    EndReason = "empty_teacher"
	EndReasonExplicit        EndReason = "explicit"
	EndReasonAdmin           EndReason = "admin"
	EndReasonSuperseded      EndReason = "superseded"
)

// TranslationMode controls whether teacher transcriptions fan out automatically
type TranslationMode string

const (
	ModeAuto   TranslationMode = "auto"
	ModeManual TranslationMode = "manual"
)

// Session is a point-in-time view of one teaching session.
// StartTime stays nil until the first student joins so idle pre-class time
// never counts toward duration metrics. EndTime is non-nil iff State is ended.
type Session struct {
	ID                 string          `json:"id" bson:"_id"`
	TeacherID          string          `json:"teacherId,omitempty" bson:"teacher_id"`
	TeacherLanguage    string          `json:"teacherLanguage" bson:"teacher_language"`
	ClassroomCode      string          `json:"classroomCode" bson:"classroom_code"`
	CodeExpiresAt      time.Time       `json:"codeExpiresAt" bson:"code_expires_at"`
	State              SessionState    `json:"state" bson:"state"`
	Mode               TranslationMode `json:"mode" bson:"mode"`
	CreatedAt          time.Time       `json:"createdAt" bson:"created_at"`
	StartTime          *time.Time      `json:"startTime,omitempty" bson:"start_time,omitempty"`
	EndTime            *time.Time      `json:"endTime,omitempty" bson:"end_time,omitempty"`
	LastActivityAt     time.Time       `json:"lastActivityAt" bson:"last_activity_at"`
	StudentsCount      int             `json:"studentsCount" bson:"students_count"`
	StudentsEverJoined bool            `json:"studentsEverJoined" bson:"students_ever_joined"`
	TotalTranslations  int             `json:"totalTranslations" bson:"total_translations"`
	Quality            SessionQuality  `json:"quality,omitempty" bson:"quality,omitempty"`
	EndReason          EndReason       `json:"endReason,omitempty" bson:"end_reason,omitempty"`

	// Presence bookkeeping, in-memory only
	TeacherConnected  bool       `json:"teacherConnected" bson:"-"`
	TeacherDetachedAt *time.Time `json:"teacherDetachedAt,omitempty" bson:"-"`
	AllStudentsLeftAt *time.Time `json:"allStudentsLeftAt,omitempty" bson:"-"`
}

// IsActive reports whether the session can still accept traffic
func (s *Session) IsActive() bool {
	return s.State == SessionActive
}

// SessionUpdate is a partial update; nil fields are left untouched
type SessionUpdate struct {
	TeacherLanguage    *string          `json:"teacherLanguage,omitempty"`
	ClassroomCode      *string          `json:"classroomCode,omitempty"`
	CodeExpiresAt      *time.Time       `json:"codeExpiresAt,omitempty"`
	Mode               *TranslationMode `json:"mode,omitempty"`
	StartTime          *time.Time       `json:"startTime,omitempty"`
	LastActivityAt     *time.Time       `json:"lastActivityAt,omitempty"`
	StudentsCount      *int             `json:"studentsCount,omitempty"`
	StudentsEverJoined *bool            `json:"studentsEverJoined,omitempty"`
	TotalTranslations  *int             `json:"totalTranslations,omitempty"`
}

// IsEmpty reports whether the update carries no field
func (u SessionUpdate) IsEmpty() bool {
	return u.TeacherLanguage == nil && u.ClassroomCode == nil && u.CodeExpiresAt == nil &&
		u.Mode == nil && u.StartTime == nil && u.LastActivityAt == nil &&
		u.StudentsCount == nil && u.StudentsEverJoined == nil && u.TotalTranslations == nil
}

// ApplyTo copies every non-nil field onto s
func (u SessionUpdate) ApplyTo(s *Session) {
	if u.TeacherLanguage != nil {
		s.TeacherLanguage = *u.TeacherLanguage
	}
	if u.ClassroomCode != nil {
		s.ClassroomCode = *u.ClassroomCode
	}
	if u.CodeExpiresAt != nil {
		s.CodeExpiresAt = *u.CodeExpiresAt
	}
	if u.Mode != nil {
		s.Mode = *u.Mode
	}
	if u.StartTime != nil {
		t := *u.StartTime
		s.StartTime = &t
	}
	if u.LastActivityAt != nil {
		s.LastActivityAt = *u.LastActivityAt
	}
	if u.StudentsCount != nil {
		s.StudentsCount = *u.StudentsCount
	}
	if u.StudentsEverJoined != nil {
		s.StudentsEverJoined = *u.StudentsEverJoined
	}
	if u.TotalTranslations != nil {
		s.TotalTranslations = *u.TotalTranslations
	}
}

// TranslationRecord is one persisted per-language translation of an utterance
type TranslationRecord struct {
	ID             string    `json:"id" bson:"_id"`
	SessionID      string    `json:"sessionId" bson:"session_id"`
	SourceLanguage string    `json:"sourceLanguage" bson:"source_language"`
	TargetLanguage string    `json:"targetLanguage" bson:"target_language"`
	OriginalText   string    `json:"originalText" bson:"original_text"`
	TranslatedText string    `json:"translatedText" bson:"translated_text"`
	LatencyMs      int64     `json:"latencyMs" bson:"latency_ms"`
	CreatedAt      time.Time `json:"createdAt" bson:"created_at"`
}

// TranscriptRecord is one teacher utterance in its source language
type TranscriptRecord struct {
	ID        string    `json:"id" bson:"_id"`
	SessionID string    `json:"sessionId" bson:"session_id"`
	Language  string    `json:"language" bson:"language"`
	Text      string    `json:"text" bson:"text"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// QualityStats summarizes ended sessions by quality label
type QualityStats struct {
	TotalSessions     int                    `json:"totalSessions"`
	ByQuality         map[SessionQuality]int `json:"byQuality"`
	TotalTranslations int                    `json:"totalTranslations"`
	AverageDurationMs int64                  `json:"averageDurationMs"`
}

// ConnectionSettings are per-connection client preferences
type ConnectionSettings struct {
	UseClientSpeech bool   `json:"useClientSpeech"`
	TTSServiceType  string `json:"ttsServiceType,omitempty"`
}

// SettingsPatch is a partial settings update
type SettingsPatch struct {
	UseClientSpeech *bool   `json:"useClientSpeech,omitempty"`
	TTSServiceType  *string `json:"ttsServiceType,omitempty" validate:"omitempty,max=64"`
}

// Apply merges a patch. Applying the same patch twice yields the same settings.
func (s ConnectionSettings) Apply(p SettingsPatch) ConnectionSettings {
	if p.UseClientSpeech != nil {
		s.UseClientSpeech = *p.UseClientSpeech
	}
	if p.TTSServiceType != nil {
		s.TTSServiceType = *p.TTSServiceType
	}
	return s
}

// TeacherAttachment is the outcome of a teacher registration
type TeacherAttachment struct {
	Session  Session `json:"session"`
	Restored bool    `json:"restored"`
	// Superseded is the id of an out-of-grace session that was ended to make room
	Superseded string `json:"superseded,omitempty"`
}
