package interfaces

import (
	"context"

	"voicetranslator/pkg/types"
)

// SessionLifecycle is what the connection registry needs from the session
// authority to attach and detach connections
type SessionLifecycle interface {
	// RegisterTeacher creates a session or restores the one the teacher
	// still owns. Concurrent calls for one teacherID observe a single session.
	RegisterTeacher(ctx context.Context, teacherID, language, connID string) (types.TeacherAttachment, error)

	// ResolveCode maps a classroom code onto a live session id
	ResolveCode(code string) (string, error)

	// JoinStudent counts connID into the session's students
	JoinStudent(ctx context.Context, sessionID, connID string) (types.Session, error)

	// ParticipantLeft is forwarded by the registry on transport close
	ParticipantLeft(ctx context.Context, sessionID string, role types.Role, connID string)

	// IsActive reports whether the session still accepts traffic
	IsActive(sessionID string) bool
}

// ActivityRecorder is what the fan-out path needs from the session authority
type ActivityRecorder interface {
	IsActive(sessionID string) bool
	Touch(sessionID string)
	RecordTranscript(ctx context.Context, record types.TranscriptRecord) error
	RecordTranslation(ctx context.Context, record types.TranslationRecord) error
}
