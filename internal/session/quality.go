package session

import (
	"time"

	"voicetranslator/pkg/types"
)

// Classify labels a session at end of life. Precedence: a room nobody joined is
// no_students, a room with students but no translations is no_activity, and
// only then does duration decide between too_short and real. too_short never
// ends a session by itself.
func Classify(s types.Session, endTime time.Time, shortThreshold time.Duration) types.SessionQuality {
	switch {
	case !s.StudentsEverJoined:
		return types.QualityNoStudents
	case s.TotalTranslations == 0:
		return types.QualityNoActivity
	case s.StartTime == nil:
		return types.QualityUnknown
	case endTime.Sub(*s.StartTime) < shortThreshold:
		return types.QualityTooShort
	default:
		return types.QualityReal
	}
}
