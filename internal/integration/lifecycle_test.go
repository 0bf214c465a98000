package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicetranslator/internal/api"
	"voicetranslator/internal/config"
	"voicetranslator/pkg/types"
)

func withScale(scale float64) func(*config.Config) {
	return func(c *config.Config) { c.Session.NonProductionScale = scale }
}

// TestLifecycle_EmptyTeacherTimeout: 5 minutes scaled to 300ms with no student
func TestLifecycle_EmptyTeacherTimeout(t *testing.T) {
	h := newHarness(t, "memory", nil)
	teacher := h.connect()
	sessionID, code := teacher.registerTeacher("teacher-empty")

	ended := teacher.expect(types.TypeSessionEnded)
	assert.Equal(t, sessionID, ended["sessionId"])
	assert.Equal(t, string(types.EndReasonEmptyTeacher), ended["reason"])
	teacher.expectClosed()

	var resp api.ClassroomResponse
	assert.Equal(t, http.StatusGone, h.getJSON("/api/classrooms/"+code, &resp))
	assert.Equal(t, types.CodeSessionExpired, resp.Code)

	var got api.SessionResponse
	require.Equal(t, http.StatusOK, h.getJSON("/api/sessions/"+sessionID, &got))
	assert.Equal(t, types.SessionEnded, got.Session.State)
	assert.Equal(t, types.QualityNoStudents, got.Session.Quality)
}

func TestLifecycle_AllStudentsLeftTimeout(t *testing.T) {
	h := newHarness(t, "memory", withScale(0.002))
	teacher := h.connect()
	sessionID, code := teacher.registerTeacher("teacher-left")

	student := h.connect()
	student.registerStudent(code, "es")
	teacher.expect(types.TypeStudentJoined)

	student.close()
	left := teacher.expect(types.TypeStudentLeft)
	assert.EqualValues(t, 0, left["studentsCount"])

	ended := teacher.expect(types.TypeSessionEnded)
	assert.Equal(t, sessionID, ended["sessionId"])
	assert.Equal(t, string(types.EndReasonAllStudentsLeft), ended["reason"])

	var got api.SessionResponse
	require.Equal(t, http.StatusOK, h.getJSON("/api/sessions/"+sessionID, &got))
	assert.Equal(t, types.QualityNoActivity, got.Session.Quality)
}

func TestLifecycle_TeacherRestoresWithinGrace(t *testing.T) {
	h := newHarness(t, "memory", withScale(0.05))
	teacher := h.connect()
	sessionID, code := teacher.registerTeacher("teacher-wifi")

	student := h.connect()
	student.registerStudent(code, "fr")
	teacher.expect(types.TypeStudentJoined)

	teacher.close()
	student.expect(types.TypeTeacherLeft)

	back := h.connect()
	back.send(map[string]any{"type": "register", "role": "teacher", "teacherId": "teacher-wifi"})
	ack := back.expect(types.TypeRegister)
	assert.Equal(t, sessionID, ack["sessionId"])
	assert.Equal(t, true, ack["restored"])
	assert.Equal(t, code, back.expect(types.TypeClassroomCode)["code"], "the code survives a restore")
	student.expect(types.TypeTeacherReconnected)

	back.send(map[string]any{"type": "transcription", "text": "where were we"})
	assert.Equal(t, "[fr] where were we", student.expect(types.TypeTranslation)["text"])
}

func TestLifecycle_TeacherOutsideGraceSupersedes(t *testing.T) {
	h := newHarness(t, "memory", withScale(0.002))
	teacher := h.connect()
	oldID, code := teacher.registerTeacher("teacher-late")

	student := h.connect()
	student.registerStudent(code, "de")
	teacher.expect(types.TypeStudentJoined)

	teacher.close()
	student.expect(types.TypeTeacherLeft)
	// grace is 5 minutes scaled to 600ms
	time.Sleep(800 * time.Millisecond)

	late := h.connect()
	newID, newCode := late.registerTeacher("teacher-late")
	assert.NotEqual(t, oldID, newID)
	assert.NotEqual(t, code, newCode)

	ended := student.expect(types.TypeSessionEnded)
	assert.Equal(t, oldID, ended["sessionId"])
	assert.Equal(t, string(types.EndReasonSuperseded), ended["reason"])
	student.expectClosed()
}
