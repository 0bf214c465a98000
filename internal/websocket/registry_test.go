package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicetranslator/internal/classcode"
	"voicetranslator/internal/memstore"
	"voicetranslator/internal/session"
	"voicetranslator/pkg/types"
)

// recordingSender captures frames for assertions
type recordingSender struct {
	id       string
	mu       sync.Mutex
	frames   []any
	closed   bool
	graceful bool
}

func newSender(id string) *recordingSender { return &recordingSender{id: id} }

func (s *recordingSender) ID() string { return s.id }

func (s *recordingSender) WriteJSON(v any) error {
	s.Send(v)
	return nil
}

func (s *recordingSender) Send(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames = append(s.frames, v)
	return true
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) CloseGracefully() {
	s.mu.Lock()
	s.graceful = true
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSender) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

// last returns the most recent frame of type T
func last[T any](s *recordingSender) (T, bool) {
	frames := s.all()
	for i := len(frames) - 1; i >= 0; i-- {
		if v, ok := frames[i].(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func newSessions(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager(memstore.New(), classcode.NewManager(), session.Options{
		Timeouts: session.Timeouts{ReconnectGrace: 5 * time.Minute, CodeTTL: 2 * time.Hour, ShortSession: 5 * time.Minute},
	})
	t.Cleanup(m.Close)
	return m
}

func addConn(t *testing.T, r *Registry, id string) *recordingSender {
	t.Helper()
	s := newSender(id)
	require.NoError(t, r.Add(s, ""))
	return s
}

func registerTeacher(t *testing.T, r *Registry, connID, teacherID string) AttachResult {
	t.Helper()
	res, err := r.Register(context.Background(), connID, types.RegisterMessage{
		Role: types.RoleTeacher, TeacherID: teacherID, LanguageCode: "en-US",
	})
	require.NoError(t, err)
	return res
}

func registerStudent(t *testing.T, r *Registry, connID, code, lang string) AttachResult {
	t.Helper()
	res, err := r.Register(context.Background(), connID, types.RegisterMessage{
		Role: types.RoleStudent, ClassroomCode: code, LanguageCode: lang,
	})
	require.NoError(t, err)
	return res
}

func TestRegistry_AddRejectsNil(t *testing.T) {
	r := NewRegistry(newSessions(t))
	assert.ErrorIs(t, r.Add(nil, ""), ErrNilConnection)
}

func TestRegistry_RegisterTeacherAndStudents(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	addConn(t, r, "t1")
	addConn(t, r, "s1")
	addConn(t, r, "s2")

	teacher := registerTeacher(t, r, "t1", "teacher-1")
	code := teacher.Session.ClassroomCode
	require.NotEmpty(t, code)
	assert.Equal(t, "en-US", teacher.Participant.LanguageCode)

	student := registerStudent(t, r, "s1", code, "es")
	assert.Equal(t, teacher.Session.ID, student.Participant.SessionID)
	registerStudent(t, r, "s2", code, "fr")

	all := r.ConnectionsForSession(teacher.Session.ID)
	assert.Len(t, all, 3)
	students := r.ConnectionsForSession(teacher.Session.ID, types.RoleStudent)
	require.Len(t, students, 2)
	assert.Equal(t, "s1", students[0].ConnectionID())

	snap, ok := sessions.Snapshot(teacher.Session.ID)
	require.True(t, ok)
	assert.Equal(t, 2, snap.StudentsCount)

	stats := r.GetStats()
	assert.Equal(t, 3, stats["total_connections"])
	assert.Equal(t, 1, stats["teachers"])
	assert.Equal(t, 2, stats["students"])
	assert.Equal(t, 1, stats["active_sessions"])
}

func TestRegistry_StudentCodeErrors(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	addConn(t, r, "t1")
	addConn(t, r, "s1")

	_, err := r.Register(context.Background(), "s1", types.RegisterMessage{Role: types.RoleStudent, ClassroomCode: "ZZZZZZ"})
	assert.ErrorIs(t, err, types.ErrInvalidClassroomCode)

	_, err = r.Register(context.Background(), "s1", types.RegisterMessage{Role: types.RoleStudent})
	assert.ErrorIs(t, err, types.ErrValidation)

	teacher := registerTeacher(t, r, "t1", "teacher-1")
	_, err = sessions.EndSession(context.Background(), teacher.Session.ID, types.EndReasonExplicit)
	require.NoError(t, err)

	_, err = r.Register(context.Background(), "s1", types.RegisterMessage{
		Role: types.RoleStudent, ClassroomCode: teacher.Session.ClassroomCode,
	})
	assert.ErrorIs(t, err, types.ErrSessionExpired)
}

func TestRegistry_RegisterValidatesRole(t *testing.T) {
	r := NewRegistry(newSessions(t))
	addConn(t, r, "c1")

	_, err := r.Register(context.Background(), "c1", types.RegisterMessage{Role: "principal"})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = r.Register(context.Background(), "unknown", types.RegisterMessage{Role: types.RoleTeacher})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_PendingSessionFromURL(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	addConn(t, r, "t1")
	teacher := registerTeacher(t, r, "t1", "teacher-1")

	s := newSender("s1")
	require.NoError(t, r.Add(s, teacher.Session.ID))
	res, err := r.Register(context.Background(), "s1", types.RegisterMessage{Role: types.RoleStudent, LanguageCode: "de"})
	require.NoError(t, err)
	assert.Equal(t, teacher.Session.ID, res.Participant.SessionID)
}

func TestRegistry_Reregister(t *testing.T) {
	r := NewRegistry(newSessions(t))
	addConn(t, r, "t1")
	addConn(t, r, "s1")
	teacher := registerTeacher(t, r, "t1", "teacher-1")
	registerStudent(t, r, "s1", teacher.Session.ClassroomCode, "es")

	res, err := r.Register(context.Background(), "s1", types.RegisterMessage{Role: types.RoleStudent, LanguageCode: "pt"})
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, "pt", res.Participant.LanguageCode)

	_, err = r.Register(context.Background(), "s1", types.RegisterMessage{Role: types.RoleTeacher})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistry_UpdateSettingsIdempotent(t *testing.T) {
	r := NewRegistry(newSessions(t))
	addConn(t, r, "c1")

	on := true
	svc := "openai"
	patch := types.SettingsPatch{UseClientSpeech: &on, TTSServiceType: &svc}

	first, err := r.UpdateSettings("c1", patch)
	require.NoError(t, err)
	second, err := r.UpdateSettings("c1", patch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, types.ConnectionSettings{UseClientSpeech: true, TTSServiceType: "openai"}, second)

	_, err = r.UpdateSettings("missing", patch)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_DetachForwardsParticipantLeft(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	addConn(t, r, "t1")
	addConn(t, r, "s1")
	addConn(t, r, "s2")
	teacher := registerTeacher(t, r, "t1", "teacher-1")
	id := teacher.Session.ID
	registerStudent(t, r, "s1", teacher.Session.ClassroomCode, "es")
	registerStudent(t, r, "s2", teacher.Session.ClassroomCode, "fr")

	p, ok := r.Detach(context.Background(), "s1")
	require.True(t, ok)
	assert.Equal(t, types.RoleStudent, p.Role)
	_, ok = r.Detach(context.Background(), "s1")
	assert.False(t, ok, "detach is idempotent")

	snap, _ := sessions.Snapshot(id)
	assert.Equal(t, 1, snap.StudentsCount)

	b := r.LanguageBreakdown(id)
	assert.Equal(t, 1, b.Students)
	assert.Equal(t, []LanguageShare{{Language: "fr", Count: 1, Percent: 100}}, b.Languages)

	r.Detach(context.Background(), "t1")
	snap, _ = sessions.Snapshot(id)
	assert.False(t, snap.TeacherConnected)
	assert.NotNil(t, snap.TeacherDetachedAt)
}

func TestRegistry_ConcurrentJoinsAndLeaves(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	addConn(t, r, "t1")
	teacher := registerTeacher(t, r, "t1", "teacher-1")
	code := teacher.Session.ClassroomCode

	const joins, leaves = 40, 15
	for i := 0; i < joins; i++ {
		addConn(t, r, fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(context.Background(), fmt.Sprintf("s%d", i), types.RegisterMessage{
				Role: types.RoleStudent, ClassroomCode: code, LanguageCode: "es",
			})
			assert.NoError(t, err)
			if i < leaves {
				r.Detach(context.Background(), fmt.Sprintf("s%d", i))
			}
		}(i)
	}
	wg.Wait()

	snap, _ := sessions.Snapshot(teacher.Session.ID)
	assert.Equal(t, joins-leaves, snap.StudentsCount)
	assert.Len(t, r.ConnectionsForSession(teacher.Session.ID, types.RoleStudent), joins-leaves)
}

func TestRegistry_LanguageBreakdownSumsTo100(t *testing.T) {
	r := NewRegistry(newSessions(t))
	addConn(t, r, "t1")
	teacher := registerTeacher(t, r, "t1", "teacher-1")
	langs := []string{"es", "fr", "de", ""}
	for i, lang := range langs {
		addConn(t, r, fmt.Sprintf("s%d", i))
		registerStudent(t, r, fmt.Sprintf("s%d", i), teacher.Session.ClassroomCode, lang)
	}

	b := r.LanguageBreakdown(teacher.Session.ID)
	assert.Equal(t, 4, b.Students)
	assert.Equal(t, 1, b.Unassigned)
	require.Len(t, b.Languages, 3)
	sum := 0
	for _, l := range b.Languages {
		sum += l.Percent
	}
	assert.Equal(t, 100, sum)

	empty := r.LanguageBreakdown("nope")
	assert.Zero(t, empty.Students)
	assert.Empty(t, empty.Languages)
}

func TestAssignPercentages(t *testing.T) {
	shares := []LanguageShare{{Count: 2}, {Count: 2}, {Count: 2}}
	assignPercentages(shares, 6)
	assert.Equal(t, 34, shares[0].Percent)
	assert.Equal(t, 33, shares[1].Percent)
	assert.Equal(t, 33, shares[2].Percent)

	shares = []LanguageShare{{Count: 7}, {Count: 1}}
	assignPercentages(shares, 8)
	assert.Equal(t, 88, shares[0].Percent)
	assert.Equal(t, 12, shares[1].Percent)
}

func TestRegistry_CloseSession(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	tconn := addConn(t, r, "t1")
	sconn := addConn(t, r, "s1")
	teacher := registerTeacher(t, r, "t1", "teacher-1")
	registerStudent(t, r, "s1", teacher.Session.ClassroomCode, "es")

	n := r.CloseSession(teacher.Session.ID, types.SessionEndedMessage{Type: types.TypeSessionEnded, SessionID: teacher.Session.ID})
	assert.Equal(t, 2, n)
	for _, c := range []*recordingSender{tconn, sconn} {
		msg, ok := last[types.SessionEndedMessage](c)
		require.True(t, ok)
		assert.Equal(t, teacher.Session.ID, msg.SessionID)
		assert.True(t, c.graceful)
	}
	assert.Empty(t, r.ConnectionsForSession(teacher.Session.ID))

	// the transport close that follows does not re-notify the ended session
	_, ok := r.Detach(context.Background(), "s1")
	assert.True(t, ok)
	p, ok := r.Get("t1")
	require.True(t, ok)
	assert.Empty(t, p.SessionID)
}

func TestRegistry_CloseAllKeepsSessionsActive(t *testing.T) {
	sessions := newSessions(t)
	r := NewRegistry(sessions)
	t1 := addConn(t, r, "t1")
	s1 := addConn(t, r, "s1")
	lobby := addConn(t, r, "lobby")
	res := registerTeacher(t, r, "t1", "teacher-1")
	registerStudent(t, r, "s1", res.Session.ClassroomCode, "es")

	assert.Equal(t, 3, r.CloseAll())
	for _, s := range []*recordingSender{t1, s1, lobby} {
		s.mu.Lock()
		assert.True(t, s.closed, s.id)
		assert.False(t, s.graceful, s.id)
		s.mu.Unlock()
	}
	assert.True(t, sessions.IsActive(res.Session.ID))
}
