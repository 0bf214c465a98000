package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicetranslator/internal/classcode"
	"voicetranslator/internal/hub"
	"voicetranslator/internal/router"
	"voicetranslator/internal/session"
	"voicetranslator/pkg/types"
)

type echoTranslator struct{}

func (echoTranslator) Translate(_ context.Context, text, _, dst string) (string, error) {
	return "[" + dst + "] " + text, nil
}

type stack struct {
	server   *httptest.Server
	sessions *session.Manager
	registry *Registry
	handler  *Handler
}

func newStack(t *testing.T, cfg HandlerConfig) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sessions := newSessions(t)
	registry := NewRegistry(sessions)
	rt := router.NewRouter(registry, sessions, echoTranslator{}, nil, nil, router.Config{})

	h := hub.NewHub(hub.DefaultConfig())
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { _ = h.Stop() })

	handler := NewHandler(ctx, registry, sessions, rt, h, cfg)
	sessions.OnSessionEnded(handler.SessionEnded)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &stack{server: server, sessions: sessions, registry: registry, handler: handler}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (s *stack) dial(t *testing.T, query string) (*testClient, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = ws.Close() })
	c := &testClient{t: t, ws: ws}
	c.expect(types.TypeConnection)
	return c, resp, nil
}

func (s *stack) connect(t *testing.T) *testClient {
	t.Helper()
	c, _, err := s.dial(t, "")
	require.NoError(t, err)
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// expect reads frames until one of type typ arrives
func (c *testClient) expect(typ string) map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %q", typ)
		var msg map[string]any
		require.NoError(c.t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func (c *testClient) registerTeacher(teacherID string) (sessionID, code string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register", "role": "teacher", "teacherId": teacherID, "languageCode": "en-US"})
	ack := c.expect(types.TypeRegister)
	require.Equal(c.t, "success", ack["status"])
	codeMsg := c.expect(types.TypeClassroomCode)
	return ack["sessionId"].(string), codeMsg["code"].(string)
}

func (c *testClient) registerStudent(code, lang string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register", "role": "student", "classroomCode": code, "languageCode": lang})
	ack := c.expect(types.TypeRegister)
	require.Equal(c.t, "success", ack["status"])
}

func TestHandler_ClassroomFlow(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	teacher := s.connect(t)
	sessionID, code := teacher.registerTeacher("teacher-1")
	assert.Len(t, code, classcode.Length)

	student := s.connect(t)
	student.registerStudent(code, "es")
	joined := teacher.expect(types.TypeStudentJoined)
	assert.EqualValues(t, 1, joined["studentsCount"])
	assert.Equal(t, "es", joined["languageCode"])

	teacher.send(map[string]any{"type": "transcription", "text": "good morning"})
	tr := student.expect(types.TypeTranslation)
	assert.Equal(t, "[es] good morning", tr["text"])
	assert.Equal(t, "good morning", tr["originalText"])
	assert.Equal(t, true, tr["useClientSpeech"], "no synthesizer configured")

	teacher.send(map[string]any{"type": "end_session"})
	for _, c := range []*testClient{teacher, student} {
		ended := c.expect(types.TypeSessionEnded)
		assert.Equal(t, sessionID, ended["sessionId"])
		assert.Equal(t, string(types.EndReasonExplicit), ended["reason"])
	}
	assert.False(t, s.sessions.IsActive(sessionID))
}

func TestHandler_CodeInURL(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	teacher := s.connect(t)
	sessionID, code := teacher.registerTeacher("teacher-1")

	_, resp, err := s.dial(t, "?code=ZZZZZZ")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	student, _, err := s.dial(t, "?code="+strings.ToLower(code))
	require.NoError(t, err)
	student.send(map[string]any{"type": "register", "role": "student", "languageCode": "fr"})
	ack := student.expect(types.TypeRegister)
	assert.Equal(t, sessionID, ack["sessionId"])

	_, err = s.sessions.EndSession(context.Background(), sessionID, types.EndReasonAdmin)
	require.NoError(t, err)
	_, resp, err = s.dial(t, "?code="+code)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestHandler_RejectionsKeepConnectionOpen(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	c := s.connect(t)

	c.send(map[string]any{"type": "transcription", "text": "hi"})
	assert.Equal(t, types.CodeNotRegistered, c.expect(types.TypeError)["code"])

	c.send(map[string]any{"type": "register", "role": "student", "classroomCode": "ZZZZZZ"})
	assert.Equal(t, types.CodeInvalidClassroomCode, c.expect(types.TypeError)["code"])

	c.send(map[string]any{"type": "hologram"})
	c.send(map[string]any{"type": "ping", "timestamp": 42})
	assert.EqualValues(t, 42, c.expect(types.TypePong)["timestamp"])

	teacher := s.connect(t)
	_, code := teacher.registerTeacher("teacher-1")
	c.registerStudent(code, "es")
	c.send(map[string]any{"type": "transcription", "text": "hi"})
	assert.Equal(t, types.CodeForbidden, c.expect(types.TypeError)["code"])
	c.send(map[string]any{"type": "end_session"})
	assert.Equal(t, types.CodeForbidden, c.expect(types.TypeError)["code"])
}

func TestHandler_ManualMode(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	teacher := s.connect(t)
	_, code := teacher.registerTeacher("teacher-1")
	student := s.connect(t)
	student.registerStudent(code, "es")

	teacher.send(map[string]any{"type": "send_translation", "text": "too early"})
	assert.Equal(t, types.CodeManualModeDisabled, teacher.expect(types.TypeError)["code"])

	teacher.send(map[string]any{"type": "teacher_mode", "mode": "manual"})
	assert.Equal(t, "manual", teacher.expect(types.TypeTeacherMode)["mode"])
	assert.Equal(t, "manual", student.expect(types.TypeTeacherMode)["mode"])

	// recognized speech is held back in manual mode
	teacher.send(map[string]any{"type": "transcription", "text": "spoken"})
	teacher.send(map[string]any{"type": "send_translation", "text": "typed"})
	ack := teacher.expect(types.TypeManualSendAck)
	assert.Equal(t, "sent", ack["status"])
	assert.EqualValues(t, 1, ack["delivered"])
	assert.Equal(t, "[es] typed", student.expect(types.TypeTranslation)["text"])
}

func TestHandler_PresenceNotices(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	teacher := s.connect(t)
	sessionID, code := teacher.registerTeacher("teacher-1")
	student := s.connect(t)
	student.registerStudent(code, "es")
	teacher.expect(types.TypeStudentJoined)

	require.NoError(t, student.ws.Close())
	left := teacher.expect(types.TypeStudentLeft)
	assert.EqualValues(t, 0, left["studentsCount"])

	other := s.connect(t)
	other.registerStudent(code, "fr")
	require.NoError(t, teacher.ws.Close())
	assert.Equal(t, sessionID, other.expect(types.TypeTeacherLeft)["sessionId"])

	back := s.connect(t)
	back.send(map[string]any{"type": "register", "role": "teacher", "teacherId": "teacher-1"})
	ack := back.expect(types.TypeRegister)
	assert.Equal(t, sessionID, ack["sessionId"])
	assert.Equal(t, true, ack["restored"])
	other.expect(types.TypeTeacherReconnected)
}

func TestHandler_DispatchSettingsAndRateLimit(t *testing.T) {
	s := newStack(t, HandlerConfig{RateLimit: 3})
	conn := newSender("c1")
	require.NoError(t, s.registry.Add(conn, ""))

	s.handler.Dispatch(conn, []byte(`{"type":"settings","settings":{"useClientSpeech":true}}`))
	ack, ok := last[types.SettingsAck](conn)
	require.True(t, ok)
	assert.True(t, ack.Settings.UseClientSpeech)

	// the flat form is accepted too
	s.handler.Dispatch(conn, []byte(`{"type":"settings","ttsServiceType":"openai"}`))
	ack, _ = last[types.SettingsAck](conn)
	assert.Equal(t, types.ConnectionSettings{UseClientSpeech: true, TTSServiceType: "openai"}, ack.Settings)

	s.handler.Dispatch(conn, []byte(`{"type":"ping"}`))
	s.handler.Dispatch(conn, []byte(`{"type":"ping"}`))
	msg, ok := last[types.ErrorMessage](conn)
	require.True(t, ok)
	assert.Equal(t, types.CodeRateLimited, msg.Code)
}

func TestHandler_AudioRequiresTeacherAndSize(t *testing.T) {
	s := newStack(t, HandlerConfig{MaxAudioBytes: 4})
	teacher := newSender("t1")
	require.NoError(t, s.registry.Add(teacher, ""))
	s.handler.Dispatch(teacher, []byte(`{"type":"register","role":"teacher","teacherId":"t"}`))

	// 12 base64 chars decode to 9 bytes
	s.handler.Dispatch(teacher, []byte(`{"type":"audio","data":"aGVsbG8gd29y"}`))
	msg, ok := last[types.ErrorMessage](teacher)
	require.True(t, ok)
	assert.Equal(t, types.CodeValidation, msg.Code)
}

func TestCheckOrigin(t *testing.T) {
	h := &Handler{cfg: HandlerConfig{AllowedOrigins: []string{"https://class.example.org"}}}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://CLASS.example.org")
	assert.True(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))
}

func TestHandler_ParticipantTrafficTouchesSession(t *testing.T) {
	s := newStack(t, HandlerConfig{})
	teacher := newSender("t1")
	require.NoError(t, s.registry.Add(teacher, ""))
	s.handler.Dispatch(teacher, []byte(`{"type":"register","role":"teacher","teacherId":"t"}`))
	ack, ok := last[types.RegisterAck](teacher)
	require.True(t, ok)
	code, ok := last[types.ClassroomCodeMessage](teacher)
	require.True(t, ok)

	student := newSender("s1")
	require.NoError(t, s.registry.Add(student, ""))
	s.handler.Dispatch(student, []byte(`{"type":"register","role":"student","classroomCode":"`+code.Code+`","languageCode":"es"}`))

	lastActivity := func() time.Time {
		snap, ok := s.sessions.Snapshot(ack.SessionID)
		require.True(t, ok)
		return snap.LastActivityAt
	}

	for _, frame := range []string{
		`{"type":"settings","settings":{"useClientSpeech":true}}`,
		`{"type":"ping"}`,
	} {
		before := lastActivity()
		time.Sleep(5 * time.Millisecond)
		s.handler.Dispatch(student, []byte(frame))
		assert.True(t, lastActivity().After(before), "student frame %s", frame)
	}

	before := lastActivity()
	time.Sleep(5 * time.Millisecond)
	s.handler.Dispatch(teacher, []byte(`{"type":"ping","timestamp":1}`))
	assert.True(t, lastActivity().After(before), "teacher ping")

	// unbound connections have no session to touch
	stranger := newSender("x1")
	require.NoError(t, s.registry.Add(stranger, ""))
	before = lastActivity()
	s.handler.Dispatch(stranger, []byte(`{"type":"ping"}`))
	assert.Equal(t, before, lastActivity())
}
