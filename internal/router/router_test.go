package router

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

type fakeSender struct {
	id     string
	mu     sync.Mutex
	sent   []any
	reject bool
}

func (f *fakeSender) ID() string            { return f.id }
func (f *fakeSender) WriteJSON(v any) error { f.Send(v); return nil }
func (f *fakeSender) Close() error          { return nil }
func (f *fakeSender) Send(v any) bool {
	if f.reject {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return true
}

func (f *fakeSender) translations() []types.TranslationMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.TranslationMessage
	for _, v := range f.sent {
		if m, ok := v.(types.TranslationMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeDirectory struct {
	participants []interfaces.Participant
}

func (d *fakeDirectory) ConnectionsForSession(sessionID string, roles ...types.Role) []interfaces.Participant {
	var out []interfaces.Participant
	for _, p := range d.participants {
		if p.SessionID != sessionID {
			continue
		}
		for _, r := range roles {
			if p.Role == r {
				out = append(out, p)
			}
		}
	}
	return out
}

type fakeSessions struct {
	mu           sync.Mutex
	active       bool
	mode         types.TranslationMode
	touches      int
	transcripts  []types.TranscriptRecord
	translations []types.TranslationRecord
	// endOnTranslate flips the session inactive during translation
	endOnTranslate bool
}

func (s *fakeSessions) IsActive(string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeSessions) Touch(string) {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
}

func (s *fakeSessions) RecordTranscript(ctx context.Context, r types.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, r)
	return nil
}

func (s *fakeSessions) RecordTranslation(ctx context.Context, r types.TranslationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.TargetLanguage == "" {
		return types.ErrValidation
	}
	s.translations = append(s.translations, r)
	return nil
}

func (s *fakeSessions) Mode(string) types.TranslationMode {
	if s.mode == "" {
		return types.ModeAuto
	}
	return s.mode
}

type countingTranslator struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]bool
	sessions *fakeSessions
}

func newCountingTranslator() *countingTranslator {
	return &countingTranslator{calls: map[string]int{}, fail: map[string]bool{}}
}

func (c *countingTranslator) Translate(ctx context.Context, text, src, dst string) (string, error) {
	c.mu.Lock()
	c.calls[dst]++
	fail := c.fail[dst]
	c.mu.Unlock()
	if c.sessions != nil && c.sessions.endOnTranslate {
		c.sessions.mu.Lock()
		c.sessions.active = false
		c.sessions.mu.Unlock()
	}
	if fail {
		return "", errors.New("provider down")
	}
	return "[" + dst + "] " + text, nil
}

func (c *countingTranslator) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

type fakeSynth struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("tts down")
	}
	return []byte("audio:" + lang), nil
}

type fakeVoices map[string]interfaces.Synthesizer

func (v fakeVoices) Lookup(serviceType string) (interfaces.Synthesizer, string, bool) {
	if s, ok := v[serviceType]; ok {
		return s, serviceType, true
	}
	s, ok := v["openai"]
	return s, "openai", ok
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(ctx context.Context, audio []byte, lang string) (string, error) {
	return f.text, f.err
}

func student(id, lang string, settings types.ConnectionSettings) (interfaces.Participant, *fakeSender) {
	conn := &fakeSender{id: id}
	return interfaces.Participant{
		Conn: conn, Role: types.RoleStudent, SessionID: "s1", LanguageCode: lang, Settings: settings,
	}, conn
}

func clientSpeech() types.ConnectionSettings {
	return types.ConnectionSettings{UseClientSpeech: true}
}

func TestRouteTranscription_OneCallPerLanguage(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	p2, c2 := student("b", "fr", clientSpeech())
	p3, c3 := student("c", "es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2, p3}}
	sessions := &fakeSessions{active: true}
	tr := newCountingTranslator()

	r := NewRouter(dir, sessions, tr, nil, nil, Config{})
	report := r.RouteTranscription(context.Background(), "s1", "en", "good morning")

	assert.Equal(t, 2, tr.total())
	assert.Equal(t, 1, tr.calls["es"])
	assert.Equal(t, 1, tr.calls["fr"])
	assert.Len(t, sessions.translations, 2)
	assert.Len(t, sessions.transcripts, 1)
	assert.Equal(t, 3, report.Delivered)
	assert.ElementsMatch(t, []string{"es", "fr"}, report.DeliveredLanguages())

	for _, c := range []*fakeSender{c1, c3} {
		msgs := c.translations()
		require.Len(t, msgs, 1)
		assert.Equal(t, "[es] good morning", msgs[0].Text)
		assert.Equal(t, "good morning", msgs[0].OriginalText)
		assert.Equal(t, "en", msgs[0].SourceLanguage)
		assert.Equal(t, "es", msgs[0].TargetLanguage)
		assert.Empty(t, msgs[0].AudioData)
	}
	require.Len(t, c2.translations(), 1)
	assert.Equal(t, "fr", c2.translations()[0].TargetLanguage)
}

func TestRouteTranscription_LanguageCaseIsOneLanguage(t *testing.T) {
	p1, _ := student("a", "es-ES", clientSpeech())
	p2, _ := student("b", "es-es", clientSpeech())
	p3, c3 := student("c", "ES-es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2, p3}}
	sessions := &fakeSessions{active: true}
	tr := newCountingTranslator()

	r := NewRouter(dir, sessions, tr, nil, nil, Config{})
	report := r.RouteTranscription(context.Background(), "s1", "en", "line up please")

	assert.Equal(t, 1, tr.calls["es-ES"])
	assert.Equal(t, 1, tr.total())
	assert.Len(t, sessions.translations, 1)
	assert.Equal(t, 3, report.Delivered)
	require.Len(t, c3.translations(), 1)
	assert.Equal(t, "es-ES", c3.translations()[0].TargetLanguage)
}

func TestRouteTranscription_SkipsStudentsWithoutLanguage(t *testing.T) {
	p1, c1 := student("a", "", clientSpeech())
	p2, _ := student("b", "de", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2}}
	sessions := &fakeSessions{active: true}
	tr := newCountingTranslator()

	report := NewRouter(dir, sessions, tr, nil, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")

	assert.Equal(t, []string{"a"}, report.Undeliverable)
	assert.Empty(t, c1.sent)
	require.Len(t, sessions.translations, 1)
	assert.Equal(t, "de", sessions.translations[0].TargetLanguage)
	for _, rec := range sessions.translations {
		assert.NotEmpty(t, rec.TargetLanguage)
	}
}

func TestRouteTranscription_LanguageFailureIsIsolated(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	p2, c2 := student("b", "fr", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2}}
	sessions := &fakeSessions{active: true}
	tr := newCountingTranslator()
	tr.fail["fr"] = true

	report := NewRouter(dir, sessions, tr, nil, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")

	assert.Len(t, c1.translations(), 1)
	assert.Empty(t, c2.sent, "failed language gets no message, not an error")
	assert.Equal(t, []string{"fr"}, report.Failed())
	require.Len(t, sessions.translations, 1)
	assert.Equal(t, "es", sessions.translations[0].TargetLanguage)
}

func TestRouteTranscription_AudioPerService(t *testing.T) {
	openaiSynth := &fakeSynth{}
	azureSynth := &fakeSynth{}
	voices := fakeVoices{"openai": openaiSynth, "azure": azureSynth}

	p1, c1 := student("a", "es", types.ConnectionSettings{})
	p2, c2 := student("b", "es", types.ConnectionSettings{TTSServiceType: "azure"})
	p3, c3 := student("c", "es", clientSpeech())
	p4, _ := student("d", "es", types.ConnectionSettings{})
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2, p3, p4}}
	sessions := &fakeSessions{active: true}

	NewRouter(dir, sessions, newCountingTranslator(), voices, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")

	assert.Equal(t, 1, openaiSynth.calls, "students sharing a service share one clip")
	assert.Equal(t, 1, azureSynth.calls)

	want := base64.StdEncoding.EncodeToString([]byte("audio:es"))
	assert.Equal(t, want, c1.translations()[0].AudioData)
	assert.Equal(t, want, c2.translations()[0].AudioData)
	assert.Empty(t, c3.translations()[0].AudioData)
	assert.True(t, c3.translations()[0].UseClientSpeech)
	assert.Len(t, sessions.translations, 1, "one record per language regardless of audio")
}

func TestRouteTranscription_TTSFailureFallsBackToText(t *testing.T) {
	voices := fakeVoices{"openai": &fakeSynth{fail: true}}
	p1, c1 := student("a", "es", types.ConnectionSettings{})
	dir := &fakeDirectory{participants: []interfaces.Participant{p1}}
	sessions := &fakeSessions{active: true}

	NewRouter(dir, sessions, newCountingTranslator(), voices, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")

	msgs := c1.translations()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].AudioData)
	assert.True(t, msgs[0].UseClientSpeech)
}

func TestRouteTranscription_InactiveSession(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1}}
	sessions := &fakeSessions{active: false}
	tr := newCountingTranslator()

	report := NewRouter(dir, sessions, tr, nil, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")
	assert.True(t, report.SessionEnded)
	assert.Zero(t, tr.total())
	assert.Empty(t, c1.sent)
}

func TestRouteTranscription_SessionEndsMidFlight(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1}}
	sessions := &fakeSessions{active: true, endOnTranslate: true}
	tr := newCountingTranslator()
	tr.sessions = sessions

	report := NewRouter(dir, sessions, tr, nil, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")

	assert.True(t, report.SessionEnded)
	assert.Empty(t, c1.sent, "delivery is dropped silently")
	assert.Empty(t, sessions.translations)
}

func TestRouteTranscription_NothingDeliveredNothingPersisted(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	c1.reject = true
	dir := &fakeDirectory{participants: []interfaces.Participant{p1}}
	sessions := &fakeSessions{active: true}

	report := NewRouter(dir, sessions, newCountingTranslator(), nil, nil, Config{}).RouteTranscription(context.Background(), "s1", "en", "hi")
	assert.Zero(t, report.Delivered)
	assert.Equal(t, 1, report.Languages[0].Dropped)
	assert.Empty(t, sessions.translations)
}

func TestRouteManual(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{p1}}
	sessions := &fakeSessions{active: true}
	r := NewRouter(dir, sessions, newCountingTranslator(), nil, nil, Config{})

	_, err := r.RouteManual(context.Background(), "s1", "en", "hi")
	assert.ErrorIs(t, err, types.ErrManualModeDisabled)
	assert.Empty(t, c1.sent)

	sessions.mode = types.ModeManual
	report, err := r.RouteManual(context.Background(), "s1", "en", "hi")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
}

func TestRouteAudio(t *testing.T) {
	teacherConn := &fakeSender{id: "t"}
	teacher := interfaces.Participant{Conn: teacherConn, Role: types.RoleTeacher, SessionID: "s1"}
	p1, c1 := student("a", "es", clientSpeech())
	dir := &fakeDirectory{participants: []interfaces.Participant{teacher, p1}}
	sessions := &fakeSessions{active: true}
	tr := newCountingTranslator()

	_, err := NewRouter(dir, sessions, tr, nil, nil, Config{}).RouteAudio(context.Background(), "s1", "en", []byte("x"))
	assert.ErrorIs(t, err, ErrNoTranscriber)

	r := NewRouter(dir, sessions, tr, nil, fakeTranscriber{text: " hello class "}, Config{})
	report, err := r.RouteAudio(context.Background(), "s1", "en", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, "[es] hello class", c1.translations()[0].Text)
	require.Len(t, teacherConn.sent, 1)
	assert.Equal(t, "hello class", teacherConn.sent[0].(types.TranscriptionNotice).Text)

	_, err = NewRouter(dir, sessions, tr, nil, fakeTranscriber{text: "  "}, Config{}).RouteAudio(context.Background(), "s1", "en", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	sessions.mode = types.ModeManual
	before := tr.total()
	_, err = r.RouteAudio(context.Background(), "s1", "en", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, before, tr.total(), "manual mode only echoes the transcript to the teacher")
}

func TestBroadcastMode(t *testing.T) {
	p1, c1 := student("a", "es", clientSpeech())
	p2, c2 := student("b", "fr", clientSpeech())
	teacherConn := &fakeSender{id: "t"}
	teacher := interfaces.Participant{Conn: teacherConn, Role: types.RoleTeacher, SessionID: "s1"}
	dir := &fakeDirectory{participants: []interfaces.Participant{p1, p2, teacher}}

	n := NewRouter(dir, &fakeSessions{active: true}, newCountingTranslator(), nil, nil, Config{}).BroadcastMode("s1", types.ModeManual)
	assert.Equal(t, 2, n)
	assert.Equal(t, types.TeacherModeNotice{Type: types.TypeTeacherMode, Mode: types.ModeManual}, c1.sent[0])
	assert.Len(t, c2.sent, 1)
	assert.Empty(t, teacherConn.sent)
}
