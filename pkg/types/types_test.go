package types

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg Inbound)
	}{
		{
			name:  "teacher register",
			input: `{"type":"register","role":"teacher","languageCode":"en-US","teacherId":"t-1"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(RegisterMessage)
				require.True(t, ok, "got %T", msg)
				assert.Equal(t, RoleTeacher, m.Role)
				assert.Equal(t, "en-US", m.LanguageCode)
				assert.Equal(t, "t-1", m.TeacherID)
			},
		},
		{
			name:  "student register with code",
			input: `{"type":"register","role":"student","languageCode":"es","classroomCode":"abc234"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(RegisterMessage)
				require.True(t, ok)
				assert.Equal(t, RoleStudent, m.Role)
				assert.Equal(t, "abc234", m.ClassroomCode)
			},
		},
		{
			name:  "wrapped settings",
			input: `{"type":"settings","settings":{"useClientSpeech":true}}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(SettingsMessage)
				require.True(t, ok)
				require.NotNil(t, m.Settings.UseClientSpeech)
				assert.True(t, *m.Settings.UseClientSpeech)
				assert.Nil(t, m.Settings.TTSServiceType)
			},
		},
		{
			name:  "flat settings",
			input: `{"type":"settings","ttsServiceType":"openai"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(SettingsMessage)
				require.True(t, ok)
				require.NotNil(t, m.Settings.TTSServiceType)
				assert.Equal(t, "openai", *m.Settings.TTSServiceType)
			},
		},
		{
			name:  "transcription",
			input: `{"type":"transcription","text":"hello class"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(TranscriptionMessage)
				require.True(t, ok)
				assert.Equal(t, "hello class", m.Text)
			},
		},
		{
			name:  "send translation",
			input: `{"type":"send_translation","text":"page 4"}`,
			check: func(t *testing.T, msg Inbound) {
				_, ok := msg.(SendTranslationMessage)
				assert.True(t, ok)
			},
		},
		{
			name:  "teacher mode",
			input: `{"type":"teacher_mode","mode":"manual"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(TeacherModeMessage)
				require.True(t, ok)
				assert.Equal(t, ModeManual, m.Mode)
			},
		},
		{
			name:  "end session",
			input: `{"type":"end_session"}`,
			check: func(t *testing.T, msg Inbound) {
				_, ok := msg.(EndSessionMessage)
				assert.True(t, ok)
			},
		},
		{
			name:  "unknown type",
			input: `{"type":"dance"}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(UnrecognizedMessage)
				require.True(t, ok)
				assert.Equal(t, "dance", m.Type)
				assert.NoError(t, m.Err)
			},
		},
		{
			name:  "malformed json",
			input: `{"type":`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(UnrecognizedMessage)
				require.True(t, ok)
				assert.Error(t, m.Err)
			},
		},
		{
			name:  "wrong field type",
			input: `{"type":"transcription","text":42}`,
			check: func(t *testing.T, msg Inbound) {
				m, ok := msg.(UnrecognizedMessage)
				require.True(t, ok)
				assert.Equal(t, TypeTranscription, m.Type)
				assert.Error(t, m.Err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, DecodeInbound([]byte(tt.input)))
		})
	}
}

func TestValidate_RegisterMessage(t *testing.T) {
	assert.NoError(t, Validate(RegisterMessage{Role: RoleStudent, ClassroomCode: "ABC234"}))

	err := Validate(RegisterMessage{Role: "principal"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "role:oneof")

	err = Validate(RegisterMessage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role:required")
}

func TestValidate_AudioMessage(t *testing.T) {
	assert.NoError(t, Validate(AudioMessage{Data: "aGVsbG8="}))
	assert.ErrorIs(t, Validate(AudioMessage{Data: "not base64!"}), ErrValidation)
}

func TestSession_Validate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		session Session
		wantErr bool
	}{
		{"active without end", Session{ID: "s", State: SessionActive}, false},
		{"ended with end", Session{ID: "s", State: SessionEnded, EndTime: &now}, false},
		{"active with end", Session{ID: "s", State: SessionActive, EndTime: &now}, true},
		{"ended without end", Session{ID: "s", State: SessionEnded}, true},
		{"negative students", Session{ID: "s", State: SessionActive, StudentsCount: -1}, true},
		{"unknown state", Session{ID: "s", State: "expired"}, true},
		{"missing id", Session{State: SessionActive}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConnectionSettings_ApplyIsIdempotent(t *testing.T) {
	yes := true
	svc := "openai"
	patch := SettingsPatch{UseClientSpeech: &yes, TTSServiceType: &svc}

	once := ConnectionSettings{}.Apply(patch)
	twice := once.Apply(patch)

	assert.Equal(t, once, twice)
	assert.Equal(t, ConnectionSettings{UseClientSpeech: true, TTSServiceType: "openai"}, once)

	// empty patch leaves settings alone
	assert.Equal(t, once, once.Apply(SettingsPatch{}))
}

func TestSessionUpdate_ApplyTo(t *testing.T) {
	count := 3
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := Session{ID: "s", StudentsCount: 1, TotalTranslations: 7}

	SessionUpdate{StudentsCount: &count, StartTime: &start}.ApplyTo(&s)

	assert.Equal(t, 3, s.StudentsCount)
	assert.Equal(t, 7, s.TotalTranslations)
	require.NotNil(t, s.StartTime)
	assert.True(t, s.StartTime.Equal(start))
	assert.True(t, SessionUpdate{}.IsEmpty())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeInvalidClassroomCode, ErrorCode(ErrInvalidClassroomCode))
	assert.Equal(t, CodeSessionExpired, ErrorCode(errors.Join(errors.New("ctx"), ErrSessionExpired)))
	assert.Equal(t, CodeInternal, ErrorCode(errors.New("boom")))

	raw, err := json.Marshal(NewErrorMessage(ErrInvalidClassroomCode))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","message":"invalid classroom code","code":"invalid_classroom_code"}`, string(raw))
}

func TestNormalizeClassroomCode(t *testing.T) {
	assert.Equal(t, "ABC234", NormalizeClassroomCode("  abc234 "))
}

func TestNormalizeLanguage(t *testing.T) {
	tests := map[string]string{
		"   ":        "",
		" es ":       "es",
		"ES":         "es",
		"es-es":      "es-ES",
		"EN_us":      "en-US",
		"zh-hant-tw": "zh-Hant-TW",
		"iw":         "iw",
		"not a code": "not a code",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLanguage(in), "input %q", in)
	}
}
