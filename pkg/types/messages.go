package types

import (
	"encoding/json"
	"time"
)

// Wire message type tags
const (
	TypeConnection         = "connection"
	TypeRegister           = "register"
	TypeClassroomCode      = "classroom_code"
	TypeSettings           = "settings"
	TypeTranscription      = "transcription"
	TypeSendTranslation    = "send_translation"
	TypeManualSendAck      = "manual_send_ack"
	TypeAudio              = "audio"
	TypeTranslation        = "translation"
	TypeTeacherMode        = "teacher_mode"
	TypeEndSession         = "end_session"
	TypeSessionEnded       = "session_ended"
	TypeStudentJoined      = "studentJoined"
	TypeStudentLeft        = "studentLeft"
	TypeTeacherLeft        = "teacherLeft"
	TypeTeacherReconnected = "teacherReconnected"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"
)

// Inbound is the closed set of client->core messages. Only types in this
// package implement it; the dispatcher switches over the concrete types.
type Inbound interface {
	inbound()
}

// RegisterMessage attaches a connection to a session
type RegisterMessage struct {
	Role          Role           `json:"role" validate:"required,oneof=teacher student"`
	LanguageCode  string         `json:"languageCode,omitempty" validate:"omitempty,max=16"`
	TeacherID     string         `json:"teacherId,omitempty" validate:"omitempty,max=128"`
	ClassroomCode string         `json:"classroomCode,omitempty" validate:"omitempty,max=16"`
	Name          string         `json:"name,omitempty" validate:"omitempty,max=128"`
	Settings      *SettingsPatch `json:"settings,omitempty"`
}

// SettingsMessage carries a partial settings object
type SettingsMessage struct {
	Settings SettingsPatch `json:"settings"`
}

// TranscriptionMessage is a teacher utterance to fan out
type TranscriptionMessage struct {
	Text         string `json:"text" validate:"required"`
	LanguageCode string `json:"languageCode,omitempty"`
	IsFinal      *bool  `json:"isFinal,omitempty"`
}

// SendTranslationMessage is the manual-mode substitute for a transcription
type SendTranslationMessage struct {
	Text         string `json:"text" validate:"required"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// AudioMessage is a base64 encoded teacher audio chunk for server-side STT
type AudioMessage struct {
	Data         string `json:"data" validate:"required,base64"`
	LanguageCode string `json:"languageCode,omitempty"`
	IsFinal      bool   `json:"isFinal,omitempty"`
}

// TeacherModeMessage switches a session between auto and manual translation
type TeacherModeMessage struct {
	Mode TranslationMode `json:"mode" validate:"required,oneof=auto manual"`
}

// EndSessionMessage asks to end the teacher's session now
type EndSessionMessage struct{}

// PingMessage is an application-level keepalive
type PingMessage struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// UnrecognizedMessage covers unknown types and payloads that fail to decode
type UnrecognizedMessage struct {
	Type string
	Raw  []byte
	Err  error
}

func (RegisterMessage) inbound()        {}
func (SettingsMessage) inbound()        {}
func (TranscriptionMessage) inbound()   {}
func (SendTranslationMessage) inbound() {}
func (AudioMessage) inbound()           {}
func (TeacherModeMessage) inbound()     {}
func (EndSessionMessage) inbound()      {}
func (PingMessage) inbound()            {}
func (UnrecognizedMessage) inbound()    {}

type envelope struct {
	Type string `json:"type"`
}

// DecodeInbound maps a raw frame onto its variant. It never fails: anything
// it cannot decode comes back as UnrecognizedMessage.
func DecodeInbound(data []byte) Inbound {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return UnrecognizedMessage{Raw: data, Err: err}
	}

	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeRegister:
		var m RegisterMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSettings:
		msg, err = decodeSettings(data)
	case TypeTranscription:
		var m TranscriptionMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeSendTranslation:
		var m SendTranslationMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeAudio:
		var m AudioMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTeacherMode:
		var m TeacherModeMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeEndSession:
		msg = EndSessionMessage{}
	case TypePing:
		var m PingMessage
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return UnrecognizedMessage{Type: env.Type, Raw: data}
	}
	if err != nil {
		return UnrecognizedMessage{Type: env.Type, Raw: data, Err: err}
	}
	return msg
}

// decodeSettings accepts both {"settings":{...}} and the flat form
// {"type":"settings","useClientSpeech":true}
func decodeSettings(data []byte) (Inbound, error) {
	var wrapped struct {
		Settings *SettingsPatch `json:"settings"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Settings != nil {
		return SettingsMessage{Settings: *wrapped.Settings}, nil
	}
	var flat SettingsPatch
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, err
	}
	return SettingsMessage{Settings: flat}, nil
}

// ConnectionMessage acknowledges an established transport
type ConnectionMessage struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId,omitempty"`
}

// RegisterAck acknowledges a successful registration
type RegisterAck struct {
	Type         string             `json:"type"`
	Status       string             `json:"status"`
	Role         Role               `json:"role"`
	SessionID    string             `json:"sessionId"`
	LanguageCode string             `json:"languageCode,omitempty"`
	Settings     ConnectionSettings `json:"settings"`
	Restored     bool               `json:"restored,omitempty"`
	Mode         TranslationMode    `json:"mode,omitempty"`
}

// ClassroomCodeMessage tells the teacher which code students should enter
type ClassroomCodeMessage struct {
	Type      string    `json:"type"`
	Code      string    `json:"code"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SettingsAck echoes the merged settings
type SettingsAck struct {
	Type     string             `json:"type"`
	Status   string             `json:"status"`
	Settings ConnectionSettings `json:"settings"`
}

// Latency breaks down one delivery, all values in milliseconds
type Latency struct {
	Preparation int64 `json:"preparation"`
	Translation int64 `json:"translation"`
	TTS         int64 `json:"tts"`
	Total       int64 `json:"total"`
}

// TranslationMessage is what a student receives for one utterance
type TranslationMessage struct {
	Type            string    `json:"type"`
	SessionID       string    `json:"sessionId"`
	Text            string    `json:"text"`
	OriginalText    string    `json:"originalText"`
	SourceLanguage  string    `json:"sourceLanguage"`
	TargetLanguage  string    `json:"targetLanguage"`
	AudioData       string    `json:"audioData,omitempty"`
	UseClientSpeech bool      `json:"useClientSpeech"`
	TTSServiceType  string    `json:"ttsServiceType,omitempty"`
	Latency         Latency   `json:"latency"`
	Timestamp       time.Time `json:"timestamp"`
}

// TeacherModeNotice broadcasts a mode switch to students
type TeacherModeNotice struct {
	Type string          `json:"type"`
	Mode TranslationMode `json:"mode"`
}

// ManualSendAck answers a teacher's send_translation
type ManualSendAck struct {
	Type      string   `json:"type"`
	Status    string   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Delivered int      `json:"delivered"`
	Languages []string `json:"languages,omitempty"`
}

// PresenceMessage announces joins and departures to the other side
type PresenceMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId"`
	ConnectionID  string `json:"connectionId,omitempty"`
	Name          string `json:"name,omitempty"`
	LanguageCode  string `json:"languageCode,omitempty"`
	StudentsCount int    `json:"studentsCount"`
}

// SessionEndedMessage is sent to every live connection of a session that ended
type SessionEndedMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Reason    EndReason `json:"reason"`
}

// PongMessage answers a ping
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage rejects a client request without closing the connection
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewErrorMessage builds the client-facing rejection for err
func NewErrorMessage(err error) ErrorMessage {
	return ErrorMessage{
		Type:    TypeError,
		Message: err.Error(),
		Code:    ErrorCode(err),
	}
}

// TranscriptionNotice echoes server-side speech recognition back to the teacher
type TranscriptionNotice struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	IsFinal      bool   `json:"isFinal"`
}
