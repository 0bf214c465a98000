// Package router fans one teacher utterance out to every student of a
// session, translated once per distinct student language
package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"voicetranslator/pkg/interfaces"
	"voicetranslator/pkg/types"
)

// Directory is the read side of the connection registry
type Directory interface {
	ConnectionsForSession(sessionID string, roles ...types.Role) []interfaces.Participant
}

// Sessions is what the router needs from the session authority
type Sessions interface {
	interfaces.ActivityRecorder
	Mode(sessionID string) types.TranslationMode
}

// Voices resolves a client's ttsServiceType to a synthesizer
type Voices interface {
	Lookup(serviceType string) (interfaces.Synthesizer, string, bool)
}

// Config bounds the external calls of one fan-out
type Config struct {
	TranslationTimeout time.Duration
	TTSTimeout         time.Duration
	// MaxConcurrentLanguages caps parallel translations per utterance
	MaxConcurrentLanguages int
}

func DefaultConfig() Config {
	return Config{
		TranslationTimeout:     10 * time.Second,
		TTSTimeout:             10 * time.Second,
		MaxConcurrentLanguages: 8,
	}
}

// Router delivers translations. It holds no per-session state.
type Router struct {
	directory   Directory
	sessions    Sessions
	translator  interfaces.Translator
	voices      Voices
	transcriber interfaces.Transcriber
	cfg         Config
	now         func() time.Time
}

// NewRouter wires a router. voices and transcriber may be nil.
func NewRouter(directory Directory, sessions Sessions, translator interfaces.Translator, voices Voices, transcriber interfaces.Transcriber, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.TranslationTimeout <= 0 {
		cfg.TranslationTimeout = def.TranslationTimeout
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = def.TTSTimeout
	}
	if cfg.MaxConcurrentLanguages <= 0 {
		cfg.MaxConcurrentLanguages = def.MaxConcurrentLanguages
	}
	return &Router{
		directory:   directory,
		sessions:    sessions,
		translator:  translator,
		voices:      voices,
		transcriber: transcriber,
		cfg:         cfg,
		now:         time.Now,
	}
}

// LanguageResult is the outcome for one target language
type LanguageResult struct {
	Language      string `json:"language"`
	Recipients    int    `json:"recipients"`
	Delivered     int    `json:"delivered"`
	Dropped       int    `json:"dropped"`
	TranslationMs int64  `json:"translationMs"`
	Persisted     bool   `json:"persisted"`
	Error         string `json:"error,omitempty"`
}

// DeliveryReport summarizes one fan-out
type DeliveryReport struct {
	SessionID string           `json:"sessionId"`
	Languages []LanguageResult `json:"languages"`
	Delivered int              `json:"delivered"`
	// Undeliverable lists students without a language
	Undeliverable []string `json:"undeliverable,omitempty"`
	// SessionEnded is set when the session was gone before or during delivery
	SessionEnded bool  `json:"sessionEnded,omitempty"`
	TotalMs      int64 `json:"totalMs"`
}

// Failed reports the languages whose translation failed
func (r DeliveryReport) Failed() []string {
	var out []string
	for _, l := range r.Languages {
		if l.Error != "" {
			out = append(out, l.Language)
		}
	}
	return out
}

// DeliveredLanguages lists the languages at least one student received
func (r DeliveryReport) DeliveredLanguages() []string {
	var out []string
	for _, l := range r.Languages {
		if l.Delivered > 0 {
			out = append(out, l.Language)
		}
	}
	return out
}

// audioGroup is the set of students of one language sharing a TTS service
type audioGroup struct {
	service string
	synth   interfaces.Synthesizer
	members []interfaces.Participant
	audio   string
	ttsMs   int64
}

// RouteTranscription translates text into every student language present in
// the session and delivers it. Failures are per language and never stop the
// other languages.
func (r *Router) RouteTranscription(ctx context.Context, sessionID, sourceLang, text string) DeliveryReport {
	start := r.now()
	report := DeliveryReport{SessionID: sessionID, Languages: []LanguageResult{}}

	if !r.sessions.IsActive(sessionID) {
		report.SessionEnded = true
		return report
	}
	sourceLang = types.NormalizeLanguage(sourceLang)
	r.sessions.Touch(sessionID)
	if err := r.sessions.RecordTranscript(ctx, types.TranscriptRecord{SessionID: sessionID, Language: sourceLang, Text: text}); err != nil {
		log.Printf("Failed to record transcript session=%s: %v", sessionID, err)
	}

	byLanguage := make(map[string][]interfaces.Participant)
	for _, p := range r.directory.ConnectionsForSession(sessionID, types.RoleStudent) {
		lang := types.NormalizeLanguage(p.LanguageCode)
		if lang == "" {
			report.Undeliverable = append(report.Undeliverable, p.ConnectionID())
			continue
		}
		byLanguage[lang] = append(byLanguage[lang], p)
	}
	if len(report.Undeliverable) > 0 {
		log.Printf("Skipping %d students without language session=%s", len(report.Undeliverable), sessionID)
	}

	languages := make([]string, 0, len(byLanguage))
	for lang := range byLanguage {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	preparation := r.now().Sub(start).Milliseconds()

	results := make([]LanguageResult, len(languages))
	var endedMu sync.Mutex
	ended := false

	// Every goroutine returns nil so one language never cancels another
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrentLanguages)
	for i, lang := range languages {
		i, lang := i, lang
		g.Go(func() error {
			res, gone := r.deliverLanguage(ctx, sessionID, sourceLang, lang, text, byLanguage[lang], start, preparation)
			results[i] = res
			if gone {
				endedMu.Lock()
				ended = true
				endedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Languages = results
	report.SessionEnded = ended
	for _, res := range results {
		report.Delivered += res.Delivered
	}
	report.TotalMs = r.now().Sub(start).Milliseconds()
	return report
}

// deliverLanguage handles one target language: translate once, synthesize
// once per TTS service, send to each student and persist one record
func (r *Router) deliverLanguage(ctx context.Context, sessionID, sourceLang, lang, text string, members []interfaces.Participant, start time.Time, preparation int64) (LanguageResult, bool) {
	res := LanguageResult{Language: lang, Recipients: len(members)}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.TranslationTimeout)
	translateStart := r.now()
	translated, err := r.translator.Translate(tctx, text, sourceLang, lang)
	cancel()
	res.TranslationMs = r.now().Sub(translateStart).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		log.Printf("Translation failed session=%s target=%s: %v", sessionID, lang, err)
		return res, false
	}

	groups, textOnly := r.groupForAudio(members)
	for _, grp := range groups {
		r.synthesize(ctx, sessionID, lang, translated, grp)
	}

	// The session may have ended while the provider was working
	if !r.sessions.IsActive(sessionID) {
		res.Dropped = len(members)
		return res, true
	}

	deliver := func(p interfaces.Participant, audio string, ttsMs int64) {
		msg := types.TranslationMessage{
			Type:            types.TypeTranslation,
			SessionID:       sessionID,
			Text:            translated,
			OriginalText:    text,
			SourceLanguage:  sourceLang,
			TargetLanguage:  lang,
			AudioData:       audio,
			UseClientSpeech: p.Settings.UseClientSpeech || audio == "",
			TTSServiceType:  p.Settings.TTSServiceType,
			Latency: types.Latency{
				Preparation: preparation,
				Translation: res.TranslationMs,
				TTS:         ttsMs,
				Total:       r.now().Sub(start).Milliseconds(),
			},
			Timestamp: r.now(),
		}
		if p.Conn != nil && p.Conn.Send(msg) {
			res.Delivered++
		} else {
			res.Dropped++
			log.Printf("Dropped translation session=%s conn=%s target=%s", sessionID, p.ConnectionID(), lang)
		}
	}
	for _, p := range textOnly {
		deliver(p, "", 0)
	}
	for _, grp := range groups {
		for _, p := range grp.members {
			deliver(p, grp.audio, grp.ttsMs)
		}
	}

	if res.Delivered > 0 {
		err := r.sessions.RecordTranslation(ctx, types.TranslationRecord{
			SessionID:      sessionID,
			SourceLanguage: sourceLang,
			TargetLanguage: lang,
			OriginalText:   text,
			TranslatedText: translated,
			LatencyMs:      r.now().Sub(start).Milliseconds(),
		})
		if err != nil {
			log.Printf("Failed to record translation session=%s target=%s: %v", sessionID, lang, err)
		} else {
			res.Persisted = true
		}
	}
	return res, false
}

// groupForAudio splits students who want server audio by TTS service.
// Students using client speech, or with no service available, get text only.
func (r *Router) groupForAudio(members []interfaces.Participant) ([]*audioGroup, []interfaces.Participant) {
	var textOnly []interfaces.Participant
	if r.voices == nil {
		return nil, members
	}
	byService := make(map[string]*audioGroup)
	var order []string
	for _, p := range members {
		if p.Settings.UseClientSpeech {
			textOnly = append(textOnly, p)
			continue
		}
		synth, name, ok := r.voices.Lookup(p.Settings.TTSServiceType)
		if !ok {
			textOnly = append(textOnly, p)
			continue
		}
		grp, exists := byService[name]
		if !exists {
			grp = &audioGroup{service: name, synth: synth}
			byService[name] = grp
			order = append(order, name)
		}
		grp.members = append(grp.members, p)
	}
	groups := make([]*audioGroup, 0, len(order))
	for _, name := range order {
		groups = append(groups, byService[name])
	}
	return groups, textOnly
}

// synthesize fills grp.audio. A failure leaves the group on text only.
func (r *Router) synthesize(ctx context.Context, sessionID, lang, text string, grp *audioGroup) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.TTSTimeout)
	defer cancel()
	ttsStart := r.now()
	audio, err := grp.synth.Synthesize(sctx, text, lang)
	grp.ttsMs = r.now().Sub(ttsStart).Milliseconds()
	if err != nil {
		log.Printf("TTS failed session=%s target=%s service=%s: %v", sessionID, lang, grp.service, err)
		return
	}
	grp.audio = base64.StdEncoding.EncodeToString(audio)
}

// RouteManual delivers a teacher's manual send. It requires manual mode.
func (r *Router) RouteManual(ctx context.Context, sessionID, sourceLang, text string) (DeliveryReport, error) {
	if !r.sessions.IsActive(sessionID) {
		return DeliveryReport{SessionID: sessionID, SessionEnded: true}, types.ErrSessionExpired
	}
	if r.sessions.Mode(sessionID) != types.ModeManual {
		return DeliveryReport{SessionID: sessionID}, types.ErrManualModeDisabled
	}
	return r.RouteTranscription(ctx, sessionID, sourceLang, text), nil
}

// RouteAudio transcribes teacher audio, echoes the text to the teacher and
// fans it out unless the session is in manual mode
func (r *Router) RouteAudio(ctx context.Context, sessionID, sourceLang string, audio []byte) (DeliveryReport, error) {
	report := DeliveryReport{SessionID: sessionID, Languages: []LanguageResult{}}
	if r.transcriber == nil {
		return report, ErrNoTranscriber
	}
	if !r.sessions.IsActive(sessionID) {
		report.SessionEnded = true
		return report, ErrSessionNotActive
	}

	text, err := r.transcriber.Transcribe(ctx, audio, sourceLang)
	if err != nil {
		return report, fmt.Errorf("transcribe session=%s: %w", sessionID, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return report, ErrEmptyTranscript
	}

	notice := types.TranscriptionNotice{
		Type:         types.TypeTranscription,
		SessionID:    sessionID,
		Text:         text,
		LanguageCode: sourceLang,
		IsFinal:      true,
	}
	for _, p := range r.directory.ConnectionsForSession(sessionID, types.RoleTeacher) {
		p.Conn.Send(notice)
	}

	if r.sessions.Mode(sessionID) == types.ModeManual {
		r.sessions.Touch(sessionID)
		return report, nil
	}
	return r.RouteTranscription(ctx, sessionID, sourceLang, text), nil
}

// BroadcastMode tells every student of the session about a mode switch
func (r *Router) BroadcastMode(sessionID string, mode types.TranslationMode) int {
	notice := types.TeacherModeNotice{Type: types.TypeTeacherMode, Mode: mode}
	sent := 0
	for _, p := range r.directory.ConnectionsForSession(sessionID, types.RoleStudent) {
		if p.Conn.Send(notice) {
			sent++
		}
	}
	return sent
}
