package classcode

import (
	"crypto/rand"
	"sync"
	"time"

	"voicetranslator/pkg/types"
)

const (
	// Alphabet drops 0/O and 1/I so codes survive being read aloud or copied from a board
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// Length of every issued code
	Length = 6
	// maxAttempts bounds collision retries per Issue
	maxAttempts = 10
)

// binding is one code -> session mapping. A retired binding is a tombstone:
// it keeps the code reserved and lets Resolve tell "ended" from "never existed"
// until the original expiry passes.
type binding struct {
	code      string
	sessionID string
	expiresAt time.Time
	retired   bool
}

// Manager owns classroom codes
// ARCHITECTURAL DISCOVERY: codes live in their own lock domain so lookups
// from joining students never contend with session mutations
type Manager struct {
	mu        sync.RWMutex
	codes     map[string]*binding // code -> binding
	bySession map[string]string   // sessionID -> current code
	now       func() time.Time
	random    func([]byte) (int, error)
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock injects the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandom injects the entropy source, used by tests to force collisions
func WithRandom(read func([]byte) (int, error)) Option {
	return func(m *Manager) { m.random = read }
}

// NewManager creates an empty code manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		codes:     make(map[string]*binding),
		bySession: make(map[string]string),
		now:       time.Now,
		random:    rand.Read,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue generates a fresh code for sessionID valid for ttl. Any previous code
// of the session stops resolving immediately.
func (m *Manager) Issue(sessionID string, ttl time.Duration) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := m.generate()
		if err != nil {
			return "", time.Time{}, err
		}
		if existing, taken := m.codes[code]; taken && !m.reclaimable(existing, now) {
			continue
		}

		m.dropCurrentLocked(sessionID)
		expiresAt := now.Add(ttl)
		m.codes[code] = &binding{code: code, sessionID: sessionID, expiresAt: expiresAt}
		m.bySession[sessionID] = code
		return code, expiresAt, nil
	}
	return "", time.Time{}, ErrCodeExhausted
}

// Reserve re-binds a known code, used when sessions are recovered from the store
func (m *Manager) Reserve(sessionID, code string, expiresAt time.Time) error {
	code = types.NormalizeClassroomCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, taken := m.codes[code]; taken && existing.sessionID != sessionID && !m.reclaimable(existing, m.now()) {
		return ErrCodeTaken
	}
	m.dropCurrentLocked(sessionID)
	m.codes[code] = &binding{code: code, sessionID: sessionID, expiresAt: expiresAt}
	m.bySession[sessionID] = code
	return nil
}

// Resolve maps a code, typed in any case, to its session. Expired codes never
// resolve even before PurgeExpired has run.
func (m *Manager) Resolve(code string) (string, error) {
	code = types.NormalizeClassroomCode(code)
	if !wellFormed(code) {
		return "", ErrCodeNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.codes[code]
	if !ok {
		return "", ErrCodeNotFound
	}
	if b.retired {
		return "", ErrCodeRetired
	}
	if !m.now().Before(b.expiresAt) {
		return "", ErrCodeExpired
	}
	return b.sessionID, nil
}

// Lookup returns the current code of a session and its expiry
func (m *Manager) Lookup(sessionID string) (string, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	code, ok := m.bySession[sessionID]
	if !ok {
		return "", time.Time{}, false
	}
	b := m.codes[code]
	return code, b.expiresAt, true
}

// IsValid reports whether the session's current code still resolves
func (m *Manager) IsValid(sessionID string) bool {
	code, _, ok := m.Lookup(sessionID)
	if !ok {
		return false
	}
	resolved, err := m.Resolve(code)
	return err == nil && resolved == sessionID
}

// Invalidate retires the session's code immediately
func (m *Manager) Invalidate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCurrentLocked(sessionID)
}

// PurgeExpired forgets codes and tombstones whose expiry has passed
func (m *Manager) PurgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for code, b := range m.codes {
		if now.Before(b.expiresAt) {
			continue
		}
		delete(m.codes, code)
		if m.bySession[b.sessionID] == code {
			delete(m.bySession, b.sessionID)
		}
		purged++
	}
	return purged
}

// Len returns how many codes, including tombstones, are held
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.codes)
}

// dropCurrentLocked turns the session's current code into a tombstone
func (m *Manager) dropCurrentLocked(sessionID string) {
	code, ok := m.bySession[sessionID]
	if !ok {
		return
	}
	delete(m.bySession, sessionID)
	if b, exists := m.codes[code]; exists {
		b.retired = true
	}
}

// reclaimable reports whether a code may be handed out again
func (m *Manager) reclaimable(b *binding, now time.Time) bool {
	return !now.Before(b.expiresAt)
}

func (m *Manager) generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := m.random(buf); err != nil {
		return "", err
	}
	code := make([]byte, Length)
	for i := range code {
		code[i] = Alphabet[int(buf[i])%len(Alphabet)]
	}
	return string(code), nil
}

func wellFormed(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !inAlphabet(code[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
