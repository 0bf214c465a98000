package interfaces

import "voicetranslator/pkg/types"

// Sender is the write side of one live transport connection
// ARCHITECTURAL DISCOVERY: implementations must serialize writes through a
// single writer so concurrent fan-outs never interleave frames
type Sender interface {
	// ID returns the transport-level connection identifier
	ID() string

	// WriteJSON queues v and waits a bounded time for buffer space
	WriteJSON(v any) error

	// Send queues v without blocking and reports whether it was accepted.
	// Fan-out delivery uses Send so one slow student never stalls a room.
	Send(v any) bool

	// Close tears the transport down
	Close() error
}

// Participant is a point-in-time view of a registered connection
type Participant struct {
	Conn         Sender
	Role         types.Role
	SessionID    string
	LanguageCode string
	Name         string
	Settings     types.ConnectionSettings
}

// ConnectionID is a nil-safe shortcut for p.Conn.ID()
func (p Participant) ConnectionID() string {
	if p.Conn == nil {
		return ""
	}
	return p.Conn.ID()
}
