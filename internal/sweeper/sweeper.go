// Package sweeper retires abandoned sessions on a fixed interval
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"voicetranslator/internal/session"
	"voicetranslator/pkg/types"
)

// Timeouts are the end policies, already scaled for the environment
type Timeouts struct {
	Stale           time.Duration
	AllStudentsLeft time.Duration
	EmptyTeacher    time.Duration
	Interval        time.Duration
}

// Sessions is what a sweep needs from the session authority
type Sessions interface {
	ActiveSessions() []types.Session
	EndIf(ctx context.Context, sessionID string, predicate func(types.Session) (types.EndReason, bool)) (types.Session, bool, error)
	PurgeExpiredCodes(now time.Time) int
}

// Evaluate applies the end policies to one session in priority order: stale,
// then all students left, then empty teacher
func Evaluate(s types.Session, now time.Time, t Timeouts) (types.EndReason, bool) {
	if !s.IsActive() {
		return "", false
	}
	if t.Stale > 0 && now.Sub(s.LastActivityAt) > t.Stale {
		return types.EndReasonStale, true
	}
	if t.AllStudentsLeft > 0 && s.StudentsEverJoined && s.StudentsCount == 0 &&
		s.AllStudentsLeftAt != nil && now.Sub(*s.AllStudentsLeftAt) > t.AllStudentsLeft {
		return types.EndReasonAllStudentsLeft, true
	}
	if t.EmptyTeacher > 0 && !s.StudentsEverJoined && now.Sub(s.CreatedAt) > t.EmptyTeacher {
		return types.EndReasonEmptyTeacher, true
	}
	return "", false
}

// SweepReport summarizes one pass
type SweepReport struct {
	Checked     int
	Ended       map[types.EndReason]int
	Failed      []string
	CodesPurged int
	Duration    time.Duration
}

// EndedTotal counts sessions ended by the pass
func (r SweepReport) EndedTotal() int {
	n := 0
	for _, c := range r.Ended {
		n += c
	}
	return n
}

// Sweeper runs Sweep every Interval
type Sweeper struct {
	sessions Sessions
	timeouts Timeouts
	now      func() time.Time
}

// New creates a sweeper. clock may be nil.
func New(sessions Sessions, timeouts Timeouts, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{sessions: sessions, timeouts: timeouts, now: clock}
}

// Run sweeps until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.timeouts.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("Session sweeper started interval=%s", interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("Session sweeper stopped")
			return
		case <-ticker.C:
			report := s.Sweep(ctx, s.now())
			if report.EndedTotal() > 0 || len(report.Failed) > 0 {
				log.Printf("Sweep checked=%d ended=%v failed=%d codes_purged=%d took=%s",
					report.Checked, report.Ended, len(report.Failed), report.CodesPurged, report.Duration)
			}
		}
	}
}

// Sweep evaluates every active session once. A failure on one session is
// logged and never stops the pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) SweepReport {
	started := time.Now()
	report := SweepReport{Ended: make(map[types.EndReason]int)}

	for _, snap := range s.sessions.ActiveSessions() {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		ended, reason, err := s.sweepOne(ctx, snap.ID, now)
		if err != nil {
			log.Printf("Sweep failed session=%s: %v", snap.ID, err)
			report.Failed = append(report.Failed, snap.ID)
			continue
		}
		if ended {
			report.Ended[reason]++
			log.Printf("Session ended by sweep session=%s reason=%s", snap.ID, reason)
		}
	}

	report.CodesPurged = s.sessions.PurgeExpiredCodes(now)
	report.Duration = time.Since(started)
	return report
}

// sweepOne re-evaluates under the session lock so a join racing the sweep
// wins over a stale snapshot
func (s *Sweeper) sweepOne(ctx context.Context, sessionID string, now time.Time) (ended bool, reason types.EndReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Sweep panicked session=%s: %v\n%s", sessionID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	snap, ended, err := s.sessions.EndIf(ctx, sessionID, func(cur types.Session) (types.EndReason, bool) {
		return Evaluate(cur, now, s.timeouts)
	})
	if errors.Is(err, session.ErrSessionNotFound) {
		// ended and removed since the snapshot
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return ended, snap.EndReason, nil
}
