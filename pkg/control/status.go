package control

import (
	"time"

	"github.com/google/uuid"
)

// Status is a snapshot of the loop, refreshed at the end of every tick.
type Status struct {
	State               State
	GoalID              uuid.UUID
	Elapsed             time.Duration
	Remaining           time.Duration
	Ticks               uint64
	StaleTicks          uint64
	SkippedTicks        uint64
	FailedSends         uint64
	ConsecutiveFailures int
	Degraded            bool
	Pending             bool
	Stopped             bool
	LastError           string
}

// Status returns the latest snapshot without blocking the loop.
func (l *Loop) Status() Status {
	s := *l.status.Load()
	s.Pending = l.pending.Load() != nil
	return s
}

// Degraded reports whether consecutive transport failures crossed the configured threshold.
func (l *Loop) Degraded() bool {
	return l.status.Load().Degraded
}

// publishStatus must be called with l.mu held.
func (l *Loop) publishStatus(now time.Time) {
	s := &Status{
		State:               Idle,
		Ticks:               l.counters.ticks,
		StaleTicks:          l.counters.stale,
		SkippedTicks:        l.counters.skipped,
		FailedSends:         l.counters.failed,
		ConsecutiveFailures: l.failures,
		Degraded:            l.degraded,
		Stopped:             l.stopped,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	if tr := l.planner.Active(); tr != nil {
		s.State = Tracking
		s.GoalID = tr.GoalID()
		s.Elapsed = now.Sub(l.goalStart)
		if rem := tr.Duration() - s.Elapsed; rem > 0 {
			s.Remaining = rem
		}
	}
	l.status.Store(s)
}

// Map renders the status for DoCommand responses.
func (s Status) Map() map[string]interface{} {
	m := map[string]interface{}{
		"state":                s.State.String(),
		"elapsed_s":            s.Elapsed.Seconds(),
		"remaining_s":          s.Remaining.Seconds(),
		"ticks":                s.Ticks,
		"stale_ticks":          s.StaleTicks,
		"skipped_ticks":        s.SkippedTicks,
		"failed_sends":         s.FailedSends,
		"consecutive_failures": s.ConsecutiveFailures,
		"degraded":             s.Degraded,
		"pending":              s.Pending,
		"stopped":              s.Stopped,
	}
	if s.GoalID != uuid.Nil {
		m["goal_id"] = s.GoalID.String()
	}
	if s.LastError != "" {
		m["last_error"] = s.LastError
	}
	return m
}
