package engine

import (
	"sort"
	"time"

	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
)

// SessionState is one state in the Idle/Launching/Running/Warned/
// Expiring/Ended machine described by the engine's state diagram. Idle
// has no corresponding ActiveSession value — CoreEngine.current is nil
// instead.
type SessionState string

const (
	StateLaunching SessionState = "launching"
	StateRunning   SessionState = "running"
	StateWarned    SessionState = "warned"
	StateExpiring  SessionState = "expiring"
	StateEnded     SessionState = "ended"
)

// SessionEndReason classifies why a session transitioned to Ended.
type SessionEndReason string

const (
	ReasonExpired          SessionEndReason = "expired"
	ReasonUserStop         SessionEndReason = "user_stop"
	ReasonAdminStop        SessionEndReason = "admin_stop"
	ReasonProcessExited    SessionEndReason = "process_exited"
	ReasonPolicyStop       SessionEndReason = "policy_stop"
	ReasonSpawnFailed      SessionEndReason = "spawn_failed"
	ReasonAccountingFailed SessionEndReason = "accounting_failed"
	ReasonServiceRestarted SessionEndReason = "service_restarted"
)

// SessionPlan is computed once by RequestLaunch and never recomputed: a
// later policy reload must not retroactively change a session already in
// flight, so the plan carries its own snapshot of the entry.
type SessionPlan struct {
	SessionID ids.SessionID
	Entry     policy.Entry // snapshot, immune to later reload
	StartedAt time.Time    // wall-clock
	Deadline  *ids.MonotonicInstant
	Warnings  policy.WarningSchedule // sorted descending, filtered to triggers <= deadline
}

// warningTimes returns, for each warning in the plan (descending order),
// the monotonic instant at which it should fire. Only meaningful when
// Deadline is non-nil; callers must check first.
func (p SessionPlan) warningTimes() []warningTrigger {
	if p.Deadline == nil {
		return nil
	}
	out := make([]warningTrigger, 0, len(p.Warnings))
	for _, w := range p.Warnings {
		trigger := p.Deadline.Add(-time.Duration(w.SecondsBefore) * time.Second)
		out = append(out, warningTrigger{warning: w, at: trigger})
	}
	return out
}

type warningTrigger struct {
	warning policy.Warning
	at      ids.MonotonicInstant
}

// ActiveSession is the one non-Ended session the engine may be tracking
// at a time (invariant #1: at most one session is non-Ended at any
// time).
type ActiveSession struct {
	Plan         SessionPlan
	State        SessionState
	WarningsFired map[int64]bool // keyed by SecondsBefore
	HostHandle   host.HostSessionHandle

	// PendingStopReason is set by StopCurrent before the host stop call
	// completes, so that the eventual host Exited event is attributed to
	// the request that caused it rather than defaulting to ProcessExited.
	PendingStopReason *SessionEndReason
}

func newActiveSession(plan SessionPlan, handle host.HostSessionHandle) *ActiveSession {
	return &ActiveSession{
		Plan:          plan,
		State:         StateRunning,
		WarningsFired: make(map[int64]bool),
		HostHandle:    handle,
	}
}

// pendingWarnings returns, in ascending-urgency trigger order (i.e. the
// order they should fire as monoNow advances), every warning whose
// trigger time has been reached and which has not yet fired.
func (s *ActiveSession) pendingWarnings(monoNow ids.MonotonicInstant) []policy.Warning {
	triggers := s.Plan.warningTimes()
	// Sort ascending by trigger instant so the most-urgent (nearest
	// deadline, latest trigger) fires last -- matching "ascending
	// urgency" from spec: most urgent last.
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].at.Before(triggers[j].at) })

	var due []policy.Warning
	for _, t := range triggers {
		if s.WarningsFired[t.warning.SecondsBefore] {
			continue
		}
		if !t.at.After(monoNow) {
			due = append(due, t.warning)
		}
	}
	return due
}

// markWarningIssued records that a warning has fired so pendingWarnings
// never returns it again (invariant #3: at most once per threshold).
func (s *ActiveSession) markWarningIssued(w policy.Warning) {
	s.WarningsFired[w.SecondsBefore] = true
	if s.State == StateRunning {
		s.State = StateWarned
	}
}

// isExpired reports whether monoNow is at or past the session's
// deadline. A nil deadline means unbounded -- never expires on its own.
func (s *ActiveSession) isExpired(monoNow ids.MonotonicInstant) bool {
	if s.Plan.Deadline == nil {
		return false
	}
	return !monoNow.Before(*s.Plan.Deadline)
}

func (s *ActiveSession) markExpiring() {
	s.State = StateExpiring
}

// timeRemaining returns the duration until deadline from monoNow,
// saturating at zero, or nil if the session is unbounded.
func (s *ActiveSession) timeRemaining(monoNow ids.MonotonicInstant) *time.Duration {
	if s.Plan.Deadline == nil {
		return nil
	}
	d := ids.Remaining(monoNow, *s.Plan.Deadline)
	return &d
}

// durationSoFar returns the wall-clock elapsed time since the session
// started, per invariant #4 (usage measured by the same clock that
// records SessionStarted/SessionEnded).
func (s *ActiveSession) durationSoFar(now time.Time) time.Duration {
	d := now.Sub(s.Plan.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}
