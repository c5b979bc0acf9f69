// Package engine implements the core supervisor: policy evaluation, the
// session state machine, and the tick-driven warning/expiry scheduler.
// CoreEngine is synchronous and is meant to be owned and called by a
// single event loop (the daemon package) — it takes no internal lock,
// per the single-loop-ownership design in spec's design notes.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
	"github.com/shepherd-project/shepherdd/internal/store"
)

// CoreEngine holds the active policy and, at most, one in-flight
// session. It is not safe for concurrent use — callers (the daemon's
// service loop) serialize every call themselves.
type CoreEngine struct {
	logger   *zap.Logger
	store    store.Store
	hostCaps host.HostCapabilities
	clock    ids.Clock

	policy  policy.Policy
	current *ActiveSession
}

// NewEngine constructs a CoreEngine. It returns an error if hostCaps
// lacks CanObserveExit, which the engine cannot operate without (it
// would never learn that a session had ended).
func NewEngine(logger *zap.Logger, st store.Store, hostCaps host.HostCapabilities, clock ids.Clock, p policy.Policy) (*CoreEngine, error) {
	if !hostCaps.CanObserveExit {
		return nil, fmt.Errorf("%w: host adapter cannot observe exit", shepherderr.ErrHost)
	}
	return &CoreEngine{
		logger:   logger,
		store:    st,
		hostCaps: hostCaps,
		clock:    clock,
		policy:   p,
	}, nil
}

// Policy returns the currently active policy.
func (e *CoreEngine) Policy() policy.Policy { return e.policy }

// CurrentSession returns the in-flight session, if any.
func (e *CoreEngine) CurrentSession() (*ActiveSession, bool) {
	if e.current == nil {
		return nil, false
	}
	return e.current, true
}

// EvaluateEntry runs the §4.4 check order against one entry. Every
// failing check is reported — the list is never short-circuited, so a
// caller can explain combined unavailability in one response.
//
// Store read failures degrade conservatively rather than propagating:
// a failed cooldown read is treated as an active cooldown, and a failed
// usage read is treated as quota already exhausted. Both refuse the
// launch instead of risking one store hiccup granting unlimited time.
func (e *CoreEngine) EvaluateEntry(ctx context.Context, entry policy.Entry, now time.Time) (EntryView, error) {
	view := EntryView{Entry: entry}

	if !e.hostCaps.SupportsKind(entry.Kind.Tag) {
		view.Reasons = append(view.Reasons, Reason{Tag: ReasonUnsupportedKind})
	}
	if entry.Disabled {
		view.Reasons = append(view.Reasons, Reason{Tag: ReasonDisabled})
	}
	if !entry.Availability.IsAvailable(now) {
		var nextPtr *time.Time
		if next, ok := entry.Availability.NextWindowStart(now); ok {
			nextPtr = &next
		}
		view.Reasons = append(view.Reasons, Reason{Tag: ReasonOutsideWindow, NextWindowStart: nextPtr})
	}
	if e.current != nil {
		var remaining time.Duration
		if r := e.current.timeRemaining(e.clock.MonotonicNow()); r != nil {
			remaining = *r
		}
		view.Reasons = append(view.Reasons, Reason{
			Tag:           ReasonSessionActive,
			ActiveEntryID: e.current.Plan.Entry.ID,
			Remaining:     remaining,
		})
	}

	cooldownUntil, hasCooldown, err := e.store.GetCooldownUntil(ctx, entry.ID)
	switch {
	case err != nil:
		e.logger.Warn("cooldown read failed, treating entry as on cooldown",
			zap.String("entry_id", entry.ID.String()), zap.Error(err))
		view.Reasons = append(view.Reasons, Reason{Tag: ReasonCooldownActive, AvailableAt: now})
	case hasCooldown && cooldownUntil.After(now):
		view.Reasons = append(view.Reasons, Reason{Tag: ReasonCooldownActive, AvailableAt: cooldownUntil})
	}

	var usedToday time.Duration
	if entry.Limits.DailyQuota != nil {
		usedToday, err = e.store.GetUsage(ctx, entry.ID, ids.LocalDay(now))
		switch {
		case err != nil:
			e.logger.Warn("usage read failed, treating entry as quota-exhausted",
				zap.String("entry_id", entry.ID.String()), zap.Error(err))
			usedToday = *entry.Limits.DailyQuota
			view.Reasons = append(view.Reasons, Reason{
				Tag: ReasonQuotaExhausted,
				UsedSecs: int64(usedToday.Seconds()), QuotaSecs: int64(entry.Limits.DailyQuota.Seconds()),
			})
		case usedToday >= *entry.Limits.DailyQuota:
			view.Reasons = append(view.Reasons, Reason{
				Tag: ReasonQuotaExhausted,
				UsedSecs: int64(usedToday.Seconds()), QuotaSecs: int64(entry.Limits.DailyQuota.Seconds()),
			})
		}
	}

	view.Enabled = len(view.Reasons) == 0
	view.MaxRunIfStartedNow = computeMaxRunIfStartedNow(entry, now, usedToday)
	return view, nil
}

// ListEntries evaluates every entry in the active policy against now.
func (e *CoreEngine) ListEntries(ctx context.Context, now time.Time) ([]EntryView, error) {
	views := make([]EntryView, 0, len(e.policy.Entries))
	for _, entry := range e.policy.Entries {
		view, err := e.EvaluateEntry(ctx, entry, now)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// computeMaxRunIfStartedNow is min(max_run, window_end-now, quota-used)
// over whichever of those are set, or nil if none are.
func computeMaxRunIfStartedNow(entry policy.Entry, now time.Time, usedToday time.Duration) *time.Duration {
	var candidates []time.Duration

	if entry.Limits.MaxRun != nil {
		candidates = append(candidates, *entry.Limits.MaxRun)
	}
	if w, ok := entry.Availability.ActiveWindow(now); ok {
		candidates = append(candidates, w.RemainingInWindow(now))
	}
	if entry.Limits.DailyQuota != nil {
		remaining := *entry.Limits.DailyQuota - usedToday
		if remaining < 0 {
			remaining = 0
		}
		candidates = append(candidates, remaining)
	}
	if len(candidates) == 0 {
		return nil
	}
	min := candidates[0]
	for _, c := range candidates[1:] {
		if c < min {
			min = c
		}
	}
	return &min
}

// RequestLaunch evaluates entryID and either denies it (with the same
// reasons ListEntries would show) or computes and returns a SessionPlan.
// The plan is not yet active — callers must still spawn the host session
// and call StartSession.
func (e *CoreEngine) RequestLaunch(ctx context.Context, entryID ids.EntryID, now time.Time) (LaunchResult, error) {
	entry, ok := e.policy.EntryByID(entryID)
	if !ok {
		return LaunchResult{}, fmt.Errorf("%w: entry %q", shepherderr.ErrNotFound, entryID)
	}

	view, err := e.EvaluateEntry(ctx, entry, now)
	if err != nil {
		return LaunchResult{}, err
	}
	if !view.Enabled {
		return LaunchResult{Tag: LaunchDenied, Reasons: view.Reasons}, nil
	}

	monoNow := e.clock.MonotonicNow()
	var deadline *ids.MonotonicInstant
	if view.MaxRunIfStartedNow != nil {
		d := monoNow.Add(*view.MaxRunIfStartedNow)
		deadline = &d
	}

	sorted := entry.Warnings.Sorted()
	var filtered policy.WarningSchedule
	if deadline != nil {
		for _, w := range sorted {
			if time.Duration(w.SecondsBefore)*time.Second > *view.MaxRunIfStartedNow {
				continue // would have already elapsed before the session even started
			}
			filtered = append(filtered, w)
		}
	}

	plan := SessionPlan{
		SessionID: ids.NewSessionID(),
		Entry:     entry,
		StartedAt: now,
		Deadline:  deadline,
		Warnings:  filtered,
	}
	return LaunchResult{Tag: LaunchApproved, Plan: plan}, nil
}

// StartSession activates an approved plan once the host has confirmed
// the session spawned, transitioning Launching -> Running.
func (e *CoreEngine) StartSession(plan SessionPlan, handle host.HostSessionHandle) (CoreEvent, error) {
	if e.current != nil {
		return CoreEvent{}, shepherderr.ErrSessionActive
	}
	e.current = newActiveSession(plan, handle)
	return CoreEvent{Tag: EventSessionStarted, SessionID: plan.SessionID, EntryID: plan.Entry.ID}, nil
}

// AbortLaunch reports a spawn failure for a plan that never reached
// Running. No usage is recorded — nothing ran.
func (e *CoreEngine) AbortLaunch(plan SessionPlan) CoreEvent {
	return CoreEvent{Tag: EventSessionEnded, SessionID: plan.SessionID, EntryID: plan.Entry.ID, Reason: ReasonSpawnFailed}
}

// Tick advances the session state machine to monoNow, firing any
// warnings whose trigger has been reached (each at most once) and, if
// the deadline has passed, marking the session Expiring. Idempotent: a
// second call at the same or earlier monoNow returns nothing new.
func (e *CoreEngine) Tick(monoNow ids.MonotonicInstant) []CoreEvent {
	if e.current == nil {
		return nil
	}

	var events []CoreEvent
	for _, w := range e.current.pendingWarnings(monoNow) {
		e.current.markWarningIssued(w)
		var remaining time.Duration
		if r := e.current.timeRemaining(monoNow); r != nil {
			remaining = *r
		}
		events = append(events, CoreEvent{
			Tag:           EventWarningIssued,
			SessionID:     e.current.Plan.SessionID,
			EntryID:       e.current.Plan.Entry.ID,
			ThresholdSecs: w.SecondsBefore,
			RemainingSecs: int64(remaining.Seconds()),
			Severity:      w.Severity,
			Message:       w.MessageTemplate,
		})
	}

	if e.current.State != StateExpiring && e.current.isExpired(monoNow) {
		e.current.markExpiring()
		events = append(events, CoreEvent{Tag: EventExpireDue, SessionID: e.current.Plan.SessionID, EntryID: e.current.Plan.Entry.ID})
	}
	return events
}

// StopCurrent records the reason an in-flight stop was requested for
// the active session. It does not itself call the host adapter — the
// caller issues host.Stop and later reports the exit via
// NotifySessionExited, which consults this reason.
func (e *CoreEngine) StopCurrent(reason SessionEndReason) (host.HostSessionHandle, error) {
	if e.current == nil {
		return host.HostSessionHandle{}, shepherderr.ErrNotFound
	}
	e.current.PendingStopReason = &reason
	return e.current.HostHandle, nil
}

// NotifySessionExited finalizes the active session: it records usage
// (attributed to local_day(started_at), the single-bucket rule), sets
// any configured cooldown, and transitions back to Idle. The duration
// is wall-clock now minus the session's wall-clock start, per invariant
// #4.
func (e *CoreEngine) NotifySessionExited(ctx context.Context, now time.Time) (CoreEvent, error) {
	if e.current == nil {
		return CoreEvent{}, shepherderr.ErrNotFound
	}
	session := e.current
	duration := session.durationSoFar(now)

	reason := ReasonProcessExited
	switch {
	case session.PendingStopReason != nil:
		reason = *session.PendingStopReason
	case session.State == StateExpiring:
		reason = ReasonExpired
	}

	usageErr := e.store.AddUsage(ctx, session.Plan.Entry.ID, ids.LocalDay(session.Plan.StartedAt), duration)
	if usageErr != nil {
		reason = ReasonAccountingFailed
	}

	if cooldown := session.Plan.Entry.Limits.Cooldown; cooldown != nil {
		if err := e.store.SetCooldownUntil(ctx, session.Plan.Entry.ID, now.Add(*cooldown)); err != nil {
			e.logger.Warn("set cooldown failed", zap.String("entry_id", session.Plan.Entry.ID.String()), zap.Error(err))
		}
	}

	e.current = nil

	event := CoreEvent{Tag: EventSessionEnded, SessionID: session.Plan.SessionID, EntryID: session.Plan.Entry.ID, Reason: reason}
	if usageErr != nil {
		return event, fmt.Errorf("%w: add usage: %v", shepherderr.ErrStore, usageErr)
	}
	return event, nil
}

// ReloadPolicy atomically replaces the active policy. Any in-flight
// session retains its own captured entry snapshot and plan — deadlines
// and warnings are never rescheduled by a reload.
func (e *CoreEngine) ReloadPolicy(p policy.Policy) CoreEvent {
	e.policy = p
	return CoreEvent{Tag: EventPolicyReloaded, EntryCount: len(p.Entries)}
}

// ExtendCurrent adds extra to the active session's deadline, an
// admin-only escape hatch this repository adds beyond spec's baseline
// command set (see supplemented features). It has no effect on an
// unbounded session.
func (e *CoreEngine) ExtendCurrent(extra time.Duration) error {
	if e.current == nil {
		return shepherderr.ErrNotFound
	}
	if e.current.Plan.Deadline == nil {
		return nil
	}
	newDeadline := e.current.Plan.Deadline.Add(extra)
	e.current.Plan.Deadline = &newDeadline
	return nil
}
