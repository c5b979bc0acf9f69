package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
	"github.com/shepherd-project/shepherdd/internal/store"
)

func durPtr(d time.Duration) *time.Duration { return &d }

func newTestEngine(t *testing.T, entries []policy.Entry, clock *ids.FakeClock) (*CoreEngine, store.Store) {
	t.Helper()
	st, err := store.OpenInMemorySQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := policy.Policy{Entries: entries}
	e, err := NewEngine(zap.NewNop(), st, host.MinimalCapabilities(), clock, p)
	require.NoError(t, err)
	return e, st
}

func processEntry(id string, maxRun *time.Duration, dailyQuota *time.Duration, cooldown *time.Duration, warnings policy.WarningSchedule) policy.Entry {
	return policy.Entry{
		ID:           ids.EntryID(id),
		Label:        id,
		Kind:         policy.Kind{Tag: policy.KindProcess, Process: policy.ProcessKind{Argv: []string{"/usr/bin/true"}}},
		Availability: policy.AvailabilityPolicy{Always: true},
		Limits:       policy.LimitsPolicy{MaxRun: maxRun, DailyQuota: dailyQuota, Cooldown: cooldown},
		Warnings:     warnings,
	}
}

// S1 from spec: max_run=1800, warnings [300,60,10], ticks fire in that
// order, exit at t=1803 attributes usage=1803 and ends Expired.
func TestScenarioS1WarningsAndExpiry(t *testing.T) {
	start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	entry := processEntry("e1", durPtr(1800*time.Second), nil, nil, policy.WarningSchedule{
		{SecondsBefore: 300, Severity: policy.SeverityInfo},
		{SecondsBefore: 60, Severity: policy.SeverityWarn},
		{SecondsBefore: 10, Severity: policy.SeverityCritical},
	})
	e, st := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e1"), clock.Now())
	require.NoError(t, err)
	require.Equal(t, LaunchApproved, result.Tag)

	handle := host.HostSessionHandle{SessionID: result.Plan.SessionID}
	_, err = e.StartSession(result.Plan, handle)
	require.NoError(t, err)

	fire := func(secs int) []CoreEvent {
		clock.Advance(time.Duration(secs) * time.Second)
		return e.Tick(clock.MonotonicNow())
	}

	ev := fire(1500)
	require.Len(t, ev, 1)
	assert.Equal(t, EventWarningIssued, ev[0].Tag)
	assert.EqualValues(t, 300, ev[0].ThresholdSecs)

	ev = fire(240) // t=1740
	require.Len(t, ev, 1)
	assert.EqualValues(t, 60, ev[0].ThresholdSecs)

	ev = fire(50) // t=1790
	require.Len(t, ev, 1)
	assert.EqualValues(t, 10, ev[0].ThresholdSecs)

	ev = fire(10) // t=1800
	require.Len(t, ev, 1)
	assert.Equal(t, EventExpireDue, ev[0].Tag)

	clock.Advance(3 * time.Second) // t=1803
	endEvent, err := e.NotifySessionExited(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, endEvent.Reason)

	used, err := st.GetUsage(ctx, ids.EntryID("e1"), ids.LocalDay(start))
	require.NoError(t, err)
	assert.Equal(t, 1803*time.Second, used)
}

// S2 from spec: entry available weekdays 15:00-18:00; outside the
// window at 14:59, available exactly at 15:00:00.
func TestScenarioS2AvailabilityWindowBoundary(t *testing.T) {
	clock := ids.NewFakeClock(time.Date(2026, 1, 7, 14, 59, 0, 0, time.Local)) // Wednesday
	entry := policy.Entry{
		ID:   ids.EntryID("e2"),
		Kind: policy.Kind{Tag: policy.KindProcess, Process: policy.ProcessKind{Argv: []string{"x"}}},
		Availability: policy.AvailabilityPolicy{Windows: []policy.TimeWindow{
			{Days: policy.Weekdays, Start: policy.WallClock{Hour: 15}, End: policy.WallClock{Hour: 18}},
		}},
	}
	e, _ := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	view, err := e.EvaluateEntry(ctx, entry, clock.Now())
	require.NoError(t, err)
	assert.False(t, view.Enabled)

	clock.Advance(time.Minute)
	view, err = e.EvaluateEntry(ctx, entry, clock.Now())
	require.NoError(t, err)
	assert.True(t, view.Enabled)
}

// S3 from spec: daily_quota=3600, cooldown=600. After an 1800s session,
// cooldown blocks immediately and clears after 600s, with
// max_run_if_started_now reflecting remaining quota.
func TestScenarioS3QuotaAndCooldown(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	entry := processEntry("e3", nil, durPtr(3600*time.Second), durPtr(600*time.Second), nil)
	e, _ := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e3"), clock.Now())
	require.NoError(t, err)
	handle := host.HostSessionHandle{SessionID: result.Plan.SessionID}
	_, err = e.StartSession(result.Plan, handle)
	require.NoError(t, err)

	clock.Advance(1800 * time.Second)
	_, err = e.NotifySessionExited(ctx, clock.Now())
	require.NoError(t, err)

	view, err := e.EvaluateEntry(ctx, entry, clock.Now())
	require.NoError(t, err)
	assert.False(t, view.Enabled)
	found := false
	for _, r := range view.Reasons {
		if r.Tag == ReasonCooldownActive {
			found = true
			assert.WithinDuration(t, clock.Now().Add(600*time.Second), r.AvailableAt, time.Second)
		}
	}
	assert.True(t, found)

	clock.Advance(600 * time.Second)
	view, err = e.EvaluateEntry(ctx, entry, clock.Now())
	require.NoError(t, err)
	assert.True(t, view.Enabled)
	require.NotNil(t, view.MaxRunIfStartedNow)
	assert.Equal(t, 1800*time.Second, *view.MaxRunIfStartedNow)
}

// S4 from spec: while e1 runs, launching e2 is denied with
// session_active and no state change.
func TestScenarioS4SessionActiveBlocksOtherLaunch(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	e1 := processEntry("e1", durPtr(time.Hour), nil, nil, nil)
	e2 := processEntry("e2", nil, nil, nil, nil)
	e, _ := newTestEngine(t, []policy.Entry{e1, e2}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e1"), clock.Now())
	require.NoError(t, err)
	_, err = e.StartSession(result.Plan, host.HostSessionHandle{SessionID: result.Plan.SessionID})
	require.NoError(t, err)

	denied, err := e.RequestLaunch(ctx, ids.EntryID("e2"), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, LaunchDenied, denied.Tag)
	var sawSessionActive bool
	for _, r := range denied.Reasons {
		if r.Tag == ReasonSessionActive {
			sawSessionActive = true
			assert.Equal(t, ids.EntryID("e1"), r.ActiveEntryID)
		}
	}
	assert.True(t, sawSessionActive)

	_, stillActive := e.CurrentSession()
	assert.True(t, stillActive)
}

// S5 from spec: wall clock set backward during a run does not change
// remaining time computed from the monotonic deadline.
func TestScenarioS5WallClockRewindDoesNotAffectDeadline(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	entry := processEntry("e1", durPtr(20*time.Minute), nil, nil, nil)
	e, _ := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e1"), clock.Now())
	require.NoError(t, err)
	_, err = e.StartSession(result.Plan, host.HostSessionHandle{SessionID: result.Plan.SessionID})
	require.NoError(t, err)

	clock.AdvanceMonotonic(5 * time.Minute)
	session, _ := e.CurrentSession()
	remainingBefore := *session.timeRemaining(clock.MonotonicNow())

	clock.SetWall(clock.Now().Add(-10 * time.Minute))
	remainingAfter := *session.timeRemaining(clock.MonotonicNow())

	assert.Equal(t, remainingBefore, remainingAfter)
}

// S6 from spec: reload replaces the policy; a current session keeps its
// original captured plan.
func TestScenarioS6ReloadDoesNotRescheduleActiveSession(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	entry := processEntry("e1", durPtr(time.Hour), nil, nil, nil)
	e, _ := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e1"), clock.Now())
	require.NoError(t, err)
	_, err = e.StartSession(result.Plan, host.HostSessionHandle{SessionID: result.Plan.SessionID})
	require.NoError(t, err)

	originalDeadline := result.Plan.Deadline

	newEntry := processEntry("e1", durPtr(5*time.Minute), nil, nil, nil)
	ev := e.ReloadPolicy(policy.Policy{Entries: []policy.Entry{newEntry}})
	assert.Equal(t, EventPolicyReloaded, ev.Tag)
	assert.Equal(t, 1, ev.EntryCount)

	session, _ := e.CurrentSession()
	assert.Equal(t, *originalDeadline, *session.Plan.Deadline)
}

func TestRequestLaunchUnknownEntryIsNotFound(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	e, _ := newTestEngine(t, nil, clock)
	_, err := e.RequestLaunch(context.Background(), ids.EntryID("missing"), clock.Now())
	assert.ErrorIs(t, err, shepherderr.ErrNotFound)
}

func TestExtendCurrentPushesDeadlineOut(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	clock := ids.NewFakeClock(start)
	entry := processEntry("e1", durPtr(10*time.Minute), nil, nil, nil)
	e, _ := newTestEngine(t, []policy.Entry{entry}, clock)
	ctx := context.Background()

	result, err := e.RequestLaunch(ctx, ids.EntryID("e1"), clock.Now())
	require.NoError(t, err)
	_, err = e.StartSession(result.Plan, host.HostSessionHandle{SessionID: result.Plan.SessionID})
	require.NoError(t, err)

	before := *result.Plan.Deadline
	require.NoError(t, e.ExtendCurrent(5*time.Minute))
	session, _ := e.CurrentSession()
	assert.Equal(t, before.Add(5*time.Minute), *session.Plan.Deadline)
}
