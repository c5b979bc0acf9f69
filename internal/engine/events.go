package engine

import (
	"time"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
)

// CoreEventTag discriminates CoreEvent's payload variants, matching the
// engine-emitted subset of the wire protocol's event payload variants
// (volume_changed is broadcast by the service after a SetVolume; no code
// path emits state_changed).
type CoreEventTag string

const (
	EventSessionStarted  CoreEventTag = "session_started"
	EventWarningIssued   CoreEventTag = "warning_issued"
	EventExpireDue       CoreEventTag = "expire_due"
	EventSessionEnded    CoreEventTag = "session_ended"
	EventPolicyReloaded  CoreEventTag = "policy_reloaded"
)

// CoreEvent is one item the engine emits in response to a single call
// (start_session, abort_launch, tick, notify_session_exited,
// reload_policy). Only tick may emit several, always in the order the
// state machine's transitions require.
type CoreEvent struct {
	Tag CoreEventTag

	SessionID ids.SessionID
	EntryID   ids.EntryID

	// Valid when Tag == EventWarningIssued.
	ThresholdSecs int64
	RemainingSecs int64
	Severity      policy.WarningSeverity
	Message       string

	// Valid when Tag == EventSessionEnded.
	Reason SessionEndReason

	// Valid when Tag == EventPolicyReloaded.
	EntryCount int
}

// ReasonTag discriminates the reasons EntryView.Reasons may contain. Per
// spec §4.4, checks are never short-circuited: a single EntryView may
// carry several of these at once.
type ReasonTag string

const (
	ReasonUnsupportedKind   ReasonTag = "unsupported_kind"
	ReasonDisabled          ReasonTag = "disabled"
	ReasonOutsideWindow     ReasonTag = "outside_time_window"
	ReasonSessionActive     ReasonTag = "session_active"
	ReasonCooldownActive    ReasonTag = "cooldown_active"
	ReasonQuotaExhausted    ReasonTag = "quota_exhausted"
)

// Reason is one cause an entry is currently unavailable to launch.
type Reason struct {
	Tag ReasonTag

	NextWindowStart *time.Time // ReasonOutsideWindow; nil if none within 7 days

	ActiveEntryID ids.EntryID   // ReasonSessionActive
	Remaining     time.Duration // ReasonSessionActive

	AvailableAt time.Time // ReasonCooldownActive

	UsedSecs  int64 // ReasonQuotaExhausted
	QuotaSecs int64 // ReasonQuotaExhausted
}

// EntryView is the result of evaluating one entry against the policy at
// a point in wall-clock time, per §4.4.
type EntryView struct {
	Entry               policy.Entry
	Enabled             bool
	Reasons             []Reason
	MaxRunIfStartedNow  *time.Duration
}

// LaunchResultTag discriminates LaunchResult.
type LaunchResultTag string

const (
	LaunchApproved LaunchResultTag = "approved"
	LaunchDenied   LaunchResultTag = "denied"
)

// LaunchResult is what request_launch returns: either an approved plan
// or a denial carrying the same Reason values ListEntries would show.
type LaunchResult struct {
	Tag     LaunchResultTag
	Plan    SessionPlan
	Reasons []Reason
}
