// Package store implements the durable accounting store: usage totals,
// cooldowns, an append-only audit log, and a single-row crash-recovery
// snapshot. The Store interface is one of only two interface boundaries
// in this codebase (the other is the host adapter) — everything else is
// plain data.
package store

import (
	"context"
	"time"

	"github.com/shepherd-project/shepherdd/internal/ids"
)

// AuditEventType names the kind of thing recorded in the audit log.
// Payload is a free-form JSON-serializable value specific to the type.
type AuditEventType string

const (
	EventServiceStarted  AuditEventType = "service_started"
	EventServiceStopped  AuditEventType = "service_stopped"
	EventPolicyLoaded    AuditEventType = "policy_loaded"
	EventPolicyReloaded  AuditEventType = "policy_reloaded"
	EventLaunchApproved  AuditEventType = "launch_approved"
	EventLaunchDenied    AuditEventType = "launch_denied"
	EventSessionStarted  AuditEventType = "session_started"
	EventSessionEnded    AuditEventType = "session_ended"
	EventSessionExtended AuditEventType = "session_extended"
	EventAdminStop       AuditEventType = "admin_stop"
	EventClientConnected AuditEventType = "client_connected"
	EventClientDropped   AuditEventType = "client_dropped_slow_consumer"
	EventRateLimited     AuditEventType = "rate_limited_ignored_for_audit"
)

// AuditRecord is one append-only row. Seq is assigned by the store and is
// strictly increasing and gap-free within a single process's database
// file — see Store.AppendAudit.
type AuditRecord struct {
	Seq       int64
	Timestamp time.Time
	EventType AuditEventType
	Payload   map[string]any
}

// SessionSnapshot is the persisted shape of a non-Ended session, captured
// so a crash can be distinguished from a clean shutdown at next startup.
// Fields mirror ActiveSession closely enough to reconstruct enough state
// to report the session Ended — they are never used to resume it (see
// spec's restart non-goal).
type SessionSnapshot struct {
	SessionID      ids.SessionID
	EntryID        ids.EntryID
	StartedAt      time.Time
	Deadline       *time.Time // wall-clock approximation of the monotonic deadline, for display only
	WarningsIssued []int64
}

// StateSnapshot is the single persisted row describing service state at
// the moment it was last written.
type StateSnapshot struct {
	Timestamp     time.Time
	ActiveSession *SessionSnapshot
}

// Store is the durable accounting interface. Implementations must
// serialize their own writes — callers may invoke these methods
// concurrently from multiple goroutines (store writes are not all on the
// engine's single-threaded loop, e.g. client connect/drop audit records
// are appended from IPC connection goroutines).
type Store interface {
	// AppendAudit appends one record to the audit log and assigns it the
	// next sequence number. Must be durable before returning.
	AppendAudit(ctx context.Context, eventType AuditEventType, payload map[string]any) (AuditRecord, error)

	// RecentAudits returns up to limit of the most recently appended
	// records, newest first.
	RecentAudits(ctx context.Context, limit int) ([]AuditRecord, error)

	// GetUsage returns the accumulated duration recorded for entry on the
	// given local calendar day (truncated to midnight).
	GetUsage(ctx context.Context, entry ids.EntryID, day time.Time) (time.Duration, error)

	// AddUsage atomically adds dur to entry's accumulated usage on day.
	// Must be durable before returning — see spec §4.2.
	AddUsage(ctx context.Context, entry ids.EntryID, day time.Time, dur time.Duration) error

	// GetCooldownUntil returns the wall-clock instant before which entry
	// may not be relaunched, or ok=false if no cooldown is set.
	GetCooldownUntil(ctx context.Context, entry ids.EntryID) (until time.Time, ok bool, err error)

	// SetCooldownUntil replaces any prior cooldown for entry.
	SetCooldownUntil(ctx context.Context, entry ids.EntryID, until time.Time) error

	// ClearCooldown removes any cooldown row for entry.
	ClearCooldown(ctx context.Context, entry ids.EntryID) error

	// LoadSnapshot returns the last persisted snapshot, or ok=false if
	// none has ever been written.
	LoadSnapshot(ctx context.Context) (snap StateSnapshot, ok bool, err error)

	// SaveSnapshot overwrites the single snapshot row.
	SaveSnapshot(ctx context.Context, snap StateSnapshot) error

	// IsHealthy reports whether the store can currently serve reads and
	// writes.
	IsHealthy(ctx context.Context) bool

	// Close releases the underlying connection.
	Close() error
}
