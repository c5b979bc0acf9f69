// Package ids holds the strongly-typed identifiers and clock abstractions
// shared by every other package. Nothing here touches policy, storage, or
// IPC — it exists so those packages never pass bare strings or time.Time
// across their boundaries by accident.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// EntryID is the stable, config-assigned identifier of a whitelisted
// launchable. Unlike SessionID and ClientID it is never generated by
// shepherdd itself — it comes from the policy file.
type EntryID string

// String returns the raw identifier.
func (e EntryID) String() string { return string(e) }

// SessionID uniquely identifies one launched session. Freshly generated
// each time an entry is launched.
type SessionID uuid.UUID

// NewSessionID generates a new random session identifier.
func NewSessionID() SessionID { return SessionID(uuid.New()) }

func (s SessionID) String() string { return uuid.UUID(s).String() }

// MarshalText implements encoding.TextMarshaler so SessionID serializes
// as a plain UUID string in JSON (json.Marshal prefers TextMarshaler over
// struct-field reflection for named non-struct types).
func (s SessionID) MarshalText() ([]byte, error) { return uuid.UUID(s).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SessionID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(s).UnmarshalText(data)
}

// ClientID uniquely identifies one IPC connection for its lifetime.
type ClientID uuid.UUID

// NewClientID generates a new random client identifier.
func NewClientID() ClientID { return ClientID(uuid.New()) }

func (c ClientID) String() string { return uuid.UUID(c).String() }

// MarshalText implements encoding.TextMarshaler.
func (c ClientID) MarshalText() ([]byte, error) { return uuid.UUID(c).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClientID) UnmarshalText(data []byte) error {
	return (*uuid.UUID)(c).UnmarshalText(data)
}

// MonotonicInstant wraps a monotonic reading so deadlines and warning
// triggers are immune to wall-clock adjustments. Go's time.Time already
// carries a monotonic component when obtained from time.Now, so this type
// exists mainly to make the distinction visible at call sites and to give
// Clock a return type that cannot be confused with wall-clock time.
type MonotonicInstant struct {
	t time.Time
}

// MonotonicNow returns the current monotonic instant.
func MonotonicNow() MonotonicInstant {
	return MonotonicInstant{t: time.Now()}
}

// Add returns the instant d later.
func (m MonotonicInstant) Add(d time.Duration) MonotonicInstant {
	return MonotonicInstant{t: m.t.Add(d)}
}

// Sub returns the duration between m and other (m - other).
func (m MonotonicInstant) Sub(other MonotonicInstant) time.Duration {
	return m.t.Sub(other.t)
}

// Before reports whether m occurs before other.
func (m MonotonicInstant) Before(other MonotonicInstant) bool { return m.t.Before(other.t) }

// After reports whether m occurs after other.
func (m MonotonicInstant) After(other MonotonicInstant) bool { return m.t.After(other.t) }

// IsZero reports whether m is the zero value.
func (m MonotonicInstant) IsZero() bool { return m.t.IsZero() }

// Remaining returns the duration from now to deadline, or zero if deadline
// has already passed. It never returns a negative duration, matching the
// "saturating" semantics used for remaining-time displays.
func Remaining(now, deadline MonotonicInstant) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Clock is the injectable time source used throughout the engine. A real
// Clock wraps time.Now; tests substitute a FakeClock so ticks can be driven
// deterministically without sleeping.
type Clock interface {
	// Now returns the current wall-clock local time, used for availability
	// windows, quotas, cooldowns, and audit timestamps.
	Now() time.Time
	// MonotonicNow returns the current monotonic instant, used for
	// deadlines and warning triggers.
	MonotonicNow() MonotonicInstant
}

// SystemClock is the production Clock backed by the OS clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) MonotonicNow() MonotonicInstant   { return MonotonicNow() }

// LocalDay truncates t to its local calendar day at midnight, the bucket
// usage is attributed to.
func LocalDay(t time.Time) time.Time {
	t = t.Local()
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
