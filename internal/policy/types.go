// Package policy holds the validated, in-memory representation of a
// shepherdd configuration: entries, availability windows, limits, and
// warning schedules. FromRaw is the validating construction path: it runs
// every check in one pass and returns a *shepherderr.ConfigError listing
// every failure rather than stopping at the first one. A Policy built
// directly as a struct literal is not validated.
package policy

import (
	"time"

	"github.com/shepherd-project/shepherdd/internal/ids"
)

// KindTag identifies which mechanism an entry's Kind uses, independent of
// the kind's payload. Host capabilities are declared in terms of KindTag.
type KindTag string

const (
	KindProcess KindTag = "process"
	KindSnap    KindTag = "snap"
	KindVM      KindTag = "vm"
	KindMedia   KindTag = "media"
	KindCustom  KindTag = "custom"
)

// Kind is the tagged union of ways an entry can be launched. Exactly one
// of the embedded payloads is meaningful, selected by Tag.
type Kind struct {
	Tag KindTag

	Process ProcessKind
	Snap    SnapKind
	VM      VMKind
	Media   MediaKind
	Custom  CustomKind
}

// ProcessKind launches a plain executable.
type ProcessKind struct {
	Argv []string
	Env  map[string]string
	Cwd  string
}

// SnapKind launches a snap package by name.
type SnapKind struct {
	SnapName string
	Args     []string
	Env      map[string]string
}

// VMKind launches a virtual machine via the named driver.
type VMKind struct {
	Driver string
	Args   []string
}

// MediaKind launches a media title from a library.
type MediaKind struct {
	LibraryID string
	Args      []string
}

// CustomKind is an escape hatch for host-specific launch mechanisms the
// core does not otherwise model.
type CustomKind struct {
	TypeName string
	Payload  map[string]any
}

// WarningSeverity classifies a warning's urgency. Advisory only — the
// engine does not change behavior based on severity, only ordering by
// SecondsBefore.
type WarningSeverity string

const (
	SeverityInfo     WarningSeverity = "info"
	SeverityWarn     WarningSeverity = "warn"
	SeverityCritical WarningSeverity = "critical"
)

// Warning is one entry in a WarningSchedule: fire a notification
// SecondsBefore seconds before the session's deadline.
type Warning struct {
	SecondsBefore   int64
	Severity        WarningSeverity
	MessageTemplate string
}

// WarningSchedule is an entry's ordered list of warnings. Order is not
// significant at construction time — callers needing trigger order should
// use Sorted, which returns thresholds by SecondsBefore descending (the
// order in which they fire as a deadline approaches).
type WarningSchedule []Warning

// Sorted returns a copy ordered by SecondsBefore descending.
func (w WarningSchedule) Sorted() WarningSchedule {
	out := make(WarningSchedule, len(w))
	copy(out, w)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].SecondsBefore < out[j].SecondsBefore; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// DaysOfWeek is a bitmask of weekdays, Monday through Sunday, matching
// time.Weekday's Sunday=0 convention via the Contains helper.
type DaysOfWeek uint8

const (
	Monday    DaysOfWeek = 1 << 0
	Tuesday   DaysOfWeek = 1 << 1
	Wednesday DaysOfWeek = 1 << 2
	Thursday  DaysOfWeek = 1 << 3
	Friday    DaysOfWeek = 1 << 4
	Saturday  DaysOfWeek = 1 << 5
	Sunday    DaysOfWeek = 1 << 6

	Weekdays DaysOfWeek = Monday | Tuesday | Wednesday | Thursday | Friday
	Weekends DaysOfWeek = Saturday | Sunday
	AllDays  DaysOfWeek = Weekdays | Weekends
)

// Contains reports whether the mask includes the given time.Weekday.
func (d DaysOfWeek) Contains(w time.Weekday) bool {
	var bit DaysOfWeek
	switch w {
	case time.Monday:
		bit = Monday
	case time.Tuesday:
		bit = Tuesday
	case time.Wednesday:
		bit = Wednesday
	case time.Thursday:
		bit = Thursday
	case time.Friday:
		bit = Friday
	case time.Saturday:
		bit = Saturday
	case time.Sunday:
		bit = Sunday
	}
	return d&bit != 0
}

// WallClock is a local time-of-day with minute precision, used for
// availability window boundaries.
type WallClock struct {
	Hour   uint8
	Minute uint8
}

// SecondsFromMidnight returns the wall clock's offset in seconds.
func (w WallClock) SecondsFromMidnight() int {
	return int(w.Hour)*3600 + int(w.Minute)*60
}

// Before reports whether w occurs strictly before other within one day.
func (w WallClock) Before(other WallClock) bool {
	return w.SecondsFromMidnight() < other.SecondsFromMidnight()
}

// TimeWindow is a half-open local-time interval [Start, End) that applies
// on the days named by Days. Windows never cross midnight — that
// invariant is enforced by validation, not by this type.
type TimeWindow struct {
	Days  DaysOfWeek
	Start WallClock
	End   WallClock
}

// Contains reports whether wall-clock instant t falls inside the window.
func (tw TimeWindow) Contains(t time.Time) bool {
	if !tw.Days.Contains(t.Weekday()) {
		return false
	}
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return secs >= tw.Start.SecondsFromMidnight() && secs < tw.End.SecondsFromMidnight()
}

// NextStart returns the next instant at or after t when this window
// becomes active, scanning at most 7 days forward. Returns the zero time
// and false if the window's day mask is empty.
func (tw TimeWindow) NextStart(t time.Time) (time.Time, bool) {
	if tw.Days == 0 {
		return time.Time{}, false
	}
	for i := 0; i < 8; i++ {
		candidateDay := t.AddDate(0, 0, i)
		if !tw.Days.Contains(candidateDay.Weekday()) {
			continue
		}
		start := time.Date(candidateDay.Year(), candidateDay.Month(), candidateDay.Day(),
			int(tw.Start.Hour), int(tw.Start.Minute), 0, 0, candidateDay.Location())
		if start.Before(t) {
			continue
		}
		return start, true
	}
	return time.Time{}, false
}

// RemainingInWindow returns how much of the window is left after t,
// assuming t already falls within the window (callers check Contains
// first). Used to bound max_run_if_started_now.
func (tw TimeWindow) RemainingInWindow(t time.Time) time.Duration {
	endSecs := tw.End.SecondsFromMidnight()
	nowSecs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	remaining := endSecs - nowSecs
	if remaining < 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}

// AvailabilityPolicy describes when an entry may be launched: either
// unconditionally, or during a list of time windows.
type AvailabilityPolicy struct {
	Always  bool
	Windows []TimeWindow
}

// IsAvailable reports whether t falls inside some window (or Always is
// set).
func (a AvailabilityPolicy) IsAvailable(t time.Time) bool {
	if a.Always {
		return true
	}
	for _, w := range a.Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// ActiveWindow returns the window containing t, if any.
func (a AvailabilityPolicy) ActiveWindow(t time.Time) (TimeWindow, bool) {
	for _, w := range a.Windows {
		if w.Contains(t) {
			return w, true
		}
	}
	return TimeWindow{}, false
}

// NextWindowStart returns the earliest start time at or after t across all
// windows, within the next 7 days.
func (a AvailabilityPolicy) NextWindowStart(t time.Time) (time.Time, bool) {
	var best time.Time
	found := false
	for _, w := range a.Windows {
		start, ok := w.NextStart(t)
		if !ok {
			continue
		}
		if !found || start.Before(best) {
			best = start
			found = true
		}
	}
	return best, found
}

// LimitsPolicy bounds how long and how often an entry may run.
type LimitsPolicy struct {
	MaxRun     *time.Duration // nil: unlimited single-session duration
	DailyQuota *time.Duration // nil: no daily cap
	Cooldown   *time.Duration // nil: no cooldown after a session ends
}

// Entry is a whitelisted launchable activity.
type Entry struct {
	ID             ids.EntryID
	Label          string
	IconRef        string
	Kind           Kind
	Availability   AvailabilityPolicy
	Limits         LimitsPolicy
	Warnings       WarningSchedule
	Disabled       bool
	DisabledReason string
}

// Policy is the complete, validated configuration: daemon settings plus
// every whitelisted entry. Only values produced by FromRaw are validated.
type Policy struct {
	Daemon  DaemonConfig
	Entries []Entry
}

// DaemonConfig holds service-level settings that are not per-entry.
type DaemonConfig struct {
	SocketPath        string
	LogDir            string
	DataDir           string
	RateLimitPerSec   int
	ObserverEnabled   bool
	ObserverUIDs      []int // peer uids granted the read-only Observer role when ObserverEnabled
	ShellVolumeCapPct int   // 0 means no cap enforced beyond 100
}

// EntryByID finds an entry by id, or reports ok=false.
func (p Policy) EntryByID(id ids.EntryID) (Entry, bool) {
	for _, e := range p.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}
