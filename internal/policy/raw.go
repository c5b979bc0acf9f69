package policy

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RawConfig is the YAML document shape loaded from disk. Its syntax is
// deliberately not part of the core's contract with the rest of the
// system — FromRaw is the only thing downstream code depends on, so the
// document shape can evolve without touching Policy or its consumers.
type RawConfig struct {
	Daemon          RawDaemonConfig `yaml:"daemon"`
	DefaultWarnings []RawWarning    `yaml:"default_warnings"`
	DefaultMaxRun   int64           `yaml:"default_max_run_secs"`
	Entries         []RawEntry      `yaml:"entries"`
}

type RawDaemonConfig struct {
	SocketPath        string `yaml:"socket_path"`
	LogDir            string `yaml:"log_dir"`
	DataDir           string `yaml:"data_dir"`
	RateLimitPerSec   int    `yaml:"rate_limit_per_sec"`
	ObserverEnabled   bool   `yaml:"observer_enabled"`
	ObserverUIDs      []int  `yaml:"observer_uids"`
	ShellVolumeCapPct int    `yaml:"shell_volume_cap_pct"`
}

type RawEntry struct {
	ID             string            `yaml:"id"`
	Label          string            `yaml:"label"`
	IconRef        string            `yaml:"icon_ref"`
	Kind           RawKind           `yaml:"kind"`
	Availability   RawAvailability   `yaml:"availability"`
	Limits         RawLimits         `yaml:"limits"`
	Warnings       []RawWarning      `yaml:"warnings"`
	Disabled       bool              `yaml:"disabled"`
	DisabledReason string            `yaml:"disabled_reason"`
}

type RawKind struct {
	Type string `yaml:"type"`

	// process
	Argv []string          `yaml:"argv"`
	Env  map[string]string `yaml:"env"`
	Cwd  string            `yaml:"cwd"`

	// snap
	SnapName string `yaml:"snap_name"`
	Args     []string `yaml:"args"`

	// vm
	Driver string `yaml:"driver"`

	// media
	LibraryID string `yaml:"library_id"`

	// custom
	TypeName string         `yaml:"type_name"`
	Payload  map[string]any `yaml:"payload"`
}

type RawAvailability struct {
	Always  bool             `yaml:"always"`
	Windows []RawTimeWindow  `yaml:"windows"`
}

type RawTimeWindow struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

type RawLimits struct {
	MaxRunSecs     *int64 `yaml:"max_run_secs"`
	DailyQuotaSecs *int64 `yaml:"daily_quota_secs"`
	CooldownSecs   *int64 `yaml:"cooldown_secs"`
}

type RawWarning struct {
	SecondsBefore int64  `yaml:"seconds_before"`
	Severity      string `yaml:"severity"`
	Message       string `yaml:"message"`
}

// LoadRawConfig reads and parses a YAML policy file. It does not validate
// the result — call FromRaw for that.
func LoadRawConfig(path string) (RawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RawConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var raw RawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return RawConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

// defaultWarningThresholds mirrors the original implementation's ambient
// default: info at 5 minutes, warn at 1 minute, critical at 10 seconds.
// Used when neither an entry nor the top-level config specifies warnings.
func defaultWarningThresholds() []RawWarning {
	return []RawWarning{
		{SecondsBefore: 300, Severity: "info"},
		{SecondsBefore: 60, Severity: "warn"},
		{SecondsBefore: 10, Severity: "critical"},
	}
}

// secsPtrToDuration converts an optional seconds count to an optional
// Duration. A nil input (field omitted) means unlimited, matching the
// sentinel-free style used throughout the policy model — we use an
// explicit pointer rather than "0 means unlimited" so an explicit zero
// duration is still representable if ever needed.
func secsPtrToDuration(secs *int64) *time.Duration {
	if secs == nil {
		return nil
	}
	d := time.Duration(*secs) * time.Second
	return &d
}

// convertKind maps a RawKind to its Kind. Conversion is mechanical: any
// type other than snap, vm, media or custom, including an empty or
// unknown one, becomes a process kind; unknown types are not rejected.
func convertKind(r RawKind) Kind {
	switch KindTag(r.Type) {
	case KindSnap:
		return Kind{Tag: KindSnap, Snap: SnapKind{SnapName: r.SnapName, Args: r.Args, Env: r.Env}}
	case KindVM:
		return Kind{Tag: KindVM, VM: VMKind{Driver: r.Driver, Args: r.Args}}
	case KindMedia:
		return Kind{Tag: KindMedia, Media: MediaKind{LibraryID: r.LibraryID, Args: r.Args}}
	case KindCustom:
		return Kind{Tag: KindCustom, Custom: CustomKind{TypeName: r.TypeName, Payload: r.Payload}}
	default:
		return Kind{Tag: KindProcess, Process: ProcessKind{Argv: r.Argv, Env: r.Env, Cwd: r.Cwd}}
	}
}

func convertAvailability(r RawAvailability) (AvailabilityPolicy, []error) {
	if r.Always {
		return AvailabilityPolicy{Always: true}, nil
	}
	var errs []error
	windows := make([]TimeWindow, 0, len(r.Windows))
	for i, rw := range r.Windows {
		tw, err := convertTimeWindow(rw)
		if err != nil {
			errs = append(errs, fmt.Errorf("window %d: %w", i, err))
			continue
		}
		windows = append(windows, tw)
	}
	return AvailabilityPolicy{Windows: windows}, errs
}

func convertTimeWindow(r RawTimeWindow) (TimeWindow, error) {
	start, err := parseWallClock(r.Start)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseWallClock(r.End)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("end: %w", err)
	}
	days, err := parseDays(r.Days)
	if err != nil {
		return TimeWindow{}, err
	}
	return TimeWindow{Days: days, Start: start, End: end}, nil
}

// parseWallClock parses "HH:MM" in 24-hour time.
func parseWallClock(s string) (WallClock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return WallClock{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h >= 24 {
		return WallClock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m >= 60 {
		return WallClock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return WallClock{Hour: uint8(h), Minute: uint8(m)}, nil
}

// parseDays accepts either a single preset ("all", "every", "daily",
// "weekdays", "weekends") or a list of three-letter day abbreviations
// ("mon", "tue", ...), OR'd together.
func parseDays(days []string) (DaysOfWeek, error) {
	if len(days) == 0 {
		return 0, fmt.Errorf("empty day list")
	}
	if len(days) == 1 {
		switch strings.ToLower(days[0]) {
		case "all", "every", "daily":
			return AllDays, nil
		case "weekdays":
			return Weekdays, nil
		case "weekends":
			return Weekends, nil
		}
	}
	var mask DaysOfWeek
	for _, d := range days {
		switch strings.ToLower(d) {
		case "mon":
			mask |= Monday
		case "tue":
			mask |= Tuesday
		case "wed":
			mask |= Wednesday
		case "thu":
			mask |= Thursday
		case "fri":
			mask |= Friday
		case "sat":
			mask |= Saturday
		case "sun":
			mask |= Sunday
		default:
			return 0, fmt.Errorf("unknown day %q", d)
		}
	}
	return mask, nil
}

func convertLimits(r RawLimits) LimitsPolicy {
	return LimitsPolicy{
		MaxRun:     secsPtrToDuration(r.MaxRunSecs),
		DailyQuota: secsPtrToDuration(r.DailyQuotaSecs),
		Cooldown:   secsPtrToDuration(r.CooldownSecs),
	}
}

func convertWarnings(raw []RawWarning) WarningSchedule {
	out := make(WarningSchedule, 0, len(raw))
	for _, w := range raw {
		out = append(out, Warning{
			SecondsBefore:   w.SecondsBefore,
			Severity:        WarningSeverity(w.Severity),
			MessageTemplate: w.Message,
		})
	}
	return out
}
