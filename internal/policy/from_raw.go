package policy

import (
	"time"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
)

const (
	defaultSocketPath = "/run/shepherdd/shepherdd.sock"
	defaultLogDir     = "/var/log/shepherdd"
	defaultDataDir    = "/var/lib/shepherdd"
	defaultRateLimit  = 10
)

// FromRaw converts a RawConfig into a validated Policy, applying defaults
// (socket/log/data dir, warning schedule fallback) and then running every
// rule in the §4.1 validation contract. On failure it returns a
// *shepherderr.ConfigError listing every violation found, not just the
// first.
func FromRaw(raw RawConfig) (Policy, error) {
	p := Policy{
		Daemon: DaemonConfig{
			SocketPath:        orDefault(raw.Daemon.SocketPath, defaultSocketPath),
			LogDir:            orDefault(raw.Daemon.LogDir, defaultLogDir),
			DataDir:           orDefault(raw.Daemon.DataDir, defaultDataDir),
			RateLimitPerSec:   intOrDefault(raw.Daemon.RateLimitPerSec, defaultRateLimit),
			ObserverEnabled:   raw.Daemon.ObserverEnabled,
			ObserverUIDs:      raw.Daemon.ObserverUIDs,
			ShellVolumeCapPct: raw.Daemon.ShellVolumeCapPct,
		},
	}

	globalWarnings := raw.DefaultWarnings
	if len(globalWarnings) == 0 {
		globalWarnings = defaultWarningThresholds()
	}
	var defaultMaxRun *time.Duration
	if raw.DefaultMaxRun > 0 {
		defaultMaxRun = secsPtrToDuration(&raw.DefaultMaxRun)
	}

	entries := make([]Entry, 0, len(raw.Entries))
	var convErrs []shepherderr.ValidationError
	for _, re := range raw.Entries {
		entries = append(entries, entryFromRaw(re, globalWarnings, defaultMaxRun))
		_, windowErrs := convertAvailability(re.Availability)
		for _, werr := range windowErrs {
			convErrs = append(convErrs, shepherderr.ValidationError{
				EntryID: re.ID, Field: "availability.windows", Kind: "invalid_window",
				Message: werr.Error(),
			})
		}
	}
	p.Entries = entries

	if errs := append(convErrs, Validate(p)...); len(errs) > 0 {
		return Policy{}, &shepherderr.ConfigError{Errors: errs}
	}
	return p, nil
}

func entryFromRaw(re RawEntry, globalWarnings []RawWarning, defaultMaxRun *time.Duration) Entry {
	availability, _ := convertAvailability(re.Availability)
	limits := convertLimits(re.Limits)
	if limits.MaxRun == nil {
		limits.MaxRun = defaultMaxRun
	}

	warningsRaw := re.Warnings
	if len(warningsRaw) == 0 {
		warningsRaw = globalWarnings
	}

	return Entry{
		ID:             ids.EntryID(re.ID),
		Label:          re.Label,
		IconRef:        re.IconRef,
		Kind:           convertKind(re.Kind),
		Availability:   availability,
		Limits:         limits,
		Warnings:       convertWarnings(warningsRaw),
		Disabled:       re.Disabled,
		DisabledReason: re.DisabledReason,
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func intOrDefault(n, def int) int {
	if n == 0 {
		return def
	}
	return n
}
