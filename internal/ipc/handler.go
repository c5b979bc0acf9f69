package ipc

import (
	"context"
	"time"
)

// StateDTO is GetState's response payload.
type StateDTO struct {
	Timestamp     int64           `json:"timestamp_unix"`
	ActiveSession *SessionInfoDTO `json:"active_session,omitempty"`
}

// SessionInfoDTO describes the in-flight session, if any.
type SessionInfoDTO struct {
	SessionID     string `json:"session_id"`
	EntryID       string `json:"entry_id"`
	StartedAt     int64  `json:"started_at_unix"`
	RemainingSecs *int64 `json:"remaining_secs,omitempty"`
	State         string `json:"state"`
}

// ReasonDTO mirrors engine.Reason for the wire.
type ReasonDTO struct {
	Tag             string `json:"reason"`
	NextWindowStart *int64 `json:"next_window_start_unix,omitempty"`
	EntryID         string `json:"entry_id,omitempty"`
	RemainingSecs   int64  `json:"remaining_secs,omitempty"`
	AvailableAtUnix int64  `json:"available_at_unix,omitempty"`
	UsedSecs        int64  `json:"used_secs,omitempty"`
	QuotaSecs       int64  `json:"quota_secs,omitempty"`
}

// EntryDTO is one entry's evaluated view for ListEntries.
type EntryDTO struct {
	EntryID            string      `json:"entry_id"`
	Label              string      `json:"label"`
	Enabled            bool        `json:"enabled"`
	Reasons            []ReasonDTO `json:"reasons,omitempty"`
	MaxRunIfStartedNow *int64      `json:"max_run_if_started_now_secs,omitempty"`
}

// HealthDTO is GetHealth's response payload.
type HealthDTO struct {
	StoreHealthy bool `json:"store_healthy"`
	HostHealthy  bool `json:"host_healthy"`
}

// VolumeDTO is GetVolume/SetVolume's response payload.
type VolumeDTO struct {
	LevelPct int  `json:"level_pct"`
	Muted    bool `json:"muted"`
}

// LaunchResultDTO is Launch's response payload.
type LaunchResultDTO struct {
	Approved  bool        `json:"approved"`
	SessionID string      `json:"session_id,omitempty"`
	Reasons   []ReasonDTO `json:"reasons,omitempty"`
}

// CommandHandler is everything the server needs from the service loop to
// execute a command. The daemon package implements it by wrapping the
// engine, store, host adapter, and volume controller; the ipc package
// never imports any of those directly.
type CommandHandler interface {
	GetState(ctx context.Context) (StateDTO, error)
	ListEntries(ctx context.Context, at *time.Time) ([]EntryDTO, error)
	Launch(ctx context.Context, entryID string) (LaunchResultDTO, error)
	StopCurrent(ctx context.Context, mode string, role Role) error
	ReloadConfig(ctx context.Context) (int, error)
	GetHealth(ctx context.Context) (HealthDTO, error)
	GetVolume(ctx context.Context) (VolumeDTO, error)
	SetVolume(ctx context.Context, levelPct int) (VolumeDTO, error)
	ExtendCurrent(ctx context.Context, extraSecs int64) error

	// NotifyClientConnected and NotifyClientDropped let the server
	// record audit entries for connection lifecycle events without
	// depending on the store package directly.
	NotifyClientConnected(ctx context.Context, clientID string)
	NotifyClientDropped(ctx context.Context, clientID string)
}
