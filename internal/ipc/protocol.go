// Package ipc implements the local-socket server: NDJSON request/response
// and event broadcast, peer-identity based role gating, and per-client
// rate limiting. It depends on the engine only through the CommandHandler
// interface — the server itself never touches policy or store directly.
package ipc

import "encoding/json"

// FrameType discriminates the three frame shapes that can appear on the
// wire, matching spec's request/response/event framing.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// CommandTag names one of the commands a client may issue.
type CommandTag string

const (
	CmdGetState       CommandTag = "get_state"
	CmdListEntries    CommandTag = "list_entries"
	CmdLaunch         CommandTag = "launch"
	CmdStopCurrent    CommandTag = "stop_current"
	CmdReloadConfig   CommandTag = "reload_config"
	CmdSubscribeEvents CommandTag = "subscribe_events"
	CmdGetHealth      CommandTag = "get_health"
	CmdGetVolume      CommandTag = "get_volume"
	CmdSetVolume      CommandTag = "set_volume"
	// CmdExtendCurrent is a supplement beyond spec's baseline command
	// set: an admin-only way to add time to the running session without
	// a stop/relaunch round trip.
	CmdExtendCurrent CommandTag = "extend_current"
)

// Command is the tagged-union request payload. Only the fields relevant
// to Tag are meaningful; json.Unmarshal leaves the rest at their zero
// value, which every handler ignores.
type Command struct {
	Tag CommandTag `json:"command"`

	EntryID    string `json:"entry_id,omitempty"`
	At         *int64 `json:"at_unix,omitempty"` // list_entries{at?}, unix seconds
	StopMode   string `json:"stop_mode,omitempty"` // "graceful" | "force"
	LevelPct   int    `json:"level_pct,omitempty"`
	ExtendSecs int64  `json:"extend_secs,omitempty"`
}

// RequestFrame is one client->server message.
type RequestFrame struct {
	Type    FrameType `json:"type"`
	ID      int64     `json:"id"`
	Command Command   `json:"command"`
}

// ResponseError is the error payload of a failed response.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResponseFrame is one server->client reply, echoing the request id.
type ResponseFrame struct {
	Type    FrameType       `json:"type"`
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// EventPayloadTag names one of the broadcast event shapes.
type EventPayloadTag string

const (
	EvStateChanged   EventPayloadTag = "state_changed"
	EvSessionStarted EventPayloadTag = "session_started"
	EvWarningIssued  EventPayloadTag = "warning_issued"
	EvSessionExpired EventPayloadTag = "session_expired"
	EvSessionEnded   EventPayloadTag = "session_ended"
	EvPolicyReloaded EventPayloadTag = "policy_reloaded"
	EvVolumeChanged  EventPayloadTag = "volume_changed"
)

// EventPayload is the tagged-union broadcast to every subscribed client.
type EventPayload struct {
	Tag EventPayloadTag `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`

	ThresholdSecs int64  `json:"threshold_secs,omitempty"`
	RemainingSecs int64  `json:"remaining_secs,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Message       string `json:"message,omitempty"`

	Reason string `json:"reason,omitempty"`

	EntryCount int `json:"entry_count,omitempty"`

	LevelPct int  `json:"level_pct,omitempty"`
	Muted    bool `json:"muted,omitempty"`
}

// EventFrame wraps an EventPayload for the wire. Events carry no id.
type EventFrame struct {
	Type    FrameType    `json:"type"`
	Payload EventPayload `json:"payload"`
}

func newEventFrame(p EventPayload) EventFrame {
	return EventFrame{Type: FrameEvent, Payload: p}
}
