// Package host defines the host-adapter interface boundary: the thing
// that actually spawns, terminates, and observes the exit of whatever a
// Kind describes. The engine depends only on this interface — internal/
// engine never imports os/exec directly.
package host

import (
	"context"
	"time"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
)

// HostCapabilities is a value, not a set of methods: a host adapter
// declares once, at construction, what it can do. The engine rejects any
// adapter that cannot observe exit, and filters entry listings by
// SpawnKindsSupported.
type HostCapabilities struct {
	SpawnKindsSupported map[policy.KindTag]bool

	CanKillForcefully    bool
	CanGracefulStop      bool
	CanGroupProcessTree  bool
	CanObserveExit       bool // required; engine rejects hosts without it
	CanObserveWindowReady bool
	CanForceForeground   bool
	CanForceFullscreen   bool
	CanLockToSingleApp   bool
}

// SupportsKind reports whether this host can spawn the given kind.
func (c HostCapabilities) SupportsKind(k policy.KindTag) bool {
	return c.SpawnKindsSupported[k]
}

// MinimalCapabilities describes a host that can only spawn and kill plain
// processes — the floor every implementation must clear.
func MinimalCapabilities() HostCapabilities {
	return HostCapabilities{
		SpawnKindsSupported: map[policy.KindTag]bool{policy.KindProcess: true},
		CanKillForcefully:   true,
		CanGracefulStop:     true,
		CanObserveExit:      true,
	}
}

// LinuxProcessCapabilities describes the process-group based Linux
// implementation in this package.
func LinuxProcessCapabilities() HostCapabilities {
	return HostCapabilities{
		SpawnKindsSupported: map[policy.KindTag]bool{policy.KindProcess: true},
		CanKillForcefully:   true,
		CanGracefulStop:     true,
		CanGroupProcessTree: true,
		CanObserveExit:      true,
	}
}

// ExitStatus describes how a spawned session ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   int
}

func ExitSuccess() ExitStatus           { return ExitStatus{Code: 0} }
func ExitWithCode(code int) ExitStatus  { return ExitStatus{Code: code} }
func ExitSignaled(sig int) ExitStatus   { return ExitStatus{Signaled: true, Signal: sig} }

// IsSuccess reports whether the process exited cleanly with status 0.
func (e ExitStatus) IsSuccess() bool { return !e.Signaled && e.Code == 0 }

// HostSessionHandlePayload carries whatever opaque data a specific
// implementation needs to later stop or signal the session. The engine
// never inspects it.
type HostSessionHandlePayload struct {
	PID  int
	PGID int
}

// HostSessionHandle is the opaque token returned by Spawn. It need not
// survive a process restart.
type HostSessionHandle struct {
	SessionID ids.SessionID
	Payload   HostSessionHandlePayload
}

// SpawnOptions are the per-launch knobs the engine can request.
type SpawnOptions struct {
	CaptureStdout bool
	CaptureStderr bool
	LogPath       string
	Fullscreen    bool
	Foreground    bool
}

// StopModeTag selects how Stop should behave.
type StopModeTag string

const (
	StopGraceful StopModeTag = "graceful"
	StopForce    StopModeTag = "force"
)

// StopMode selects between a graceful stop with a bounded timeout (after
// which the host falls back to force) or an immediate force-kill.
type StopMode struct {
	Tag     StopModeTag
	Timeout time.Duration
}

func GracefulStop(timeout time.Duration) StopMode {
	return StopMode{Tag: StopGraceful, Timeout: timeout}
}

func ForceStop() StopMode { return StopMode{Tag: StopForce} }

// HostEventTag selects among HostEvent's payload variants.
type HostEventTag string

const (
	HostEventExited      HostEventTag = "exited"
	HostEventSpawnFailed HostEventTag = "spawn_failed"
	HostEventWindowReady HostEventTag = "window_ready"
)

// HostEvent is one item from the adapter's subscribe() stream.
type HostEvent struct {
	Tag       HostEventTag
	SessionID ids.SessionID
	Status    ExitStatus // valid when Tag == HostEventExited
	Err       error      // valid when Tag == HostEventSpawnFailed
}

// HostAdapter is the interface boundary between the engine and whatever
// actually runs sessions. A single platform implementation is required;
// this package ships a process-group based Linux implementation and a
// Mock for tests.
type HostAdapter interface {
	Capabilities() HostCapabilities

	// Spawn starts a new session for the given entry kind. On success the
	// adapter must, within bounded time, begin delivering exit
	// notifications for the returned handle on the stream returned by
	// Subscribe.
	Spawn(ctx context.Context, sessionID ids.SessionID, kind policy.Kind, opts SpawnOptions) (HostSessionHandle, error)

	// Stop terminates the session behind handle according to mode. For
	// Graceful, implementations with CanGroupProcessTree must stop the
	// whole tree.
	Stop(ctx context.Context, handle HostSessionHandle, mode StopMode) error

	// Subscribe returns a channel of host events. The channel is shared
	// across all sessions — callers discriminate by SessionID. Closed
	// when ctx is canceled.
	Subscribe(ctx context.Context) <-chan HostEvent

	// IsHealthy reports whether the adapter can currently spawn and
	// observe sessions.
	IsHealthy() bool
}
