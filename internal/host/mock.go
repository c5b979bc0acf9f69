package host

import (
	"context"
	"sync"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
)

// MockHost is a fully synchronous, in-memory HostAdapter for tests. Spawn
// always succeeds unless FailNextSpawn is set; exits are driven manually
// via SimulateExit so tests control ordering precisely instead of racing
// real processes.
type MockHost struct {
	mu            sync.Mutex
	caps          HostCapabilities
	handles       map[ids.SessionID]HostSessionHandle
	stopped       map[ids.SessionID]StopMode
	events        chan HostEvent
	FailNextSpawn bool
	nextPID       int
}

// NewMockHost returns a MockHost with the given capabilities (use
// MinimalCapabilities or LinuxProcessCapabilities as a starting point).
func NewMockHost(caps HostCapabilities) *MockHost {
	return &MockHost{
		caps:    caps,
		handles: make(map[ids.SessionID]HostSessionHandle),
		stopped: make(map[ids.SessionID]StopMode),
		events:  make(chan HostEvent, 64),
		nextPID: 1000,
	}
}

func (m *MockHost) Capabilities() HostCapabilities { return m.caps }

func (m *MockHost) Spawn(ctx context.Context, sessionID ids.SessionID, kind policy.Kind, opts SpawnOptions) (HostSessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailNextSpawn {
		m.FailNextSpawn = false
		return HostSessionHandle{}, errSpawnFailed
	}

	m.nextPID++
	handle := HostSessionHandle{SessionID: sessionID, Payload: HostSessionHandlePayload{PID: m.nextPID, PGID: m.nextPID}}
	m.handles[sessionID] = handle
	return handle, nil
}

func (m *MockHost) Stop(ctx context.Context, handle HostSessionHandle, mode StopMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped[handle.SessionID] = mode
	return nil
}

// Subscribe returns the mock's single buffered event channel. The
// channel is shared by every caller and, unlike ProcessHost's, is never
// closed, not even when ctx is canceled.
func (m *MockHost) Subscribe(ctx context.Context) <-chan HostEvent {
	return m.events
}

func (m *MockHost) IsHealthy() bool { return true }

// SimulateExit pushes an Exited event for sessionID as if the managed
// process had just terminated.
func (m *MockHost) SimulateExit(sessionID ids.SessionID, status ExitStatus) {
	m.events <- HostEvent{Tag: HostEventExited, SessionID: sessionID, Status: status}
}

// WasStopped reports whether Stop was called for sessionID, and with
// which mode.
func (m *MockHost) WasStopped(sessionID ids.SessionID) (StopMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.stopped[sessionID]
	return mode, ok
}

type mockSpawnError struct{}

func (mockSpawnError) Error() string { return "mock: spawn failed" }

var errSpawnFailed = mockSpawnError{}

var _ HostAdapter = (*MockHost)(nil)
