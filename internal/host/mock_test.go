package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
)

func TestMockHostSpawnAndSimulateExit(t *testing.T) {
	m := NewMockHost(MinimalCapabilities())
	ctx := context.Background()

	sessionID := ids.NewSessionID()
	kind := policy.Kind{Tag: policy.KindProcess, Process: policy.ProcessKind{Argv: []string{"true"}}}

	handle, err := m.Spawn(ctx, sessionID, kind, SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, sessionID, handle.SessionID)

	events := m.Subscribe(ctx)
	m.SimulateExit(sessionID, ExitSuccess())

	select {
	case ev := <-events:
		assert.Equal(t, HostEventExited, ev.Tag)
		assert.Equal(t, sessionID, ev.SessionID)
		assert.True(t, ev.Status.IsSuccess())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestMockHostFailNextSpawn(t *testing.T) {
	m := NewMockHost(MinimalCapabilities())
	m.FailNextSpawn = true

	_, err := m.Spawn(context.Background(), ids.NewSessionID(), policy.Kind{Tag: policy.KindProcess}, SpawnOptions{})
	assert.Error(t, err)
}

func TestMockHostTracksStop(t *testing.T) {
	m := NewMockHost(MinimalCapabilities())
	sessionID := ids.NewSessionID()
	handle, err := m.Spawn(context.Background(), sessionID, policy.Kind{Tag: policy.KindProcess, Process: policy.ProcessKind{Argv: []string{"x"}}}, SpawnOptions{})
	require.NoError(t, err)

	_, ok := m.WasStopped(sessionID)
	assert.False(t, ok)

	require.NoError(t, m.Stop(context.Background(), handle, ForceStop()))

	mode, ok := m.WasStopped(sessionID)
	require.True(t, ok)
	assert.Equal(t, StopForce, mode.Tag)
}
