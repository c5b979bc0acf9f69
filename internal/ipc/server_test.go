package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHandler struct {
	launchCount int
	reloadCount int
}

func (f *fakeHandler) GetState(ctx context.Context) (StateDTO, error) {
	return StateDTO{Timestamp: time.Now().Unix()}, nil
}
func (f *fakeHandler) ListEntries(ctx context.Context, at *time.Time) ([]EntryDTO, error) {
	return []EntryDTO{{EntryID: "e1", Enabled: true}}, nil
}
func (f *fakeHandler) Launch(ctx context.Context, entryID string) (LaunchResultDTO, error) {
	f.launchCount++
	return LaunchResultDTO{Approved: true, SessionID: "s1"}, nil
}
func (f *fakeHandler) StopCurrent(ctx context.Context, mode string, role Role) error { return nil }
func (f *fakeHandler) ReloadConfig(ctx context.Context) (int, error) {
	f.reloadCount++
	return 3, nil
}
func (f *fakeHandler) GetHealth(ctx context.Context) (HealthDTO, error) {
	return HealthDTO{StoreHealthy: true, HostHealthy: true}, nil
}
func (f *fakeHandler) GetVolume(ctx context.Context) (VolumeDTO, error) {
	return VolumeDTO{LevelPct: 50}, nil
}
func (f *fakeHandler) SetVolume(ctx context.Context, levelPct int) (VolumeDTO, error) {
	return VolumeDTO{LevelPct: levelPct}, nil
}
func (f *fakeHandler) ExtendCurrent(ctx context.Context, extraSecs int64) error { return nil }
func (f *fakeHandler) NotifyClientConnected(ctx context.Context, clientID string) {}
func (f *fakeHandler) NotifyClientDropped(ctx context.Context, clientID string)   {}

var _ CommandHandler = (*fakeHandler)(nil)

func startTestServer(t *testing.T, handler CommandHandler) (*Server, string, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shepherdd.sock")

	cfg := Config{SocketPath: socketPath, ServiceUID: os.Getuid(), RateLimitPerSec: 100}
	srv := NewServer(zap.NewNop(), cfg, handler)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return srv, socketPath, cancel
}

func roundTrip(t *testing.T, socketPath string, cmd Command) ResponseFrame {
	t.Helper()
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req := RequestFrame{Type: FrameRequest, ID: 1, Command: cmd}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp ResponseFrame
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestServerLaunchRoundTrip(t *testing.T) {
	handler := &fakeHandler{}
	_, socketPath, cancel := startTestServer(t, handler)
	defer cancel()

	resp := roundTrip(t, socketPath, Command{Tag: CmdLaunch, EntryID: "e1"})
	require.True(t, resp.Success)
	require.Equal(t, int64(1), resp.ID)

	var result LaunchResultDTO
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	require.True(t, result.Approved)
	require.Equal(t, 1, handler.launchCount)
}

func TestServerAdminCanReloadButShellIsDeniedViaRole(t *testing.T) {
	// Our own uid is always the connecting peer's uid; here ServiceUID
	// is deliberately mismatched from our own uid so the connection
	// presents as a Shell peer and ReloadConfig must be denied. This
	// holds only when the test does not run as root: DetermineRole
	// always maps uid 0 to Admin.
	handler := &fakeHandler{}
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shepherdd.sock")
	cfg := Config{SocketPath: socketPath, ServiceUID: os.Getuid() + 12345, RateLimitPerSec: 100}
	srv := NewServer(zap.NewNop(), cfg, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	resp := roundTrip(t, socketPath, Command{Tag: CmdReloadConfig})
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	require.Equal(t, "denied", resp.Error.Kind)
	require.Equal(t, 0, handler.reloadCount)

	// The same handler behind a server whose ServiceUID is our own uid
	// sees us as Admin, and ReloadConfig goes through.
	_, adminSocketPath, adminCancel := startTestServer(t, handler)
	defer adminCancel()
	resp = roundTrip(t, adminSocketPath, Command{Tag: CmdReloadConfig})
	require.True(t, resp.Success)
	require.Equal(t, 1, handler.reloadCount)
}

func TestServerGetHealthRoundTrip(t *testing.T) {
	handler := &fakeHandler{}
	_, socketPath, cancel := startTestServer(t, handler)
	defer cancel()

	resp := roundTrip(t, socketPath, Command{Tag: CmdGetHealth})
	require.True(t, resp.Success)
	var health HealthDTO
	require.NoError(t, json.Unmarshal(resp.Payload, &health))
	require.True(t, health.StoreHealthy)
}
