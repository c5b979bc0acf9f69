package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
)

// inheritedEnvKeys are passed through from shepherdd's own environment to
// every spawned session, mirroring the original adapter's allowlist
// rather than forwarding the whole environment.
var inheritedEnvKeys = []string{"PATH", "HOME", "DISPLAY", "WAYLAND_DISPLAY", "XDG_RUNTIME_DIR"}

// managedProcess tracks one spawned child: its exec.Cmd, its process
// group (== its pid, since it becomes a process group leader via Setpgid), and
// whatever log files were opened for output capture.
type managedProcess struct {
	sessionID ids.SessionID
	cmd       *exec.Cmd
	pid       int
	pgid      int
	logFile   *os.File
}

// ProcessHost spawns Process-kind entries as their own process group
// leader so a graceful-then-force stop can reach every descendant, per
// spec §4.3's CanGroupProcessTree contract. It is the one platform
// implementation this repository ships.
type ProcessHost struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[ids.SessionID]*managedProcess

	events chan HostEvent
}

// NewProcessHost creates a Linux process-based host adapter.
func NewProcessHost(logger *zap.Logger) *ProcessHost {
	return &ProcessHost{
		logger:   logger,
		sessions: make(map[ids.SessionID]*managedProcess),
		events:   make(chan HostEvent, 64),
	}
}

func (h *ProcessHost) Capabilities() HostCapabilities {
	return LinuxProcessCapabilities()
}

func (h *ProcessHost) Spawn(ctx context.Context, sessionID ids.SessionID, kind policy.Kind, opts SpawnOptions) (HostSessionHandle, error) {
	if kind.Tag != policy.KindProcess {
		return HostSessionHandle{}, fmt.Errorf("%w: unsupported kind %q", shepherderr.ErrHost, kind.Tag)
	}
	argv := kind.Process.Argv
	if len(argv) == 0 {
		return HostSessionHandle{}, fmt.Errorf("%w: empty argv", shepherderr.ErrHost)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnv(kind.Process.Env)
	if kind.Process.Cwd != "" {
		cmd.Dir = kind.Process.Cwd
	}
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if opts.CaptureStdout || opts.CaptureStderr {
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return HostSessionHandle{}, fmt.Errorf("%w: open log path: %v", shepherderr.ErrHost, err)
		}
		logFile = f
		if opts.CaptureStdout {
			cmd.Stdout = f
		}
		if opts.CaptureStderr {
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return HostSessionHandle{}, fmt.Errorf("%w: spawn %s: %v", shepherderr.ErrHost, argv[0], err)
	}

	pid := cmd.Process.Pid
	mp := &managedProcess{sessionID: sessionID, cmd: cmd, pid: pid, pgid: pid, logFile: logFile}

	h.mu.Lock()
	h.sessions[sessionID] = mp
	h.mu.Unlock()

	h.logger.Debug("process spawned", zap.String("session_id", sessionID.String()), zap.Int("pid", pid))

	go h.waitAndNotify(mp)

	return HostSessionHandle{SessionID: sessionID, Payload: HostSessionHandlePayload{PID: pid, PGID: pid}}, nil
}

func (h *ProcessHost) waitAndNotify(mp *managedProcess) {
	err := mp.cmd.Wait()

	h.mu.Lock()
	delete(h.sessions, mp.sessionID)
	h.mu.Unlock()

	if mp.logFile != nil {
		mp.logFile.Close()
	}

	status := exitStatusFromError(mp.cmd, err)
	h.events <- HostEvent{Tag: HostEventExited, SessionID: mp.sessionID, Status: status}
}

func exitStatusFromError(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitSuccess()
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitSignaled(int(ws.Signal()))
		}
		return ExitWithCode(exitErr.ExitCode())
	}
	return ExitWithCode(-1)
}

func (h *ProcessHost) Stop(ctx context.Context, handle HostSessionHandle, mode StopMode) error {
	h.mu.Lock()
	mp, ok := h.sessions[handle.SessionID]
	h.mu.Unlock()
	if !ok {
		return nil // already exited
	}

	switch mode.Tag {
	case StopForce:
		return killProcessGroup(mp.pgid, syscall.SIGKILL)
	default:
		if err := killProcessGroup(mp.pgid, syscall.SIGTERM); err != nil {
			return err
		}
		timer := time.NewTimer(mode.Timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			h.mu.Lock()
			_, stillRunning := h.sessions[handle.SessionID]
			h.mu.Unlock()
			if stillRunning {
				h.logger.Info("graceful stop timed out, forcing",
					zap.String("session_id", handle.SessionID.String()))
				return killProcessGroup(mp.pgid, syscall.SIGKILL)
			}
			return nil
		}
	}
}

func killProcessGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if err != nil && err != syscall.ESRCH {
		return fmt.Errorf("%w: signal process group %d: %v", shepherderr.ErrHost, pgid, err)
	}
	return nil
}

func (h *ProcessHost) Subscribe(ctx context.Context) <-chan HostEvent {
	out := make(chan HostEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-h.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// IsHealthy reports whether the OS process table can currently be
// enumerated via gopsutil. This is the adapter's only use of gopsutil;
// stop and exit observation go through the process group and cmd.Wait.
func (h *ProcessHost) IsHealthy() bool {
	_, err := process.Processes()
	return err == nil
}

// buildEnv constructs the child's environment: the allowlisted ambient
// variables plus the entry's own declared env on top.
func buildEnv(entryEnv map[string]string) []string {
	env := make([]string, 0, len(inheritedEnvKeys)+len(entryEnv))
	for _, k := range inheritedEnvKeys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range entryEnv {
		env = append(env, k+"="+v)
	}
	return env
}

var _ HostAdapter = (*ProcessHost)(nil)
