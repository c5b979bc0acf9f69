// Package main is the CLI entry point for shepherdd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/shepherd-project/shepherdd/internal/daemon"
	"github.com/shepherd-project/shepherdd/internal/engine"
	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/ipc"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/store"
	"github.com/shepherd-project/shepherdd/internal/volume"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

var (
	flagConfig   string
	flagSocket   string
	flagDataDir  string
	flagLogLevel string
	jsonOutput   bool
)

var rootCmd = &cobra.Command{
	Use:     "shepherdd",
	Short:   "Local policy and enforcement daemon for a kiosk account",
	Long:    `shepherdd evaluates a parent-defined policy file and enforces availability windows, time limits, and cooldowns on a fixed set of launchable entries, over a local IPC socket.`,
	Version: Version,
	RunE:    runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "/etc/shepherdd/policy.yaml", "path to the policy YAML file")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "override the IPC socket path (defaults to the policy file's daemon.socket_path)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the data directory (defaults to the policy file's daemon.data_dir)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n", Version, Commit, BuildTime)
		return
	}
	fmt.Printf("shepherdd %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}

// exitErr carries an explicit process exit code through cobra's RunE
// plumbing, per spec §6: 1 config load failure, 2 store open failure,
// 3 socket bind failure.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := createLogger(flagLogLevel)
	defer func() { _ = logger.Sync() }()

	raw, err := policy.LoadRawConfig(flagConfig)
	if err != nil {
		logger.Error("failed to load config", zap.String("path", flagConfig), zap.Error(err))
		return &exitErr{code: 1, err: err}
	}
	pol, err := policy.FromRaw(raw)
	if err != nil {
		logger.Error("config validation failed", zap.Error(err))
		return &exitErr{code: 1, err: err}
	}
	if flagSocket != "" {
		pol.Daemon.SocketPath = flagSocket
	} else if env := os.Getenv("SHEPHERD_SOCKET"); env != "" {
		pol.Daemon.SocketPath = env
	}
	if flagDataDir != "" {
		pol.Daemon.DataDir = flagDataDir
	} else if env := os.Getenv("SHEPHERD_DATA_DIR"); env != "" {
		pol.Daemon.DataDir = env
	}

	st, err := store.OpenSQLiteStore(pol.Daemon.DataDir)
	if err != nil {
		logger.Error("failed to open store", zap.String("data_dir", pol.Daemon.DataDir), zap.Error(err))
		return &exitErr{code: 2, err: err}
	}
	defer func() { _ = st.Close() }()

	h := host.NewProcessHost(logger)
	vc := volume.NewStubController(50)
	clock := ids.SystemClock{}

	eng, err := engine.NewEngine(logger, st, h.Capabilities(), clock, pol)
	if err != nil {
		logger.Error("failed to construct engine", zap.Error(err))
		return &exitErr{code: 1, err: err}
	}

	svc := daemon.NewService(logger, clock, st, h, vc, volume.Restrictions{CapPct: pol.Daemon.ShellVolumeCapPct}, flagConfig, eng)

	observerUIDs := make(map[int]bool, len(pol.Daemon.ObserverUIDs))
	for _, uid := range pol.Daemon.ObserverUIDs {
		observerUIDs[uid] = true
	}
	ipcServer := ipc.NewServer(logger, ipc.Config{
		SocketPath:        pol.Daemon.SocketPath,
		ServiceUID:        os.Getuid(),
		ObserverEnabled:   pol.Daemon.ObserverEnabled,
		ObserverUIDs:      observerUIDs,
		RateLimitPerSec:   pol.Daemon.RateLimitPerSec,
		ShellVolumeCapPct: pol.Daemon.ShellVolumeCapPct,
	}, svc)
	svc.SetIPCServer(ipcServer)

	if _, err := st.AppendAudit(context.Background(), store.EventServiceStarted, map[string]any{"version": Version}); err != nil {
		logger.Warn("append audit failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		if err := ipcServer.Serve(gctx); err != nil {
			logger.Error("ipc server exited", zap.Error(err))
			return &exitErr{code: 3, err: err}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("shepherdd exited with error", zap.Error(err))
		return err
	}
	logger.Info("shepherdd stopped")
	return nil
}

func createLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
