// Package daemon wires the engine, store, host adapter, volume
// controller, and IPC server into the single event loop described by
// spec §4.8: one goroutine owns the engine and serializes every access to
// it, whether that access originates from an IPC command, a host exit
// event, the periodic tick, or a policy reload.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/shepherd-project/shepherdd/internal/engine"
	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/ipc"
	"github.com/shepherd-project/shepherdd/internal/store"
	"github.com/shepherd-project/shepherdd/internal/volume"
)

const tickInterval = 100 * time.Millisecond

// Service owns the CoreEngine and is the sole goroutine allowed to call
// into it. Every other goroutine (IPC connections, fsnotify, signals)
// communicates through Run's select loop rather than touching the engine
// directly.
type Service struct {
	logger *zap.Logger
	clock  ids.Clock

	store  store.Store
	host   host.HostAdapter
	vol    volume.VolumeController
	volRes volume.Restrictions

	configPath string

	engine    *engine.CoreEngine
	ipcServer *ipc.Server

	loopCh chan loopRequest
}

type loopRequest struct {
	fn    func(ctx context.Context) (any, error)
	reply chan loopReply
}

type loopReply struct {
	value any
	err   error
}

// NewService constructs a Service. The caller must still call
// SetIPCServer before Run, since the server and the service reference
// each other (the server dispatches into the service's CommandHandler
// methods; the service broadcasts engine events through the server).
func NewService(logger *zap.Logger, clock ids.Clock, st store.Store, h host.HostAdapter, vc volume.VolumeController, volRes volume.Restrictions, configPath string, eng *engine.CoreEngine) *Service {
	return &Service{
		logger:     logger,
		clock:      clock,
		store:      st,
		host:       h,
		vol:        vc,
		volRes:     volRes,
		configPath: configPath,
		engine:     eng,
		loopCh:     make(chan loopRequest),
	}
}

// SetIPCServer attaches the server this service will drive. Must be
// called before Run.
func (s *Service) SetIPCServer(srv *ipc.Server) { s.ipcServer = srv }

// call marshals one piece of work onto the loop goroutine and blocks for
// its result. Every CommandHandler method is built on this so the engine
// is never touched from the IPC goroutines directly.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	reply := make(chan loopReply, 1)
	select {
	case s.loopCh <- loopRequest{fn: fn, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the single event loop. It blocks until ctx is canceled, at
// which point it performs a bounded graceful shutdown and returns. The
// shape mirrors a ticker-driven select loop: one goroutine, several
// sources, no locks on the engine.
func (s *Service) Run(ctx context.Context) error {
	hostCtx, hostCancel := context.WithCancel(context.Background())
	defer hostCancel()
	hostEvents := s.host.Subscribe(hostCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	watcher := s.startConfigWatcher()
	if watcher != nil {
		defer watcher.Close()
	}

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	s.recoverFromSnapshot(context.Background())

	s.logger.Info("shepherdd service loop started")

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(hostEvents)

		case req := <-s.loopCh:
			v, err := req.fn(ctx)
			req.reply <- loopReply{value: v, err: err}

		case ev := <-hostEvents:
			s.handleHostEvent(context.Background(), ev)

		case <-tick.C:
			s.handleTick(context.Background())

		case <-sigCh:
			s.logger.Info("received SIGHUP, reloading policy")
			s.reloadFromDisk(context.Background())

		case fsEv, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if fsEv.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Clean(fsEv.Name) == filepath.Clean(s.configPath) {
				s.logger.Info("policy file changed on disk, reloading", zap.String("path", fsEv.Name))
				s.reloadFromDisk(context.Background())
			}
		}
	}
}

// startConfigWatcher watches the directory containing the policy file so
// edits are picked up without waiting for SIGHUP. Failure to start the
// watcher is not fatal — SIGHUP-driven reload still works.
func (s *Service) startConfigWatcher() *fsnotify.Watcher {
	if s.configPath == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watcher unavailable, falling back to SIGHUP-only reload", zap.Error(err))
		return nil
	}
	if err := w.Add(filepath.Dir(s.configPath)); err != nil {
		s.logger.Warn("could not watch config directory", zap.Error(err))
		w.Close()
		return nil
	}
	return w
}

// watcherEvents returns w's Events channel, or nil if w is nil. A nil
// channel in a select simply never fires, which is exactly the behavior
// wanted when the watcher failed to start.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (s *Service) handleHostEvent(ctx context.Context, ev host.HostEvent) {
	switch ev.Tag {
	case host.HostEventExited:
		endEvent, err := s.engine.NotifySessionExited(ctx, s.clock.Now())
		if err != nil {
			s.logger.Error("failed to finalize exited session", zap.Error(err))
		}
		s.emit(ctx, endEvent)
		s.saveSnapshot(ctx)
	case host.HostEventSpawnFailed:
		s.logger.Warn("host reported spawn failure", zap.Error(ev.Err))
	}
}

func (s *Service) handleTick(ctx context.Context) {
	events := s.engine.Tick(s.clock.MonotonicNow())
	for _, ev := range events {
		s.emit(ctx, ev)
		if ev.Tag == engine.EventExpireDue {
			s.stopExpiredSession(ctx)
		}
	}
}

// stopExpiredSession issues the host stop for a session Tick has just
// marked Expiring. It runs synchronously on the loop goroutine: the
// 100ms tick may be delayed by up to the graceful-stop timeout while it
// completes, an acceptable tradeoff against the complexity of detaching
// it and tracking completion out-of-band.
func (s *Service) stopExpiredSession(ctx context.Context) {
	session, ok := s.engine.CurrentSession()
	if !ok {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.host.Stop(stopCtx, session.HostHandle, host.GracefulStop(5*time.Second)); err != nil {
		s.logger.Warn("graceful stop of expired session failed", zap.Error(err))
	}
}

func (s *Service) reloadFromDisk(ctx context.Context) {
	count, err := s.doReloadConfig(ctx)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous policy", zap.Error(err))
		return
	}
	s.logger.Info("policy reloaded", zap.Int("entry_count", count))
}

// shutdown performs the bounded graceful-stop sequence: if a session is
// running, ask the host to stop it and wait briefly for the resulting
// exit event so usage gets recorded, then close the store. hostEvents
// must be the same channel obtained at the top of Run — a second
// Subscribe call would race it for events.
func (s *Service) shutdown(hostEvents <-chan host.HostEvent) error {
	s.logger.Info("shepherdd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if session, ok := s.engine.CurrentSession(); ok {
		if err := s.host.Stop(shutdownCtx, session.HostHandle, host.GracefulStop(5*time.Second)); err != nil {
			s.logger.Warn("graceful stop during shutdown failed", zap.Error(err))
		}
		select {
		case ev := <-hostEvents:
			if ev.Tag == host.HostEventExited {
				if _, err := s.engine.NotifySessionExited(context.Background(), s.clock.Now()); err != nil {
					s.logger.Warn("failed to record final usage on shutdown", zap.Error(err))
				}
			}
		case <-shutdownCtx.Done():
			s.logger.Warn("timed out waiting for session exit during shutdown")
		}
	}

	if _, err := s.store.AppendAudit(context.Background(), store.EventServiceStopped, nil); err != nil {
		s.logger.Warn("failed to append shutdown audit record", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close store", zap.Error(err))
		return err
	}
	return nil
}

// recoverFromSnapshot implements spec's crash-recovery rule: a session
// found non-Ended in the last persisted snapshot means the previous
// process died mid-session. shepherdd never attempts to resume it — it
// is declared Ended with ReasonServiceRestarted and whatever usage had
// accrued up to the snapshot's timestamp is recorded, best-effort.
func (s *Service) recoverFromSnapshot(ctx context.Context) {
	snap, ok, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		s.logger.Warn("failed to load startup snapshot", zap.Error(err))
		return
	}
	if !ok || snap.ActiveSession == nil {
		return
	}

	recovered := snap.ActiveSession
	s.logger.Warn("recovered non-ended session from snapshot, declaring it ended",
		zap.String("session_id", recovered.SessionID.String()),
		zap.String("entry_id", recovered.EntryID.String()))

	elapsed := snap.Timestamp.Sub(recovered.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if err := s.store.AddUsage(ctx, recovered.EntryID, ids.LocalDay(recovered.StartedAt), elapsed); err != nil {
		s.logger.Warn("failed to record recovered session usage", zap.Error(err))
	}
	if _, err := s.store.AppendAudit(ctx, store.EventSessionEnded, map[string]any{
		"session_id": recovered.SessionID.String(),
		"entry_id":   recovered.EntryID.String(),
		"reason":     string(engine.ReasonServiceRestarted),
	}); err != nil {
		s.logger.Warn("failed to append recovery audit record", zap.Error(err))
	}
	if err := s.store.SaveSnapshot(ctx, store.StateSnapshot{Timestamp: s.clock.Now(), ActiveSession: nil}); err != nil {
		s.logger.Warn("failed to clear snapshot after recovery", zap.Error(err))
	}
}

// saveSnapshot persists the current session, if any, so a crash between
// now and the next transition can still be recognized at startup. Called
// after session start, session exit, and extension rather than on a
// timer, since the write volume from those events is low; the Warned and
// Expiring transitions made by a tick do not trigger a save.
func (s *Service) saveSnapshot(ctx context.Context) {
	snap := store.StateSnapshot{Timestamp: s.clock.Now()}

	if session, ok := s.engine.CurrentSession(); ok {
		var deadline *time.Time
		if session.Plan.Deadline != nil {
			remaining := ids.Remaining(s.clock.MonotonicNow(), *session.Plan.Deadline)
			d := snap.Timestamp.Add(remaining)
			deadline = &d
		}
		warningsIssued := make([]int64, 0, len(session.WarningsFired))
		for secs, fired := range session.WarningsFired {
			if fired {
				warningsIssued = append(warningsIssued, secs)
			}
		}
		snap.ActiveSession = &store.SessionSnapshot{
			SessionID:      session.Plan.SessionID,
			EntryID:        session.Plan.Entry.ID,
			StartedAt:      session.Plan.StartedAt,
			Deadline:       deadline,
			WarningsIssued: warningsIssued,
		}
	}

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.logger.Warn("failed to save snapshot", zap.Error(err))
	}
}

// emit records the audit entries a CoreEvent implies and broadcasts it
// to subscribed IPC clients. Not every event tag is audit-worthy —
// warnings and due-expiry are transient signals, not decisions.
func (s *Service) emit(ctx context.Context, ev engine.CoreEvent) {
	var auditType store.AuditEventType
	var payload map[string]any
	switch ev.Tag {
	case engine.EventSessionStarted:
		auditType, payload = store.EventSessionStarted, map[string]any{
			"session_id": ev.SessionID.String(), "entry_id": ev.EntryID.String(),
		}
	case engine.EventSessionEnded:
		auditType, payload = store.EventSessionEnded, map[string]any{
			"session_id": ev.SessionID.String(), "entry_id": ev.EntryID.String(), "reason": string(ev.Reason),
		}
	case engine.EventPolicyReloaded:
		auditType, payload = store.EventPolicyReloaded, map[string]any{"entry_count": ev.EntryCount}
	}
	if auditType != "" {
		if _, err := s.store.AppendAudit(ctx, auditType, payload); err != nil {
			s.logger.Error("append audit failed", zap.Error(err))
		}
	}

	if s.ipcServer != nil {
		s.ipcServer.Broadcast(ctx, toEventPayload(ev))
	}
}
