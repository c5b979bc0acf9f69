package daemon

import (
	"context"
	"time"

	"github.com/shepherd-project/shepherdd/internal/engine"
	"github.com/shepherd-project/shepherdd/internal/host"
	"github.com/shepherd-project/shepherdd/internal/ids"
	"github.com/shepherd-project/shepherdd/internal/ipc"
	"github.com/shepherd-project/shepherdd/internal/policy"
	"github.com/shepherd-project/shepherdd/internal/shepherderr"
	"github.com/shepherd-project/shepherdd/internal/store"
	"github.com/shepherd-project/shepherdd/internal/volume"
	"go.uber.org/zap"
)

// The methods in this file implement ipc.CommandHandler. Each one routes
// through Service.call so the actual engine work runs on the loop
// goroutine; none of them touch s.engine directly.

var _ ipc.CommandHandler = (*Service)(nil)

func (s *Service) GetState(ctx context.Context) (ipc.StateDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) { return s.doGetState(), nil })
	if err != nil {
		return ipc.StateDTO{}, err
	}
	return v.(ipc.StateDTO), nil
}

func (s *Service) doGetState() ipc.StateDTO {
	state := ipc.StateDTO{Timestamp: s.clock.Now().Unix()}
	session, ok := s.engine.CurrentSession()
	if !ok {
		return state
	}
	info := &ipc.SessionInfoDTO{
		SessionID: session.Plan.SessionID.String(),
		EntryID:   session.Plan.Entry.ID.String(),
		StartedAt: session.Plan.StartedAt.Unix(),
		State:     string(session.State),
	}
	if session.Plan.Deadline != nil {
		remaining := int64(ids.Remaining(s.clock.MonotonicNow(), *session.Plan.Deadline).Seconds())
		info.RemainingSecs = &remaining
	}
	state.ActiveSession = info
	return state
}

func (s *Service) ListEntries(ctx context.Context, at *time.Time) ([]ipc.EntryDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) {
		now := s.clock.Now()
		if at != nil {
			now = *at
		}
		views, err := s.engine.ListEntries(ctx, now)
		if err != nil {
			return nil, err
		}
		out := make([]ipc.EntryDTO, 0, len(views))
		for _, view := range views {
			out = append(out, toEntryDTO(view))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ipc.EntryDTO), nil
}

func (s *Service) Launch(ctx context.Context, entryID string) (ipc.LaunchResultDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) { return s.doLaunch(ctx, entryID) })
	if err != nil {
		return ipc.LaunchResultDTO{}, err
	}
	return v.(ipc.LaunchResultDTO), nil
}

func (s *Service) doLaunch(ctx context.Context, entryID string) (ipc.LaunchResultDTO, error) {
	result, err := s.engine.RequestLaunch(ctx, ids.EntryID(entryID), s.clock.Now())
	if err != nil {
		return ipc.LaunchResultDTO{}, err
	}
	if result.Tag == engine.LaunchDenied {
		if _, auditErr := s.store.AppendAudit(ctx, store.EventLaunchDenied, map[string]any{"entry_id": entryID}); auditErr != nil {
			s.logger.Warn("append audit failed", zap.Error(auditErr))
		}
		return ipc.LaunchResultDTO{Approved: false, Reasons: toReasonDTOs(result.Reasons)}, nil
	}

	plan := result.Plan
	handle, err := s.host.Spawn(ctx, plan.SessionID, plan.Entry.Kind, host.SpawnOptions{
		CaptureStdout: true,
		CaptureStderr: true,
		LogPath:       s.sessionLogPath(plan.SessionID),
	})
	if err != nil {
		abortEvent := s.engine.AbortLaunch(plan)
		s.emit(ctx, abortEvent)
		if _, auditErr := s.store.AppendAudit(ctx, store.EventLaunchDenied, map[string]any{
			"entry_id": entryID, "spawn_error": err.Error(),
		}); auditErr != nil {
			s.logger.Warn("append audit failed", zap.Error(auditErr))
		}
		return ipc.LaunchResultDTO{Approved: false}, err
	}

	startEvent, err := s.engine.StartSession(plan, handle)
	if err != nil {
		return ipc.LaunchResultDTO{}, err
	}
	if _, auditErr := s.store.AppendAudit(ctx, store.EventLaunchApproved, map[string]any{
		"entry_id": entryID, "session_id": plan.SessionID.String(),
	}); auditErr != nil {
		s.logger.Warn("append audit failed", zap.Error(auditErr))
	}
	s.emit(ctx, startEvent)
	s.saveSnapshot(ctx)

	return ipc.LaunchResultDTO{Approved: true, SessionID: plan.SessionID.String()}, nil
}

func (s *Service) sessionLogPath(id ids.SessionID) string {
	return s.logDir() + "/" + id.String() + ".log"
}

func (s *Service) logDir() string {
	return s.engine.Policy().Daemon.LogDir
}

func (s *Service) StopCurrent(ctx context.Context, mode string, role ipc.Role) error {
	_, err := s.call(ctx, func(ctx context.Context) (any, error) {
		return nil, s.doStopCurrent(ctx, mode, role)
	})
	return err
}

func (s *Service) doStopCurrent(ctx context.Context, mode string, role ipc.Role) error {
	reason := engine.ReasonUserStop
	if role == ipc.RoleAdmin {
		reason = engine.ReasonAdminStop
	}
	handle, err := s.engine.StopCurrent(reason)
	if err != nil {
		return err
	}

	stopMode := host.GracefulStop(5 * time.Second)
	if mode == "force" {
		stopMode = host.ForceStop()
	}
	if err := s.host.Stop(ctx, handle, stopMode); err != nil {
		return err
	}
	if _, auditErr := s.store.AppendAudit(ctx, store.EventAdminStop, map[string]any{
		"session_id": handle.SessionID.String(), "mode": mode, "role": string(role),
	}); auditErr != nil {
		s.logger.Warn("append audit failed", zap.Error(auditErr))
	}
	return nil
}

func (s *Service) ReloadConfig(ctx context.Context) (int, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) { return s.doReloadConfig(ctx) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Service) doReloadConfig(ctx context.Context) (int, error) {
	if s.configPath == "" {
		return 0, shepherderr.ErrConfig
	}
	raw, err := policy.LoadRawConfig(s.configPath)
	if err != nil {
		return 0, err
	}
	newPolicy, err := policy.FromRaw(raw)
	if err != nil {
		return 0, err
	}
	ev := s.engine.ReloadPolicy(newPolicy)
	s.emit(ctx, ev)
	return ev.EntryCount, nil
}

func (s *Service) GetHealth(ctx context.Context) (ipc.HealthDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) {
		return ipc.HealthDTO{StoreHealthy: s.store.IsHealthy(ctx), HostHealthy: s.host.IsHealthy()}, nil
	})
	if err != nil {
		return ipc.HealthDTO{}, err
	}
	return v.(ipc.HealthDTO), nil
}

func (s *Service) GetVolume(ctx context.Context) (ipc.VolumeDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) { return s.doGetVolume() })
	if err != nil {
		return ipc.VolumeDTO{}, err
	}
	return v.(ipc.VolumeDTO), nil
}

func (s *Service) doGetVolume() (ipc.VolumeDTO, error) {
	info, err := s.vol.GetVolume()
	if err != nil {
		return ipc.VolumeDTO{}, err
	}
	return ipc.VolumeDTO{LevelPct: info.LevelPct, Muted: info.Muted}, nil
}

func (s *Service) SetVolume(ctx context.Context, levelPct int) (ipc.VolumeDTO, error) {
	v, err := s.call(ctx, func(ctx context.Context) (any, error) { return s.doSetVolume(ctx, levelPct) })
	if err != nil {
		return ipc.VolumeDTO{}, err
	}
	return v.(ipc.VolumeDTO), nil
}

func (s *Service) doSetVolume(ctx context.Context, levelPct int) (ipc.VolumeDTO, error) {
	allowed, err := volume.SetVolumeRestricted(s.vol, s.volRes, levelPct)
	if err != nil {
		return ipc.VolumeDTO{}, err
	}
	info, err := s.vol.GetVolume()
	if err != nil {
		return ipc.VolumeDTO{}, err
	}
	if s.ipcServer != nil {
		s.ipcServer.Broadcast(ctx, ipc.EventPayload{Tag: ipc.EvVolumeChanged, LevelPct: info.LevelPct, Muted: info.Muted})
	}
	return ipc.VolumeDTO{LevelPct: allowed, Muted: info.Muted}, nil
}

func (s *Service) ExtendCurrent(ctx context.Context, extraSecs int64) error {
	_, err := s.call(ctx, func(ctx context.Context) (any, error) { return nil, s.doExtendCurrent(ctx, extraSecs) })
	return err
}

func (s *Service) doExtendCurrent(ctx context.Context, extraSecs int64) error {
	if err := s.engine.ExtendCurrent(time.Duration(extraSecs) * time.Second); err != nil {
		return err
	}
	if _, err := s.store.AppendAudit(ctx, store.EventSessionExtended, map[string]any{"extra_secs": extraSecs}); err != nil {
		s.logger.Warn("append audit failed", zap.Error(err))
	}
	s.saveSnapshot(ctx)
	return nil
}

func (s *Service) NotifyClientConnected(ctx context.Context, clientID string) {
	if _, err := s.store.AppendAudit(ctx, store.EventClientConnected, map[string]any{"client_id": clientID}); err != nil {
		s.logger.Warn("append audit failed", zap.Error(err))
	}
}

func (s *Service) NotifyClientDropped(ctx context.Context, clientID string) {
	if _, err := s.store.AppendAudit(ctx, store.EventClientDropped, map[string]any{"client_id": clientID}); err != nil {
		s.logger.Warn("append audit failed", zap.Error(err))
	}
}
