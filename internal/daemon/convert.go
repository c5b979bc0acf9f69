package daemon

import (
	"github.com/shepherd-project/shepherdd/internal/engine"
	"github.com/shepherd-project/shepherdd/internal/ipc"
)

// The functions in this file are the only place DTO shapes and engine
// value shapes meet. Neither the engine nor the ipc package import the
// other; daemon is the seam.

func toReasonDTO(r engine.Reason) ipc.ReasonDTO {
	dto := ipc.ReasonDTO{Tag: string(r.Tag)}
	switch r.Tag {
	case engine.ReasonOutsideWindow:
		if r.NextWindowStart != nil {
			u := r.NextWindowStart.Unix()
			dto.NextWindowStart = &u
		}
	case engine.ReasonSessionActive:
		dto.EntryID = r.ActiveEntryID.String()
		dto.RemainingSecs = int64(r.Remaining.Seconds())
	case engine.ReasonCooldownActive:
		dto.AvailableAtUnix = r.AvailableAt.Unix()
	case engine.ReasonQuotaExhausted:
		dto.UsedSecs = r.UsedSecs
		dto.QuotaSecs = r.QuotaSecs
	}
	return dto
}

func toReasonDTOs(reasons []engine.Reason) []ipc.ReasonDTO {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]ipc.ReasonDTO, 0, len(reasons))
	for _, r := range reasons {
		out = append(out, toReasonDTO(r))
	}
	return out
}

func toEntryDTO(view engine.EntryView) ipc.EntryDTO {
	dto := ipc.EntryDTO{
		EntryID: view.Entry.ID.String(),
		Label:   view.Entry.Label,
		Enabled: view.Enabled,
		Reasons: toReasonDTOs(view.Reasons),
	}
	if view.MaxRunIfStartedNow != nil {
		secs := int64(view.MaxRunIfStartedNow.Seconds())
		dto.MaxRunIfStartedNow = &secs
	}
	return dto
}

func toEventPayload(ev engine.CoreEvent) ipc.EventPayload {
	switch ev.Tag {
	case engine.EventSessionStarted:
		return ipc.EventPayload{Tag: ipc.EvSessionStarted, SessionID: ev.SessionID.String(), EntryID: ev.EntryID.String()}
	case engine.EventWarningIssued:
		return ipc.EventPayload{
			Tag:           ipc.EvWarningIssued,
			SessionID:     ev.SessionID.String(),
			EntryID:       ev.EntryID.String(),
			ThresholdSecs: ev.ThresholdSecs,
			RemainingSecs: ev.RemainingSecs,
			Severity:      string(ev.Severity),
			Message:       ev.Message,
		}
	case engine.EventExpireDue:
		return ipc.EventPayload{Tag: ipc.EvSessionExpired, SessionID: ev.SessionID.String(), EntryID: ev.EntryID.String()}
	case engine.EventSessionEnded:
		return ipc.EventPayload{Tag: ipc.EvSessionEnded, SessionID: ev.SessionID.String(), EntryID: ev.EntryID.String(), Reason: string(ev.Reason)}
	case engine.EventPolicyReloaded:
		return ipc.EventPayload{Tag: ipc.EvPolicyReloaded, EntryCount: ev.EntryCount}
	default:
		return ipc.EventPayload{}
	}
}
