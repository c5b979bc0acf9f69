// Package volume defines the second (and smaller) interface boundary: a
// pass-through for system volume, with a clamp applied on behalf of the
// Shell role's configured cap. Like host.HostAdapter, its user (the
// daemon's service loop) depends only on the VolumeController interface.
package volume

import "fmt"

// VolumeInfo is the current state of the system mixer as reported by a
// VolumeController.
type VolumeInfo struct {
	LevelPct int
	Muted    bool
}

// VolumeController is the interface boundary for querying and setting
// system volume. A single stub Linux implementation ships in this
// package; a real implementation would shell out to pactl/amixer or bind
// a mixer library, neither of which this daemon requires to exercise the
// policy layer above it.
type VolumeController interface {
	GetVolume() (VolumeInfo, error)
	SetVolume(levelPct int) error
}

// Restrictions bounds what a caller (in practice, the Shell role over
// IPC) may set the volume to. A zero CapPct means unrestricted.
type Restrictions struct {
	CapPct int
}

// Unrestricted returns a Restrictions with no cap.
func Unrestricted() Restrictions { return Restrictions{} }

// Clamp returns the level actually allowed for a requested level, given
// these restrictions.
func (r Restrictions) Clamp(requestedPct int) int {
	if requestedPct < 0 {
		return 0
	}
	if requestedPct > 100 {
		requestedPct = 100
	}
	if r.CapPct > 0 && requestedPct > r.CapPct {
		return r.CapPct
	}
	return requestedPct
}

// SetVolumeRestricted applies restrictions before delegating to the
// controller, so every caller-facing entry point enforces the same cap
// rather than relying on each caller to clamp first.
func SetVolumeRestricted(vc VolumeController, r Restrictions, requestedPct int) (int, error) {
	allowed := r.Clamp(requestedPct)
	if err := vc.SetVolume(allowed); err != nil {
		return 0, fmt.Errorf("set volume: %w", err)
	}
	return allowed, nil
}

// StubController is an in-memory VolumeController: it remembers the last
// level set, always reports unmuted, and touches no real mixer. This repository
// has no dependency on a platform mixer API, so it ships this stub as
// the one implementation — swapping in a real mixer binding later means
// implementing VolumeController, nothing else changes.
type StubController struct {
	level int
}

// NewStubController returns a StubController reporting levelPct until
// SetVolume is called.
func NewStubController(levelPct int) *StubController {
	return &StubController{level: levelPct}
}

func (s *StubController) GetVolume() (VolumeInfo, error) {
	return VolumeInfo{LevelPct: s.level, Muted: false}, nil
}

func (s *StubController) SetVolume(levelPct int) error {
	if levelPct < 0 || levelPct > 100 {
		return fmt.Errorf("volume: level %d out of range [0,100]", levelPct)
	}
	s.level = levelPct
	return nil
}

var _ VolumeController = (*StubController)(nil)
