package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetermineRoleAdminForServiceUIDOrRoot(t *testing.T) {
	assert.Equal(t, RoleAdmin, DetermineRole(500, 500, false, nil))
	assert.Equal(t, RoleAdmin, DetermineRole(0, 500, false, nil))
}

func TestDetermineRoleObserverWhenConfigured(t *testing.T) {
	observers := map[int]bool{1000: true}
	assert.Equal(t, RoleObserver, DetermineRole(1000, 500, true, observers))
	assert.Equal(t, RoleShell, DetermineRole(1000, 500, false, observers))
}

func TestDetermineRoleDefaultsToShell(t *testing.T) {
	assert.Equal(t, RoleShell, DetermineRole(1001, 500, true, map[int]bool{1000: true}))
}

func TestAllowedShellCannotReloadOrExtend(t *testing.T) {
	assert.False(t, Allowed(RoleShell, CmdReloadConfig))
	assert.False(t, Allowed(RoleShell, CmdExtendCurrent))
	assert.True(t, Allowed(RoleShell, CmdLaunch))
}

func TestAllowedObserverIsReadOnly(t *testing.T) {
	assert.True(t, Allowed(RoleObserver, CmdGetState))
	assert.False(t, Allowed(RoleObserver, CmdLaunch))
	assert.False(t, Allowed(RoleObserver, CmdSetVolume))
}

func TestAllowedAdminCanDoEverything(t *testing.T) {
	assert.True(t, Allowed(RoleAdmin, CmdReloadConfig))
	assert.True(t, Allowed(RoleAdmin, CmdExtendCurrent))
}
