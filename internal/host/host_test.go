package host

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shepherd-project/shepherdd/internal/policy"
)

func TestCapabilitiesSupportsKind(t *testing.T) {
	caps := LinuxProcessCapabilities()
	assert.True(t, caps.SupportsKind(policy.KindProcess))
	assert.False(t, caps.SupportsKind(policy.KindVM))
}

func TestMinimalCapabilitiesRequireObserveExit(t *testing.T) {
	caps := MinimalCapabilities()
	assert.True(t, caps.CanObserveExit)
}

func TestExitStatusIsSuccess(t *testing.T) {
	assert.True(t, ExitSuccess().IsSuccess())
	assert.False(t, ExitWithCode(1).IsSuccess())
	assert.False(t, ExitSignaled(9).IsSuccess())
}
