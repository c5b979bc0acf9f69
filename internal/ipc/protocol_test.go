package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFrameRoundTrips(t *testing.T) {
	req := RequestFrame{Type: FrameRequest, ID: 42, Command: Command{Tag: CmdLaunch, EntryID: "e1"}}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded RequestFrame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

func TestEventFrameHasNoID(t *testing.T) {
	ev := newEventFrame(EventPayload{Tag: EvWarningIssued, ThresholdSecs: 60, Severity: "warn"})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}
