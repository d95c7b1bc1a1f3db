package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	var reg Registration
	err := DecodeStrict([]byte(`{"worker_id":"w1","role":"sender","bogus":true}`), &reg)
	require.Error(t, err)
}

func TestDecodeStrictRejectsMissingRequired(t *testing.T) {
	var reg Registration
	err := DecodeStrict([]byte(`{"role":"sender"}`), &reg)
	require.Error(t, err)
}

func TestDecodeStrictAcceptsValidPayload(t *testing.T) {
	var reg Registration
	err := DecodeStrict([]byte(`{"worker_id":"w1","role":"receiver"}`), &reg)
	require.NoError(t, err)
	require.Equal(t, "w1", reg.WorkerID)
	require.Equal(t, RoleReceiver, reg.Role)
}

func TestValidTransitions(t *testing.T) {
	require.True(t, ValidTransition(StateConnectingToCoordinator, StateConnectedToSync))
	require.True(t, ValidTransition(StateFinishedTest, StateReceivedConfig))
	require.False(t, ValidTransition(StateConnectedToSync, StateRunningTest))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := TestConfig{TestNumber: 1, Count: 100, Size: 64, SendHWM: 1000, RecvHWM: 1000}
	data, err := Encode(cfg)
	require.NoError(t, err)

	var decoded TestConfig
	require.NoError(t, DecodeStrict(data, &decoded))
	require.Equal(t, cfg, decoded)
}
