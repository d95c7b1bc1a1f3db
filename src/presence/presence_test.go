package presence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	require.Equal(t, "online", StatusOnline.String())
	require.Equal(t, "offline", StatusOffline.String())
}

func TestWorkerKeyFormat(t *testing.T) {
	require.Equal(t, "presence:worker:{w-1}", workerKey("w-1"))
}
