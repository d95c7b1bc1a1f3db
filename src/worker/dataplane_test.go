package worker

import (
	"testing"
	"time"

	"benchflow/src/addrtranslate"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDataSocketAddressNoTranslator(t *testing.T) {
	require.Equal(t, "10.0.0.5:9100", DataSocketAddress(nil, "10.0.0.5", 9100))
}

func TestDataSocketAddressHostnameBypassesTranslator(t *testing.T) {
	tr := addrtranslate.New(map[string]string{"10.0.0.5:9100": "203.0.113.9:19100"}, zerolog.Nop())
	require.Equal(t, "worker-a.internal:9100", DataSocketAddress(tr, "worker-a.internal", 9100))
}

func TestDataSocketAddressTranslatesIPLiteral(t *testing.T) {
	tr := addrtranslate.New(map[string]string{"10.0.0.5:9100": "203.0.113.9:19100"}, zerolog.Nop())
	require.Equal(t, "203.0.113.9:19100", DataSocketAddress(tr, "10.0.0.5", 9100))
}

func TestThroughputMbps(t *testing.T) {
	mbps := ThroughputMbps(1000, 1024, time.Second)
	require.InDelta(t, 1000*1024*8/1_000_000.0, mbps, 0.0001)
}

func TestThroughputMbpsZeroElapsed(t *testing.T) {
	require.Equal(t, 0.0, ThroughputMbps(100, 64, 0))
}

func TestIsEndMarker(t *testing.T) {
	require.True(t, isEndMarker([]byte("END")))
	require.False(t, isEndMarker([]byte("ENDX")))
	require.False(t, isEndMarker([]byte("abc")))
}

func TestNpyCallbackFlushEveryMessage(t *testing.T) {
	dir := t.TempDir()
	cb := NewNpyCallback(dir, 0, "bin", 3)

	require.NoError(t, cb.OnMessage([]byte("payload-1"), 1, testConfigStub()))
	require.NoError(t, cb.Finalize())

	entries, err := listFiles(dir, cb.WorkerUUID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestNpyCallbackBuffersUntilThreshold(t *testing.T) {
	dir := t.TempDir()
	cb := NewNpyCallback(dir, 16, "bin", 1)

	require.NoError(t, cb.OnMessage([]byte("12345678"), 1, testConfigStub()))
	entries, _ := listFiles(dir, cb.WorkerUUID)
	require.Len(t, entries, 0, "buffer below threshold should not flush yet")

	require.NoError(t, cb.OnMessage([]byte("12345678"), 2, testConfigStub()))
	entries, _ = listFiles(dir, cb.WorkerUUID)
	require.Len(t, entries, 1, "buffer at threshold should flush")
}
