package sink

import (
	"os"
	"path/filepath"
	"testing"

	"benchflow/src/wire"

	"github.com/stretchr/testify/require"
)

func TestCSVWriteResultsAppendsRows(t *testing.T) {
	dir := t.TempDir()

	csvSink, err := NewCSV(dir, false)
	require.NoError(t, err)

	result := wire.TestResult{
		WorkerID: "w1", Role: wire.RoleSender,
		Config:           wire.TestConfig{TestNumber: 1, Count: 10, Size: 64},
		MessagesSent:     10,
		MessagesReceived: 0,
		ThroughputMbps:   1.25,
		StartTime:        "t0",
		EndTime:          "t1",
	}
	require.NoError(t, csvSink.WriteResults([]wire.TestResult{result}))
	require.NoError(t, csvSink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "results.csv"))
	require.NoError(t, err)
	require.Contains(t, string(data), "worker_id,role,config")
	require.Contains(t, string(data), `w1,sender,"{""test_number"":1,""count"":10,""size"":64`)
}

func TestWriteJSONSnapshot(t *testing.T) {
	dir := t.TempDir()
	matrix := []wire.TestConfig{{TestNumber: 1, Count: 10, Size: 64}}

	require.NoError(t, WriteJSONSnapshot(dir, false, matrix))

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"test_number": 1`)
}
