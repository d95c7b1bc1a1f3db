// Package sink implements the coordinator's result outputs: the always-on
// CSV/JSON file pair from spec §6, plus the additive PostgreSQL and NATS
// sinks SPEC_FULL.md layers on top.
package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"benchflow/src/wire"
)

// csvHeader matches spec §6's persisted-state column list exactly: one row
// per worker per test, with the full TestConfig embedded as a single
// serialized JSON column rather than flattened into per-field columns.
var csvHeader = []string{
	"worker_id", "role", "config",
	"messages_sent", "messages_received", "throughput_mbps", "start_time", "end_time",
}

// CSV appends every reported TestResult to one results.csv file for the run,
// writing the header exactly once.
type CSV struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *csv.Writer
}

func NewCSV(directory string, addDateTime bool) (*CSV, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("sink: create output directory: %w", err)
	}

	name := "results.csv"
	if addDateTime {
		name = timestampPrefix() + "_" + name
	}
	path := filepath.Join(directory, name)

	writeHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		writeHeader = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: write csv header: %w", err)
		}
		w.Flush()
	}

	return &CSV{path: path, file: f, writer: w}, nil
}

func (c *CSV) WriteResults(results []wire.TestResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range results {
		configJSON, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("sink: marshal config for worker '%s': %w", r.WorkerID, err)
		}
		row := []string{
			r.WorkerID,
			string(r.Role),
			string(configJSON),
			strconv.Itoa(r.MessagesSent),
			strconv.Itoa(r.MessagesReceived),
			strconv.FormatFloat(r.ThroughputMbps, 'f', 4, 64),
			r.StartTime,
			r.EndTime,
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("sink: write csv row for worker '%s': %w", r.WorkerID, err)
		}
	}
	c.writer.Flush()
	return c.writer.Error()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}

// WriteJSONSnapshot writes the matrix of TestConfig entries the coordinator swept,
// once, as config.json next to results.csv — the reproducibility record for
// a run.
func WriteJSONSnapshot(directory string, addDateTime bool, matrix []wire.TestConfig) error {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("sink: create output directory: %w", err)
	}

	name := "config.json"
	if addDateTime {
		name = timestampPrefix() + "_" + name
	}
	path := filepath.Join(directory, name)

	payload, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: marshal config snapshot: %w", err)
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("sink: write config snapshot %s: %w", path, err)
	}
	return nil
}

func timestampPrefix() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
