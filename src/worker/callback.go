package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"benchflow/src/wire"

	"github.com/google/uuid"
)

// Callback receives every non-terminator payload a receiver reads off the
// data socket, plus a finalize hook once the loop ends. The sender side has
// no callback: only the receiver needs a pluggable sink per spec §6.
type Callback interface {
	OnMessage(payload []byte, msgIndex int, cfg wire.TestConfig) error
	Finalize() error
}

// NoopCallback discards every payload; it's the default when no callback
// tag is configured.
type NoopCallback struct{}

func (NoopCallback) OnMessage([]byte, int, wire.TestConfig) error { return nil }
func (NoopCallback) Finalize() error                              { return nil }

// NpyCallback implements the `write_npy` callback from spec §6: payloads
// accumulate in a buffer until it reaches BufferSizeBytes (0 meaning "flush
// every message"), at which point they're flushed to a part file under a
// per-worker UUID subdirectory of BaseDirectory.
type NpyCallback struct {
	BaseDirectory   string
	BufferSizeBytes int
	Format          string // "bin" or "npy"
	TestNumber      int
	WorkerUUID      string

	buf         []byte
	firstMsg    int
	lastMsg     int
	partCounter int
}

func NewNpyCallback(baseDir string, bufferSizeBytes int, format string, testNumber int) *NpyCallback {
	return &NpyCallback{
		BaseDirectory:   baseDir,
		BufferSizeBytes: bufferSizeBytes,
		Format:          format,
		TestNumber:      testNumber,
		WorkerUUID:      uuid.NewString(),
	}
}

func (c *NpyCallback) OnMessage(payload []byte, msgIndex int, _ wire.TestConfig) error {
	if c.firstMsg == 0 {
		c.firstMsg = msgIndex
	}
	c.lastMsg = msgIndex

	c.buf = append(c.buf, payload...)

	if c.BufferSizeBytes == 0 {
		return c.flush(msgIndex, msgIndex, singleMessageSuffix(msgIndex))
	}
	if len(c.buf) >= c.BufferSizeBytes {
		c.partCounter++
		suffix := rangeSuffix(c.firstMsg, c.lastMsg, c.partCounter)
		if err := c.flush(c.firstMsg, c.lastMsg, suffix); err != nil {
			return err
		}
		c.firstMsg, c.lastMsg = 0, 0
	}
	return nil
}

func (c *NpyCallback) Finalize() error {
	if len(c.buf) == 0 {
		return nil
	}
	c.partCounter++
	return c.flush(c.firstMsg, c.lastMsg, rangeSuffix(c.firstMsg, c.lastMsg, c.partCounter))
}

func (c *NpyCallback) flush(_, _ int, suffix string) error {
	dir := filepath.Join(c.BaseDirectory, c.WorkerUUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: npy callback: mkdir %s: %w", dir, err)
	}
	name := fmt.Sprintf("test_%03d_%s.%s", c.TestNumber, suffix, c.Format)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, c.buf, 0o644); err != nil {
		return fmt.Errorf("worker: npy callback: write %s: %w", path, err)
	}
	c.buf = c.buf[:0]
	return nil
}

func singleMessageSuffix(msgIndex int) string {
	return fmt.Sprintf("message_%06d", msgIndex)
}

func rangeSuffix(first, last, part int) string {
	return fmt.Sprintf("messages_%06d_to_%06d_part_%03d", first, last, part)
}
