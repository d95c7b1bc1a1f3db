package worker

import (
	"os"
	"path/filepath"

	"benchflow/src/wire"
)

func testConfigStub() wire.TestConfig {
	return wire.TestConfig{TestNumber: 1, Count: 10, Size: 64}
}

func listFiles(baseDir, subDir string) ([]os.DirEntry, error) {
	dir := filepath.Join(baseDir, subDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}
