package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// DiskUsageBytes sums the sizes of the given files. Empty and missing paths count as zero.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return 0, fmt.Errorf("stat %s: %w", p, err)
		case info.IsDir():
			return 0, fmt.Errorf("store path %s is a directory", p)
		}
		total += info.Size()
	}
	return total, nil
}

// StoreFiles lists the files a store at path may occupy, including SQLite's WAL side files.
func StoreFiles(backend, path string) []string {
	if Backend(backend) == BackendSQLite {
		return []string{path, path + "-wal", path + "-shm"}
	}
	return []string{path}
}

// StoreSize is the on-disk size of a store of the given backend at path.
func StoreSize(backend, path string) (int64, error) {
	return DiskUsageBytes(StoreFiles(backend, path)...)
}
