package minfree

import (
	"fmt"
	"log/slog"
	"syscall"
)

// Policy keeps at least MinFreeBytes available on the filesystem holding Path.
// Only meaningful for the disk tier.
type Policy struct {
	Path         string
	MinFreeBytes int64

	statfs func(path string, buf *syscall.Statfs_t) error
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	statfs := m.statfs
	if statfs == nil {
		statfs = syscall.Statfs
	}

	var stat syscall.Statfs_t
	if err := statfs(m.Path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	freeSpace := int64(stat.Bavail) * int64(stat.Bsize)

	slog.Debug("Disk space check", "path", m.Path, "free_bytes", freeSpace, "min_required", m.MinFreeBytes)

	if freeSpace < m.MinFreeBytes {
		// The manager caps this at what the tier actually holds.
		return min(m.MinFreeBytes-freeSpace, currentSize), nil
	}
	return 0, nil
}
