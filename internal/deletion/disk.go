package deletion

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskProber reports live filesystem usage for the emergency policy.
type DiskProber interface {
	UsagePercent(path string) (float64, error)
}

// StatfsProber reads usage from the kernel via statfs.
type StatfsProber struct{}

func (StatfsProber) UsagePercent(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, fmt.Errorf("statfs %s: zero-size filesystem", path)
	}
	// Percent of space unavailable to unprivileged writers, matching what
	// fills up from the daemon's point of view.
	avail := stat.Bavail * uint64(stat.Bsize)
	used := total - avail
	return float64(used) / float64(total) * 100, nil
}
