//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package quota

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func diskSpace(path string) (SpaceInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return SpaceInfo{}, fmt.Errorf("statfs %s: %w", path, err)
	}

	// #nosec G115 -- block counts and sizes are kernel-reported and fit in int64
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	free := int64(st.Bfree) * bsize
	avail := int64(st.Bavail) * bsize

	return SpaceInfo{
		TotalBytes:     total,
		FreeBytes:      free,
		AvailableBytes: avail,
		UsagePercent:   usagePercent(total, free),
		Path:           path,
	}, nil
}
