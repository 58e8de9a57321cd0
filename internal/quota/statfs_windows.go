//go:build windows

package quota

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func diskSpace(path string) (SpaceInfo, error) {
	root := filepath.VolumeName(path) + `\`

	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return SpaceInfo{}, fmt.Errorf("convert %s: %w", root, err)
	}

	var freeAvailable, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(rootPtr, &freeAvailable, &total, &totalFree); err != nil {
		return SpaceInfo{}, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", root, err)
	}

	// #nosec G115 -- volume sizes fit in int64
	info := SpaceInfo{
		TotalBytes:     int64(total),
		FreeBytes:      int64(totalFree),
		AvailableBytes: int64(freeAvailable),
		Path:           path,
	}
	info.UsagePercent = usagePercent(info.TotalBytes, info.FreeBytes)

	return info, nil
}
