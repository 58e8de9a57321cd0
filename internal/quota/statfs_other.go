//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly || windows)

package quota

import (
	"errors"
	"runtime"
)

func diskSpace(string) (SpaceInfo, error) {
	return SpaceInfo{}, errors.New("filesystem capacity is not supported on " + runtime.GOOS)
}
