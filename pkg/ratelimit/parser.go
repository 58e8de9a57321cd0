package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forest6511/offline/pkg/errors"
)

const (
	kib = 1024
	mib = kib * 1024
	gib = mib * 1024
)

var ratePattern = regexp.MustCompile(`^(\d*\.?\d+)(k|kb|m|mb|g|gb)?$`)

// ParseRate parses a rate such as "2048", "500k", "1MB/s" or "1.5m" into
// bytes per second. Units are binary. An empty string or "0" is unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "/s")
	if s == "" || s == "0" {
		return 0, nil
	}

	m := ratePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.NewValidationError("max_rate",
			fmt.Sprintf("invalid rate %q (examples: 1MB/s, 500k, 2048)", s))
	}

	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errors.NewValidationError("max_rate", fmt.Sprintf("invalid number %q", m[1]))
	}

	var unit float64 = 1
	switch m[2] {
	case "k", "kb":
		unit = kib
	case "m", "mb":
		unit = mib
	case "g", "gb":
		unit = gib
	}

	bps := int64(num * unit)
	if bps < 1 {
		return 0, errors.NewValidationError("max_rate", fmt.Sprintf("rate %q is below 1 byte/s", s))
	}

	return bps, nil
}

// FormatRate renders bytes per second for display.
func FormatRate(bps int64) string {
	if bps <= 0 {
		return "unlimited"
	}

	scaled := func(unit int64, suffix string) string {
		if bps%unit == 0 {
			return fmt.Sprintf("%d%s", bps/unit, suffix)
		}
		return fmt.Sprintf("%.1f%s", float64(bps)/float64(unit), suffix)
	}

	switch {
	case bps >= gib:
		return scaled(gib, "GB/s")
	case bps >= mib:
		return scaled(mib, "MB/s")
	case bps >= kib:
		return scaled(kib, "KB/s")
	default:
		return fmt.Sprintf("%d bytes/s", bps)
	}
}
