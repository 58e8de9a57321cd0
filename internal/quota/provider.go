// Package quota reports how much local storage offline content uses and
// evicts the oldest lessons when it runs short.
package quota

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// DefaultFixedQuota is the budget assumed when the platform cannot report
// filesystem capacity.
const DefaultFixedQuota int64 = 1 << 30

// Provider names.
const (
	ProviderStatfs = "statfs"
	ProviderFixed  = "fixed"
)

// SpaceInfo is filesystem capacity for the volume holding a path.
type SpaceInfo struct {
	TotalBytes     int64   `json:"total_bytes"`
	FreeBytes      int64   `json:"free_bytes"`
	AvailableBytes int64   `json:"available_bytes"` // available to non-privileged users
	UsagePercent   float64 `json:"usage_percent"`
	Path           string  `json:"path"`
}

// Provider turns the bytes held by the engine into a quota and the bytes
// still available under it.
type Provider interface {
	Name() string
	Estimate(ctx context.Context, used int64) (quota, available int64, err error)
}

// FixedProvider grants a constant budget.
type FixedProvider struct {
	Quota int64
}

// NewFixedProvider returns a provider with quota bytes, DefaultFixedQuota
// when quota is not positive.
func NewFixedProvider(quota int64) *FixedProvider {
	if quota <= 0 {
		quota = DefaultFixedQuota
	}
	return &FixedProvider{Quota: quota}
}

func (p *FixedProvider) Name() string { return ProviderFixed }

// Estimate returns the fixed quota and what is left of it.
func (p *FixedProvider) Estimate(_ context.Context, used int64) (int64, int64, error) {
	avail := p.Quota - used
	if avail < 0 {
		avail = 0
	}
	return p.Quota, avail, nil
}

// StatfsProvider derives the quota from the filesystem holding Path: what
// the engine already uses plus what the volume can still take.
type StatfsProvider struct {
	Path string
}

// NewStatfsProvider resolves path and checks that capacity can be read.
func NewStatfsProvider(path string) (*StatfsProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, err
	}

	p := &StatfsProvider{Path: abs}
	if _, err := p.Space(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StatfsProvider) Name() string { return ProviderStatfs }

// Space reads filesystem capacity.
func (p *StatfsProvider) Space() (SpaceInfo, error) {
	return diskSpace(p.Path)
}

// Estimate returns used plus the volume's available bytes as the quota.
func (p *StatfsProvider) Estimate(ctx context.Context, used int64) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	info, err := p.Space()
	if err != nil {
		return 0, 0, err
	}
	return used + info.AvailableBytes, info.AvailableBytes, nil
}

// Detect probes the filesystem at path and falls back to a fixed quota when
// capacity cannot be read.
func Detect(path string, fixedQuota int64, log logrus.FieldLogger) Provider {
	if log == nil {
		log = logrus.StandardLogger()
	}

	p, err := NewStatfsProvider(path)
	if err == nil {
		return p
	}

	fixed := NewFixedProvider(fixedQuota)
	log.WithError(err).WithFields(logrus.Fields{
		"component": "quota",
		"path":      path,
		"quota":     fixed.Quota,
	}).Info("filesystem capacity unavailable, using fixed quota")

	return fixed
}

// NewProvider picks a provider by name: "statfs", "fixed", or "auto"/"" to
// probe.
func NewProvider(name, path string, fixedQuota int64, log logrus.FieldLogger) (Provider, error) {
	switch name {
	case "", "auto":
		return Detect(path, fixedQuota, log), nil
	case ProviderStatfs:
		return NewStatfsProvider(path)
	case ProviderFixed:
		return NewFixedProvider(fixedQuota), nil
	default:
		return nil, fmt.Errorf("unknown quota provider %q", name)
	}
}

func usagePercent(total, free int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(total-free) / float64(total) * 100.0
}
