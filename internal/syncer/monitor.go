package syncer

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Connectivity receives online/offline transitions.
type Connectivity interface {
	SetOnline(online bool)
}

// ProbeMonitor polls a health URL and reports connectivity to a target.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	target   Connectivity
	log      logrus.FieldLogger
}

// NewProbeMonitor creates a monitor. A nil client uses a 5 second timeout.
func NewProbeMonitor(url string, interval time.Duration, target Connectivity, client *http.Client, log logrus.FieldLogger) *ProbeMonitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   client,
		target:   target,
		log:      log.WithField("component", "connectivity"),
	}
}

// Check probes once. Any response below 500 counts as online.
func (m *ProbeMonitor) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.log.WithError(err).Warn("invalid probe url")
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.WithError(err).Debug("probe failed")
		return false
	}
	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then on every interval until ctx is done.
func (m *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		online := m.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		m.target.SetOnline(online)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
