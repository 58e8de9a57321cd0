package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/offline/pkg/errors"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"2048", 2048},
		{"500k", 500 * 1024},
		{"500KB/s", 500 * 1024},
		{"1MB/s", 1024 * 1024},
		{" 1.5m ", 1536 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRate_Invalid(t *testing.T) {
	for _, in := range []string{"fast", "1tb", "-5", "0.1"} {
		_, err := ParseRate(in)
		assert.Equal(t, errors.CodeValidationError, errors.GetErrorCode(err), in)
	}
}

func TestFormatRate(t *testing.T) {
	assert.Equal(t, "unlimited", FormatRate(0))
	assert.Equal(t, "512 bytes/s", FormatRate(512))
	assert.Equal(t, "500KB/s", FormatRate(500*1024))
	assert.Equal(t, "1.5MB/s", FormatRate(1536*1024))
	assert.Equal(t, "2GB/s", FormatRate(2*1024*1024*1024))
}

func TestBandwidthLimiter_Unlimited(t *testing.T) {
	l := NewBandwidthLimiter(0)
	assert.Equal(t, int64(0), l.Rate())
	assert.NoError(t, l.Wait(context.Background(), 1<<30))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, 1), context.Canceled)
}

func TestBandwidthLimiter_WaitLargerThanBurst(t *testing.T) {
	l := NewBandwidthLimiter(1000)

	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 1500))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond,
		"the second half waits for the bucket to refill")
}

func TestBandwidthLimiter_WaitCancelled(t *testing.T) {
	l := NewBandwidthLimiter(100)
	require.NoError(t, l.Wait(context.Background(), 100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, 100))
}

func TestBandwidthLimiter_SetRate(t *testing.T) {
	l := NewBandwidthLimiter(1024)
	assert.Equal(t, int64(1024), l.Rate())

	l.SetRate(4096)
	assert.Equal(t, int64(4096), l.Rate())

	l.SetRate(-1)
	assert.Equal(t, int64(0), l.Rate())
	assert.NoError(t, l.Wait(context.Background(), 1<<20))
}
