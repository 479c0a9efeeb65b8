package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBandwidthManager_DisabledIsNoOp(t *testing.T) {
	bm := NewBandwidthManager()
	start := time.Now()
	err := bm.Wait(context.Background(), "dl-1", 10*1024*1024)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBandwidthManager_LimitThrottles(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1024) // 1 KiB/s

	start := time.Now()
	require.NoError(t, bm.Wait(context.Background(), "dl-1", 1024))
	require.NoError(t, bm.Wait(context.Background(), "dl-1", 1024))
	require.Greater(t, time.Since(start), 500*time.Millisecond)
}

func TestBandwidthManager_LowPriorityYields(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1024 * 1024)
	bm.SetPriority("dl-low", 1)

	start := time.Now()
	require.NoError(t, bm.Wait(context.Background(), "dl-low", 1))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestBandwidthManager_ZeroResetsToUnlimited(t *testing.T) {
	bm := NewBandwidthManager()
	bm.SetLimit(1024)
	bm.SetLimit(0)
	require.False(t, bm.limitEnabled.Load())
}
