// Package network provides host bandwidth shaping, AIMD congestion
// control, and a cold-start speed probe, per spec.md section 4.2's host
// traffic shaping and cold-start seed additions.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// BandwidthManager enforces a global byte-rate limit with zero overhead
// while disabled, and lets per-download priority yield bandwidth to
// higher-priority downloads.
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	// downloadID -> priority (1=Low, 2=Normal, 3=High)
	priorities map[string]int
}

// NewBandwidthManager creates a manager with no limit applied.
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
		priorities:    make(map[string]int),
	}
}

// SetLimit sets the global limit in bytes/sec; 0 disables it.
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
		return
	}
	bm.limitEnabled.Store(true)
	bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
	bm.globalLimiter.SetBurst(bytesPerSec)
}

// SetPriority sets the shaping priority for a download.
func (bm *BandwidthManager) SetPriority(downloadID string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.priorities[downloadID] = priority
}

// Wait blocks until bytes may be consumed under the current limit. Returns
// immediately if no limit is set.
func (bm *BandwidthManager) Wait(ctx context.Context, downloadID string, bytes int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	bm.mu.RLock()
	priority, ok := bm.priorities[downloadID]
	bm.mu.RUnlock()
	if !ok {
		priority = 2
	}

	if err := bm.globalLimiter.WaitN(ctx, bytes); err != nil {
		return err
	}

	if priority == 1 {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
