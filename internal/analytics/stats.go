// Package analytics reports lifetime and daily download volume plus
// destination disk usage, backed by the State Store's daily-stat rows.
package analytics

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyon-dl/internal/store"
)

// DiskUsageInfo reports space on the volume a download destination lives on.
type DiskUsageInfo struct {
	UsedGB  float64 `json:"usedGb"`
	FreeGB  float64 `json:"freeGb"`
	TotalGB float64 `json:"totalGb"`
	Percent float64 `json:"percent"`
}

// Data is the combined analytics view a status surface would expose.
type Data struct {
	TotalBytes   int64            `json:"totalBytes"`
	TotalFiles   int64            `json:"totalFiles"`
	DailyHistory map[string]int64 `json:"dailyHistory"`
	DiskUsage    DiskUsageInfo    `json:"diskUsage"`
}

// StatsManager tracks the process's current transfer rate and reads
// lifetime/daily volume out of the store's DailyStat rows.
type StatsManager struct {
	store          *store.Store
	downloadPathFn func() (string, error)
	currentSpeed   int64 // atomic, bytes/sec
}

// NewStatsManager builds a StatsManager over s. downloadPathFn resolves the
// directory GetDiskUsage reports on (typically the default save path).
func NewStatsManager(s *store.Store, downloadPathFn func() (string, error)) *StatsManager {
	return &StatsManager{store: s, downloadPathFn: downloadPathFn}
}

// UpdateDownloadSpeed records the process's current aggregate transfer rate.
func (sm *StatsManager) UpdateDownloadSpeed(bytesPerSec int64) {
	atomic.StoreInt64(&sm.currentSpeed, bytesPerSec)
}

// GetCurrentSpeed returns the last rate UpdateDownloadSpeed recorded.
func (sm *StatsManager) GetCurrentSpeed() int64 {
	return atomic.LoadInt64(&sm.currentSpeed)
}

// RecordCompletion folds a finished download's size into today's DailyStat
// row. Intended to be wired to a DownloadCompleted event subscriber.
func (sm *StatsManager) RecordCompletion(bytes int64) error {
	return sm.store.RecordDailyBytes(today(), bytes, 1)
}

func today() string {
	return time.Now().Format("2006-01-02")
}

// GetDailyStats returns the volume of each of the last n days, keyed by
// date ("2006-01-02"), zero-filled for days with no activity.
func (sm *StatsManager) GetDailyStats(days int) (map[string]int64, error) {
	dates := make([]string, days)
	now := time.Now()
	for i := 0; i < days; i++ {
		dates[days-1-i] = now.AddDate(0, 0, -i).Format("2006-01-02")
	}

	rows, err := sm.store.GetDailyStats(dates)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(dates))
	for _, d := range dates {
		out[d] = rows[d].Bytes
	}
	return out, nil
}

// GetLifetimeTotals sums bytes and files across the last 366 days; rows
// older than that are not counted.
func (sm *StatsManager) GetLifetimeTotals() (bytesTotal, filesTotal int64, err error) {
	// DailyStat has no bound index to scan "all dates" directly; a year's
	// worth of zero-filled lookups is cheap and keeps the store's read path
	// a single keyed query instead of a second table scan method.
	dates := make([]string, 366)
	now := time.Now()
	for i := range dates {
		dates[i] = now.AddDate(0, 0, -i).Format("2006-01-02")
	}
	rows, err := sm.store.GetDailyStats(dates)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range dates {
		bytesTotal += rows[d].Bytes
		filesTotal += rows[d].Files
	}
	return bytesTotal, filesTotal, nil
}

// GetDiskUsage reports usage at the root of the volume named by the path
// downloadPathFn resolves to ("/" when the path has no volume name, as on
// Unix, so a separate mount point holding the path is not detected),
// zeroed on any error.
func (sm *StatsManager) GetDiskUsage() DiskUsageInfo {
	if sm.downloadPathFn == nil {
		return DiskUsageInfo{}
	}

	downloadPath, err := sm.downloadPathFn()
	if err != nil {
		return DiskUsageInfo{}
	}

	volumePath := filepath.VolumeName(downloadPath)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += string(filepath.Separator)
	}

	usage, err := disk.Usage(volumePath)
	if err != nil {
		return DiskUsageInfo{}
	}

	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsageInfo{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}

// GetAnalytics returns the combined lifetime/daily/disk view.
func (sm *StatsManager) GetAnalytics() (Data, error) {
	lifetime, files, err := sm.GetLifetimeTotals()
	if err != nil {
		return Data{}, err
	}
	daily, err := sm.GetDailyStats(7)
	if err != nil {
		return Data{}, err
	}
	return Data{
		TotalBytes:   lifetime,
		TotalFiles:   files,
		DailyHistory: daily,
		DiskUsage:    sm.GetDiskUsage(),
	}, nil
}
