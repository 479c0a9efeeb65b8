package analytics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tachyon-dl/internal/store"
)

func mockDownloadPathFn() (string, error) {
	return "/tmp", nil
}

func TestStatsManager_RecordAndReadDailyStats(t *testing.T) {
	s, err := store.OpenInMemory(100)
	require.NoError(t, err)
	defer s.Close()

	sm := NewStatsManager(s, mockDownloadPathFn)
	require.NoError(t, sm.RecordCompletion(1024))
	require.NoError(t, sm.RecordCompletion(2048))

	daily, err := sm.GetDailyStats(7)
	require.NoError(t, err)
	require.Len(t, daily, 7)
	require.EqualValues(t, 3072, daily[today()])
}

func TestStatsManager_LifetimeTotalsAccumulate(t *testing.T) {
	s, err := store.OpenInMemory(100)
	require.NoError(t, err)
	defer s.Close()

	sm := NewStatsManager(s, mockDownloadPathFn)
	require.NoError(t, sm.RecordCompletion(500))
	require.NoError(t, sm.RecordCompletion(500))

	bytesTotal, filesTotal, err := sm.GetLifetimeTotals()
	require.NoError(t, err)
	require.EqualValues(t, 1000, bytesTotal)
	require.EqualValues(t, 2, filesTotal)
}

func TestStatsManager_SpeedIsAtomic(t *testing.T) {
	sm := NewStatsManager(nil, mockDownloadPathFn)
	sm.UpdateDownloadSpeed(4096)
	require.EqualValues(t, 4096, sm.GetCurrentSpeed())
}

func TestStatsManager_DiskUsageZeroedWithoutPathFn(t *testing.T) {
	sm := NewStatsManager(nil, nil)
	usage := sm.GetDiskUsage()
	require.Zero(t, usage.TotalGB)
}

func TestStatsManager_GetAnalytics(t *testing.T) {
	s, err := store.OpenInMemory(100)
	require.NoError(t, err)
	defer s.Close()

	sm := NewStatsManager(s, mockDownloadPathFn)
	require.NoError(t, sm.RecordCompletion(10))

	data, err := sm.GetAnalytics()
	require.NoError(t, err)
	require.EqualValues(t, 10, data.TotalBytes)
	require.Len(t, data.DailyHistory, 7)
}
