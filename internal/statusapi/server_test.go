package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"tachyon-dl/internal/metrics"
	"tachyon-dl/internal/store"
)

func TestHandleSnapshot_ReturnsDownloads(t *testing.T) {
	s, err := store.OpenInMemory(10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AddDownload(store.Spec{Title: "a", URL: "http://x/a", SavePath: "/tmp/a"})
	require.NoError(t, err)

	srv := New(s, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/snapshot?minVersion=0", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Downloads, 1)
	require.True(t, snap.HasChanges)
}

func TestHandleMetrics_ReturnsGlobalCounters(t *testing.T) {
	s, err := store.OpenInMemory(10)
	require.NoError(t, err)
	defer s.Close()

	m := metrics.New()
	m.RecordStart("example.com")

	srv := New(s, m)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var view metricsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.EqualValues(t, 1, view.Global.ActiveDownloadsCount)
}

func TestLoopbackOnly_RejectsNonLocalhost(t *testing.T) {
	s, err := store.OpenInMemory(10)
	require.NoError(t, err)
	defer s.Close()

	srv := New(s, metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	req.RemoteAddr = "203.0.113.5:5000"
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
