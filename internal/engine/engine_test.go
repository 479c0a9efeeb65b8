package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tachyon-dl/internal/breaker"
	"tachyon-dl/internal/events"
	"tachyon-dl/internal/metrics"
	"tachyon-dl/internal/network"
	"tachyon-dl/internal/sizer"
	"tachyon-dl/internal/store"
	"tachyon-dl/internal/workerpool"
)

// stubTarget serves bytes from an in-memory buffer, standing in for a live
// HTTP server in the engine's end-to-end pipeline tests.
type stubTarget struct {
	data       []byte
	acceptsRng bool

	// trickle, if set, makes FetchRange dole out data a few bytes at a
	// time with a sleep between reads, giving pause/cancel tests a window
	// to observe the download mid-flight instead of it finishing in one
	// instantaneous Read.
	trickle      int
	trickleDelay time.Duration
}

func (s *stubTarget) Probe(ctx context.Context, url string) (int64, bool, error) {
	return int64(len(s.data)), s.acceptsRng, nil
}

func (s *stubTarget) FetchRange(ctx context.Context, url string, start, end int64) (io.ReadCloser, int, string, error) {
	chunk := s.data[start : end+1]
	cr := fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.data))
	if s.trickle <= 0 {
		return io.NopCloser(bytes.NewReader(chunk)), 206, cr, nil
	}
	return io.NopCloser(&trickleReader{ctx: ctx, data: chunk, n: s.trickle, delay: s.trickleDelay}), 206, cr, nil
}

// trickleReader returns at most n bytes per Read call, sleeping delay in
// between so a caller can observe and cancel a download in progress.
type trickleReader struct {
	ctx   context.Context
	data  []byte
	pos   int
	n     int
	delay time.Duration
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-time.After(r.delay):
	}
	end := r.pos + r.n
	if end > len(r.data) {
		end = len(r.data)
	}
	if end > r.pos+len(p) {
		end = r.pos + len(p)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func newTestEngine(t *testing.T, target *stubTarget) (*Engine, *store.Store, <-chan events.Event) {
	t.Helper()

	s, err := store.OpenInMemory(100)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	pool := workerpool.New(workerpool.DefaultConfig())
	t.Cleanup(pool.Shutdown)

	breakers := breaker.NewManager(breaker.ManagerConfig{PerHost: true, BreakerCfg: breaker.DefaultConfig()})
	t.Cleanup(breakers.Stop)

	bw := network.NewBandwidthManager()
	cc := network.NewCongestionController(1, 8)
	m := metrics.New()

	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.SeedFromProbe = false

	e := New(s, bus, pool, breakers, bw, cc, m, sizer.Config{Enabled: false}, cfg)
	e.target = target

	return e, s, ch
}

func waitForEvent(t *testing.T, ch <-chan events.Event, name events.Name, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", name)
		}
	}
}

func TestEngine_DownloadsAndAssemblesASingleFile(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 5000)
	target := &stubTarget{data: data, acceptsRng: true}
	e, s, ch := newTestEngine(t, target)

	dir := t.TempDir()
	savePath := filepath.Join(dir, "out.bin")

	dl, err := s.AddDownload(store.Spec{Title: "f", URL: "http://example.com/f", SavePath: savePath})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Start(ctx)

	waitForEvent(t, ch, events.DownloadCompleted, 5*time.Second)

	got, err := s.GetDownload(dl.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, got.State)

	written, err := os.ReadFile(savePath)
	require.NoError(t, err)
	require.Equal(t, data, written)
}

func TestEngine_ResumeReusesExistingChunkPartition(t *testing.T) {
	data := bytes.Repeat([]byte("b"), 2000)
	target := &stubTarget{data: data, acceptsRng: true}
	e, s, _ := newTestEngine(t, target)

	dl, err := s.AddDownload(store.Spec{Title: "r", URL: "http://example.com/r", SavePath: filepath.Join(t.TempDir(), "out.bin"), TotalBytes: int64(len(data))})
	require.NoError(t, err)

	_, err = s.TransitionState(dl.ID, store.StateStarting)
	require.NoError(t, err)
	require.NoError(t, s.CreateChunks(dl.ID, int64(len(data)), []store.ChunkRange{
		{StartByte: 0, EndByte: 999},
		{StartByte: 1000, EndByte: 1999},
	}))

	dl, err = s.GetDownload(dl.ID)
	require.NoError(t, err)
	require.NoError(t, e.planChunks(dl, "example.com"))

	chunks, err := s.GetChunks(dl.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.EqualValues(t, 999, chunks[0].EndByte)
}

func TestEngine_PauseTransitionsToPausedNotFailed(t *testing.T) {
	data := bytes.Repeat([]byte("c"), 5000)
	target := &stubTarget{data: data, acceptsRng: true, trickle: 50, trickleDelay: 5 * time.Millisecond}
	e, s, _ := newTestEngine(t, target)

	dl, err := s.AddDownload(store.Spec{Title: "p", URL: "http://example.com/p", SavePath: filepath.Join(t.TempDir(), "out.bin")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Start(ctx)

	require.Eventually(t, func() bool {
		return e.ActiveCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	e.Pause(dl.ID)

	require.Eventually(t, func() bool {
		got, err := s.GetDownload(dl.ID)
		return err == nil && got.State == store.StatePaused
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_RespectsMaxPerHostDownloads(t *testing.T) {
	data := []byte("xyz")
	target := &stubTarget{data: data, acceptsRng: true}
	e, s, _ := newTestEngine(t, target)
	e.cfg.MaxPerHostDownloads = 1
	e.cfg.MaxParallelDownloads = 5

	for i := 0; i < 3; i++ {
		_, err := s.AddDownload(store.Spec{Title: "h", URL: "http://same-host.example/x", SavePath: filepath.Join(t.TempDir(), fmt.Sprintf("out-%d.bin", i))})
		require.NoError(t, err)
	}

	e.tick()
	require.LessOrEqual(t, e.ActiveCount(), 1)
}

func TestPartitionMatches(t *testing.T) {
	require.True(t, partitionMatches([]store.Chunk{
		{StartByte: 0, EndByte: 99},
		{StartByte: 100, EndByte: 199},
	}, 200))

	require.False(t, partitionMatches([]store.Chunk{
		{StartByte: 0, EndByte: 99},
		{StartByte: 150, EndByte: 199},
	}, 200))

	require.False(t, partitionMatches(nil, 200))
}

func TestPartPathFor(t *testing.T) {
	dl := store.Download{SavePath: "/tmp/movie.mp4"}
	require.Equal(t, "/tmp/movie.mp4.part/3", partPathFor(dl, 3))
}
