// Package engine implements the Download Engine: the orchestrator that
// pulls ready Downloads off the State Store's queue, probes and partitions
// each one, dispatches Chunk Fetchers, folds progress back into the store,
// and hands finished chunk sets to the Worker Pool for assembly, per
// spec.md section 4.2.
package engine

import (
	"context"
	"net/url"
	"sync"
	"time"

	"tachyon-dl/internal/breaker"
	"tachyon-dl/internal/config"
	"tachyon-dl/internal/events"
	"tachyon-dl/internal/fetcher"
	"tachyon-dl/internal/metrics"
	"tachyon-dl/internal/network"
	"tachyon-dl/internal/sizer"
	"tachyon-dl/internal/store"
	"tachyon-dl/internal/workerpool"
)

// Config bounds the engine's concurrency and progress-coalescing behavior.
// Chunk retries follow fetcher.DefaultConfig.
type Config struct {
	MaxParallelDownloads int
	MaxConcurrentChunks  int
	MaxPerHostDownloads  int
	ProgressBatchDelay   time.Duration
	ProgressBatchBytes   int64
	UserAgent            string
	SeedFromProbe        bool
	PollInterval         time.Duration
}

// DefaultConfig matches spec.md's engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelDownloads: 3,
		MaxConcurrentChunks:  8,
		MaxPerHostDownloads:  2,
		ProgressBatchDelay:   250 * time.Millisecond,
		ProgressBatchBytes:   256 * 1024,
		UserAgent:            "tachyon-dl/1.0",
		SeedFromProbe:        true,
		PollInterval:         500 * time.Millisecond,
	}
}

// ConfigFromManager builds an engine Config from the persisted settings a
// ConfigManager exposes.
func ConfigFromManager(cm *config.ConfigManager) Config {
	return Config{
		MaxParallelDownloads: cm.GetMaxParallelDownloads(),
		MaxConcurrentChunks:  cm.GetMaxConcurrentChunks(),
		MaxPerHostDownloads:  2,
		ProgressBatchDelay:   time.Duration(cm.GetProgressBatchDelayMs()) * time.Millisecond,
		ProgressBatchBytes:   cm.GetProgressBatchBytesThreshold(),
		UserAgent:            cm.GetUserAgent(),
		SeedFromProbe:        true,
		PollInterval:         500 * time.Millisecond,
	}
}

// Engine is the Download Engine. One Engine drives every Download in the
// State Store; construct it once per process.
type Engine struct {
	cfg Config

	store     *store.Store
	publisher events.Publisher
	breakers  *breaker.Manager
	bw        *network.BandwidthManager
	cc        *network.CongestionController
	metrics   *metrics.Metrics
	sizerCfg  sizer.Config
	pool      *workerpool.Pool
	target    fetcher.Target
	fetchCfg  fetcher.Config

	mu          sync.Mutex
	active      map[int64]context.CancelFunc
	intents     map[int64]store.State
	hostRunning map[string]int

	progressMu sync.Mutex
	progress   map[int64]*progressState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires an Engine from its already-constructed dependencies. Callers
// (typically cmd/tachyond) own the lifetime of the store, breaker manager,
// bandwidth manager, congestion controller, metrics tracker and worker
// pool; the engine only uses them.
func New(s *store.Store, pub events.Publisher, pool *workerpool.Pool, breakers *breaker.Manager, bw *network.BandwidthManager, cc *network.CongestionController, m *metrics.Metrics, sizerCfg sizer.Config, cfg Config) *Engine {
	if pub == nil {
		pub = events.Discard{}
	}
	target := fetcher.NewHTTPTarget()
	target.UserAgent = cfg.UserAgent

	return &Engine{
		cfg:         cfg,
		store:       s,
		publisher:   pub,
		breakers:    breakers,
		bw:          bw,
		cc:          cc,
		metrics:     m,
		sizerCfg:    sizerCfg,
		pool:        pool,
		target:      target,
		fetchCfg:    fetcher.DefaultConfig(),
		active:      make(map[int64]context.CancelFunc),
		intents:     make(map[int64]store.State),
		hostRunning: make(map[string]int),
		progress:    make(map[int64]*progressState),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
// It blocks; run it in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// Stop halts the dispatch loop and waits for in-flight downloads to
// finish or unwind. It does not cancel running downloads itself, and
// neither does cancelling the context passed to Start: each download runs
// under its own context derived from context.Background, so only
// Cancel/Pause per download stops it early.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// tick pulls the ready queue and dispatches as many downloads as the
// global and per-host concurrency caps allow.
func (e *Engine) tick() {
	ready, err := e.store.ReadyQueue()
	if err != nil {
		return
	}

	e.mu.Lock()
	running := len(e.active)
	e.mu.Unlock()

	for _, dl := range ready {
		if running >= e.cfg.MaxParallelDownloads {
			return
		}

		host := hostOf(dl.URL)

		e.mu.Lock()
		if _, already := e.active[dl.ID]; already {
			e.mu.Unlock()
			continue
		}
		if e.cfg.MaxPerHostDownloads > 0 && e.hostRunning[host] >= e.cfg.MaxPerHostDownloads {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		if e.breakers != nil && !e.breakers.Allow(host) {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		e.mu.Lock()
		e.active[dl.ID] = cancel
		e.hostRunning[host]++
		e.mu.Unlock()

		running++

		e.wg.Add(1)
		go func(dl store.Download, host string) {
			defer e.wg.Done()
			defer e.unregister(dl.ID, host)
			e.runDownload(ctx, dl, host)
		}(dl, host)
	}
}

func (e *Engine) unregister(id int64, host string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
	delete(e.intents, id)
	if e.hostRunning[host] > 0 {
		e.hostRunning[host]--
	}
}

// Pause requests that an in-flight download tear down and transition to
// "paused", leaving its partial chunks on disk. A no-op if id is not
// currently active.
func (e *Engine) Pause(id int64) {
	e.requestIntent(id, store.StatePaused)
}

// Cancel requests that an in-flight download tear down and transition to
// "cancelled". A no-op if id is not currently active.
func (e *Engine) Cancel(id int64) {
	e.requestIntent(id, store.StateCancelled)
}

func (e *Engine) requestIntent(id int64, target store.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.active[id]
	if !ok {
		return
	}
	e.intents[id] = target
	cancel()
}

func (e *Engine) intentFor(id int64) store.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.intents[id]; ok {
		return s
	}
	return store.StateCancelled
}

// ActiveCount reports how many downloads the engine is currently driving.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) publish(name events.Name, id int64, payload map[string]any) {
	e.publisher.Publish(events.Event{Name: name, ID: id, Payload: payload})
}

// hostOf returns the bare hostname (no port) a URL targets, the key every
// per-host component (breaker, congestion controller, metrics) groups by.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
