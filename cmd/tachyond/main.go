// Command tachyond runs the download engine as a headless daemon: it opens
// the State Store, wires every supporting component, drains the ready
// queue until an OS signal asks it to stop, and optionally exposes the
// read-only status surface over loopback HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tachyon-dl/internal/analytics"
	"tachyon-dl/internal/breaker"
	"tachyon-dl/internal/config"
	"tachyon-dl/internal/engine"
	"tachyon-dl/internal/events"
	"tachyon-dl/internal/logger"
	"tachyon-dl/internal/metrics"
	"tachyon-dl/internal/network"
	"tachyon-dl/internal/sizer"
	"tachyon-dl/internal/statusapi"
	"tachyon-dl/internal/store"
	"tachyon-dl/internal/workerpool"
)

func main() {
	statusAddr := flag.String("status-addr", "", "loopback address for the read-only status API, e.g. 127.0.0.1:9191 (disabled if empty)")
	dbPath := flag.String("db", "", "path to the state database (defaults to the user config dir)")
	flag.Parse()

	log, eventHandler, err := logger.New(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tachyond: init logger:", err)
		os.Exit(1)
	}

	path := *dbPath
	if path == "" {
		appData, err := os.UserConfigDir()
		if err != nil {
			log.Error("resolve config dir", "error", err)
			os.Exit(1)
		}
		dir := filepath.Join(appData, "tachyon-dl")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create state dir", "error", err)
			os.Exit(1)
		}
		path = filepath.Join(dir, "tachyon.db")
	}

	s, err := store.Open(path, 1000)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	cfg := config.NewConfigManager(s)

	bus := events.NewBus()
	eventHandler.SetPublisher(bus)

	drainErrorEvents(log, bus)

	statsManager := analytics.NewStatsManager(s, defaultDownloadDir)
	go recordCompletionsInto(statsManager, bus)

	breakers := breaker.NewManager(breaker.ManagerConfig{
		PerHost: cfg.GetBreakerPerHost(),
		BreakerCfg: breaker.Config{
			FailureThreshold: cfg.GetBreakerFailureThreshold(),
			SuccessThreshold: cfg.GetBreakerSuccessThreshold(),
			ResetTimeout:     time.Duration(cfg.GetBreakerResetTimeoutMs()) * time.Millisecond,
		},
		OnChange: func(sc breaker.StateChange) {
			log.Warn("breaker state changed", "key", sc.Key, "from", sc.From.String(), "to", sc.To.String())
		},
	})
	defer breakers.Stop()

	bw := network.NewBandwidthManager()
	bw.SetLimit(int(cfg.GetGlobalBandwidthLimitBytesSec()))

	cc := network.NewCongestionController(cfg.GetWorkerPoolMin(), cfg.GetWorkerPoolMax())
	m := metrics.New()

	pool := workerpool.New(workerpool.Config{
		MinWorkers:          cfg.GetWorkerPoolMin(),
		MaxWorkers:          cfg.GetWorkerPoolMax(),
		IdleTimeout:         time.Duration(cfg.GetWorkerPoolIdleTimeoutMs()) * time.Millisecond,
		HealthCheckInterval: time.Duration(cfg.GetWorkerPoolHealthCheckMs()) * time.Millisecond,
		HealthCheckTimeout:  5 * time.Second,
		QueueCapacity:       256,
	})
	defer pool.Shutdown()

	sizerCfg := sizer.Config{
		Enabled:      cfg.GetAdaptiveChunksEnabled(),
		Bands:        sizer.DefaultBands,
		MinChunkSize: cfg.GetAdaptiveChunksMinSize(),
		MaxChunkSize: cfg.GetAdaptiveChunksMaxSize(),
		MinChunks:    1,
		MaxChunks:    16,
		MinSamples:   cfg.GetAdaptiveChunksMinSamples(),
	}

	eng := engine.New(s, bus, pool, breakers, bw, cc, m, sizerCfg, engine.ConfigFromManager(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *statusAddr != "" {
		srv := statusapi.New(s, m)
		ln, err := srv.Start(*statusAddr)
		if err != nil {
			log.Error("start status API", "error", err)
		} else {
			defer ln.Close()
			log.Info("status API listening", "addr", *statusAddr)
		}
	}

	log.Info("tachyond starting", "db", path)
	go eng.Start(ctx)

	waitForShutdownSignal()
	log.Info("shutdown signal received, draining")
	cancel()
	eng.Stop()
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

// drainErrorEvents subscribes to the bus and logs every error-notification
// event at debug level. Those events come from the logger's own
// EventHandler, so each one repeats an error record the console and JSON
// sinks have already written.
func drainErrorEvents(log interface{ Debug(string, ...any) }, bus *events.Bus) {
	ch, _ := bus.Subscribe(64)
	go func() {
		for ev := range ch {
			if ev.Name == events.ErrorNotification {
				log.Debug("error event observed", "payload", ev.Payload)
			}
		}
	}()
}

// recordCompletionsInto folds every DownloadCompleted event's byte count
// into today's analytics row.
func recordCompletionsInto(sm *analytics.StatsManager, bus *events.Bus) {
	ch, _ := bus.Subscribe(64)
	for ev := range ch {
		if ev.Name != events.DownloadCompleted {
			continue
		}
		bytes, _ := ev.Payload["bytesWritten"].(int64)
		if bytes > 0 {
			_ = sm.RecordCompletion(bytes)
		}
	}
}

func defaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Downloads"), nil
}
