package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tachyon-dl/internal/assembler"
	"tachyon-dl/internal/errkind"
	"tachyon-dl/internal/events"
	"tachyon-dl/internal/fetcher"
	"tachyon-dl/internal/network"
	"tachyon-dl/internal/sizer"
	"tachyon-dl/internal/store"
	"tachyon-dl/internal/workerpool"
)

// progressState coalesces a download's chunk-level progress ticks into
// rate-limited DownloadProgress events, per spec.md section 4.2 step 5.
type progressState struct {
	mu            sync.Mutex
	downloaded    int64
	lastEmitAt    time.Time
	lastEmitBytes int64
}

// runDownload drives one Download through probe, plan, download and
// assemble, and reconciles a pause/cancel intent if the context is
// cancelled along the way.
func (e *Engine) runDownload(ctx context.Context, dl store.Download, host string) {
	err := e.process(ctx, dl, host)
	if err == nil {
		return
	}

	if ctx.Err() != nil {
		e.teardown(dl.ID)
		return
	}

	e.fail(dl.ID, err)
}

func (e *Engine) process(ctx context.Context, dl store.Download, host string) error {
	if dl.TotalBytes <= 0 {
		totalBytes, _, err := e.target.Probe(ctx, dl.URL)
		if err != nil {
			e.recordBreakerResult(host, false)
			return err
		}
		e.recordBreakerResult(host, true)
		if totalBytes > 0 {
			if err := e.store.UpdateDownload(dl.ID, store.Patch{TotalBytes: &totalBytes}); err != nil {
				return errkind.New(errkind.Internal, err)
			}
			dl.TotalBytes = totalBytes
		}
	}

	if ok, err := e.store.TransitionState(dl.ID, store.StateStarting); err != nil {
		return errkind.New(errkind.Internal, err)
	} else if !ok {
		return errkind.Wrap(errkind.State, "cannot start download %d from its current state", dl.ID)
	}

	if err := e.planChunks(dl, host); err != nil {
		return err
	}

	if _, err := e.store.TransitionState(dl.ID, store.StateDownloading); err != nil {
		return errkind.New(errkind.Internal, err)
	}

	e.metrics.RecordStart(host)
	startedAt := time.Now()

	chunks, err := e.store.GetChunks(dl.ID)
	if err != nil {
		return errkind.New(errkind.Internal, err)
	}

	if err := e.dispatchChunks(ctx, dl, host, chunks); err != nil {
		e.metrics.RecordCompletion(host, 0, time.Since(startedAt), false)
		return err
	}

	result, err := e.assemble(dl)
	if err != nil {
		e.metrics.RecordCompletion(host, 0, time.Since(startedAt), false)
		return err
	}

	if _, err := e.store.TransitionState(dl.ID, store.StateCompleted); err != nil {
		return errkind.New(errkind.Internal, err)
	}
	e.metrics.RecordCompletion(host, result.BytesWritten, time.Since(startedAt), true)
	e.publish(events.DownloadCompleted, dl.ID, map[string]any{
		"bytesWritten": result.BytesWritten,
		"elapsedMs":    result.Elapsed.Milliseconds(),
	})
	return nil
}

// planChunks reuses the existing chunk partition on a resume, or decides
// a fresh one (adaptive, with an optional cold-start speed seed, falling
// back to the static layout) and persists it.
func (e *Engine) planChunks(dl store.Download, host string) error {
	existing, err := e.store.GetChunks(dl.ID)
	if err != nil {
		return errkind.New(errkind.Internal, err)
	}
	if partitionMatches(existing, dl.TotalBytes) {
		return nil
	}

	plan := e.decidePlan(dl, host)
	if err := e.store.CreateChunks(dl.ID, dl.TotalBytes, plan.Ranges); err != nil {
		return err
	}
	return nil
}

func (e *Engine) decidePlan(dl store.Download, host string) sizer.Plan {
	if !e.sizerCfg.Enabled {
		return sizer.StaticLayout(dl.TotalBytes)
	}

	speedBps, samples := e.metrics.SpeedFor(host)

	if samples == 0 && e.cfg.SeedFromProbe {
		if seeded, ok := e.seedSpeedFromProbe(); ok {
			speedBps = seeded
			samples = minSamplesOf(e.sizerCfg)
		}
	}

	if plan, ok := sizer.Decide(e.sizerCfg, dl.TotalBytes, speedBps, samples); ok {
		return plan
	}
	return sizer.StaticLayout(dl.TotalBytes)
}

// seedSpeedFromProbe runs a best-effort public speed test to give the
// sizer a number to work with on a host it has never downloaded from
// before. A failure or slow probe never blocks the download — it simply
// falls through to the static layout.
func (e *Engine) seedSpeedFromProbe() (float64, bool) {
	done := make(chan *network.SpeedTestResult, 1)
	go func() {
		result, err := network.RunSpeedTest()
		if err != nil {
			done <- nil
			return
		}
		done <- result
	}()

	select {
	case result := <-done:
		if result == nil {
			return 0, false
		}
		return result.DownloadSpeed * 1024 * 1024 / 8, true
	case <-time.After(3 * time.Second):
		return 0, false
	}
}

func minSamplesOf(cfg sizer.Config) int {
	if cfg.MinSamples <= 0 {
		return 2
	}
	return cfg.MinSamples
}

// partitionMatches reports whether chunks (ordered by index, as returned
// by the store) is a gap-free, overlap-free partition covering exactly
// [0, totalBytes-1].
func partitionMatches(chunks []store.Chunk, totalBytes int64) bool {
	if len(chunks) == 0 || totalBytes <= 0 {
		return false
	}
	if chunks[0].StartByte != 0 {
		return false
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartByte != chunks[i-1].EndByte+1 {
			return false
		}
	}
	return chunks[len(chunks)-1].EndByte == totalBytes-1
}

// dispatchChunks fetches every chunk not yet completed (pending, failed,
// or left active by an interrupted run) concurrently,
// bounded by maxConcurrentChunks further narrowed by the host's ideal
// concurrency from the congestion controller, folding progress into the
// store and a coalesced DownloadProgress event as it goes.
func (e *Engine) dispatchChunks(ctx context.Context, dl store.Download, host string, chunks []store.Chunk) error {
	limit := e.cfg.MaxConcurrentChunks
	if limit <= 0 {
		limit = 8
	}
	if e.cc != nil {
		if ideal := e.cc.GetIdealConcurrency(host); ideal > 0 && ideal < limit {
			limit = ideal
		}
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	ps := e.progressStateFor(dl.ID)

	for _, c := range chunks {
		if c.State == store.ChunkCompleted {
			continue
		}
		c := c

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.fetchChunk(ctx, dl, host, c, ps); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}()
	}

	wg.Wait()
	e.clearProgressState(dl.ID)
	return firstErr
}

func (e *Engine) fetchChunk(ctx context.Context, dl store.Download, host string, c store.Chunk, ps *progressState) error {
	active := store.ChunkActive
	_ = e.store.UpdateChunkProgress(dl.ID, c.ChunkIndex, store.ChunkPatch{State: &active})

	partPath := partPathFor(dl, c.ChunkIndex)

	start := time.Now()
	onProgress := func(p fetcher.Progress) {
		_ = e.store.UpdateChunkProgress(dl.ID, c.ChunkIndex, store.ChunkPatch{DownloadedBytes: &p.BytesSoFar})
		e.emitProgress(dl, ps, p.BytesThisTick)
	}

	downloadID := fmt.Sprintf("%d", dl.ID)
	result, err := fetcher.FetchChunk(ctx, e.target, e.bw, downloadID, dl.URL, partPath, c.ChunkIndex, c.StartByte, c.EndByte, e.fetchCfg, onProgress)
	latency := time.Since(start)

	if e.cc != nil {
		e.cc.RecordOutcome(host, latency, err)
	}

	if err != nil {
		e.recordBreakerResult(host, false)
		if errkind.IsRetryable(err) {
			e.metrics.RecordTransientRetry()
		}
		failed := store.ChunkFailed
		msg := err.Error()
		attempts := c.Attempts + result.Attempts
		_ = e.store.UpdateChunkProgress(dl.ID, c.ChunkIndex, store.ChunkPatch{State: &failed, Error: &msg, Attempts: &attempts})
		_, _ = e.store.RecordAttempt(dl.ID, msg)
		e.publish(events.ChunkFailed, dl.ID, map[string]any{"chunkIndex": c.ChunkIndex, "error": msg})
		return err
	}

	e.recordBreakerResult(host, true)
	completed := store.ChunkCompleted
	bytes := result.BytesWritten
	return e.store.UpdateChunkProgress(dl.ID, c.ChunkIndex, store.ChunkPatch{State: &completed, DownloadedBytes: &bytes})
}

func (e *Engine) recordBreakerResult(host string, success bool) {
	if e.breakers != nil {
		e.breakers.RecordResult(host, success)
	}
}

func (e *Engine) progressStateFor(id int64) *progressState {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	ps, ok := e.progress[id]
	if !ok {
		ps = &progressState{}
		e.progress[id] = ps
	}
	return ps
}

func (e *Engine) clearProgressState(id int64) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	delete(e.progress, id)
}

// emitProgress folds a byte delta into the download's running total and,
// once the byte or time threshold is crossed, persists the total and
// publishes a single coalesced DownloadProgress event.
func (e *Engine) emitProgress(dl store.Download, ps *progressState, delta int64) {
	ps.mu.Lock()
	ps.downloaded += delta
	downloaded := ps.downloaded
	due := ps.downloaded-ps.lastEmitBytes >= e.cfg.ProgressBatchBytes || time.Since(ps.lastEmitAt) >= e.cfg.ProgressBatchDelay
	if due {
		ps.lastEmitBytes = downloaded
		ps.lastEmitAt = time.Now()
	}
	ps.mu.Unlock()

	if !due {
		return
	}

	var progress float64
	if dl.TotalBytes > 0 {
		progress = float64(downloaded) / float64(dl.TotalBytes)
		if progress > 1 {
			progress = 1
		}
	}

	_ = e.store.UpdateDownload(dl.ID, store.Patch{DownloadedBytes: &downloaded, Progress: &progress})
	e.publish(events.DownloadProgress, dl.ID, map[string]any{
		"downloadedBytes": downloaded,
		"totalBytes":      dl.TotalBytes,
		"progress":        progress,
	})
}

// assembleOutcome carries an assembly task's result back from the worker
// pool to the blocked caller.
type assembleOutcome struct {
	result assembler.Result
	err    error
}

// assemble submits the finished chunk set as a task on the Worker Pool
// and blocks for its outcome — file assembly is CPU/IO work that must not
// run on the engine's own dispatch goroutine, per spec.md section 4.4.
func (e *Engine) assemble(dl store.Download) (assembler.Result, error) {
	chunks, err := e.store.GetChunks(dl.ID)
	if err != nil {
		return assembler.Result{}, errkind.New(errkind.Internal, err)
	}

	parts := make([]assembler.Part, len(chunks))
	for i, c := range chunks {
		parts[i] = assembler.Part{
			Index: c.ChunkIndex,
			Path:  partPathFor(dl, c.ChunkIndex),
			Size:  c.EndByte - c.StartByte + 1,
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

	outcome := make(chan assembleOutcome, 1)
	task := workerpool.Task{
		ID: fmt.Sprintf("assemble-%d", dl.ID),
		Run: func(ctx context.Context) error {
			res, err := assembler.Assemble(assembler.Options{
				FinalPath:      dl.SavePath,
				Parts:          parts,
				ForceOverwrite: true,
				OnProgress: func(written, total int64) {
					e.publish(events.DownloadProgress, dl.ID, map[string]any{
						"phase":        "assembling",
						"bytesWritten": written,
						"totalBytes":   total,
					})
				},
			})
			outcome <- assembleOutcome{result: res, err: err}
			return err
		},
	}

	if err := e.pool.Submit(task); err != nil {
		return assembler.Result{}, errkind.New(errkind.Internal, err)
	}

	result := <-outcome
	return result.result, result.err
}

// teardown reconciles a cancelled context with the caller's pause/cancel
// intent: the in-flight fetches have already unwound, partial chunks are
// left on disk, and the Download transitions to the requested terminal
// (or pausable) state.
func (e *Engine) teardown(id int64) {
	target := e.intentFor(id)
	ok, err := e.store.TransitionState(id, target)
	if err != nil || !ok {
		return
	}
	e.publish(events.DownloadStateChanged, id, map[string]any{"state": string(target)})
}

// fail records the error as an attempt, stores its message, and
// transitions the Download to "failed".
func (e *Engine) fail(id int64, err error) {
	msg := err.Error()
	_, _ = e.store.RecordAttempt(id, msg)
	_ = e.store.UpdateDownload(id, store.Patch{ErrorMessage: &msg})
	_, _ = e.store.TransitionState(id, store.StateFailed)
	e.publish(events.DownloadFailed, id, map[string]any{"error": msg})
}

// partPathFor is the on-disk location of one chunk's part file:
// {savePath}.part/{index}, per spec.md section 4.3.
func partPathFor(dl store.Download, chunkIndex int) string {
	return filepath.Join(dl.SavePath+".part", fmt.Sprintf("%d", chunkIndex))
}
