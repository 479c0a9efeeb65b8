// Package store is the durable State Store: downloads, chunks and attempts
// persisted through gorm over SQLite, with enforced state-machine
// transitions and a monotonically versioned snapshot view.
//
// The store is the sole authority over Download state. The engine never
// mutates a Download in memory without a successful persisted transition
// first (spec.md section 4.1).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tachyon-dl/internal/errkind"
)

// ErrQueueFull is returned by AddDownload when maxQueueSize is exceeded.
var ErrQueueFull = errors.New("store: queue is at capacity")

// ErrNotFound is returned when a Download id does not exist.
var ErrNotFound = errors.New("store: download not found")

// Store is the durable State Store. All exported methods are safe for
// concurrent use; writers are serialized one transaction at a time so two
// concurrent mutations can never race on stateVersion or a transition
// check.
type Store struct {
	db *gorm.DB

	// writeMu serializes mutations end-to-end (check, write, version bump)
	// so "verify transition, then write" is never interleaved with another
	// writer's check, even though SQLite itself would serialize the
	// commits anyway.
	writeMu sync.Mutex

	maxQueueSize int
}

// Open opens (creating if necessary) a SQLite-backed store at path and
// applies the pragmas spec.md section 4.1 names: WAL journaling,
// synchronous=NORMAL, foreign keys on.
func Open(path string, maxQueueSize int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return newFromDB(db, maxQueueSize)
}

// OpenInMemory opens a private in-memory database, primarily for tests.
func OpenInMemory(maxQueueSize int) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open in-memory: %w", err)
	}
	return newFromDB(db, maxQueueSize)
}

func newFromDB(db *gorm.DB, maxQueueSize int) (*Store, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(&Download{}, &Chunk{}, &Attempt{}, &schemaMeta{}, &AppSetting{}, &DownloadLocation{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}

	s := &Store{db: db, maxQueueSize: maxQueueSize}

	if err := s.reconcileOnStartup(); err != nil {
		return nil, err
	}

	return s, nil
}

// DB exposes the underlying gorm handle, the only access the Store gives
// to the DownloadLocation table. The config manager and analytics do not
// use it: they go through GetSetting/SetSetting and
// RecordDailyBytes/GetDailyStats.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// reconcileOnStartup demotes any Download left in "downloading" or
// "starting" by an unclean shutdown back to "queued". Chunks are left
// alone: the fetcher detects existing on-disk bytes and resumes from them.
func (s *Store) reconcileOnStartup() error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Download{}).
			Where("state IN ?", []State{StateDownloading, StateStarting}).
			Updates(map[string]any{"state": StateQueued, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return bumpVersion(tx)
		}
		return nil
	})
}

// bumpVersion increments the durable stateVersion counter inside tx. It
// must be called as the last step of every mutating transaction.
func bumpVersion(tx *gorm.DB) error {
	var meta schemaMeta
	err := tx.Where("key = ?", metaKeyStateVersion).First(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		meta = schemaMeta{Key: metaKeyStateVersion, Value: 1}
		return tx.Create(&meta).Error
	case err != nil:
		return err
	default:
		meta.Value++
		return tx.Save(&meta).Error
	}
}

func currentVersion(tx *gorm.DB) (int64, error) {
	var meta schemaMeta
	err := tx.Where("key = ?", metaKeyStateVersion).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.Value, nil
}

// AddDownload enqueues a new Download in the "queued" state. It is
// idempotent on Spec.ID: a second call with an id that already exists
// returns the existing row, unchanged, rather than erroring or duplicating.
func (s *Store) AddDownload(spec Spec) (Download, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result Download
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if spec.ID != 0 {
			var existing Download
			err := tx.First(&existing, spec.ID).Error
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		var count int64
		if err := tx.Model(&Download{}).Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= s.maxQueueSize {
			return ErrQueueFull
		}

		now := time.Now()
		dl := Download{
			ID:         spec.ID,
			Title:      spec.Title,
			URL:        spec.URL,
			SavePath:   spec.SavePath,
			TotalBytes: spec.TotalBytes,
			Priority:   spec.Priority,
			State:      StateQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&dl).Error; err != nil {
			return err
		}
		result = dl
		return bumpVersion(tx)
	})
	return result, err
}

// TransitionState applies a state machine edge. It returns (true, nil) iff
// the edge is legal and the row was updated; (false, nil) leaves the
// Download's state untouched (illegal edge, or the row no longer matches
// the expected current state under concurrent writers).
func (s *Store) TransitionState(id int64, newState State) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var ok bool
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dl Download
		if err := tx.First(&dl, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		if !CanTransition(dl.State, newState) {
			return nil
		}

		now := time.Now()
		updates := map[string]any{"state": newState, "updated_at": now}
		switch newState {
		case StateStarting:
			updates["started_at"] = now
		case StateCompleted, StateFailed, StateCancelled:
			updates["completed_at"] = now
		case StateQueued:
			// Re-entering the queue (retry/resume/re-download) clears any
			// terminal timestamps and error message from a prior run.
			updates["error_message"] = ""
			updates["completed_at"] = nil
		}

		res := tx.Model(&Download{}).Where("id = ? AND state = ?", id, dl.State).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		ok = true
		return bumpVersion(tx)
	})
	return ok, err
}

// UpdateDownload applies a progress patch. It rejects any patch that would
// decrease downloadedBytes or drive progress outside [0,1]; the rest of
// the patch (if any) is still rejected atomically — a partial patch never
// applies.
func (s *Store) UpdateDownload(id int64, patch Patch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var dl Download
		if err := tx.First(&dl, id).Error; err != nil {
			return err
		}

		updates := map[string]any{"updated_at": time.Now()}

		if patch.DownloadedBytes != nil {
			if *patch.DownloadedBytes < dl.DownloadedBytes {
				return errkind.Wrap(errkind.Internal, "downloadedBytes may not decrease: %d < %d", *patch.DownloadedBytes, dl.DownloadedBytes)
			}
			updates["downloaded_bytes"] = *patch.DownloadedBytes
		}
		if patch.Progress != nil {
			if *patch.Progress < 0 || *patch.Progress > 1 {
				return errkind.Wrap(errkind.Internal, "progress out of range: %f", *patch.Progress)
			}
			updates["progress"] = *patch.Progress
		}
		if patch.TotalBytes != nil {
			updates["total_bytes"] = *patch.TotalBytes
		}
		if patch.ErrorMessage != nil {
			updates["error_message"] = *patch.ErrorMessage
		}

		if err := tx.Model(&Download{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}

// CreateChunks atomically replaces a Download's chunk set. It rejects
// ranges that are not a valid gap-free, overlap-free partition of
// [0, totalBytes-1], and is only permitted while the Download is in
// "starting" or "downloading".
func (s *Store) CreateChunks(id int64, totalBytes int64, ranges []ChunkRange) error {
	if err := validatePartition(ranges, totalBytes); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var dl Download
		if err := tx.First(&dl, id).Error; err != nil {
			return err
		}
		if dl.State != StateStarting && dl.State != StateDownloading {
			return errkind.Wrap(errkind.State, "chunks may only be created while starting or downloading, got %s", dl.State)
		}

		if err := tx.Where("download_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}

		chunks := make([]Chunk, len(ranges))
		for i, r := range ranges {
			chunks[i] = Chunk{
				DownloadID: id,
				ChunkIndex: i,
				StartByte:  r.StartByte,
				EndByte:    r.EndByte,
				State:      ChunkPending,
			}
		}
		if len(chunks) > 0 {
			if err := tx.Create(&chunks).Error; err != nil {
				return err
			}
		}
		return bumpVersion(tx)
	})
}

// validatePartition checks the Partition testable property: ranges[0]
// starts at 0, each subsequent range starts where the last ended, and the
// final range ends at totalBytes-1 with no gap or overlap.
func validatePartition(ranges []ChunkRange, totalBytes int64) error {
	if totalBytes <= 0 {
		if len(ranges) != 0 {
			return errkind.Wrap(errkind.Internal, "non-empty ranges for zero-byte total")
		}
		return nil
	}
	if len(ranges) == 0 {
		return errkind.Wrap(errkind.Internal, "empty chunk layout for totalBytes=%d", totalBytes)
	}
	if ranges[0].StartByte != 0 {
		return errkind.Wrap(errkind.Internal, "partition must start at 0, got %d", ranges[0].StartByte)
	}
	for i, r := range ranges {
		if r.EndByte < r.StartByte {
			return errkind.Wrap(errkind.Internal, "chunk %d has end < start", i)
		}
		if i > 0 && r.StartByte != ranges[i-1].EndByte+1 {
			return errkind.Wrap(errkind.Internal, "chunk %d is not contiguous with previous (gap or overlap)", i)
		}
	}
	last := ranges[len(ranges)-1]
	if last.EndByte != totalBytes-1 {
		return errkind.Wrap(errkind.Internal, "partition must end at totalBytes-1=%d, got %d", totalBytes-1, last.EndByte)
	}
	return nil
}

// UpdateChunkProgress applies a monotonic progress/state update to one
// chunk, identified by (downloadID, chunkIndex).
func (s *Store) UpdateChunkProgress(id int64, index int, patch ChunkPatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var chunk Chunk
		err := tx.Where("download_id = ? AND chunk_index = ?", id, index).First(&chunk).Error
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if patch.DownloadedBytes != nil {
			if *patch.DownloadedBytes < chunk.DownloadedBytes {
				return errkind.Wrap(errkind.Internal, "chunk downloadedBytes may not decrease")
			}
			updates["downloaded_bytes"] = *patch.DownloadedBytes
		}
		if patch.State != nil {
			updates["state"] = *patch.State
		}
		if patch.Attempts != nil {
			updates["attempts"] = *patch.Attempts
		}
		if patch.Error != nil {
			updates["error"] = *patch.Error
		}
		if len(updates) == 0 {
			return nil
		}

		if err := tx.Model(&Chunk{}).Where("id = ?", chunk.ID).Updates(updates).Error; err != nil {
			return err
		}
		return bumpVersion(tx)
	})
}

// RecordAttempt appends a diagnostic retry record and bumps the Download's
// attemptsCount. attemptNumber is assigned as strictly increasing for the
// Download.
func (s *Store) RecordAttempt(id int64, errMsg string) (Attempt, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var att Attempt
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Attempt{}).Where("download_id = ?", id).Count(&count).Error; err != nil {
			return err
		}

		att = Attempt{
			DownloadID:    id,
			AttemptNumber: int(count) + 1,
			Error:         errMsg,
			At:            time.Now(),
		}
		if err := tx.Create(&att).Error; err != nil {
			return err
		}

		if err := tx.Model(&Download{}).Where("id = ?", id).
			UpdateColumn("attempts_count", gorm.Expr("attempts_count + 1")).Error; err != nil {
			return err
		}

		return bumpVersion(tx)
	})
	return att, err
}

// GetAttempts returns every recorded attempt for a Download, oldest first.
func (s *Store) GetAttempts(id int64) ([]Attempt, error) {
	var atts []Attempt
	err := s.db.Where("download_id = ?", id).Order("attempt_number asc").Find(&atts).Error
	return atts, err
}

// GetDownload fetches one Download by id.
func (s *Store) GetDownload(id int64) (Download, error) {
	var dl Download
	err := s.db.First(&dl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Download{}, ErrNotFound
	}
	return dl, err
}

// GetChunks returns all chunks of a Download, ordered by index.
func (s *Store) GetChunks(id int64) ([]Chunk, error) {
	var chunks []Chunk
	err := s.db.Where("download_id = ?", id).Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// GetHistory returns terminal-state Downloads, most recently
// completed/failed/cancelled first: at most limit of them, or all when
// limit <= 0.
func (s *Store) GetHistory(limit int) ([]Download, error) {
	var downloads []Download
	q := s.db.Where("state IN ?", []State{StateCompleted, StateFailed, StateCancelled}).
		Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&downloads).Error
	return downloads, err
}

// ReadyQueue returns every Download in "queued", ordered by priority desc
// then createdAt asc — the order the Engine pulls work in.
func (s *Store) ReadyQueue() ([]Download, error) {
	var downloads []Download
	err := s.db.Where("state = ?", StateQueued).
		Order("priority desc, created_at asc").
		Find(&downloads).Error
	return downloads, err
}

// GetSnapshot returns the full Download+Chunk view plus whether the store
// has changed since minVersion.
func (s *Store) GetSnapshot(minVersion int64) (Snapshot, error) {
	var snap Snapshot
	err := s.db.Transaction(func(tx *gorm.DB) error {
		v, err := currentVersion(tx)
		if err != nil {
			return err
		}
		snap.StateVersion = v
		snap.HasChanges = v > minVersion

		var downloads []Download
		if err := tx.Order("priority desc, created_at asc").Find(&downloads).Error; err != nil {
			return err
		}
		snap.Downloads = downloads

		var chunks []Chunk
		if err := tx.Order("download_id asc, chunk_index asc").Find(&chunks).Error; err != nil {
			return err
		}
		snap.Chunks = make(map[int64][]Chunk)
		for _, c := range chunks {
			snap.Chunks[c.DownloadID] = append(snap.Chunks[c.DownloadID], c)
		}
		return nil
	}, &sql.TxOptions{ReadOnly: true})
	return snap, err
}

// ClearDownloads removes every Download in a terminal state
// (completed/failed/cancelled) and returns how many were deleted.
func (s *Store) ClearDownloads() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var count int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []int64
		if err := tx.Model(&Download{}).
			Where("state IN ?", []State{StateCompleted, StateFailed, StateCancelled}).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("download_id IN ?", ids).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("download_id IN ?", ids).Delete(&Attempt{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Download{}, ids)
		if res.Error != nil {
			return res.Error
		}
		count = int(res.RowsAffected)
		if count == 0 {
			return nil
		}
		return bumpVersion(tx)
	})
	return count, err
}

// DeleteDownload removes one Download and cascades to its chunks and
// attempts.
func (s *Store) DeleteDownload(id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id = ?", id).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("download_id = ?", id).Delete(&Attempt{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Download{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return bumpVersion(tx)
	})
}

// --- helpers used by the config manager / metrics analytics view ---

// GetSetting reads a key/value app setting, returning "" if unset.
func (s *Store) GetSetting(key string) (string, error) {
	var row AppSetting
	err := s.db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return row.Value, err
}

// SetSetting upserts a key/value app setting.
func (s *Store) SetSetting(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// RecordDailyBytes adds bytes/files to the DailyStat row for date,
// creating the row if it does not exist.
func (s *Store) RecordDailyBytes(date string, bytes int64, files int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row DailyStat
		err := tx.Where("date = ?", date).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = DailyStat{Date: date}
		} else if err != nil {
			return err
		}
		row.Bytes += bytes
		row.Files += files
		return tx.Save(&row).Error
	})
}

// GetDailyStats returns the DailyStat row for each of dates, keyed by
// date, with a zero row for dates that have no activity.
func (s *Store) GetDailyStats(dates []string) (map[string]DailyStat, error) {
	var rows []DailyStat
	if err := s.db.Where("date IN ?", dates).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]DailyStat, len(dates))
	for _, d := range dates {
		out[d] = DailyStat{Date: d}
	}
	for _, r := range rows {
		out[r.Date] = r
	}
	return out, nil
}
