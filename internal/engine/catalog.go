package engine

import (
	"tachyon-dl/internal/events"
	"tachyon-dl/internal/store"
)

// CatalogEntry is the narrow view of a catalog row the engine accepts. The
// catalog database itself is an external collaborator the engine never
// reads directly.
type CatalogEntry struct {
	URL          string
	Title        string
	SavePath     string
	ExpectedSize int64
}

// LoadCatalogEntries enqueues every entry as a queued Download, emitting a
// folder-add-progress event per entry and a folder-add-complete event once
// the batch finishes. CatalogEntry carries no id, so every call enqueues
// new Downloads: replaying a batch enqueues its entries a second time.
func (e *Engine) LoadCatalogEntries(entries []CatalogEntry) ([]int64, error) {
	ids := make([]int64, 0, len(entries))

	for i, entry := range entries {
		dl, err := e.store.AddDownload(store.Spec{
			Title:      entry.Title,
			URL:        entry.URL,
			SavePath:   entry.SavePath,
			TotalBytes: entry.ExpectedSize,
		})
		if err != nil {
			return ids, err
		}

		ids = append(ids, dl.ID)
		e.publish(events.FolderAddProgress, dl.ID, map[string]any{
			"index": i + 1,
			"total": len(entries),
			"title": entry.Title,
		})
	}

	e.publish(events.FolderAddComplete, 0, map[string]any{"count": len(ids)})
	return ids, nil
}
