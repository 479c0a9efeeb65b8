package store

import "time"

// State is one of the closed set of Download lifecycle states.
type State string

const (
	StateQueued             State = "queued"
	StateStarting           State = "starting"
	StateDownloading        State = "downloading"
	StatePaused             State = "paused"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
	StateNeedsConfirmation  State = "needs_confirmation"
)

// allowedTransitions enumerates every edge permitted by spec.md section 3.
// transitionState consults this table and nothing else.
var allowedTransitions = map[State]map[State]bool{
	StateQueued: {
		StateStarting:  true,
		StateCancelled: true,
		StatePaused:    true,
	},
	StateStarting: {
		StateDownloading:       true,
		StateFailed:            true,
		StateCancelled:         true,
		StateNeedsConfirmation: true,
	},
	StateDownloading: {
		StatePaused:    true,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StatePaused: {
		StateQueued:    true,
		StateCancelled: true,
	},
	StateFailed: {
		StateQueued: true,
	},
	StateCancelled: {
		StateQueued: true,
	},
	StateCompleted: {
		StateQueued: true,
	},
	StateNeedsConfirmation: {
		StateQueued:    true,
		StateCancelled: true,
	},
}

// CanTransition reports whether from -> to is a permitted edge.
func CanTransition(from, to State) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsTerminal reports whether a Download in this state is done and eligible
// for the "clear terminal" sweep.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Download is the durable row for one queued/running/finished download.
type Download struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Title           string     `json:"title"`
	URL             string     `json:"url"`
	SavePath        string     `json:"savePath"`
	TotalBytes      int64      `json:"totalBytes"`
	DownloadedBytes int64      `json:"downloadedBytes"`
	Progress        float64    `json:"progress"`
	State           State      `gorm:"index;size:32" json:"state"`
	Priority        int        `gorm:"index" json:"priority"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	AttemptsCount   int        `json:"attemptsCount"`
}

// Chunk is a contiguous byte range of a Download's partition.
type Chunk struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	DownloadID      int64  `gorm:"index;uniqueIndex:idx_chunk_dl_index" json:"downloadId"`
	ChunkIndex      int    `gorm:"uniqueIndex:idx_chunk_dl_index" json:"chunkIndex"`
	StartByte       int64  `json:"startByte"`
	EndByte         int64  `json:"endByte"`
	DownloadedBytes int64  `json:"downloadedBytes"`
	State           string `gorm:"size:16" json:"state"` // pending|active|completed|failed
	Attempts        int    `json:"attempts"`
	Error           string `json:"error,omitempty"`
}

const (
	ChunkPending   = "pending"
	ChunkActive    = "active"
	ChunkCompleted = "completed"
	ChunkFailed    = "failed"
)

// Attempt is an append-only diagnostic record of one retry.
type Attempt struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	DownloadID    int64     `gorm:"index" json:"downloadId"`
	AttemptNumber int       `json:"attemptNumber"`
	Error         string    `json:"error"`
	At            time.Time `json:"at"`
}

// schemaMeta holds the single monotonic stateVersion counter as a durable
// row, bumped inside the same transaction as every Download/Chunk write.
type schemaMeta struct {
	Key   string `gorm:"primaryKey"`
	Value int64
}

const metaKeyStateVersion = "state_version"

// AppSetting is a generic key/value row backing the config manager.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// DownloadLocation remembers a nicknamed save-path shortcut, e.g. "SSD".
type DownloadLocation struct {
	Path     string `gorm:"primaryKey"`
	Nickname string
}

// DailyStat tracks lifetime download volume per calendar day, feeding the
// Metrics analytics view.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // "2006-01-02"
	Bytes int64
	Files int64
}

// Snapshot is the full Download+Chunk view returned to a reader, along with
// whether anything changed since the reader's last known version.
type Snapshot struct {
	Downloads    []Download
	Chunks       map[int64][]Chunk
	StateVersion int64
	HasChanges   bool
}

// Spec describes a new Download to enqueue.
type Spec struct {
	ID         int64 // caller-supplied id; addDownload is idempotent on it
	Title      string
	URL        string
	SavePath   string
	TotalBytes int64
	Priority   int
}

// Patch applies a partial update to a Download's progress fields.
type Patch struct {
	Progress        *float64
	DownloadedBytes *int64
	TotalBytes      *int64
	ErrorMessage    *string
}

// ChunkRange is one element of a chunk layout passed to CreateChunks.
type ChunkRange struct {
	StartByte int64
	EndByte   int64
}

// ChunkPatch applies a monotonic progress update to one chunk.
type ChunkPatch struct {
	DownloadedBytes *int64
	State           *string
	Attempts        *int
	Error           *string
}
