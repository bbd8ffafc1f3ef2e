package harvest

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrMetadataNotFound is returned by Store.ReadMetadata when the store exists
// but carries no checkpoint metadata.
var ErrMetadataNotFound = errors.New("checkpoint metadata not found")

// ErrLegacyFormat is returned by Store.ReadMetadata when the store was written
// by an older layout that embedded metadata in the data table.
var ErrLegacyFormat = errors.New("checkpoint store uses legacy layout")

// Session is an authenticated handle owned by exactly one worker.
type Session interface {
	Close() error
}

// SessionProvider produces authenticated sessions.
type SessionProvider interface {
	Acquire(ctx context.Context, headless bool) (Session, error)
}

// Extractor turns a task into a result using a session. Transport failures
// must be returned wrapped in a TransportError; every other outcome is a
// Result with a status.
type Extractor interface {
	Process(ctx context.Context, session Session, task Task) (Result, error)
}

// RowRange is an inclusive row interval.
type RowRange struct {
	From int
	To   int
}

// Store is the row-indexed checkpoint store. Only the driver calls it.
type Store interface {
	// Exists reports whether the store holds any previous run's data.
	Exists(ctx context.Context) (bool, error)
	// LastRow returns the highest populated data row, or 0 when empty.
	LastRow(ctx context.Context) (int, error)
	// ReadStatusColumn returns the status cell for each row in rng; absent rows map to "".
	ReadStatusColumn(ctx context.Context, rng RowRange) (map[int]string, error)
	// WriteBatch persists records and metadata atomically.
	WriteBatch(ctx context.Context, records []Result, meta Metadata) error
	ReadMetadata(ctx context.Context) (Metadata, error)
	// ReadAll returns every persisted record in row order.
	ReadAll(ctx context.Context) ([]Result, error)
	// Reset discards all data and metadata.
	Reset(ctx context.Context) error
	Close() error
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Notifier announces run lifecycle milestones to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, summary RunSummary) (string, error)
}

// RunSummary is the payload published when a run ends.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	Partition   string         `json:"partition"`
	Output      string         `json:"output"`
	Outcome     string         `json:"outcome"`
	Total       int            `json:"total"`
	Saved       int            `json:"saved"`
	Processed   int            `json:"processed"`
	StatusCount map[Status]int `json:"status_count"`
	ExportURI   string         `json:"export_uri,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}
