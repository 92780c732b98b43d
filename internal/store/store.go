// Package store reads entities from the backing SQLite database.
//
// The mass indexer and watch mode never mutate application tables; the only
// thing the store writes is its own entsearch_state key-value table, used
// for watch watermarks.
package store

import (
	"context"
	"time"

	"github.com/lodeworks/entsearch/internal/entity"
)

// EntityStore is the read surface over the backing database.
type EntityStore interface {
	// Count returns the number of rows for a kind.
	Count(ctx context.Context, kind string) (int64, error)

	// SelectIDs pages primary keys in ascending order, returning at most
	// fetchSize IDs strictly greater than afterID. An empty afterID starts
	// from the beginning; an empty result ends the scan.
	SelectIDs(ctx context.Context, kind, afterID string, fetchSize int) ([]string, error)

	// LoadBatch loads the records for the given IDs. IDs that no longer
	// exist are silently skipped; the scan is non-transactional and rows
	// may vanish between paging and loading.
	LoadBatch(ctx context.Context, kind string, ids []string) ([]*entity.Record, error)

	// ChangedSince returns the IDs modified at or after the watermark
	// together with the new high watermark. Inclusive so coarse timestamps
	// cannot lose a write landing on the watermark after a refresh read it.
	// Only usable for kinds with an updated_at_column.
	ChangedSince(ctx context.Context, kind, watermark string) (ids []string, nextWatermark string, err error)

	// GetState and SetState access the entsearch_state key-value table.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// SetMaxConns resizes the connection pool. The mass indexer sets this
	// to parallelKinds * (loaderThreads + 1): one connection per loader
	// plus one for the ID producer of each kind in flight.
	SetMaxConns(n int)

	// Close releases the store.
	Close() error
}

// Options configures the SQLite store.
type Options struct {
	// ReadTimeout bounds each read query; zero disables the bound.
	ReadTimeout time.Duration

	// BusyTimeout is the SQLite busy handler timeout (default 5s).
	BusyTimeout time.Duration

	// CacheSizeMB is the SQLite page cache size in MB (default 64).
	CacheSizeMB int

	// MaxConns is the initial connection pool size (default 4).
	MaxConns int
}

// DefaultOptions returns the store defaults.
func DefaultOptions() Options {
	return Options{
		ReadTimeout: 5 * time.Minute,
		BusyTimeout: 5 * time.Second,
		CacheSizeMB: 64,
		MaxConns:    4,
	}
}
