package mass

import (
	"fmt"

	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/progress"
)

// Options tunes a mass indexing run.
//
// The run needs parallelKinds * (loaderThreads + 1) store connections: one
// per loader plus one for the ID producer of each kind in flight. The
// coordinator resizes the store pool accordingly before starting.
type Options struct {
	// Kinds restricts the run to these kind names. Empty means every
	// registered kind.
	Kinds []string `yaml:"kinds"`

	// ParallelKinds is how many kinds are rebuilt concurrently.
	ParallelKinds int `yaml:"parallel_kinds"`

	// LoaderThreads is the number of record loader workers per kind.
	LoaderThreads int `yaml:"loader_threads"`

	// BuilderThreads is the number of document builder workers per kind.
	BuilderThreads int `yaml:"builder_threads"`

	// BatchSize is how many records one loader fetch carries.
	BatchSize int `yaml:"batch_size"`

	// IDFetchSize is how many primary keys one producer page fetches.
	IDFetchSize int `yaml:"id_fetch_size"`

	// Limit caps the records indexed per kind. Zero means no cap; useful
	// for smoke-testing a rebuild on a large table.
	Limit int64 `yaml:"limit"`

	// PurgeAllOnStart drops each kind's documents before reindexing it.
	// Disable for additive runs over an empty index.
	PurgeAllOnStart bool `yaml:"purge_all_on_start"`

	// MergeOnFinish compacts index segments after a successful run.
	MergeOnFinish bool `yaml:"merge_on_finish"`

	// LockPath is the lock file guarding against concurrent mass runs.
	// Empty disables locking (tests, mem-only indexes).
	LockPath string `yaml:"lock_path"`

	// Monitor receives progress callbacks. Nil means no reporting.
	Monitor progress.Monitor `yaml:"-"`
}

// DefaultOptions returns the run defaults.
func DefaultOptions() Options {
	return Options{
		ParallelKinds:   1,
		LoaderThreads:   2,
		BuilderThreads:  4,
		BatchSize:       100,
		IDFetchSize:     1000,
		PurgeAllOnStart: true,
		MergeOnFinish:   true,
	}
}

// normalized fills zero fields from defaults. Booleans are left alone;
// YAML zero values for them are meaningful.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.ParallelKinds <= 0 {
		o.ParallelKinds = def.ParallelKinds
	}
	if o.LoaderThreads <= 0 {
		o.LoaderThreads = def.LoaderThreads
	}
	if o.BuilderThreads <= 0 {
		o.BuilderThreads = def.BuilderThreads
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.IDFetchSize <= 0 {
		o.IDFetchSize = def.IDFetchSize
	}
	if o.Monitor == nil {
		o.Monitor = progress.Nop{}
	}
	return o
}

// Validate rejects option combinations that cannot work.
func (o Options) Validate() error {
	if o.Limit < 0 {
		return enterrors.New(enterrors.ErrCodeInvalidOptions,
			fmt.Sprintf("limit must be >= 0, got %d", o.Limit), nil)
	}
	if o.ParallelKinds < 0 || o.LoaderThreads < 0 || o.BuilderThreads < 0 {
		return enterrors.New(enterrors.ErrCodeInvalidOptions,
			"thread counts must be >= 0", nil)
	}
	if o.BatchSize < 0 || o.IDFetchSize < 0 {
		return enterrors.New(enterrors.ErrCodeInvalidOptions,
			"batch sizes must be >= 0", nil)
	}
	return nil
}

// ConnectionBudget returns the store connections a run with these options
// holds at peak.
func (o Options) ConnectionBudget() int {
	n := o.normalized()
	return n.ParallelKinds * (n.LoaderThreads + 1)
}
