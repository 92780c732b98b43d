// Package index binds entsearch to its full-text engine (Bleve/scorch).
// It exposes a Writer interface so the mutation queue and the mass indexer
// never touch engine types directly.
package index

import (
	"context"
	"fmt"
	"strings"
)

// Document is one indexable unit: the analyzed text of an entity plus its
// stored source fields.
type Document struct {
	// ID is the engine document ID, "<kind>:<entity id>".
	ID string

	// Kind is the entity kind name, indexed as a keyword for purges
	// and kind-scoped queries.
	Kind string

	// Text is the analyzed full-text content.
	Text string

	// Fields holds the stored source columns, returned with search hits.
	Fields map[string]string
}

// DocID builds the engine document ID for an entity.
func DocID(kind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// SplitDocID splits an engine document ID back into kind and entity ID.
// Only the first separator counts; entity IDs may contain colons. An ID
// without a separator yields an empty kind.
func SplitDocID(docID string) (kind, id string) {
	k, rest, ok := strings.Cut(docID, ":")
	if !ok {
		return "", docID
	}
	return k, rest
}

// Tuning holds the per-index engine properties. Zero values fall back to
// the defaults from DefaultTuning.
type Tuning struct {
	// BatchSize is the buffered document count before a batch is committed
	// to the engine.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// RAMBudgetMB bounds the in-memory size of a buffered batch; a batch is
	// committed early once its documents exceed this budget.
	RAMBudgetMB int `yaml:"ram_budget_mb" json:"ram_budget_mb"`

	// MaxSegmentsPerTier is the scorch merge planner tier width.
	MaxSegmentsPerTier int `yaml:"max_segments_per_tier" json:"max_segments_per_tier"`

	// SegmentsPerMergeTask is how many segments one merge task may claim.
	SegmentsPerMergeTask int `yaml:"segments_per_merge_task" json:"segments_per_merge_task"`

	// MaxSegmentSizeMB caps the document weight of a merged segment.
	MaxSegmentSizeMB int `yaml:"max_segment_size_mb" json:"max_segment_size_mb"`

	// UnsafeBatch skips the per-batch fsync. Mass runs set this for
	// throughput; a crash mid-run loses index content, which a rerun of the
	// mass indexer repairs.
	UnsafeBatch bool `yaml:"unsafe_batch" json:"unsafe_batch"`
}

// DefaultTuning returns the engine defaults.
func DefaultTuning() Tuning {
	return Tuning{
		BatchSize:            500,
		RAMBudgetMB:          32,
		MaxSegmentsPerTier:   10,
		SegmentsPerMergeTask: 10,
		MaxSegmentSizeMB:     512,
		UnsafeBatch:          false,
	}
}

// normalized fills zero fields from defaults.
func (t Tuning) normalized() Tuning {
	def := DefaultTuning()
	if t.BatchSize <= 0 {
		t.BatchSize = def.BatchSize
	}
	if t.RAMBudgetMB <= 0 {
		t.RAMBudgetMB = def.RAMBudgetMB
	}
	if t.MaxSegmentsPerTier <= 0 {
		t.MaxSegmentsPerTier = def.MaxSegmentsPerTier
	}
	if t.SegmentsPerMergeTask <= 0 {
		t.SegmentsPerMergeTask = def.SegmentsPerMergeTask
	}
	if t.MaxSegmentSizeMB <= 0 {
		t.MaxSegmentSizeMB = def.MaxSegmentSizeMB
	}
	return t
}

// Result is a single search hit.
type Result struct {
	ID     string            // engine document ID ("kind:id")
	Kind   string            // entity kind
	Score  float64           // engine relevance score
	Fields map[string]string // stored source columns
}

// Writer is the index maintenance surface used by the mutation queue and
// the mass indexer. Implementations must be safe for concurrent use by
// multiple document builder workers.
type Writer interface {
	// Add upserts documents. Batching happens inside the implementation
	// according to Tuning; Add with no documents is a no-op.
	Add(ctx context.Context, docs []*Document) error

	// Delete removes the documents of the given kind with the given
	// entity IDs. Missing IDs are ignored.
	Delete(ctx context.Context, kind string, ids []string) error

	// PurgeKind removes every document of a kind and returns how many
	// documents were removed.
	PurgeKind(ctx context.Context, kind string) (int, error)

	// Merge asks the engine to compact its segments ("optimize").
	// Engines that do not support forced merging treat this as a no-op.
	Merge(ctx context.Context) error

	// Search runs a query-string search, optionally scoped to a kind
	// (empty kind searches everything).
	Search(ctx context.Context, query, kind string, limit int) ([]*Result, error)

	// DocCount returns the total number of documents in the index.
	DocCount() (uint64, error)

	// CountKind returns the number of documents of one kind.
	CountKind(ctx context.Context, kind string) (uint64, error)

	// AllIDs returns the entity IDs currently indexed for a kind.
	// Used by watch-mode deletion reconciliation.
	AllIDs(ctx context.Context, kind string) ([]string, error)

	// Close releases the index. Close is idempotent.
	Close() error
}
