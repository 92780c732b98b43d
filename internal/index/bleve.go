package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/index/scorch"
	"github.com/blevesearch/bleve/v2/index/scorch/mergeplan"
	"github.com/blevesearch/bleve/v2/mapping"

	enterrors "github.com/lodeworks/entsearch/internal/errors"
)

const (
	fieldKind   = "kind"
	fieldText   = "text"
	fieldSource = "source"

	// purgePageSize is how many IDs one purge iteration collects.
	purgePageSize = 1000
)

// BleveIndex implements Writer on top of Bleve v2 with the scorch backend.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	tuning Tuning
	closed bool
}

// Verify interface implementation at compile time.
var _ Writer = (*BleveIndex)(nil)

// forceMerger is implemented by scorch; asserted dynamically so other
// backends (mem-only test indexes) degrade to a no-op Merge.
type forceMerger interface {
	ForceMerge(ctx context.Context, mo *mergeplan.MergePlanOptions) error
}

// Open opens or creates an index at path. An empty path creates an
// in-memory index for testing. A corrupted on-disk index is cleared and
// recreated; the mass indexer rebuilds its content.
func Open(path string, tuning Tuning) (*BleveIndex, error) {
	tuning = tuning.normalized()

	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeIndexOpen, err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, enterrors.Wrap(enterrors.ErrCodeIndexOpen, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, enterrors.New(enterrors.ErrCodeIndexCorrupt,
					fmt.Sprintf("index corrupted at %s and cannot remove: %v (original: %v)", path, removeErr, validErr), validErr)
			}
			slog.Info("index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, run reindex"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.NewUsing(path, indexMapping, scorch.Name, scorch.Name, scorchConfig(tuning))
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, enterrors.New(enterrors.ErrCodeIndexCorrupt,
					fmt.Sprintf("index corrupted, cannot clear: %v (original: %v)", removeErr, err), err)
			}
			slog.Info("index_cleared",
				slog.String("path", path),
				slog.String("reason", "open failed with corruption, run reindex"))

			idx, err = bleve.NewUsing(path, indexMapping, scorch.Name, scorch.Name, scorchConfig(tuning))
		}
	}
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeIndexOpen, err)
	}

	return &BleveIndex{
		index:  idx,
		path:   path,
		tuning: tuning,
	}, nil
}

// scorchConfig maps Tuning onto the scorch kvconfig surface.
func scorchConfig(t Tuning) map[string]interface{} {
	// The config map is JSON-serialized into index_meta.json, so the merge
	// plan options must be passed as a JSON-safe struct rather than a
	// *mergeplan.MergePlanOptions (whose func fields cannot be marshaled).
	// Scorch overlays these values onto mergeplan.DefaultMergePlanOptions.
	mp := struct {
		MaxSegmentsPerTier   int   `json:"maxSegmentsPerTier"`
		SegmentsPerMergeTask int   `json:"segmentsPerMergeTask"`
		MaxSegmentSize       int64 `json:"maxSegmentSize"`
	}{
		MaxSegmentsPerTier:   t.MaxSegmentsPerTier,
		SegmentsPerMergeTask: t.SegmentsPerMergeTask,
		MaxSegmentSize:       int64(t.MaxSegmentSizeMB) * 1024 * 1024,
	}

	return map[string]interface{}{
		"unsafe_batch":           t.UnsafeBatch,
		"scorchMergePlanOptions": &mp,
	}
}

// buildIndexMapping maps kind as an exact keyword (purges, kind-scoped
// queries), text through the standard analyzer, and source as stored-only.
func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	kindField := bleve.NewTextFieldMapping()
	kindField.Analyzer = keyword.Name
	kindField.Store = false
	kindField.IncludeInAll = false

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Index = false
	sourceField.Store = true
	sourceField.IncludeInAll = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(fieldKind, kindField)
	docMapping.AddFieldMappingsAt(fieldText, textField)
	docMapping.AddFieldMappingsAt(fieldSource, sourceField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping, nil
}

// validateIndexIntegrity checks an on-disk index before opening.
// Returns nil if the index is valid or absent.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (incomplete index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError checks if an error from bleve.Open indicates corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// Add upserts documents, committing engine batches at the tuned document
// count or RAM budget, whichever comes first.
func (b *BleveIndex) Add(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return enterrors.New(enterrors.ErrCodeIndexWrite, "index is closed", nil)
	}

	ramBudget := uint64(b.tuning.RAMBudgetMB) * 1024 * 1024

	batch := b.index.NewBatch()
	for _, doc := range docs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		source, err := json.Marshal(doc.Fields)
		if err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
		}

		entry := map[string]interface{}{
			fieldKind:   doc.Kind,
			fieldText:   doc.Text,
			fieldSource: string(source),
		}
		if err := batch.Index(doc.ID, entry); err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err).WithDetail("doc_id", doc.ID)
		}

		if batch.Size() >= b.tuning.BatchSize || batch.TotalDocsSize() >= ramBudget {
			if err := b.index.Batch(batch); err != nil {
				return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
			}
			batch = b.index.NewBatch()
		}
	}

	if batch.Size() > 0 {
		if err := b.index.Batch(batch); err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
		}
	}

	return nil
}

// Delete removes documents of a kind by entity ID.
func (b *BleveIndex) Delete(ctx context.Context, kind string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return enterrors.New(enterrors.ErrCodeIndexWrite, "index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(DocID(kind, id))
	}

	if err := b.index.Batch(batch); err != nil {
		return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
	}

	return nil
}

// PurgeKind removes every document of a kind, page by page.
func (b *BleveIndex) PurgeKind(ctx context.Context, kind string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, enterrors.New(enterrors.ErrCodeIndexWrite, "index is closed", nil)
	}

	purged := 0
	for {
		select {
		case <-ctx.Done():
			return purged, ctx.Err()
		default:
		}

		q := bleve.NewTermQuery(kind)
		q.SetField(fieldKind)

		req := bleve.NewSearchRequest(q)
		req.Size = purgePageSize
		req.Fields = []string{}

		result, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return purged, enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
		}
		if len(result.Hits) == 0 {
			break
		}

		batch := b.index.NewBatch()
		for _, hit := range result.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return purged, enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
		}
		purged += len(result.Hits)
	}

	slog.Debug("index_kind_purged",
		slog.String("kind", kind),
		slog.Int("documents", purged))

	return purged, nil
}

// Merge forces scorch segment merging. Backends without forced merge
// support (mem-only) are left alone.
func (b *BleveIndex) Merge(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return enterrors.New(enterrors.ErrCodeIndexWrite, "index is closed", nil)
	}

	advanced, err := b.index.Advanced()
	if err != nil {
		return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
	}

	merger, ok := advanced.(forceMerger)
	if !ok {
		slog.Debug("index_merge_unsupported", slog.String("path", b.path))
		return nil
	}

	mp := mergeplan.SingleSegmentMergePlanOptions
	if err := merger.ForceMerge(ctx, &mp); err != nil {
		return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
	}

	slog.Info("index_merged", slog.String("path", b.path))
	return nil
}

// Search runs a query-string query, optionally conjoined with a kind filter.
func (b *BleveIndex) Search(ctx context.Context, queryStr, kind string, limit int) ([]*Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, enterrors.New(enterrors.ErrCodeInvalidQuery, "index is closed", nil)
	}

	if strings.TrimSpace(queryStr) == "" {
		return []*Result{}, nil
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField(fieldText)

	var q = bleve.NewBooleanQuery()
	q.AddMust(match)
	if kind != "" {
		kindQuery := bleve.NewTermQuery(kind)
		kindQuery.SetField(fieldKind)
		q.AddMust(kindQuery)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{fieldSource}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeInvalidQuery, err)
	}

	hits := make([]*Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hitKind, _ := SplitDocID(hit.ID)

		var fields map[string]string
		if raw, ok := hit.Fields[fieldSource].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &fields); err != nil {
				fields = nil
			}
		}

		hits = append(hits, &Result{
			ID:     hit.ID,
			Kind:   hitKind,
			Score:  hit.Score,
			Fields: fields,
		})
	}

	return hits, nil
}

// DocCount returns the total document count.
func (b *BleveIndex) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, enterrors.New(enterrors.ErrCodeInternal, "index is closed", nil)
	}

	return b.index.DocCount()
}

// CountKind returns the document count for one kind.
func (b *BleveIndex) CountKind(ctx context.Context, kind string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, enterrors.New(enterrors.ErrCodeInternal, "index is closed", nil)
	}

	q := bleve.NewTermQuery(kind)
	q.SetField(fieldKind)

	req := bleve.NewSearchRequest(q)
	req.Size = 0

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, enterrors.Wrap(enterrors.ErrCodeInternal, err)
	}

	return result.Total, nil
}

// AllIDs returns the entity IDs indexed for a kind.
func (b *BleveIndex) AllIDs(ctx context.Context, kind string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, enterrors.New(enterrors.ErrCodeInternal, "index is closed", nil)
	}

	docCount, _ := b.index.DocCount()

	q := bleve.NewTermQuery(kind)
	q.SetField(fieldKind)

	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeInternal, err)
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		_, entityID := SplitDocID(hit.ID)
		ids = append(ids, entityID)
	}

	return ids, nil
}

// Close closes the index. Idempotent.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}
