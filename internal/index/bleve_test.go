package index

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := Open("", DefaultTuning())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func doc(kind, id, text string) *Document {
	return &Document{
		ID:   DocID(kind, id),
		Kind: kind,
		Text: text,
		Fields: map[string]string{
			"title": text,
		},
	}
}

func TestDocID(t *testing.T) {
	assert.Equal(t, "products:42", DocID("products", "42"))

	kind, id := SplitDocID("products:42")
	assert.Equal(t, "products", kind)
	assert.Equal(t, "42", id)

	// Entity IDs may contain colons; only the first separates the kind.
	kind, id = SplitDocID("orders:2024:0001")
	assert.Equal(t, "orders", kind)
	assert.Equal(t, "2024:0001", id)
}

func TestBleveIndex_AddAndSearch(t *testing.T) {
	// Given: an index with a few documents
	idx := newMemIndex(t)
	ctx := context.Background()

	err := idx.Add(ctx, []*Document{
		doc("products", "1", "walnut standing desk"),
		doc("products", "2", "oak bookshelf"),
		doc("authors", "1", "desk reference handbook"),
	})
	require.NoError(t, err)

	// When: searching without a kind filter
	hits, err := idx.Search(ctx, "desk", "", 10)
	require.NoError(t, err)

	// Then: both kinds match
	require.Len(t, hits, 2)

	// When: scoping to one kind
	hits, err = idx.Search(ctx, "desk", "products", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "products:1", hits[0].ID)
	assert.Equal(t, "products", hits[0].Kind)
	assert.Equal(t, "walnut standing desk", hits[0].Fields["title"])
}

func TestBleveIndex_AddIsUpsert(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*Document{doc("products", "1", "old name")}))
	require.NoError(t, idx.Add(ctx, []*Document{doc("products", "1", "new name")}))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	hits, err := idx.Search(ctx, "new", "products", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = idx.Search(ctx, "old", "products", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveIndex_AddEmptyIsNoop(t *testing.T) {
	idx := newMemIndex(t)
	require.NoError(t, idx.Add(context.Background(), nil))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBleveIndex_SearchEmptyQuery(t *testing.T) {
	idx := newMemIndex(t)

	hits, err := idx.Search(context.Background(), "   ", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveIndex_Delete(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*Document{
		doc("products", "1", "walnut desk"),
		doc("products", "2", "oak shelf"),
	}))

	// When: deleting one entity (plus an ID that was never indexed)
	require.NoError(t, idx.Delete(ctx, "products", []string{"1", "999"}))

	// Then: only the surviving document remains
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	hits, err := idx.Search(ctx, "walnut", "products", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBleveIndex_PurgeKind(t *testing.T) {
	// Given: documents across two kinds
	idx := newMemIndex(t)
	ctx := context.Background()

	var docs []*Document
	for i := 0; i < 25; i++ {
		docs = append(docs, doc("products", fmt.Sprintf("%d", i), fmt.Sprintf("product number %d", i)))
	}
	docs = append(docs, doc("authors", "1", "some author"))
	require.NoError(t, idx.Add(ctx, docs))

	// When: purging one kind
	purged, err := idx.PurgeKind(ctx, "products")
	require.NoError(t, err)

	// Then: only that kind is gone
	assert.Equal(t, 25, purged)

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	n, err := idx.CountKind(ctx, "authors")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestBleveIndex_PurgeKindEmpty(t *testing.T) {
	idx := newMemIndex(t)

	purged, err := idx.PurgeKind(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestBleveIndex_CountKind(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*Document{
		doc("products", "1", "a"),
		doc("products", "2", "b"),
		doc("authors", "1", "c"),
	}))

	n, err := idx.CountKind(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	n, err = idx.CountKind(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBleveIndex_AllIDs(t *testing.T) {
	idx := newMemIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []*Document{
		doc("products", "1", "a"),
		doc("products", "2", "b"),
		doc("authors", "9", "c"),
	}))

	ids, err := idx.AllIDs(ctx, "products")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, ids)
}

func TestBleveIndex_SmallBatchSizeStillIndexesAll(t *testing.T) {
	// Given: a tuning that forces many internal batch commits
	tuning := DefaultTuning()
	tuning.BatchSize = 2
	idx, err := Open("", tuning)
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	var docs []*Document
	for i := 0; i < 11; i++ {
		docs = append(docs, doc("products", fmt.Sprintf("%d", i), fmt.Sprintf("item %d", i)))
	}

	// When: adding in one call
	require.NoError(t, idx.Add(ctx, docs))

	// Then: every document landed
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), count)
}

func TestBleveIndex_OnDiskReopen(t *testing.T) {
	// Given: an on-disk index with content
	path := filepath.Join(t.TempDir(), "entities.bleve")
	idx, err := Open(path, DefaultTuning())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []*Document{doc("products", "1", "persistent desk")}))
	require.NoError(t, idx.Close())

	// When: reopening
	idx, err = Open(path, DefaultTuning())
	require.NoError(t, err)
	defer idx.Close()

	// Then: the content survived
	hits, err := idx.Search(ctx, "persistent", "products", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestBleveIndex_Merge(t *testing.T) {
	// Merge must not fail on either backend; mem-only degrades to a no-op.
	idx := newMemIndex(t)
	require.NoError(t, idx.Merge(context.Background()))

	onDisk, err := Open(filepath.Join(t.TempDir(), "m.bleve"), DefaultTuning())
	require.NoError(t, err)
	defer onDisk.Close()
	require.NoError(t, onDisk.Add(context.Background(), []*Document{doc("products", "1", "x")}))
	require.NoError(t, onDisk.Merge(context.Background()))
}

func TestBleveIndex_CloseIsIdempotent(t *testing.T) {
	idx, err := Open("", DefaultTuning())
	require.NoError(t, err)

	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	err = idx.Add(context.Background(), []*Document{doc("products", "1", "x")})
	require.Error(t, err)
}

func TestTuning_Normalized(t *testing.T) {
	got := Tuning{}.normalized()
	assert.Equal(t, DefaultTuning().BatchSize, got.BatchSize)
	assert.Equal(t, DefaultTuning().RAMBudgetMB, got.RAMBudgetMB)

	custom := Tuning{BatchSize: 7}.normalized()
	assert.Equal(t, 7, custom.BatchSize)
	assert.Equal(t, DefaultTuning().MaxSegmentsPerTier, custom.MaxSegmentsPerTier)
}
