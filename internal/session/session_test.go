package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodeworks/entsearch/internal/entity"
	"github.com/lodeworks/entsearch/internal/index"
)

// recordingWriter captures the calls a flush makes, in order.
type recordingWriter struct {
	mu    sync.Mutex
	calls []string
	docs  map[string]*index.Document
	fail  error
}

var _ index.Writer = (*recordingWriter)(nil)

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{docs: make(map[string]*index.Document)}
}

func (w *recordingWriter) Add(ctx context.Context, docs []*index.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	for _, d := range docs {
		w.calls = append(w.calls, "add:"+d.ID)
		w.docs[d.ID] = d
	}
	return nil
}

func (w *recordingWriter) Delete(ctx context.Context, kind string, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	for _, id := range ids {
		docID := index.DocID(kind, id)
		w.calls = append(w.calls, "delete:"+docID)
		delete(w.docs, docID)
	}
	return nil
}

func (w *recordingWriter) PurgeKind(ctx context.Context, kind string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	w.calls = append(w.calls, "purgeall:"+kind)
	removed := 0
	for docID, d := range w.docs {
		if d.Kind == kind {
			delete(w.docs, docID)
			removed++
		}
	}
	return removed, nil
}

func (w *recordingWriter) Merge(ctx context.Context) error { return nil }

func (w *recordingWriter) Search(ctx context.Context, query, kind string, limit int) ([]*index.Result, error) {
	return nil, nil
}

func (w *recordingWriter) DocCount() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(len(w.docs)), nil
}

func (w *recordingWriter) CountKind(ctx context.Context, kind string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n uint64
	for _, d := range w.docs {
		if d.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (w *recordingWriter) AllIDs(ctx context.Context, kind string) ([]string, error) {
	return nil, nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) callLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.calls))
	copy(out, w.calls)
	return out
}

// gatedWriter blocks the first Add or PurgeKind until released, opening a
// window to race mutations against a flush in flight.
type gatedWriter struct {
	*recordingWriter
	enterAdd     chan struct{}
	releaseAdd   chan struct{}
	enterPurge   chan struct{}
	releasePurge chan struct{}

	addOnce   sync.Once
	purgeOnce sync.Once
}

func (w *gatedWriter) Add(ctx context.Context, docs []*index.Document) error {
	if w.enterAdd != nil {
		w.addOnce.Do(func() {
			close(w.enterAdd)
			<-w.releaseAdd
		})
	}
	return w.recordingWriter.Add(ctx, docs)
}

func (w *gatedWriter) PurgeKind(ctx context.Context, kind string) (int, error) {
	if w.enterPurge != nil {
		w.purgeOnce.Do(func() {
			close(w.enterPurge)
			<-w.releasePurge
		})
	}
	return w.recordingWriter.PurgeKind(ctx, kind)
}

func sessionRegistry(t *testing.T) *entity.Registry {
	t.Helper()
	reg := entity.NewRegistry()
	require.NoError(t, reg.Register(&entity.Kind{
		Name:        "products",
		Table:       "products",
		IDColumn:    "id",
		TextColumns: []string{"name"},
	}))
	require.NoError(t, reg.Register(&entity.Kind{
		Name:        "authors",
		Table:       "authors",
		IDColumn:    "id",
		TextColumns: []string{"name"},
	}))
	return reg
}

func productRecord(id, name string) *entity.Record {
	return &entity.Record{
		Kind:   "products",
		ID:     id,
		Fields: map[string]string{"id": id, "name": name},
	}
}

func newTestSession(t *testing.T, w index.Writer, opts Options) *Session {
	t.Helper()
	s, err := New(sessionRegistry(t), w, opts)
	require.NoError(t, err)
	return s
}

func mustIndex(t *testing.T, s *Session, rec *entity.Record) {
	t.Helper()
	_, err := s.Index(context.Background(), rec)
	require.NoError(t, err)
}

func TestIndex_QueuesUntilFlush(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))
	mustIndex(t, s, productRecord("2", "chair"))

	// Nothing hits the index until flush
	assert.Empty(t, w.callLog())
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{"add:products:1", "add:products:2"}, w.callLog())
	assert.Equal(t, 0, s.Len())
}

func TestIndex_LastWinsCoalescing(t *testing.T) {
	// Given: the same record indexed three times before a flush
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))
	mustIndex(t, s, productRecord("1", "lamp v2"))
	mustIndex(t, s, productRecord("1", "lamp v3"))

	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Flush(ctx))

	// Then: one write, carrying the last content
	require.Equal(t, []string{"add:products:1"}, w.callLog())
	assert.Contains(t, w.docs["products:1"].Text, "lamp v3")
}

func TestPurgeThenIndex_AddWins(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	require.NoError(t, s.Purge(ctx, "products", "1"))
	mustIndex(t, s, productRecord("1", "back again"))
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, []string{"add:products:1"}, w.callLog())
}

func TestIndexThenPurge_DeleteWins(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "doomed"))
	require.NoError(t, s.Purge(ctx, "products", "1"))
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, []string{"delete:products:1"}, w.callLog())
}

func TestPurgeAll_AbsorbsPendingAndRunsFirst(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	// Pending product mutations are absorbed by the purge; the author and
	// the product queued after it survive.
	mustIndex(t, s, productRecord("1", "absorbed"))
	require.NoError(t, s.Purge(ctx, "products", "2"))
	mustIndex(t, s, &entity.Record{
		Kind: "authors", ID: "7", Fields: map[string]string{"id": "7", "name": "Ada"},
	})
	require.NoError(t, s.PurgeAll("products"))
	mustIndex(t, s, productRecord("3", "survivor"))

	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, []string{
		"purgeall:products",
		"add:authors:7",
		"add:products:3",
	}, w.callLog())
}

func TestAutoFlush(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{AutoFlushThreshold: 3})

	mustIndex(t, s, productRecord("1", "a"))
	mustIndex(t, s, productRecord("2", "b"))
	assert.Empty(t, w.callLog())

	// Third mutation crosses the threshold
	mustIndex(t, s, productRecord("3", "c"))
	assert.Len(t, w.callLog(), 3)
	assert.Equal(t, 0, s.Len())
}

func TestHashCache_SkipsUnchangedRecords(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{HashCacheSize: 16})
	ctx := context.Background()

	queued, err := s.Index(ctx, productRecord("1", "lamp"))
	require.NoError(t, err)
	assert.True(t, queued)
	require.NoError(t, s.Flush(ctx))
	require.Len(t, w.callLog(), 1)

	// Same content again: skipped before it even queues
	queued, err = s.Index(ctx, productRecord("1", "lamp"))
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, 0, s.Len())
	require.NoError(t, s.Flush(ctx))
	assert.Len(t, w.callLog(), 1)

	// Changed content queues normally
	queued, err = s.Index(ctx, productRecord("1", "lamp v2"))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Flush(ctx))
	assert.Len(t, w.callLog(), 2)
}

func TestHashCache_InvalidatedByPurge(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{HashCacheSize: 16})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Purge(ctx, "products", "1"))
	require.NoError(t, s.Flush(ctx))

	// After the purge the same content must index again
	mustIndex(t, s, productRecord("1", "lamp"))
	assert.Equal(t, 1, s.Len())
}

func TestRollback_DiscardsQueue(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))
	require.NoError(t, s.PurgeAll("authors"))
	require.Equal(t, 2, s.Len())

	s.Rollback()

	assert.Equal(t, 0, s.Len())
	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, w.callLog())
}

func TestFlush_FailureKeepsQueue(t *testing.T) {
	w := newRecordingWriter()
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))

	w.fail = fmt.Errorf("index unavailable")
	require.Error(t, s.Flush(ctx))
	assert.Equal(t, 1, s.Len())

	// Retry after the failure clears
	w.fail = nil
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []string{"add:products:1"}, w.callLog())
}

func TestFlush_PurgeDuringApplyStaysPending(t *testing.T) {
	// Given: a flush blocked inside the writer's Add
	w := &gatedWriter{
		recordingWriter: newRecordingWriter(),
		enterAdd:        make(chan struct{}),
		releaseAdd:      make(chan struct{}),
	}
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "lamp"))
	mustIndex(t, s, productRecord("2", "chair"))

	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush(ctx) }()
	<-w.enterAdd

	// When: a purge for a snapshotted document arrives mid-apply
	require.NoError(t, s.Purge(ctx, "products", "2"))
	close(w.releaseAdd)
	require.NoError(t, <-flushDone)

	// Then: the purge survived the flush cleanup and applies next flush
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Flush(ctx))
	assert.Contains(t, w.callLog(), "delete:products:2")

	count, err := w.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestFlush_PurgeAllRequeuedDuringApplyStaysPending(t *testing.T) {
	// Given: a flush blocked inside the writer's PurgeKind
	w := &gatedWriter{
		recordingWriter: newRecordingWriter(),
		enterPurge:      make(chan struct{}),
		releasePurge:    make(chan struct{}),
	}
	s := newTestSession(t, w, Options{})
	ctx := context.Background()

	require.NoError(t, s.PurgeAll("products"))

	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush(ctx) }()
	<-w.enterPurge

	// When: the same kind is queued for purge again mid-apply
	require.NoError(t, s.PurgeAll("products"))
	close(w.releasePurge)
	require.NoError(t, <-flushDone)

	// Then: the re-queued purge is still pending and runs on the next flush
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, []string{"purgeall:products", "purgeall:products"}, w.callLog())
}

func TestIndex_UnknownKind(t *testing.T) {
	s := newTestSession(t, newRecordingWriter(), Options{})

	_, err := s.Index(context.Background(), &entity.Record{
		Kind: "widgets", ID: "1", Fields: map[string]string{"id": "1"},
	})
	require.Error(t, err)
}

func TestSession_AgainstRealIndex(t *testing.T) {
	// End to end against an in-memory engine.
	idx, err := index.Open("", index.DefaultTuning())
	require.NoError(t, err)
	defer idx.Close()

	s := newTestSession(t, idx, DefaultOptions())
	ctx := context.Background()

	mustIndex(t, s, productRecord("1", "walnut desk lamp"))
	mustIndex(t, s, productRecord("2", "oak chair"))
	require.NoError(t, s.Commit(ctx))

	hits, err := idx.Search(ctx, "lamp", "products", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "products:1", hits[0].ID)

	require.NoError(t, s.Purge(ctx, "products", "1"))
	require.NoError(t, s.Commit(ctx))

	hits, err = idx.Search(ctx, "lamp", "products", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
