// Package session provides the index mutation queue.
//
// A Session batches document adds and purges and applies them to the index
// on Flush. Mutations for the same document coalesce last-wins, so a record
// updated five times between flushes costs one index write. Commit flushes
// and clears, Rollback discards the queue without touching the index.
//
// Without an auto-flush threshold a long-running importer would buffer an
// unbounded number of documents; AutoFlushThreshold bounds queue memory by
// flushing early once the queue grows past it.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/index"
)

type opKind int

const (
	opAdd opKind = iota
	opDelete
)

type mutation struct {
	op   opKind
	doc  *index.Document // set for opAdd
	kind string
	id   string
	hash uint64 // content hash, cached after a successful flush
}

// Options configures a Session.
type Options struct {
	// AutoFlushThreshold flushes the queue automatically once it holds this
	// many mutations. Zero disables auto-flush; the queue then grows until
	// Flush or Commit.
	AutoFlushThreshold int

	// HashCacheSize is the capacity of the per-session content hash cache
	// used to skip reindexing unchanged records. Zero disables the cache.
	HashCacheSize int
}

// DefaultOptions returns the session defaults.
func DefaultOptions() Options {
	return Options{
		AutoFlushThreshold: 1000,
		HashCacheSize:      16384,
	}
}

// Session is an index mutation queue bound to one index writer.
// Safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	registry *entity.Registry
	writer   index.Writer
	opts     Options

	queue     map[string]*mutation // docID -> pending mutation, last wins
	order     []string             // docIDs in first-queued order
	purgeAlls map[string]uint64    // kind -> generation of the queued full purge
	purgeGen  uint64
	hashes    *lru.Cache[string, uint64]
}

// New creates a session over the given writer.
func New(registry *entity.Registry, writer index.Writer, opts Options) (*Session, error) {
	s := &Session{
		registry:  registry,
		writer:    writer,
		opts:      opts,
		queue:     make(map[string]*mutation),
		purgeAlls: make(map[string]uint64),
	}
	if opts.HashCacheSize > 0 {
		cache, err := lru.New[string, uint64](opts.HashCacheSize)
		if err != nil {
			return nil, enterrors.ValidationError("invalid hash cache size", err)
		}
		s.hashes = cache
	}
	return s, nil
}

// Index queues a record for (re)indexing. Records whose content hash
// matches the cached hash from an earlier flush are skipped; the returned
// bool reports whether the record was actually queued.
func (s *Session) Index(ctx context.Context, rec *entity.Record) (bool, error) {
	k, ok := s.registry.Get(rec.Kind)
	if !ok {
		return false, enterrors.UnknownKindError(rec.Kind)
	}

	hash := rec.ContentHash()
	doc, err := k.Document(rec)
	if err != nil {
		return false, enterrors.ValidationError("record does not map to a document", err).
			WithDetail("kind", rec.Kind).
			WithDetail("id", rec.ID)
	}

	s.mu.Lock()
	if s.hashes != nil {
		if cached, ok := s.hashes.Get(doc.ID); ok && cached == hash {
			s.mu.Unlock()
			return false, nil
		}
	}
	s.enqueue(doc.ID, &mutation{op: opAdd, doc: doc, kind: rec.Kind, id: rec.ID, hash: hash})
	needFlush := s.opts.AutoFlushThreshold > 0 && len(s.queue) >= s.opts.AutoFlushThreshold
	s.mu.Unlock()

	if needFlush {
		return true, s.Flush(ctx)
	}
	return true, nil
}

// Purge queues removal of one entity's document.
func (s *Session) Purge(ctx context.Context, kind, id string) error {
	if _, ok := s.registry.Get(kind); !ok {
		return enterrors.UnknownKindError(kind)
	}

	docID := index.DocID(kind, id)

	s.mu.Lock()
	s.enqueue(docID, &mutation{op: opDelete, kind: kind, id: id})
	if s.hashes != nil {
		s.hashes.Remove(docID)
	}
	needFlush := s.opts.AutoFlushThreshold > 0 && len(s.queue) >= s.opts.AutoFlushThreshold
	s.mu.Unlock()

	if needFlush {
		return s.Flush(ctx)
	}
	return nil
}

// PurgeAll queues removal of every document of a kind. Pending mutations
// for that kind queued before the purge are absorbed by it.
func (s *Session) PurgeAll(kind string) error {
	if _, ok := s.registry.Get(kind); !ok {
		return enterrors.UnknownKindError(kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeGen++
	s.purgeAlls[kind] = s.purgeGen
	for docID, m := range s.queue {
		if m.kind == kind {
			delete(s.queue, docID)
		}
	}
	s.compactOrder()
	if s.hashes != nil {
		for _, docID := range s.hashes.Keys() {
			if k, _ := index.SplitDocID(docID); k == kind {
				s.hashes.Remove(docID)
			}
		}
	}
	return nil
}

// enqueue records a mutation under s.mu. Re-queuing an existing docID
// replaces the pending mutation in place, keeping its original position.
func (s *Session) enqueue(docID string, m *mutation) {
	if _, exists := s.queue[docID]; !exists {
		s.order = append(s.order, docID)
	}
	s.queue[docID] = m
}

func (s *Session) compactOrder() {
	kept := s.order[:0]
	for _, docID := range s.order {
		if _, ok := s.queue[docID]; ok {
			kept = append(kept, docID)
		}
	}
	s.order = kept
}

// Len returns the number of pending mutations (full-kind purges count as
// one each).
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.purgeAlls)
}

// Flush applies the queued mutations to the index: full-kind purges first,
// then deletes, then adds. On success the snapshotted mutations leave the
// queue; on failure the queue keeps the unapplied mutations so a later
// Flush can retry. Mutations queued concurrently while a flush is applying
// stay pending: cleanup removes only the exact entries this flush
// snapshotted, so a Purge or re-queued PurgeAll racing the apply window is
// picked up by the next flush instead of being dropped.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	purges := make(map[string]uint64, len(s.purgeAlls))
	purgeKinds := make([]string, 0, len(s.purgeAlls))
	for kind, gen := range s.purgeAlls {
		purges[kind] = gen
		purgeKinds = append(purgeKinds, kind)
	}
	sort.Strings(purgeKinds)

	snapshot := make(map[string]*mutation, len(s.queue))
	deletes := make(map[string][]string) // kind -> entity IDs
	adds := make([]*index.Document, 0, len(s.queue))
	for _, docID := range s.order {
		m := s.queue[docID]
		snapshot[docID] = m
		switch m.op {
		case opDelete:
			deletes[m.kind] = append(deletes[m.kind], m.id)
		case opAdd:
			adds = append(adds, m.doc)
		}
	}
	s.mu.Unlock()

	if len(purges) == 0 && len(deletes) == 0 && len(adds) == 0 {
		return nil
	}

	for _, kind := range purgeKinds {
		removed, err := s.writer.PurgeKind(ctx, kind)
		if err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err).WithDetail("kind", kind)
		}
		slog.Debug("session_purge_all", slog.String("kind", kind), slog.Int("removed", removed))
		s.mu.Lock()
		// A purge re-queued during the apply carries a newer generation and
		// stays.
		if gen, ok := s.purgeAlls[kind]; ok && gen == purges[kind] {
			delete(s.purgeAlls, kind)
		}
		s.mu.Unlock()
	}

	for kind, ids := range deletes {
		if err := s.writer.Delete(ctx, kind, ids); err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err).WithDetail("kind", kind)
		}
	}

	if err := s.writer.Add(ctx, adds); err != nil {
		return enterrors.Wrap(enterrors.ErrCodeIndexWrite, err)
	}

	s.mu.Lock()
	for docID, snap := range snapshot {
		cur, ok := s.queue[docID]
		if !ok || cur != snap {
			// Replaced while flushing; the newer mutation stays pending.
			continue
		}
		delete(s.queue, docID)
		if snap.op == opAdd && s.hashes != nil {
			s.hashes.Add(docID, snap.hash)
		}
	}
	s.compactOrder()
	pending := len(s.queue)
	s.mu.Unlock()

	slog.Debug("session_flush",
		slog.Int("purged_kinds", len(purges)),
		slog.Int("deleted", len(deletes)),
		slog.Int("added", len(adds)),
		slog.Int("still_pending", pending))
	return nil
}

// Commit flushes the queue. It exists so callers at a transaction boundary
// read naturally; the index itself has no transactions, so a failed Commit
// may leave earlier mutations already applied.
func (s *Session) Commit(ctx context.Context) error {
	return s.Flush(ctx)
}

// Rollback discards all pending mutations without touching the index.
func (s *Session) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := len(s.queue) + len(s.purgeAlls)
	s.queue = make(map[string]*mutation)
	s.order = s.order[:0]
	s.purgeAlls = make(map[string]uint64)
	if dropped > 0 {
		slog.Debug("session_rollback", slog.Int("dropped", dropped))
	}
}
