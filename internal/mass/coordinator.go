// Package mass rebuilds the search index from the backing store.
//
// A run is non-transactional: it pages primary keys, loads records in
// batches, and writes documents while the application may keep mutating
// the store. Queries against the index during a run see partial content;
// callers that need a consistent view should search only after Wait
// returns.
package mass

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/index"
	"github.com/lodeworks/entsearch/internal/progress"
	"github.com/lodeworks/entsearch/internal/store"
)

// Coordinator drives a full index rebuild: one pipeline per kind, up to
// ParallelKinds pipelines in flight.
type Coordinator struct {
	store    store.EntityStore
	writer   index.Writer
	registry *entity.Registry
	opts     Options
}

var _ Runner = (*Coordinator)(nil)

// NewCoordinator creates a coordinator. Options are validated here so a
// misconfigured run fails before acquiring the lock.
func NewCoordinator(st store.EntityStore, w index.Writer, reg *entity.Registry, opts Options) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		store:    st,
		writer:   w,
		registry: reg,
		opts:     opts.normalized(),
	}, nil
}

// Run executes the rebuild synchronously.
func (c *Coordinator) Run(ctx context.Context) error {
	monitor := c.opts.Monitor
	defer monitor.Done()
	return c.run(ctx, monitor)
}

// Start launches the rebuild in the background and returns a handle for
// observing and stopping it.
func (c *Coordinator) Start(ctx context.Context) *Handle {
	tracker := progress.NewTracker()
	h := &Handle{
		tracker: tracker,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	monitor := progress.NewMulti(tracker, c.opts.Monitor)

	go func() {
		defer close(h.doneCh)
		defer monitor.Done()

		// Merged context: parent cancellation and Stop both end the run.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-h.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := c.run(ctx, monitor); err != nil {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
		}
	}()

	return h
}

func (c *Coordinator) run(ctx context.Context, monitor progress.Monitor) error {
	if c.opts.LockPath != "" {
		lock := flock.New(c.opts.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return enterrors.Wrap(enterrors.ErrCodeIndexLocked, err)
		}
		if !locked {
			return enterrors.New(enterrors.ErrCodeIndexLocked,
				"another mass indexing run holds the lock", nil).
				WithDetail("lock_path", c.opts.LockPath).
				WithSuggestion("wait for the running rebuild to finish or remove a stale lock file")
		}
		defer func() { _ = lock.Unlock() }()
	}

	kinds, err := c.resolveKinds()
	if err != nil {
		return err
	}

	c.store.SetMaxConns(c.opts.ConnectionBudget())

	slog.Info("mass_index_start",
		slog.Int("kinds", len(kinds)),
		slog.Int("parallel_kinds", c.opts.ParallelKinds),
		slog.Int("loader_threads", c.opts.LoaderThreads),
		slog.Int("builder_threads", c.opts.BuilderThreads))

	sem := semaphore.NewWeighted(int64(c.opts.ParallelKinds))
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range kinds {
		k := k
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return c.runKind(gctx, k, monitor)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return enterrors.Wrap(enterrors.ErrCodeMassRunFailed, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if c.opts.MergeOnFinish {
		if err := c.writer.Merge(ctx); err != nil {
			return enterrors.Wrap(enterrors.ErrCodeMassRunFailed, err)
		}
	}

	slog.Info("mass_index_complete", slog.Int("kinds", len(kinds)))
	return nil
}

func (c *Coordinator) resolveKinds() ([]*entity.Kind, error) {
	names := c.opts.Kinds
	if len(names) == 0 {
		names = c.registry.Names()
	}
	kinds := make([]*entity.Kind, 0, len(names))
	for _, name := range names {
		k, ok := c.registry.Get(name)
		if !ok {
			return nil, enterrors.UnknownKindError(name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// runKind runs the three-stage pipeline for one kind:
// ID producer -> loader pool -> builder pool.
func (c *Coordinator) runKind(ctx context.Context, k *entity.Kind, monitor progress.Monitor) error {
	total, err := c.store.Count(ctx, k.Name)
	if err != nil {
		return err
	}
	if c.opts.Limit > 0 && total > c.opts.Limit {
		total = c.opts.Limit
	}
	monitor.AddToTotal(k.Name, total)

	if c.opts.PurgeAllOnStart {
		removed, err := c.writer.PurgeKind(ctx, k.Name)
		if err != nil {
			return err
		}
		slog.Debug("mass_index_purged",
			slog.String("kind", k.Name),
			slog.Int("removed", removed))
	}

	idCh := make(chan []string, c.opts.LoaderThreads)
	recCh := make(chan []*entity.Record, c.opts.BuilderThreads)

	g, gctx := errgroup.WithContext(ctx)

	// Stage 1: page primary keys.
	g.Go(func() error {
		defer close(idCh)
		return c.produceIDs(gctx, k, idCh)
	})

	// Stage 2: load records. A nested group so recCh closes exactly when
	// the last loader exits.
	loaders, lctx := errgroup.WithContext(gctx)
	for i := 0; i < c.opts.LoaderThreads; i++ {
		loaders.Go(func() error {
			for ids := range idCh {
				recs, err := c.store.LoadBatch(lctx, k.Name, ids)
				if err != nil {
					return err
				}
				monitor.EntitiesLoaded(k.Name, int64(len(recs)))
				select {
				case recCh <- recs:
				case <-lctx.Done():
					return lctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(recCh)
		return loaders.Wait()
	})

	// Stage 3: build documents and write them.
	for i := 0; i < c.opts.BuilderThreads; i++ {
		g.Go(func() error {
			for recs := range recCh {
				docs := make([]*index.Document, 0, len(recs))
				for _, rec := range recs {
					doc, err := k.Document(rec)
					if err != nil {
						// A single unmappable record does not abort a
						// rebuild of millions.
						slog.Warn("mass_index_record_skipped",
							slog.String("kind", k.Name),
							slog.String("id", rec.ID),
							slog.String("error", err.Error()))
						continue
					}
					docs = append(docs, doc)
				}
				monitor.DocumentsBuilt(k.Name, int64(len(docs)))

				if err := c.writer.Add(gctx, docs); err != nil {
					return err
				}
				monitor.DocumentsAdded(k.Name, int64(len(docs)))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("mass_index_kind_done", slog.String("kind", k.Name), slog.Int64("total", total))
	return nil
}

// produceIDs pages primary keys and emits loader batches of BatchSize IDs.
func (c *Coordinator) produceIDs(ctx context.Context, k *entity.Kind, idCh chan<- []string) error {
	var sent int64
	afterID := ""
	pending := make([]string, 0, c.opts.BatchSize)

	emit := func(batch []string) error {
		select {
		case idCh <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		fetch := c.opts.IDFetchSize
		if c.opts.Limit > 0 {
			remaining := c.opts.Limit - sent - int64(len(pending))
			if remaining <= 0 {
				break
			}
			if int64(fetch) > remaining {
				fetch = int(remaining)
			}
		}

		ids, err := c.store.SelectIDs(ctx, k.Name, afterID, fetch)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}
		afterID = ids[len(ids)-1]

		pending = append(pending, ids...)
		for len(pending) >= c.opts.BatchSize {
			batch := make([]string, c.opts.BatchSize)
			copy(batch, pending[:c.opts.BatchSize])
			pending = pending[c.opts.BatchSize:]
			if err := emit(batch); err != nil {
				return err
			}
			sent += int64(len(batch))
		}
	}

	if len(pending) > 0 {
		batch := make([]string, len(pending))
		copy(batch, pending)
		if err := emit(batch); err != nil {
			return err
		}
		sent += int64(len(batch))
	}

	slog.Debug("mass_index_ids_paged", slog.String("kind", k.Name), slog.Int64("ids", sent))
	return nil
}

// Handle observes and controls a background rebuild.
type Handle struct {
	tracker *progress.Tracker

	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

// Wait blocks until the run completes and returns its error.
func (h *Handle) Wait() error {
	<-h.doneCh
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Stop cancels the run and waits for it to wind down. Safe to call more
// than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// Running reports whether the run is still in flight.
func (h *Handle) Running() bool {
	select {
	case <-h.doneCh:
		return false
	default:
		return true
	}
}

// Progress returns a snapshot of the run's progress.
func (h *Handle) Progress() progress.Snapshot {
	return h.tracker.Snapshot()
}
