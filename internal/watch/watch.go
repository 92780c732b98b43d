// Package watch keeps the index in step with the backing store while the
// application runs.
//
// The watcher observes the SQLite database file (and its WAL sibling) with
// fsnotify, debounces the event burst a write transaction produces, and
// then pulls changed rows through ChangedSince using a per-kind watermark
// persisted in the entsearch_state table. A poll ticker backs the file
// events up, since some platforms and mount types drop notifications.
//
// Row deletions never surface through an updated_at column; enabling
// Reconcile compares indexed IDs against live primary keys each cycle and
// purges the leftovers.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
	"github.com/lodeworks/entsearch/internal/index"
	"github.com/lodeworks/entsearch/internal/session"
	"github.com/lodeworks/entsearch/internal/store"
)

// Options configures the watcher.
type Options struct {
	// Debounce is how long after the last file event a refresh waits.
	// A single transaction touches the WAL several times; the window
	// collapses that burst into one refresh.
	Debounce time.Duration `yaml:"debounce"`

	// PollInterval forces a refresh even without file events.
	// Zero disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ChunkSize is how many changed rows one load fetch carries.
	ChunkSize int `yaml:"chunk_size"`

	// Reconcile purges index documents whose store rows are gone.
	Reconcile bool `yaml:"reconcile"`
}

// DefaultOptions returns the watcher defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:     300 * time.Millisecond,
		PollInterval: 30 * time.Second,
		ChunkSize:    200,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Debounce <= 0 {
		o.Debounce = def.Debounce
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	return o
}

// Watcher drives incremental index refresh.
type Watcher struct {
	store    store.EntityStore
	sess     *session.Session
	writer   index.Writer
	registry *entity.Registry
	dbPath   string
	opts     Options
}

// New creates a watcher over the database at dbPath.
func New(st store.EntityStore, sess *session.Session, w index.Writer, reg *entity.Registry, dbPath string, opts Options) *Watcher {
	return &Watcher{
		store:    st,
		sess:     sess,
		writer:   w,
		registry: reg,
		dbPath:   dbPath,
		opts:     opts.withDefaults(),
	}
}

// stateKey is where a kind's watermark lives in entsearch_state.
func stateKey(kind string) string {
	return "watch." + kind + ".watermark"
}

// Run watches until the context is cancelled. It refreshes once at start
// so a watcher coming up after downtime catches up immediately.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return enterrors.New(enterrors.ErrCodeInternal, "cannot create file watcher", err)
	}
	defer fw.Close()

	// Watch the directory, not the file: SQLite checkpoints replace the
	// WAL, and watching a replaced file silently stops reporting.
	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return enterrors.New(enterrors.ErrCodeInternal, "cannot watch database directory", err).
			WithDetail("dir", dir)
	}

	if _, err := w.RefreshOnce(ctx); err != nil {
		return err
	}

	var poll <-chan time.Time
	if w.opts.PollInterval > 0 {
		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	debounce := time.NewTimer(w.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	slog.Info("watch_started",
		slog.String("db_path", w.dbPath),
		slog.Duration("debounce", w.opts.Debounce),
		slog.Duration("poll_interval", w.opts.PollInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.isDatabaseEvent(ev) {
				continue
			}
			debounce.Reset(w.opts.Debounce)
			armed = true

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch_fs_error", slog.String("error", err.Error()))

		case <-debounce.C:
			if !armed {
				continue
			}
			armed = false
			if _, err := w.RefreshOnce(ctx); err != nil {
				if enterrors.IsFatal(err) || ctx.Err() != nil {
					return err
				}
				slog.Warn("watch_refresh_failed", slog.String("error", err.Error()))
			}

		case <-poll:
			if _, err := w.RefreshOnce(ctx); err != nil {
				if enterrors.IsFatal(err) || ctx.Err() != nil {
					return err
				}
				slog.Warn("watch_refresh_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// isDatabaseEvent filters directory events down to the database file and
// its WAL/journal siblings.
func (w *Watcher) isDatabaseEvent(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	dbBase := filepath.Base(w.dbPath)
	return base == dbBase || strings.HasPrefix(base, dbBase+"-")
}

// RefreshOnce runs one refresh cycle over every kind and returns how many
// records it reindexed.
func (w *Watcher) RefreshOnce(ctx context.Context) (int, error) {
	changed := 0
	for _, k := range w.registry.Kinds() {
		if k.UpdatedAtColumn == "" {
			continue
		}
		n, err := w.refreshKind(ctx, k)
		if err != nil {
			return changed, err
		}
		changed += n
	}

	if w.opts.Reconcile {
		for _, k := range w.registry.Kinds() {
			n, err := w.reconcileKind(ctx, k)
			if err != nil {
				return changed, err
			}
			changed += n
		}
	}
	return changed, nil
}

// refreshKind reindexes the rows of one kind changed at or past its
// watermark. The watermark only advances after a successful commit, so a
// failed cycle replays its rows on the next one. ChangedSince is inclusive
// of the watermark; rows re-read on the boundary are dropped by the
// session's hash cache and not counted.
func (w *Watcher) refreshKind(ctx context.Context, k *entity.Kind) (int, error) {
	watermark, err := w.store.GetState(ctx, stateKey(k.Name))
	if err != nil {
		return 0, err
	}

	ids, next, err := w.store.ChangedSince(ctx, k.Name, watermark)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	indexed := 0
	for start := 0; start < len(ids); start += w.opts.ChunkSize {
		end := start + w.opts.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		recs, err := w.store.LoadBatch(ctx, k.Name, ids[start:end])
		if err != nil {
			return indexed, err
		}
		for _, rec := range recs {
			queued, err := w.sess.Index(ctx, rec)
			if err != nil {
				return indexed, err
			}
			if queued {
				indexed++
			}
		}
	}

	if err := w.sess.Commit(ctx); err != nil {
		return indexed, err
	}
	if err := w.store.SetState(ctx, stateKey(k.Name), next); err != nil {
		return indexed, err
	}

	if indexed > 0 || next != watermark {
		slog.Info("watch_refreshed",
			slog.String("kind", k.Name),
			slog.Int("changed", indexed),
			slog.String("watermark", next))
	}
	return indexed, nil
}

// reconcileKind purges indexed documents whose backing rows no longer
// exist.
func (w *Watcher) reconcileKind(ctx context.Context, k *entity.Kind) (int, error) {
	indexed, err := w.writer.AllIDs(ctx, k.Name)
	if err != nil {
		return 0, err
	}
	if len(indexed) == 0 {
		return 0, nil
	}

	live := make(map[string]bool, len(indexed))
	afterID := ""
	for {
		ids, err := w.store.SelectIDs(ctx, k.Name, afterID, w.opts.ChunkSize)
		if err != nil {
			return 0, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			live[id] = true
		}
		afterID = ids[len(ids)-1]
	}

	purged := 0
	for _, id := range indexed {
		if !live[id] {
			if err := w.sess.Purge(ctx, k.Name, id); err != nil {
				return purged, err
			}
			purged++
		}
	}
	if purged == 0 {
		return 0, nil
	}
	if err := w.sess.Commit(ctx); err != nil {
		return purged, err
	}

	slog.Info("watch_reconciled", slog.String("kind", k.Name), slog.Int("purged", purged))
	return purged, nil
}
