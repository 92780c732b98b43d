package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)

	"github.com/lodeworks/entsearch/internal/entity"
	enterrors "github.com/lodeworks/entsearch/internal/errors"
)

// SQLiteStore implements EntityStore over a SQLite database.
type SQLiteStore struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	registry *entity.Registry
	opts     Options
	closed   bool
}

// Verify interface implementation at compile time.
var _ EntityStore = (*SQLiteStore)(nil)

// identRe restricts table and column names from config to plain
// identifiers. Everything is additionally double-quoted in SQL, so this is
// belt and suspenders against injection through entsearch.yaml.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens the backing database read-mostly. Path ":memory:" or ""
// creates an in-memory database for testing.
func Open(path string, registry *entity.Registry, opts Options) (*SQLiteStore, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = DefaultOptions().CacheSizeMB
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultOptions().MaxConns
	}

	for _, k := range registry.Kinds() {
		if err := validateKindIdentifiers(k); err != nil {
			return nil, enterrors.ConfigError(err.Error(), err)
		}
	}

	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn == ":memory:" {
		// A pool of independent in-memory databases would not share data.
		dsn = "file:entsearch?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeStoreOpen, err)
	}

	db.SetMaxOpenConns(opts.MaxConns)
	db.SetMaxIdleConns(opts.MaxConns)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores most DSN params; pragmas must be executed.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", opts.CacheSizeMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, enterrors.Wrap(enterrors.ErrCodeStoreOpen, err)
		}
	}

	s := &SQLiteStore{
		db:       db,
		path:     path,
		registry: registry,
		opts:     opts,
	}

	if err := s.initStateTable(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func validateKindIdentifiers(k *entity.Kind) error {
	idents := append([]string{k.Table, k.IDColumn}, k.Columns()[1:]...)
	if k.UpdatedAtColumn != "" {
		idents = append(idents, k.UpdatedAtColumn)
	}
	for _, ident := range idents {
		if !identRe.MatchString(ident) {
			return fmt.Errorf("kind %s: invalid identifier %q", k.Name, ident)
		}
	}
	return nil
}

func (s *SQLiteStore) initStateTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entsearch_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return enterrors.Wrap(enterrors.ErrCodeStoreOpen, err)
	}
	return nil
}

// readCtx applies the configured read timeout.
func (s *SQLiteStore) readCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ReadTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.ReadTimeout)
}

func (s *SQLiteStore) kind(name string) (*entity.Kind, error) {
	k, ok := s.registry.Get(name)
	if !ok {
		return nil, enterrors.UnknownKindError(name)
	}
	return k, nil
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}

// Count returns the row count for a kind.
func (s *SQLiteStore) Count(ctx context.Context, kind string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	k, err := s.kind(kind)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(k.Table))
	err = enterrors.RetryIf(ctx, enterrors.DefaultRetryConfig(), enterrors.IsBusy, func() error {
		return s.db.QueryRowContext(ctx, query).Scan(&count)
	})
	if err != nil {
		return 0, enterrors.Wrap(enterrors.ErrCodeStoreQuery, err).WithDetail("kind", kind)
	}
	return count, nil
}

// SelectIDs pages primary keys in ascending order.
func (s *SQLiteStore) SelectIDs(ctx context.Context, kind, afterID string, fetchSize int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	k, err := s.kind(kind)
	if err != nil {
		return nil, err
	}
	if fetchSize <= 0 {
		return nil, enterrors.ValidationError(fmt.Sprintf("fetch size must be positive, got %d", fetchSize), nil)
	}

	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	idCol := quoteIdent(k.IDColumn)
	var query string
	var args []any
	if afterID == "" {
		query = fmt.Sprintf(`SELECT CAST(%s AS TEXT) FROM %s ORDER BY %s LIMIT ?`,
			idCol, quoteIdent(k.Table), idCol)
		args = []any{fetchSize}
	} else {
		query = fmt.Sprintf(`SELECT CAST(%s AS TEXT) FROM %s WHERE %s > ? ORDER BY %s LIMIT ?`,
			idCol, quoteIdent(k.Table), idCol, idCol)
		args = []any{afterID, fetchSize}
	}

	var ids []string
	err = enterrors.RetryIf(ctx, enterrors.DefaultRetryConfig(), enterrors.IsBusy, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeStoreQuery, err).WithDetail("kind", kind)
	}
	return ids, nil
}

// LoadBatch loads records for the given IDs. Missing IDs are skipped.
func (s *SQLiteStore) LoadBatch(ctx context.Context, kind string, ids []string) ([]*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	k, err := s.kind(kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	cols := k.Columns()
	selectCols := make([]string, len(cols))
	for i, c := range cols {
		selectCols[i] = fmt.Sprintf(`CAST(%s AS TEXT)`, quoteIdent(c))
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (%s)`,
		strings.Join(selectCols, ", "),
		quoteIdent(k.Table),
		quoteIdent(k.IDColumn),
		strings.Join(placeholders, ","))

	var records []*entity.Record
	err = enterrors.RetryIf(ctx, enterrors.DefaultRetryConfig(), enterrors.IsBusy, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			values := make([]sql.NullString, len(cols))
			scanTargets := make([]any, len(cols))
			for i := range values {
				scanTargets[i] = &values[i]
			}
			if err := rows.Scan(scanTargets...); err != nil {
				return err
			}

			fields := make(map[string]string, len(cols))
			for i, c := range cols {
				if values[i].Valid {
					fields[c] = values[i].String
				}
			}
			records = append(records, &entity.Record{
				Kind:   kind,
				ID:     fields[k.IDColumn],
				Fields: fields,
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, enterrors.Wrap(enterrors.ErrCodeStoreQuery, err).WithDetail("kind", kind)
	}

	if len(records) < len(ids) {
		slog.Debug("store_load_batch_partial",
			slog.String("kind", kind),
			slog.Int("requested", len(ids)),
			slog.Int("loaded", len(records)))
	}

	return records, nil
}

// ChangedSince returns IDs modified at or after the watermark and the new
// high watermark. The watermark is the raw updated_at column value as text.
// The comparison is inclusive: a timestamp column too coarse to order two
// writes straddling a refresh would otherwise lose the second write. Rows
// sitting exactly on the watermark are re-read each cycle; the session's
// content hash cache keeps them from re-indexing.
func (s *SQLiteStore) ChangedSince(ctx context.Context, kind, watermark string) ([]string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	k, err := s.kind(kind)
	if err != nil {
		return nil, "", err
	}
	if k.UpdatedAtColumn == "" {
		return nil, "", enterrors.ValidationError(
			fmt.Sprintf("kind %s has no updated_at_column; incremental refresh unavailable", kind), nil)
	}

	ctx, cancel := s.readCtx(ctx)
	defer cancel()

	idCol := quoteIdent(k.IDColumn)
	updCol := quoteIdent(k.UpdatedAtColumn)

	var query string
	var args []any
	if watermark == "" {
		query = fmt.Sprintf(`SELECT CAST(%s AS TEXT), CAST(%s AS TEXT) FROM %s ORDER BY %s`,
			idCol, updCol, quoteIdent(k.Table), updCol)
	} else {
		query = fmt.Sprintf(`SELECT CAST(%s AS TEXT), CAST(%s AS TEXT) FROM %s WHERE %s >= ? ORDER BY %s`,
			idCol, updCol, quoteIdent(k.Table), updCol, updCol)
		args = []any{watermark}
	}

	var ids []string
	next := watermark
	err = enterrors.RetryIf(ctx, enterrors.DefaultRetryConfig(), enterrors.IsBusy, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		next = watermark
		for rows.Next() {
			var id string
			var upd sql.NullString
			if err := rows.Scan(&id, &upd); err != nil {
				return err
			}
			ids = append(ids, id)
			if upd.Valid && upd.String > next {
				next = upd.String
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", enterrors.Wrap(enterrors.ErrCodeStoreQuery, err).WithDetail("kind", kind)
	}

	return ids, next, nil
}

// GetState reads a value from the entsearch_state table.
// A missing key returns an empty value, not an error.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM entsearch_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", enterrors.Wrap(enterrors.ErrCodeStoreQuery, err)
	}
	return value, nil
}

// SetState writes a value to the entsearch_state table.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entsearch_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return enterrors.Wrap(enterrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// SetMaxConns resizes the connection pool.
func (s *SQLiteStore) SetMaxConns(n int) {
	if n <= 0 {
		return
	}
	s.db.SetMaxOpenConns(n)
	s.db.SetMaxIdleConns(n)
	slog.Debug("store_pool_resized", slog.Int("max_conns", n))
}

// Exec runs a statement against the backing database. Exposed for tests
// and the demo seeding path; production code never mutates entity tables.
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return enterrors.New(enterrors.ErrCodeStoreQuery, "store is closed", nil)
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return enterrors.Wrap(enterrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// Close closes the store. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
