// Package progress reports mass indexing progress to observers.
//
// The coordinator drives a Monitor with per-stage counts; Tracker is the
// standard implementation and hands out immutable snapshots, so readers
// never hold the mutation lock while formatting output.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Monitor receives progress callbacks from a mass indexing run.
// Implementations must be safe for concurrent use; the pipeline calls them
// from multiple workers.
type Monitor interface {
	// AddToTotal raises the expected entity total. Called once per kind
	// after the initial count, and again if a scan discovers more rows
	// than counted.
	AddToTotal(kind string, n int64)

	// EntitiesLoaded reports records fetched from the backing store.
	EntitiesLoaded(kind string, n int64)

	// DocumentsBuilt reports records converted to index documents.
	DocumentsBuilt(kind string, n int64)

	// DocumentsAdded reports documents committed to the index.
	DocumentsAdded(kind string, n int64)

	// Done signals the end of the run, successful or not.
	Done()
}

// Snapshot is an immutable view of a run's progress.
type Snapshot struct {
	Total     int64
	Loaded    int64
	Built     int64
	Added     int64
	StartedAt time.Time
	Finished  bool

	// PerKind holds the added-document count per kind.
	PerKind map[string]int64
}

// Percent returns completion in [0, 100] against the known total.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	pct := float64(s.Added) / float64(s.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Rate returns documents added per second since the run started.
func (s Snapshot) Rate() float64 {
	elapsed := time.Since(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Added) / elapsed
}

// Tracker is the standard Monitor: it accumulates counts and serves
// snapshots.
type Tracker struct {
	mu        sync.RWMutex
	total     int64
	loaded    int64
	built     int64
	added     int64
	perKind   map[string]int64
	startedAt time.Time
	finished  bool
}

var _ Monitor = (*Tracker)(nil)

// NewTracker creates a tracker with the clock started.
func NewTracker() *Tracker {
	return &Tracker{
		perKind:   make(map[string]int64),
		startedAt: time.Now(),
	}
}

func (t *Tracker) AddToTotal(kind string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += n
}

func (t *Tracker) EntitiesLoaded(kind string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loaded += n
}

func (t *Tracker) DocumentsBuilt(kind string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.built += n
}

func (t *Tracker) DocumentsAdded(kind string, n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.added += n
	t.perKind[kind] += n
}

func (t *Tracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	perKind := make(map[string]int64, len(t.perKind))
	for k, v := range t.perKind {
		perKind[k] = v
	}
	return Snapshot{
		Total:     t.total,
		Loaded:    t.loaded,
		Built:     t.built,
		Added:     t.added,
		StartedAt: t.startedAt,
		Finished:  t.finished,
		PerKind:   perKind,
	}
}

// LogMonitor logs progress at a fixed document interval instead of per
// callback, keeping log volume bounded on large runs.
type LogMonitor struct {
	tracker  *Tracker
	logger   *slog.Logger
	interval int64

	mu         sync.Mutex
	lastLogged int64
}

var _ Monitor = (*LogMonitor)(nil)

// NewLogMonitor logs one progress line every interval added documents
// (minimum 1) plus a summary line at Done.
func NewLogMonitor(logger *slog.Logger, interval int64) *LogMonitor {
	if interval < 1 {
		interval = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMonitor{
		tracker:  NewTracker(),
		logger:   logger,
		interval: interval,
	}
}

func (m *LogMonitor) AddToTotal(kind string, n int64)     { m.tracker.AddToTotal(kind, n) }
func (m *LogMonitor) EntitiesLoaded(kind string, n int64) { m.tracker.EntitiesLoaded(kind, n) }
func (m *LogMonitor) DocumentsBuilt(kind string, n int64) { m.tracker.DocumentsBuilt(kind, n) }

func (m *LogMonitor) DocumentsAdded(kind string, n int64) {
	m.tracker.DocumentsAdded(kind, n)

	snap := m.tracker.Snapshot()
	m.mu.Lock()
	shouldLog := snap.Added-m.lastLogged >= m.interval
	if shouldLog {
		m.lastLogged = snap.Added
	}
	m.mu.Unlock()

	if shouldLog {
		m.logger.Info("mass_index_progress",
			slog.Int64("added", snap.Added),
			slog.Int64("total", snap.Total),
			slog.String("percent", formatPercent(snap.Percent())),
			slog.Float64("docs_per_sec", snap.Rate()))
	}
}

func (m *LogMonitor) Done() {
	m.tracker.Done()
	snap := m.tracker.Snapshot()
	m.logger.Info("mass_index_done",
		slog.Int64("added", snap.Added),
		slog.Int64("total", snap.Total),
		slog.Duration("elapsed", time.Since(snap.StartedAt)))
}

// Multi fans callbacks out to several monitors.
type Multi struct {
	monitors []Monitor
}

var _ Monitor = (*Multi)(nil)

// NewMulti combines monitors; nil entries are dropped.
func NewMulti(monitors ...Monitor) *Multi {
	kept := make([]Monitor, 0, len(monitors))
	for _, m := range monitors {
		if m != nil {
			kept = append(kept, m)
		}
	}
	return &Multi{monitors: kept}
}

func (m *Multi) AddToTotal(kind string, n int64) {
	for _, mon := range m.monitors {
		mon.AddToTotal(kind, n)
	}
}

func (m *Multi) EntitiesLoaded(kind string, n int64) {
	for _, mon := range m.monitors {
		mon.EntitiesLoaded(kind, n)
	}
}

func (m *Multi) DocumentsBuilt(kind string, n int64) {
	for _, mon := range m.monitors {
		mon.DocumentsBuilt(kind, n)
	}
}

func (m *Multi) DocumentsAdded(kind string, n int64) {
	for _, mon := range m.monitors {
		mon.DocumentsAdded(kind, n)
	}
}

func (m *Multi) Done() {
	for _, mon := range m.monitors {
		mon.Done()
	}
}

// Nop is a Monitor that discards everything.
type Nop struct{}

var _ Monitor = Nop{}

func (Nop) AddToTotal(string, int64)     {}
func (Nop) EntitiesLoaded(string, int64) {}
func (Nop) DocumentsBuilt(string, int64) {}
func (Nop) DocumentsAdded(string, int64) {}
func (Nop) Done()                        {}
