// Package entity describes the kinds of records entsearch indexes and how
// they map onto index documents.
//
// A Kind is the bridge between a table in the backing store and the search
// index: which table to page, which column is the primary key, which
// columns carry text worth analyzing. Kinds come from the kinds section of
// entsearch.yaml or are registered programmatically with a custom Mapper.
package entity

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/lodeworks/entsearch/internal/index"
)

// Mapper converts a loaded record into an index document.
type Mapper func(rec *Record) (*index.Document, error)

// Kind describes one indexable entity type.
type Kind struct {
	// Name is the kind name used in document IDs and queries.
	// Must match [a-z][a-z0-9_]* so it never collides with the
	// "kind:id" document ID separator.
	Name string `yaml:"name"`

	// Table is the backing store table holding this kind.
	Table string `yaml:"table"`

	// IDColumn is the primary key column, paged by the mass indexer.
	IDColumn string `yaml:"id_column"`

	// TextColumns are the columns concatenated into the analyzed text.
	TextColumns []string `yaml:"text_columns"`

	// StoredColumns are extra columns loaded and stored with each hit
	// (TextColumns are always stored).
	StoredColumns []string `yaml:"stored_columns"`

	// UpdatedAtColumn names a column carrying a monotonically increasing
	// modification marker (timestamp or counter). Optional; kinds without
	// it are skipped by watch-mode incremental refresh.
	UpdatedAtColumn string `yaml:"updated_at_column"`

	// Mapper overrides the default record-to-document conversion.
	// Not settable from YAML; registered programmatically.
	Mapper Mapper `yaml:"-"`
}

// Columns returns every column the store must load for this kind,
// ID column first, without duplicates.
func (k *Kind) Columns() []string {
	seen := map[string]bool{k.IDColumn: true}
	cols := []string{k.IDColumn}
	for _, c := range append(append([]string{}, k.TextColumns...), k.StoredColumns...) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	return cols
}

// Document maps a record through the kind's mapper (or the default).
func (k *Kind) Document(rec *Record) (*index.Document, error) {
	if k.Mapper != nil {
		return k.Mapper(rec)
	}
	return DefaultMapper(k, rec)
}

// Record is one entity loaded from the backing store.
type Record struct {
	// Kind is the kind name.
	Kind string

	// ID is the primary key value, as text.
	ID string

	// Fields maps column name to value for the loaded columns.
	Fields map[string]string
}

// ContentHash returns a stable hash of the record's fields, independent of
// map iteration order. The session layer uses it to skip reindexing
// records whose content has not changed.
func (r *Record) ContentHash() uint64 {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	_, _ = h.WriteString(r.Kind)
	_, _ = h.WriteString("\x1f")
	_, _ = h.WriteString(r.ID)
	for _, k := range keys {
		_, _ = h.WriteString("\x1f")
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("\x1e")
		_, _ = h.WriteString(r.Fields[k])
	}
	return h.Sum64()
}

// DefaultMapper concatenates the kind's text columns into the analyzed
// text and stores all loaded fields with the document.
func DefaultMapper(k *Kind, rec *Record) (*index.Document, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("record of kind %s has empty ID", k.Name)
	}

	var text strings.Builder
	for i, col := range k.TextColumns {
		if i > 0 {
			text.WriteString("\n")
		}
		text.WriteString(rec.Fields[col])
	}

	fields := make(map[string]string, len(rec.Fields))
	for col, val := range rec.Fields {
		fields[col] = val
	}

	return &index.Document{
		ID:     index.DocID(k.Name, rec.ID),
		Kind:   k.Name,
		Text:   text.String(),
		Fields: fields,
	}, nil
}

var kindNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks that the kind definition is usable.
func (k *Kind) Validate() error {
	if !kindNameRe.MatchString(k.Name) {
		return fmt.Errorf("kind name %q must match %s", k.Name, kindNameRe.String())
	}
	if k.Table == "" {
		return fmt.Errorf("kind %s: table is required", k.Name)
	}
	if k.IDColumn == "" {
		return fmt.Errorf("kind %s: id_column is required", k.Name)
	}
	if len(k.TextColumns) == 0 && k.Mapper == nil {
		return fmt.Errorf("kind %s: text_columns is required without a custom mapper", k.Name)
	}
	return nil
}

// Registry holds the registered kinds in registration order.
type Registry struct {
	kinds  []*Kind
	byName map[string]*Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Kind),
	}
}

// Register adds a kind. Duplicate names and invalid definitions are
// rejected.
func (r *Registry) Register(k *Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}
	if _, exists := r.byName[k.Name]; exists {
		return fmt.Errorf("kind %s already registered", k.Name)
	}

	r.kinds = append(r.kinds, k)
	r.byName[k.Name] = k
	return nil
}

// Get looks up a kind by name.
func (r *Registry) Get(name string) (*Kind, bool) {
	k, ok := r.byName[name]
	return k, ok
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []*Kind {
	out := make([]*Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

// Names returns the registered kind names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.kinds))
	for i, k := range r.kinds {
		names[i] = k.Name
	}
	return names
}
