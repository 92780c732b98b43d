package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodeworks/entsearch/internal/index"
)

func productsKind() *Kind {
	return &Kind{
		Name:          "products",
		Table:         "products",
		IDColumn:      "id",
		TextColumns:   []string{"name", "description"},
		StoredColumns: []string{"sku"},
	}
}

func TestKind_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Kind)
		wantErr string
	}{
		{"valid", func(k *Kind) {}, ""},
		{"bad name", func(k *Kind) { k.Name = "Products" }, "must match"},
		{"empty name", func(k *Kind) { k.Name = "" }, "must match"},
		{"colon in name", func(k *Kind) { k.Name = "pro:ducts" }, "must match"},
		{"missing table", func(k *Kind) { k.Table = "" }, "table is required"},
		{"missing id column", func(k *Kind) { k.IDColumn = "" }, "id_column is required"},
		{"missing text columns", func(k *Kind) { k.TextColumns = nil }, "text_columns is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := productsKind()
			tt.mutate(k)
			err := k.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestKind_ValidateAllowsMapperWithoutTextColumns(t *testing.T) {
	k := productsKind()
	k.TextColumns = nil
	k.Mapper = func(rec *Record) (*index.Document, error) { return nil, nil }

	assert.NoError(t, k.Validate())
}

func TestKind_Columns(t *testing.T) {
	k := productsKind()
	k.StoredColumns = []string{"sku", "name"} // overlaps a text column

	cols := k.Columns()
	assert.Equal(t, []string{"id", "name", "description", "sku"}, cols)
}

func TestRecord_ContentHash_StableAcrossFieldOrder(t *testing.T) {
	a := &Record{
		Kind: "products",
		ID:   "1",
		Fields: map[string]string{
			"name":        "desk",
			"description": "walnut",
		},
	}
	b := &Record{
		Kind: "products",
		ID:   "1",
		Fields: map[string]string{
			"description": "walnut",
			"name":        "desk",
		},
	}

	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func TestRecord_ContentHash_ChangesWithContent(t *testing.T) {
	base := &Record{Kind: "products", ID: "1", Fields: map[string]string{"name": "desk"}}
	changed := &Record{Kind: "products", ID: "1", Fields: map[string]string{"name": "shelf"}}
	otherID := &Record{Kind: "products", ID: "2", Fields: map[string]string{"name": "desk"}}
	otherKind := &Record{Kind: "authors", ID: "1", Fields: map[string]string{"name": "desk"}}

	assert.NotEqual(t, base.ContentHash(), changed.ContentHash())
	assert.NotEqual(t, base.ContentHash(), otherID.ContentHash())
	assert.NotEqual(t, base.ContentHash(), otherKind.ContentHash())
}

func TestDefaultMapper(t *testing.T) {
	// Given: a record with text and stored columns
	k := productsKind()
	rec := &Record{
		Kind: "products",
		ID:   "42",
		Fields: map[string]string{
			"name":        "standing desk",
			"description": "walnut, height adjustable",
			"sku":         "SKU-42",
		},
	}

	// When: mapping with the default mapper
	docOut, err := DefaultMapper(k, rec)
	require.NoError(t, err)

	// Then: text concatenates the text columns in order, fields keep everything
	assert.Equal(t, "products:42", docOut.ID)
	assert.Equal(t, "products", docOut.Kind)
	assert.Equal(t, "standing desk\nwalnut, height adjustable", docOut.Text)
	assert.Equal(t, "SKU-42", docOut.Fields["sku"])
}

func TestDefaultMapper_EmptyIDRejected(t *testing.T) {
	k := productsKind()
	_, err := DefaultMapper(k, &Record{Kind: "products", Fields: map[string]string{}})
	require.Error(t, err)
}

func TestKind_DocumentUsesCustomMapper(t *testing.T) {
	k := productsKind()
	k.Mapper = func(rec *Record) (*index.Document, error) {
		return &index.Document{ID: "custom:" + rec.ID, Kind: k.Name, Text: "custom text"}, nil
	}

	docOut, err := k.Document(&Record{Kind: "products", ID: "7", Fields: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, "custom:7", docOut.ID)
	assert.Equal(t, "custom text", docOut.Text)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(productsKind()))
	require.NoError(t, r.Register(&Kind{
		Name: "authors", Table: "authors", IDColumn: "id", TextColumns: []string{"name"},
	}))

	// Duplicate registration fails
	err := r.Register(productsKind())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	// Invalid kind fails
	require.Error(t, r.Register(&Kind{Name: "bad"}))

	// Lookup and ordering
	k, ok := r.Get("products")
	require.True(t, ok)
	assert.Equal(t, "products", k.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"products", "authors"}, r.Names())
	assert.Len(t, r.Kinds(), 2)
}
