// Package catalog lists the datasources and tables that SOURCE_TABLE nodes
// can read, together with their columns.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
	"github.com/leapstack-labs/leapfuse/internal/field"
)

// Sentinel errors.
var (
	ErrDatasourceNotFound = errors.New("datasource not found")
	ErrTableNotFound      = errors.New("table not found")
)

// Table is a described source table.
type Table struct {
	Datasource string `json:"datasource"`
	Name       string `json:"name"`

	// Relation is the name the query engine knows the table by.
	Relation string        `json:"relation"`
	Fields   []field.Field `json:"fields"`
	RowCount int64         `json:"row_count,omitempty"`
}

// Catalog browses source tables.
type Catalog interface {
	Datasources(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, datasource string) ([]string, error)
	Describe(ctx context.Context, datasource, table string) (*Table, error)
}

// AdapterCatalog exposes the tables of a connected database as one datasource.
type AdapterCatalog struct {
	name   string
	db     adapter.Adapter
	schema string
}

// NewAdapterCatalog creates a catalog named name over db, listing schema
// (empty means the adapter default).
func NewAdapterCatalog(name string, db adapter.Adapter, schema string) *AdapterCatalog {
	return &AdapterCatalog{name: name, db: db, schema: schema}
}

func (c *AdapterCatalog) Datasources(context.Context) ([]string, error) {
	return []string{c.name}, nil
}

func (c *AdapterCatalog) Tables(ctx context.Context, datasource string) ([]string, error) {
	if datasource != c.name {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, datasource)
	}
	tables, err := c.db.ListTables(ctx, c.schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables of %s: %w", datasource, err)
	}
	return tables, nil
}

func (c *AdapterCatalog) Describe(ctx context.Context, datasource, table string) (*Table, error) {
	if datasource != c.name {
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, datasource)
	}
	meta, err := c.db.GetTableMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %w", ErrTableNotFound, datasource, table, err)
	}
	fields := make([]field.Field, len(meta.Columns))
	for i, col := range meta.Columns {
		fields[i] = field.Field{
			TechnicalName: col.Name,
			DisplayName:   field.DefaultDisplayName(col.Name),
			DataType:      field.ParseDataType(col.Type),
		}
	}
	return &Table{
		Datasource: datasource,
		Name:       table,
		Relation:   meta.Schema + "." + meta.Name,
		Fields:     fields,
		RowCount:   meta.RowCount,
	}, nil
}

// Merged routes each datasource to the first catalog that lists it.
type Merged struct {
	catalogs []Catalog
}

// Merge combines catalogs. Earlier catalogs win on datasource name clashes.
func Merge(catalogs ...Catalog) *Merged {
	return &Merged{catalogs: catalogs}
}

func (m *Merged) Datasources(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, c := range m.catalogs {
		names, err := c.Datasources(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Merged) owner(ctx context.Context, datasource string) (Catalog, error) {
	for _, c := range m.catalogs {
		names, err := c.Datasources(ctx)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if n == datasource {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, datasource)
}

func (m *Merged) Tables(ctx context.Context, datasource string) ([]string, error) {
	c, err := m.owner(ctx, datasource)
	if err != nil {
		return nil, err
	}
	return c.Tables(ctx, datasource)
}

func (m *Merged) Describe(ctx context.Context, datasource, table string) (*Table, error) {
	c, err := m.owner(ctx, datasource)
	if err != nil {
		return nil, err
	}
	return c.Describe(ctx, datasource, table)
}
