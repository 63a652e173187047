// Package adapter defines the database contract used to preview pipelines
// and browse source tables. Concrete adapters live in subpackages and
// register themselves in init().
package adapter

import (
	"context"
	"database/sql"
)

// Config holds configuration for connecting to a database.
type Config struct {
	Type     string
	Path     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Schema   string
	Options  map[string]string
	Params   map[string]any
}

// Column represents a column in a database table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// Metadata holds metadata about a database table.
type Metadata struct {
	Schema   string
	Name     string
	Columns  []Column
	RowCount int64
}

// Rows wraps sql.Rows so callers do not depend on a driver.
type Rows struct {
	*sql.Rows
}

// Adapter defines the interface that all database adapters must implement.
type Adapter interface {
	// Connect establishes a connection to the database using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the database connection and releases resources.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string, args ...any) (*Rows, error)

	// GetTableMetadata retrieves the columns of a table.
	GetTableMetadata(ctx context.Context, table string) (*Metadata, error)

	// ListTables returns the tables of a schema as schema-qualified names.
	// An empty schema means the adapter's default schema.
	ListTables(ctx context.Context, schema string) ([]string, error)

	// LoadCSV loads a CSV file into a table, replacing it if it exists.
	LoadCSV(ctx context.Context, tableName string, filePath string) error

	// DialectName names the SQL dialect spoken by the adapter.
	DialectName() string
}
