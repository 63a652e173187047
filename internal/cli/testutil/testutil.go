// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
	_ "github.com/leapstack-labs/leapfuse/internal/adapter/duckdb" // register duckdb
	"github.com/leapstack-labs/leapfuse/internal/cli/output"
)

// ExamplePipeline is a bundle with a source, a filter and an output view
// over the customers table created by SeedCustomers.
const ExamplePipeline = `{
  "canvas": [
    {"id": "customers", "shape": "source", "position": {"x": 0, "y": 0}, "data": {"expand": true}},
    {"id": "german", "shape": "operator", "position": {"x": 200, "y": 0}, "data": {"expand": true}},
    {"id": "report", "shape": "output", "position": {"x": 400, "y": 0}, "data": {"expand": false}}
  ],
  "config": [
    {"id": "customers", "name": "customers", "sources": [], "formula": [
      {"id": "customers_src", "type": "SOURCE_TABLE", "config": {"table": "main.customers", "fields": [
        {"id": "customer_id", "name_en": "id", "original_name": "Id", "data_type": "int"},
        {"id": "customer_name", "name_en": "name", "original_name": "Name", "data_type": "string"},
        {"id": "customer_country", "name_en": "country", "original_name": "Country", "data_type": "string"}
      ]}, "output_fields": []}
    ], "output_fields": []},
    {"id": "german", "name": "german", "sources": ["customers"], "formula": [
      {"id": "german_filter", "type": "FILTER", "config": {"conditions": [
        {"field_id": "customer_country", "op": "=", "value": "DE"}
      ]}, "output_fields": []}
    ], "output_fields": []},
    {"id": "report", "name": "report", "sources": ["german"], "formula": [
      {"id": "report_view", "type": "OUTPUT_VIEW", "config": {"view_name": "german_customers"}, "output_fields": []}
    ], "output_fields": []}
  ]
}`

// SetupTestProject creates a temporary project with a config file pointing
// at a DuckDB database in the project and the example pipeline. It returns
// the project directory.
func SetupTestProject(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	if err := os.MkdirAll(filepath.Join(tmpDir, "pipelines"), 0o755); err != nil {
		t.Fatalf("failed to create pipelines directory: %v", err)
	}

	cfg := `target:
  type: duckdb
  database: warehouse.duckdb
preview:
  sampling: false
`
	if err := os.WriteFile(filepath.Join(tmpDir, "leapfuse.yaml"), []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to create leapfuse.yaml: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "pipelines", "customers.json"),
		[]byte(ExamplePipeline), 0o600); err != nil {
		t.Fatalf("failed to create customers.json: %v", err)
	}

	return tmpDir
}

// SeedCustomers creates main.customers in the project's DuckDB database.
func SeedCustomers(t *testing.T, projectDir string) {
	t.Helper()

	ctx := context.Background()
	db, err := adapter.Open(ctx, adapter.Config{
		Type: "duckdb",
		Path: filepath.Join(projectDir, "warehouse.duckdb"),
	}, nil)
	if err != nil {
		t.Fatalf("failed to open duckdb: %v", err)
	}
	defer func() { _ = db.Close() }()

	stmts := []string{
		"CREATE TABLE customers (id INTEGER, name VARCHAR, country VARCHAR)",
		"INSERT INTO customers VALUES (1, 'Alice', 'DE'), (2, 'Bob', 'FR'), (3, 'Carla', 'DE')",
	}
	for _, stmt := range stmts {
		if err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("failed to seed customers: %v", err)
		}
	}
}

// TestRenderer is a Renderer writing into buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer returns a buffered renderer in mode.
func NewTestRenderer(mode output.OutputMode, isTTY bool) *TestRenderer {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererMarkdown returns a non-TTY markdown renderer.
func NewTestRendererMarkdown() *TestRenderer {
	return NewTestRenderer(output.ModeMarkdown, false)
}

// Output returns what was written to stdout.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI fails when s carries terminal escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertContains fails when s lacks expected.
func AssertContains(t *testing.T, s, expected string) {
	t.Helper()
	if !strings.Contains(s, expected) {
		t.Errorf("string %q does not contain expected %q", s, expected)
	}
}

// AssertValidMarkdown fails on unbalanced code fences and empty headers.
func AssertValidMarkdown(t *testing.T, md string) {
	t.Helper()
	if n := strings.Count(md, "```"); n%2 != 0 {
		t.Errorf("unbalanced code fences in markdown: found %d occurrences", n)
	}
	for i, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") && strings.TrimLeft(trimmed, "# ") == "" {
			t.Errorf("empty header at line %d: %q", i+1, line)
		}
	}
}
