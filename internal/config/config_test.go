package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	// Register adapters for target validation
	_ "github.com/leapstack-labs/leapfuse/internal/adapter/duckdb"
	_ "github.com/leapstack-labs/leapfuse/internal/adapter/postgres"
)

func TestTargetConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		target    TargetConfig
		errSubstr string
	}{
		{"empty type", TargetConfig{}, "target type is required"},
		{"duckdb", TargetConfig{Type: "duckdb"}, ""},
		{"duckdb uppercase", TargetConfig{Type: "DuckDB"}, ""},
		{"postgres", TargetConfig{Type: "postgres"}, ""},
		{"unknown", TargetConfig{Type: "mysql"}, "unknown adapter type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestTargetConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name   string
		target TargetConfig
		want   TargetConfig
	}{
		{"empty becomes duckdb", TargetConfig{}, TargetConfig{Type: "duckdb", Schema: "main"}},
		{"postgres port and schema", TargetConfig{Type: "postgres"}, TargetConfig{Type: "postgres", Schema: "public", Port: 5432}},
		{"keeps explicit values", TargetConfig{Type: "postgres", Schema: "bi", Port: 6543}, TargetConfig{Type: "postgres", Schema: "bi", Port: 6543}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.target.ApplyDefaults()
			assert.Equal(t, tt.want, tt.target)
		})
	}
}

func TestTargetConfig_AdapterConfig(t *testing.T) {
	target := TargetConfig{Type: "Postgres", Host: "db", Port: 5432, Database: "sales", User: "u", Password: "p", Schema: "public"}
	cfg := target.AdapterConfig()
	assert.Equal(t, "postgres", cfg.Type)
	assert.Equal(t, "db", cfg.Host)
	assert.Equal(t, "sales", cfg.Database)
	assert.Equal(t, "u", cfg.Username)
	assert.Equal(t, "p", cfg.Password)
}

func TestExecutorConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ExecutorConfig
		wantErr bool
	}{
		{"local", ExecutorConfig{Mode: "local"}, false},
		{"remote with url", ExecutorConfig{Mode: "remote", URL: "http://engine/execute"}, false},
		{"remote without url", ExecutorConfig{Mode: "remote"}, true},
		{"unknown mode", ExecutorConfig{Mode: "grpc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var e ExecutorConfig
	e.ApplyDefaults()
	assert.Equal(t, ExecutorLocal, e.Mode)
	assert.Equal(t, DefaultTimeout, e.Timeout)

	var p PreviewConfig
	p.ApplyDefaults()
	assert.Equal(t, DefaultPreviewLimit, p.DefaultLimit)
	assert.Equal(t, DefaultSampleLimit, p.SampleLimit)

	c := CatalogConfig{TTL: time.Second}
	c.ApplyDefaults()
	assert.Equal(t, DefaultCatalogCache, c.CacheSize)
	assert.Equal(t, time.Second, c.TTL)
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "", FindConfigFile(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileNameAlt), []byte("{}"), 0o600))
	assert.Equal(t, filepath.Join(dir, ConfigFileNameAlt), FindConfigFile(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{}"), 0o600))
	assert.Equal(t, filepath.Join(dir, ConfigFileName), FindConfigFile(dir), "yaml wins over yml")
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, ConfigFileName), []byte("{}"), 0o600))

	assert.Equal(t, root, FindProjectRoot(nested))
	assert.Equal(t, "", FindProjectRoot(t.TempDir()))
}
