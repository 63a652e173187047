// Package config provides the configuration types shared by the CLI and the
// execute service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/leapstack-labs/leapfuse/internal/adapter"
)

// TargetConfig holds the database that previews run against.
type TargetConfig struct {
	Type string `koanf:"type"` // duckdb, postgres

	// File-based databases (DuckDB)
	Database string `koanf:"database"` // file path or database name

	// Network databases
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Common
	Schema string `koanf:"schema"`

	// Additional driver-specific options
	Options map[string]string `koanf:"options"`

	// Params holds adapter-specific configuration (e.g., DuckDB extensions, settings, seeds)
	Params map[string]any `koanf:"params"`
}

// DefaultSchemaForType returns the default schema for a database type.
func DefaultSchemaForType(dbType string) string {
	if strings.EqualFold(dbType, "postgres") {
		return "public"
	}
	return "main"
}

// Validate checks if the target configuration is valid.
// It uses the adapter registry to determine which adapter types are available.
func (t *TargetConfig) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("target type is required")
	}
	if !adapter.IsRegistered(strings.ToLower(t.Type)) {
		return &adapter.UnknownAdapterError{
			Type:      t.Type,
			Available: adapter.ListAdapters(),
		}
	}
	return nil
}

// AdapterConfig converts the target into an adapter connection config.
func (t *TargetConfig) AdapterConfig() adapter.Config {
	return adapter.Config{
		Type:     strings.ToLower(t.Type),
		Path:     t.Database,
		Host:     t.Host,
		Port:     t.Port,
		Database: t.Database,
		Username: t.User,
		Password: t.Password,
		Schema:   t.Schema,
		Options:  t.Options,
		Params:   t.Params,
	}
}

// Executor modes.
const (
	ExecutorLocal  = "local"
	ExecutorRemote = "remote"
)

// ExecutorConfig selects where preview queries run: on the local target,
// or on a remote execute service.
type ExecutorConfig struct {
	Mode     string        `koanf:"mode"`
	URL      string        `koanf:"url"`
	Timeout  time.Duration `koanf:"timeout"`
	RetryMax int           `koanf:"retry_max"`
}

// Validate checks the executor mode and its required settings.
func (e *ExecutorConfig) Validate() error {
	switch strings.ToLower(e.Mode) {
	case ExecutorLocal:
		return nil
	case ExecutorRemote:
		if e.URL == "" {
			return fmt.Errorf("executor.url is required in remote mode")
		}
		return nil
	default:
		return fmt.Errorf("unknown executor mode %q\nHint: use %q or %q", e.Mode, ExecutorLocal, ExecutorRemote)
	}
}

// PreviewConfig holds preview and sampling limits.
type PreviewConfig struct {
	DefaultLimit  int  `koanf:"default_limit"`
	Sampling      bool `koanf:"sampling"`
	SampleLimit   int  `koanf:"sample_limit"`
	SampleRetries int  `koanf:"sample_retries"`
}

// CatalogConfig points at the source-table catalog.
type CatalogConfig struct {
	// File is an optional static catalog; the target database is always
	// browsable as the "target" datasource.
	File      string        `koanf:"file"`
	CacheSize int           `koanf:"cache_size"`
	TTL       time.Duration `koanf:"ttl"`
}

// ServerConfig configures the execute service.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}
