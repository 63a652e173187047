package config

import "time"

// Default configuration values.
const (
	DefaultStateFile     = ".leapfuse/state.db"
	DefaultOutput        = "auto" // Auto-detect: TTY=text, non-TTY=markdown
	DefaultExecutorMode  = ExecutorLocal
	DefaultTimeout       = 30 * time.Second
	DefaultRetryMax      = 3
	DefaultPreviewLimit  = 100
	DefaultSampleLimit   = 20
	DefaultSampleRetries = 2
	DefaultCatalogCache  = 1024
	DefaultCatalogTTL    = 5 * time.Minute
	DefaultServerAddr    = "127.0.0.1:8787"
	DefaultCatalogSource = "target"
	defaultPostgresPort  = 5432
)

// ApplyDefaults applies default values to a TargetConfig based on the target type.
func (t *TargetConfig) ApplyDefaults() {
	if t == nil {
		return
	}
	if t.Type == "" {
		t.Type = "duckdb"
	}
	if t.Schema == "" {
		t.Schema = DefaultSchemaForType(t.Type)
	}
	if t.Type == "postgres" && t.Port == 0 {
		t.Port = defaultPostgresPort
	}
}

// ApplyDefaults fills unset executor values.
func (e *ExecutorConfig) ApplyDefaults() {
	if e.Mode == "" {
		e.Mode = DefaultExecutorMode
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if e.RetryMax < 0 {
		e.RetryMax = 0
	}
}

// ApplyDefaults fills unset preview values.
func (p *PreviewConfig) ApplyDefaults() {
	if p.DefaultLimit <= 0 {
		p.DefaultLimit = DefaultPreviewLimit
	}
	if p.SampleLimit <= 0 {
		p.SampleLimit = DefaultSampleLimit
	}
	if p.SampleRetries < 0 {
		p.SampleRetries = 0
	}
}

// ApplyDefaults fills unset catalog values.
func (c *CatalogConfig) ApplyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCatalogCache
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCatalogTTL
	}
}
