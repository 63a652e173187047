// Package config provides configuration management for the LeapFuse CLI.
//
// The shared types (TargetConfig, ExecutorConfig, ...) are defined in
// internal/config and re-exported here via type aliases for convenience.
package config

import (
	sharedcfg "github.com/leapstack-labs/leapfuse/internal/config"
)

// TargetConfig is an alias for the shared target configuration.
type TargetConfig = sharedcfg.TargetConfig

// ExecutorConfig is an alias for the shared executor configuration.
type ExecutorConfig = sharedcfg.ExecutorConfig

// PreviewConfig is an alias for the shared preview configuration.
type PreviewConfig = sharedcfg.PreviewConfig

// CatalogConfig is an alias for the shared catalog configuration.
type CatalogConfig = sharedcfg.CatalogConfig

// ServerConfig is an alias for the shared server configuration.
type ServerConfig = sharedcfg.ServerConfig

// Config holds all CLI configuration options.
type Config struct {
	StatePath    string               `koanf:"state_path"`
	Environment  string               `koanf:"environment"`
	Verbose      bool                 `koanf:"verbose"`
	OutputFormat string               `koanf:"output"`
	Target       *TargetConfig        `koanf:"target"`
	Executor     ExecutorConfig       `koanf:"executor"`
	Preview      PreviewConfig        `koanf:"preview"`
	Catalog      CatalogConfig        `koanf:"catalog"`
	Server       ServerConfig         `koanf:"server"`
	Environments map[string]EnvConfig `koanf:"environments"`

	// ProjectRoot is the directory relative paths are resolved against.
	ProjectRoot string `koanf:"-"`
}

// EnvConfig holds environment-specific configuration overrides.
type EnvConfig struct {
	Target   *TargetConfig   `koanf:"target"`
	Executor *ExecutorConfig `koanf:"executor"`
}

// Default configuration values - uses shared defaults from internal/config
const (
	DefaultStateFile = sharedcfg.DefaultStateFile
	DefaultEnv       = "dev"
	DefaultOutput    = sharedcfg.DefaultOutput
)
