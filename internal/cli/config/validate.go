package config

import (
	"fmt"
	"strings"

	sharedcfg "github.com/leapstack-labs/leapfuse/internal/config"
)

// DefaultSchemaForType returns the default schema for a database type.
// This is a convenience wrapper that delegates to the shared config function.
func DefaultSchemaForType(dbType string) string {
	return sharedcfg.DefaultSchemaForType(dbType)
}

// Output formats accepted by --output.
var outputFormats = []string{"auto", "text", "markdown", "json"}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	valid := false
	for _, f := range outputFormats {
		if strings.EqualFold(c.OutputFormat, f) {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("unknown output format %q\nHint: use one of %s", c.OutputFormat, strings.Join(outputFormats, ", "))
	}
	if c.Target != nil {
		if err := c.Target.Validate(); err != nil {
			return fmt.Errorf("invalid target configuration: %w", err)
		}
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("invalid executor configuration: %w", err)
	}
	return nil
}
