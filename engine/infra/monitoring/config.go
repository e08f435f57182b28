package monitoring

import (
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/pkg/config"
)

// Config holds configuration for the monitoring service.
type Config struct {
	Enabled bool
	Path    string
}

// DefaultConfig returns the monitoring defaults: disabled, exported at
// /metrics once enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Path:    "/metrics",
	}
}

// FromAppConfig maps the application runtime section onto a monitoring
// Config.
func FromAppConfig(cfg *config.Config) *Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	out.Enabled = cfg.Runtime.MetricsEnabled
	return out
}

// Validate checks that the exporter path is usable.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	return nil
}
