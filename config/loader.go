package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig tags load-time configuration failures. No checks run when
// the config is invalid.
var ErrInvalidConfig = errors.New("invalid config")

// Loader parses and validates run configuration files.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// LoadFile reads, parses, and validates a YAML config file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	l.logger.Debug("loaded config", "path", path, "checks", len(cfg.Checks))
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config with defaults applied.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l.warnAmbiguous(&cfg)
	return &cfg, nil
}

// warnAmbiguous logs configuration shapes that are accepted but have
// surprising semantics.
func (l *Loader) warnAmbiguous(cfg *Config) {
	for id, spec := range cfg.Checks {
		for _, hook := range []*Hook{spec.OnSuccess, spec.OnFail} {
			if hook == nil {
				continue
			}
			for _, item := range hook.Run {
				if item.Workflow != "" {
					// Workflow on_fail chains never forward-run into the
					// parent graph; flag the shape so authors are not
					// surprised.
					l.logger.Warn("workflow run item does not forward-run into the parent graph",
						"check", id, "workflow", item.Workflow)
				}
			}
		}
	}
}
