// Package bootstrap wires the product-ingest components and manages their
// lifecycle.
package bootstrap

import (
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
)

// LoadConfig loads and validates the configuration at path.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// CreateLogger creates the service logger. debug forces debug level.
func CreateLogger(cfg *config.Config, debug bool) (infralogger.Logger, error) {
	level := cfg.Logging.Level
	if debug || cfg.Service.Debug {
		level = "debug"
	}

	log, err := infralogger.New(infralogger.Config{
		Level:       level,
		Format:      cfg.Logging.Format,
		Development: debug || cfg.Service.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With(
		infralogger.String("service", cfg.Service.Name),
		infralogger.String("version", cfg.Service.Version),
	), nil
}
