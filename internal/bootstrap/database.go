package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	infralogger "github.com/jonesrussell/north-cloud/product-ingest/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/config"
	"github.com/jonesrussell/north-cloud/product-ingest/internal/database"
)

// DatabaseConfig converts the service configuration for the database package.
func DatabaseConfig(cfg *config.Config) *database.Config {
	d := cfg.Database
	return &database.Config{
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		Path:            d.Path,
		MaxConnections:  d.MaxConnections,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnectionMaxLifetime,
	}
}

// SetupDatabase connects and, when configured, applies pending migrations.
func SetupDatabase(ctx context.Context, cfg *config.Config, log infralogger.Logger) (*sqlx.DB, error) {
	dbCfg := DatabaseConfig(cfg)

	if cfg.Database.MigrateOnStart {
		if err := database.RunMigrations(dbCfg, log); err != nil {
			return nil, err
		}
	}

	db, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	log.Info("Database connected",
		infralogger.String("driver", dbCfg.Driver),
	)
	return db, nil
}
