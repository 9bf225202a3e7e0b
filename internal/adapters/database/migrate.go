package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

// ErrMigrationsUnsupported is returned for dialects without a migrate driver
var ErrMigrationsUnsupported = errors.New("migrations are not supported for this driver")

// RunMigrations applies pending migrations from cfg.Migrations to the metrics
// schema. The schema must already exist.
func RunMigrations(cfg *config.DatabaseConfig) error {
	logger.Info("running database migrations",
		zap.String("path", cfg.Migrations),
		zap.String("driver", cfg.Driver),
	)

	m, closeFn, err := newMigrate(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		logger.Warn("database is in dirty state, attempting to force version",
			zap.Uint("version", currentVersion),
		)
		if err := m.Force(int(currentVersion)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get new migration version: %w", err)
	}

	logger.Info("migrations completed successfully",
		zap.Uint("old_version", currentVersion),
		zap.Uint("new_version", newVersion),
	)

	return nil
}

// GetMigrationVersion returns current migration version
func GetMigrationVersion(cfg *config.DatabaseConfig) (uint, bool, error) {
	m, closeFn, err := newMigrate(cfg)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}

	return version, dirty, nil
}

func newMigrate(cfg *config.DatabaseConfig) (*migrate.Migrate, func(), error) {
	dialect, err := metrics.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	if dialect == metrics.DialectClickHouse {
		return nil, nil, fmt.Errorf("%s: %w", dialect, ErrMigrationsUnsupported)
	}

	db, err := sql.Open(driverName(dialect), cfg.SchemaDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case metrics.DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{SchemaName: cfg.Schema})
	default:
		driver, err = mysql.WithInstance(db, &mysql.Config{DatabaseName: cfg.Schema})
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cfg.Migrations),
		string(dialect),
		driver,
	)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, func() { _, _ = m.Close() }, nil
}
