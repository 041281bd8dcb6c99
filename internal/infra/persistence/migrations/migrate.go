// Package migrations wires golang-migrate execution for the order journal schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/optiongate/internal/infra/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply ensures the migrations located at migrationsDir are applied to the Postgres
// instance reachable via dsn. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrator(ctx, dsn, fileSource(resolvedDir), resolvedDir, logger, func(m *migrate.Migrate) error {
		return up(ctx, m, resolvedDir, logger)
	})
}

// ApplyFS applies migrations bundled in fsys, typically the embedded dbmigrations.Files.
func ApplyFS(ctx context.Context, dsn string, fsys fs.FS, logger *log.Logger) error {
	if fsys == nil {
		return fmt.Errorf("migrations filesystem required")
	}
	return withMigrator(ctx, dsn, fsSource(fsys), "embedded", logger, func(m *migrate.Migrate) error {
		return up(ctx, m, "embedded", logger)
	})
}

// Rollback reverts the given number of migrations from migrationsDir.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	resolvedDir, err := resolveDir(migrationsDir)
	if err != nil {
		return err
	}
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return withMigrator(ctx, dsn, fileSource(resolvedDir), resolvedDir, logger, func(m *migrate.Migrate) error {
		logf(logger, "rolling back order journal schema: source=%s steps=%d", resolvedDir, steps)
		err := m.Steps(-steps)
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			recordMigrationMetric(ctx, "noop", resolvedDir)
			return nil
		case err != nil:
			recordMigrationMetric(ctx, "failed", resolvedDir)
			return fmt.Errorf("rollback migrations: %w", err)
		}
		recordMigrationMetric(ctx, "rolled_back", resolvedDir)
		return nil
	})
}

type sourceFactory func() (string, source.Driver, error)

func fileSource(dir string) sourceFactory {
	return func() (string, source.Driver, error) {
		return fileURL(dir), nil, nil
	}
}

func fsSource(fsys fs.FS) sourceFactory {
	return func() (string, source.Driver, error) {
		driver, err := iofs.New(fsys, ".")
		if err != nil {
			return "", nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return "iofs", driver, nil
	}
}

func withMigrator(ctx context.Context, dsn string, src sourceFactory, label string, logger *log.Logger, run func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logf(logger, "migrations connection close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	name, sourceDriver, err := src()
	if err != nil {
		return err
	}
	var m *migrate.Migrate
	if sourceDriver != nil {
		m, err = migrate.NewWithInstance(name, sourceDriver, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(name, "pgx5", driver)
	}
	if err != nil {
		return fmt.Errorf("initialise migrate instance (%s): %w", label, err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logf(logger, "migrator close: source=%v db=%v", sourceErr, dbErr)
		}
	}()
	return run(m)
}

func up(ctx context.Context, m *migrate.Migrate, label string, logger *log.Logger) error {
	logf(logger, "migrating order journal schema: source=%s", label)
	err := m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		recordMigrationMetric(ctx, "noop", label)
		logf(logger, "order journal schema up-to-date")
		return nil
	case err != nil:
		recordMigrationMetric(ctx, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr == nil {
		logf(logger, "order journal schema migrated: version=%d dirty=%t", version, dirty)
	}
	recordMigrationMetric(ctx, "applied", label)
	return nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

func resolveDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return "", fmt.Errorf("migrations directory %s: %w", abs, err)
	case !info.IsDir():
		return "", fmt.Errorf("migrations directory %s: %w", abs, errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	u := url.URL{Scheme: "file", Path: "/" + strings.TrimPrefix(filepath.ToSlash(path), "/")}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("optiongate_db_migrations_total",
			metric.WithDescription("Journal schema migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	}
	if path != "" {
		attrs = append(attrs, attribute.String("migrations_path", path))
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
