package sqlstore

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/malbeclabs/transmute/engine"
)

const migrationsTable = "goose_db_version"

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// duckDBQuerier implements the goose version table queries for DuckDB, which
// goose has no built-in dialect for.
type duckDBQuerier struct{}

func (duckDBQuerier) CreateTable(tableName string) string {
	return fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %[1]s_id_seq START 1;
CREATE TABLE %[1]s (
	id BIGINT PRIMARY KEY DEFAULT nextval('%[1]s_id_seq'),
	version_id BIGINT NOT NULL,
	is_applied BOOLEAN NOT NULL,
	tstamp TIMESTAMP NOT NULL DEFAULT current_timestamp
)`, tableName)
}

func (duckDBQuerier) InsertVersion(tableName string) string {
	return fmt.Sprintf(`INSERT INTO %s (version_id, is_applied) VALUES ($1, $2)`, tableName)
}

func (duckDBQuerier) DeleteVersion(tableName string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE version_id = $1`, tableName)
}

func (duckDBQuerier) GetMigrationByVersion(tableName string) string {
	return fmt.Sprintf(`SELECT tstamp, is_applied FROM %s WHERE version_id = $1 ORDER BY tstamp DESC LIMIT 1`, tableName)
}

func (duckDBQuerier) ListMigrations(tableName string) string {
	return fmt.Sprintf(`SELECT version_id, is_applied FROM %s ORDER BY id DESC`, tableName)
}

func (duckDBQuerier) GetLatestVersion(tableName string) string {
	return fmt.Sprintf(`SELECT max(version_id) FROM %s`, tableName)
}

func (duckDBQuerier) TableExists(tableName string) string {
	return fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'main' AND table_name = '%s')`, tableName)
}

func newProvider(log *slog.Logger, c Client) (*goose.Provider, error) {
	opts := []goose.ProviderOption{goose.WithLogger(&slogGooseLogger{log: log})}

	var (
		dialect goose.Dialect
		fsys    fs.FS
		err     error
	)
	switch c.Dialect().Name() {
	case DriverDuckDB:
		store, storeErr := database.NewStoreFromQuerier(migrationsTable, duckDBQuerier{})
		if storeErr != nil {
			return nil, fmt.Errorf("failed to create migration store: %w", storeErr)
		}
		opts = append(opts, goose.WithStore(store))
		dialect = goose.DialectCustom
		fsys, err = fs.Sub(engine.DuckDBMigrationsFS, "db/duckdb/migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to open migrations: %w", err)
		}
	case DriverPostgres:
		dialect = goose.DialectPostgres
		fsys, err = fs.Sub(engine.PostgresMigrationsFS, "db/postgres/migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to open migrations: %w", err)
		}
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", c.Dialect().Name())
	}

	provider, err := goose.NewProvider(dialect, c.DB(), fsys, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// Migrate applies all pending catalog migrations.
func Migrate(ctx context.Context, log *slog.Logger, c Client) error {
	log.Info("running catalog migrations (up)", "dialect", c.Dialect().Name())

	provider, err := newProvider(log, c)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("catalog migrations completed successfully", "applied", len(results))
	return nil
}

// MigrationStatus is the applied state of one migration.
type MigrationStatus struct {
	Version int64
	Source  string
	Applied bool
}

// MigrationStatuses reports every known migration and whether it is applied.
func MigrationStatuses(ctx context.Context, log *slog.Logger, c Client) ([]MigrationStatus, error) {
	provider, err := newProvider(log, c)
	if err != nil {
		return nil, err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration status: %w", err)
	}

	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
