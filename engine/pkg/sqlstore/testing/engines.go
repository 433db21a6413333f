package sqlstoretesting

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

// StartSharedPostgres starts the container shared by a package's tests. It
// returns nil under -short, when TRANSMUTE_SKIP_POSTGRES is set, or when the
// container cannot be started; Postgres subtests are then skipped. Call it
// from TestMain after flag.Parse.
func StartSharedPostgres(ctx context.Context, log *slog.Logger) *DB {
	if testing.Short() || os.Getenv("TRANSMUTE_SKIP_POSTGRES") != "" {
		return nil
	}
	db, err := NewDB(ctx, log, nil)
	if err != nil {
		log.Warn("postgres tests disabled", "error", err)
		return nil
	}
	return db
}

// ForEachEngine runs fn against a fresh migrated DuckDB database and, when pg
// is available, a fresh migrated Postgres database.
func ForEachEngine(t *testing.T, pg *DB, fn func(t *testing.T, client sqlstore.Client)) {
	t.Helper()

	t.Run(sqlstore.DriverDuckDB, func(t *testing.T) {
		t.Parallel()
		fn(t, NewDuckDBClient(t))
	})
	t.Run(sqlstore.DriverPostgres, func(t *testing.T) {
		if pg == nil {
			t.Skip("postgres container not available")
		}
		t.Parallel()
		fn(t, NewPostgresClient(t, pg))
	})
}
