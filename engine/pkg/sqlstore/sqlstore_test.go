package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	sqlstoretesting "github.com/malbeclabs/transmute/engine/pkg/sqlstore/testing"
	transmutetesting "github.com/malbeclabs/transmute/utils/pkg/testing"
)

func TestTransmute_SQLStore_Migrate(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		log := transmutetesting.NewLogger()
		conn, err := client.Conn(ctx)
		require.NoError(t, err)

		for _, table := range []string{"entity_metadata", "entity_column_metadata", "ingest_runs"} {
			exists, err := client.Dialect().TableExists(ctx, conn, "ctl", table)
			require.NoError(t, err)
			require.True(t, exists, table)
		}

		// Re-running is a no-op.
		require.NoError(t, sqlstore.Migrate(ctx, log, client))

		statuses, err := sqlstore.MigrationStatuses(ctx, log, client)
		require.NoError(t, err)
		require.Len(t, statuses, 2)
		for _, s := range statuses {
			require.True(t, s.Applied, s.Source)
		}
		require.Equal(t, int64(1), statuses[0].Version)
	})
}

func TestTransmute_SQLStore_InTx(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		log := transmutetesting.NewLogger()
		conn, err := client.Conn(ctx)
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, "CREATE TABLE tx_probe (id INTEGER)")
		require.NoError(t, err)

		t.Run("commits on success", func(t *testing.T) {
			err := sqlstore.InTx(ctx, conn, log, func(tx sqlstore.Tx) error {
				_, err := tx.ExecContext(ctx, "INSERT INTO tx_probe VALUES (1)")
				return err
			})
			require.NoError(t, err)
			n, err := sqlstore.ScanInt64(ctx, conn, "SELECT COUNT(*) FROM tx_probe")
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		})

		t.Run("rolls back on error", func(t *testing.T) {
			boom := errors.New("boom")
			err := sqlstore.InTx(ctx, conn, log, func(tx sqlstore.Tx) error {
				if _, err := tx.ExecContext(ctx, "INSERT INTO tx_probe VALUES (2)"); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)
			n, err := sqlstore.ScanInt64(ctx, conn, "SELECT COUNT(*) FROM tx_probe")
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		})

		t.Run("rolls back on panic", func(t *testing.T) {
			require.Panics(t, func() {
				_ = sqlstore.InTx(ctx, conn, log, func(tx sqlstore.Tx) error {
					if _, err := tx.ExecContext(ctx, "INSERT INTO tx_probe VALUES (3)"); err != nil {
						return err
					}
					panic("boom")
				})
			})
			n, err := sqlstore.ScanInt64(ctx, conn, "SELECT COUNT(*) FROM tx_probe")
			require.NoError(t, err)
			require.Equal(t, int64(1), n)
		})

		t.Run("cancelled context", func(t *testing.T) {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			err := sqlstore.InTx(cctx, conn, log, func(tx sqlstore.Tx) error { return nil })
			require.ErrorIs(t, err, context.Canceled)
		})
	})
}

func TestTransmute_SQLStore_TryCast(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		conn, err := client.Conn(ctx)
		require.NoError(t, err)
		d := client.Dialect()

		tests := []struct {
			typ  string
			in   string
			want any
		}{
			{"INTEGER", "42", int64(42)},
			{"INTEGER", "forty-two", nil},
			{"BIGINT", "9000000000", int64(9000000000)},
			{"DOUBLE", "1.5", 1.5},
			{"DOUBLE", "abc", nil},
			{"BOOLEAN", "true", true},
			{"BOOLEAN", "maybe", nil},
			{"VARCHAR(10)", "hello", "hello"},
			{"VARCHAR(5)", "hello", "hello"},
			{"VARCHAR(3)", "hello", nil},
			{"DATE", "not-a-date", nil},
		}
		for _, tt := range tests {
			query := fmt.Sprintf("SELECT %s AS v", d.TryCast("CAST($1 AS VARCHAR)", ident.MustParseType(tt.typ)))
			res, err := sqlstore.Query(ctx, conn, query, tt.in)
			require.NoError(t, err, tt.typ)
			require.Len(t, res.Rows, 1)
			require.Equal(t, tt.want, res.Rows[0]["v"], "%s <- %q", tt.typ, tt.in)
		}
	})
}

func TestTransmute_SQLStore_RegexMatch(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		conn, err := client.Conn(ctx)
		require.NoError(t, err)

		query := fmt.Sprintf("SELECT %s AS v", client.Dialect().RegexMatch("CAST($1 AS VARCHAR)", "$2"))
		var matched bool
		require.NoError(t, conn.QueryRowContext(ctx, query, "user@example.com", `^[^@]+@[^@]+$`).Scan(&matched))
		require.True(t, matched)
		require.NoError(t, conn.QueryRowContext(ctx, query, "not-an-email", `^[^@]+@[^@]+$`).Scan(&matched))
		require.False(t, matched)
	})
}

func TestTransmute_SQLStore_Open(t *testing.T) {
	t.Parallel()

	log := transmutetesting.NewLogger()

	client, err := sqlstore.Open(t.Context(), log, "", "")
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, sqlstore.DriverDuckDB, client.Dialect().Name())

	_, err = sqlstore.Open(t.Context(), log, "mysql", "")
	require.ErrorContains(t, err, "unsupported database driver")
}

func TestTransmute_SQLStore_FailingConnection(t *testing.T) {
	t.Parallel()

	conn := sqlstoretesting.NewDuckDBConn(t)
	injected := errors.New("injected")
	failing := sqlstoretesting.NewFailingConnection(conn, "INSERT INTO probe", injected)

	_, err := failing.ExecContext(t.Context(), "CREATE TABLE probe (id INTEGER)")
	require.NoError(t, err)

	err = sqlstore.InTx(t.Context(), failing, transmutetesting.NewLogger(), func(tx sqlstore.Tx) error {
		_, err := tx.ExecContext(t.Context(), "INSERT INTO probe VALUES (1)")
		return err
	})
	require.ErrorIs(t, err, injected)
	require.True(t, failing.Fired())

	// Fires once.
	_, err = failing.ExecContext(t.Context(), "INSERT INTO probe VALUES (1)")
	require.NoError(t, err)
}
