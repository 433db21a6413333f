package sqlstoretesting

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	transmutetesting "github.com/malbeclabs/transmute/utils/pkg/testing"
)

// NewDuckDBClient opens a migrated DuckDB database in a per-test directory.
func NewDuckDBClient(t *testing.T) sqlstore.Client {
	t.Helper()

	log := transmutetesting.NewLogger()
	path := filepath.Join(t.TempDir(), "transmute.duckdb")

	client, err := sqlstore.NewDuckDBClient(t.Context(), log, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})

	require.NoError(t, sqlstore.Migrate(t.Context(), log, client))
	return client
}

// NewDuckDBConn is NewDuckDBClient returning a connection.
func NewDuckDBConn(t *testing.T) sqlstore.Connection {
	t.Helper()

	conn, err := NewDuckDBClient(t).Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
