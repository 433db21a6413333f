package sqlstoretesting

import (
	"context"
	"database/sql"
	"strings"
	"sync/atomic"

	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

// FailingConnection wraps a connection and fails the first statement, inside
// or outside a transaction, whose text contains Match.
type FailingConnection struct {
	sqlstore.Connection
	Match string
	Err   error

	fired atomic.Bool
}

// NewFailingConnection returns a connection that fails once on match.
func NewFailingConnection(conn sqlstore.Connection, match string, err error) *FailingConnection {
	return &FailingConnection{Connection: conn, Match: match, Err: err}
}

// Fired reports whether the injected failure has been returned.
func (c *FailingConnection) Fired() bool {
	return c.fired.Load()
}

func (c *FailingConnection) shouldFail(query string) bool {
	if !strings.Contains(query, c.Match) {
		return false
	}
	return c.fired.CompareAndSwap(false, true)
}

func (c *FailingConnection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.shouldFail(query) {
		return nil, c.Err
	}
	return c.Connection.ExecContext(ctx, query, args...)
}

func (c *FailingConnection) BeginTx(ctx context.Context, opts *sql.TxOptions) (sqlstore.Tx, error) {
	tx, err := c.Connection.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, conn: c}, nil
}

type failingTx struct {
	sqlstore.Tx
	conn *FailingConnection
}

func (tx *failingTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx.conn.shouldFail(query) {
		return nil, tx.conn.Err
	}
	return tx.Tx.ExecContext(ctx, query, args...)
}
