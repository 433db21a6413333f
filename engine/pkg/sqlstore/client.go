package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "postgres"
)

// Querier is the statement surface shared by connections and transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a storage transaction.
type Tx interface {
	Querier
	Commit() error
	Rollback() error
}

// Client represents a database handle for one storage engine.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Dialect() Dialect
	DB() *sql.DB
	Close() error
}

// Connection represents a connection used by the engine components.
type Connection interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Dialect() Dialect
	Close() error
}

type client struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
	pool    *pgxpool.Pool
}

type connection struct {
	db      *sql.DB
	dialect Dialect
}

// NewDuckDBClient opens an embedded DuckDB database. The path may be a bare
// file path, duckdb://<path> or duckdb://file:<path>; an empty path opens an
// in-memory database.
func NewDuckDBClient(ctx context.Context, log *slog.Logger, path string) (Client, error) {
	path = parseDuckDBPath(path)

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	location := path
	if location == "" {
		location = ":memory:"
	}
	log.Info("DuckDB client initialized", "path", location)

	return &client{
		db:      db,
		dialect: DuckDB{},
		log:     log,
	}, nil
}

// NewPostgresClient opens a pgx pool and exposes it through database/sql.
func NewPostgresClient(ctx context.Context, log *slog.Logger, connStr string) (Client, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("PostgreSQL client initialized",
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database)

	return &client{
		db:      stdlib.OpenDBFromPool(pool),
		dialect: Postgres{},
		log:     log,
		pool:    pool,
	}, nil
}

// Open selects the client implementation by driver name.
func Open(ctx context.Context, log *slog.Logger, driver, dsn string) (Client, error) {
	switch strings.ToLower(driver) {
	case "", DriverDuckDB:
		return NewDuckDBClient(ctx, log, dsn)
	case DriverPostgres, "postgresql", "pgx":
		return NewPostgresClient(ctx, log, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q (expected %s or %s)", driver, DriverDuckDB, DriverPostgres)
	}
}

func parseDuckDBPath(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	dsn = strings.TrimPrefix(dsn, "duckdb://")
	dsn = strings.TrimPrefix(dsn, "file:")
	if dsn == ":memory:" {
		return ""
	}
	return dsn
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{db: c.db, dialect: c.dialect}, nil
}

func (c *client) Dialect() Dialect {
	return c.dialect
}

func (c *client) DB() *sql.DB {
	return c.db
}

func (c *client) Close() error {
	err := c.db.Close()
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

func (c *connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *connection) Dialect() Dialect {
	return c.dialect
}

func (c *connection) Close() error {
	// Connection is shared, don't close it
	return nil
}
