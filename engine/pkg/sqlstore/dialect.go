package sqlstore

import (
	"context"
	"fmt"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
)

// Dialect renders the SQL fragments that differ between storage engines.
// Statements elsewhere use $n placeholders and portable syntax.
type Dialect interface {
	Name() string
	// TypeSQL renders a declared column type.
	TypeSQL(t ident.Type) string
	// TryCast renders a coercion of a text expression that yields NULL
	// instead of failing when the value does not parse.
	TryCast(expr string, t ident.Type) string
	// RegexMatch renders a boolean search of expr for the pattern bound to param.
	RegexMatch(expr, param string) string
	// LockEntity serializes writers of one entity for the rest of the transaction.
	LockEntity(ctx context.Context, q Querier, entity string) error
	TableExists(ctx context.Context, q Querier, schema, table string) (bool, error)
}

// DuckDB is the dialect of the embedded engine.
type DuckDB struct{}

func (DuckDB) Name() string { return DriverDuckDB }

func (DuckDB) TypeSQL(t ident.Type) string {
	return t.String()
}

func (d DuckDB) TryCast(expr string, t ident.Type) string {
	if t.Kind == ident.TypeVarchar {
		return fitVarchar(expr, t, "length")
	}
	return fmt.Sprintf("TRY_CAST(%s AS %s)", expr, d.TypeSQL(t))
}

func (DuckDB) RegexMatch(expr, param string) string {
	return fmt.Sprintf("regexp_matches(CAST(%s AS VARCHAR), %s)", expr, param)
}

// LockEntity is a no-op: DuckDB detects conflicting writers at commit and the
// losing transaction is retried.
func (DuckDB) LockEntity(ctx context.Context, q Querier, entity string) error {
	return nil
}

func (DuckDB) TableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	return tableExists(ctx, q, schema, table)
}

// Postgres is the dialect of the server engine. Coercion relies on
// pg_input_is_valid, which needs PostgreSQL 16 or newer.
type Postgres struct{}

func (Postgres) Name() string { return DriverPostgres }

func (Postgres) TypeSQL(t ident.Type) string {
	switch t.Kind {
	case ident.TypeDouble:
		return "DOUBLE PRECISION"
	case ident.TypeDecimal:
		return ident.Type{Kind: "NUMERIC", Params: t.Params}.String()
	}
	return t.String()
}

func (p Postgres) TryCast(expr string, t ident.Type) string {
	if t.Kind == ident.TypeVarchar {
		return fitVarchar(expr, t, "char_length")
	}
	typ := p.TypeSQL(t)
	return fmt.Sprintf("CASE WHEN pg_input_is_valid(%s, '%s') THEN CAST(%s AS %s) END", expr, typ, expr, typ)
}

func (Postgres) RegexMatch(expr, param string) string {
	return fmt.Sprintf("(CAST(%s AS TEXT) ~ %s)", expr, param)
}

func (Postgres) LockEntity(ctx context.Context, q Querier, entity string) error {
	if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", LockKey("entity", entity)); err != nil {
		return fmt.Errorf("failed to lock entity %s: %w", entity, err)
	}
	return nil
}

func (Postgres) TableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	return tableExists(ctx, q, schema, table)
}

// fitVarchar yields NULL for text longer than a declared VARCHAR length.
// DuckDB does not enforce the length itself; both engines apply it so a row
// is valid or invalid regardless of the engine.
func fitVarchar(expr string, t ident.Type, lengthFn string) string {
	if len(t.Params) == 0 {
		return expr
	}
	return fmt.Sprintf("CASE WHEN %s(%s) <= %d THEN %s END", lengthFn, expr, t.Params[0], expr)
}

func tableExists(ctx context.Context, q Querier, schema, table string) (bool, error) {
	var count int64
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		schema, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s.%s: %w", schema, table, err)
	}
	return count > 0, nil
}
