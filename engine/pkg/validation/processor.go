package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

const DefaultSchema = "silver"

var (
	// ErrLandingNotLoaded is returned when an entity has no landing table yet.
	ErrLandingNotLoaded = errors.New("landing table not loaded")
	// ErrNotProcessed is returned by later stages when an entity has no typed table.
	ErrNotProcessed = errors.New("typed table not processed")
)

type Config struct {
	Logger  *slog.Logger
	Catalog *catalog.Catalog

	LandingSchema string
	Schema        string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.LandingSchema == "" {
		c.LandingSchema = landing.DefaultSchema
	}
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	c.LandingSchema = ident.Normalize(c.LandingSchema)
	c.Schema = ident.Normalize(c.Schema)
	return ident.ValidateAll("schema name", c.LandingSchema, c.Schema)
}

type Processor struct {
	log *slog.Logger
	cfg Config
}

func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{log: cfg.Logger, cfg: cfg}, nil
}

type Report struct {
	EntityID    int64  `json:"entity_id"`
	Entity      string `json:"entity"`
	Table       string `json:"table"`
	TotalRows   int64  `json:"total_rows"`
	ValidRows   int64  `json:"valid_rows"`
	InvalidRows int64  `json:"invalid_rows"`
}

// TableName returns the typed table of an entity.
func TableName(schema, entity string) string {
	return ident.Qualify(schema, entity+"_silver")
}

func (p *Processor) Table(entity string) string {
	return TableName(p.cfg.Schema, entity)
}

// Process rebuilds the typed table of the entity from its landing table.
// Each declared column is coerced to its type; a value that does not coerce
// becomes NULL and marks its row invalid, as do NULLs in non-nullable columns
// and data quality rule violations. Invalid rows are kept.
func (p *Processor) Process(ctx context.Context, conn sqlstore.Connection, entityID int64) (*Report, error) {
	snap, err := p.cfg.Catalog.Snapshot(ctx, conn, entityID)
	if err != nil {
		return nil, err
	}
	entity := snap.Entity.Name
	if len(snap.Columns) == 0 {
		return nil, catalog.NewConfigurationError("process", entity, catalog.ErrNoColumnsDefined)
	}
	if err := ident.Validate("entity name", entity); err != nil {
		return nil, err
	}
	if err := ident.ValidateAll("column name", snap.ColumnNames()...); err != nil {
		return nil, err
	}

	dialect := conn.Dialect()
	landingTable := landing.TableName(p.cfg.LandingSchema, entity)
	table := p.Table(entity)
	report := &Report{EntityID: entityID, Entity: entity, Table: table}

	err = sqlstore.RetryTx(ctx, conn, p.log, "validation process", func(tx sqlstore.Tx) error {
		if err := dialect.LockEntity(ctx, tx, entity); err != nil {
			return err
		}

		landed, err := landedColumns(ctx, tx, p.cfg.LandingSchema, entity+"_bronze")
		if err != nil {
			return err
		}
		if len(landed) == 0 {
			return fmt.Errorf("%w: %s", ErrLandingNotLoaded, landingTable)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.cfg.Schema)); err != nil {
			return fmt.Errorf("failed to create typed schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop typed table: %w", err)
		}

		defs := make([]string, 0, len(snap.Columns)+4)
		for _, c := range snap.Columns {
			defs = append(defs, fmt.Sprintf("%s %s", c.Name, dialect.TypeSQL(c.Type)))
		}
		defs = append(defs, "_row_num BIGINT NOT NULL", "_ingested_at TIMESTAMP NOT NULL", "_row_hash VARCHAR NOT NULL", "_is_valid BOOLEAN NOT NULL")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
			return fmt.Errorf("failed to create typed table: %w", err)
		}

		query, args := buildInsert(dialect, snap, landed, landingTable, table)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to populate typed table: %w", err)
		}

		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COUNT(*),
				COALESCE(SUM(CASE WHEN _is_valid THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN _is_valid THEN 0 ELSE 1 END), 0)
			FROM %s`, table)).Scan(&report.TotalRows, &report.ValidRows, &report.InvalidRows)
		if err != nil {
			return fmt.Errorf("failed to count typed rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("validation: processed entity", "entity", entity, "table", table,
		"total_rows", report.TotalRows, "valid_rows", report.ValidRows, "invalid_rows", report.InvalidRows)
	return report, nil
}

func landedColumns(ctx context.Context, q sqlstore.Querier, schema, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read landing columns: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan landing column: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// buildInsert renders the typed projection. The inner select exposes each
// column's raw text as r<i> and its coerced value as c<i>; the outer select
// derives the validity flag from them.
func buildInsert(d sqlstore.Dialect, snap *catalog.EntitySnapshot, landed map[string]bool, landingTable, table string) (string, []any) {
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	inner := make([]string, 0, 2*len(snap.Columns)+3)
	outer := make([]string, 0, len(snap.Columns)+4)
	var failures []string

	for i, c := range snap.Columns {
		raw := "CAST(NULL AS VARCHAR)"
		if landed[c.Name] {
			raw = c.Name
		}
		coerced := d.TryCast(raw, c.Type)
		if c.Default != nil {
			coerced = fmt.Sprintf("CASE WHEN %s IS NULL THEN %s ELSE %s END",
				raw, d.TryCast(fmt.Sprintf("CAST(%s AS VARCHAR)", bind(*c.Default)), c.Type), coerced)
		}
		r := fmt.Sprintf("r%d", i)
		v := fmt.Sprintf("c%d", i)
		inner = append(inner, fmt.Sprintf("%s AS %s", raw, r), fmt.Sprintf("%s AS %s", coerced, v))
		outer = append(outer, fmt.Sprintf("%s AS %s", v, c.Name))

		failures = append(failures, fmt.Sprintf("(%s IS NOT NULL AND %s IS NULL)", r, v))
		if !c.Nullable {
			failures = append(failures, fmt.Sprintf("(%s IS NULL)", v))
		}
		if c.DQRule != nil {
			if f := ruleFailure(d, c, v, bind); f != "" {
				failures = append(failures, f)
			}
		}
	}
	inner = append(inner, "_row_num", "_ingested_at", "_row_hash")
	outer = append(outer, "_row_num", "_ingested_at", "_row_hash",
		fmt.Sprintf("NOT (%s) AS _is_valid", strings.Join(failures, " OR ")))

	cols := append(snap.ColumnNames(), "_row_num", "_ingested_at", "_row_hash", "_is_valid")
	query := fmt.Sprintf(`INSERT INTO %s (%s)
SELECT %s
FROM (SELECT %s FROM %s) s`,
		table, strings.Join(cols, ", "),
		strings.Join(outer, ", "),
		strings.Join(inner, ", "), landingTable)
	return query, args
}

// ruleFailure renders the condition under which value violates the column's
// rule. NULL values never violate a rule.
func ruleFailure(d sqlstore.Dialect, c catalog.Column, value string, bind func(any) string) string {
	r := c.DQRule
	switch r.Type {
	case catalog.DQRuleRange:
		asDouble := fmt.Sprintf("CAST(%s AS %s)", value, d.TypeSQL(ident.Type{Kind: ident.TypeDouble}))
		var conds []string
		if r.Min != nil {
			conds = append(conds, fmt.Sprintf("%s < %s", asDouble, bind(*r.Min)))
		}
		if r.Max != nil {
			conds = append(conds, fmt.Sprintf("%s > %s", asDouble, bind(*r.Max)))
		}
		if len(conds) == 0 {
			return ""
		}
		return fmt.Sprintf("(%s IS NOT NULL AND (%s))", value, strings.Join(conds, " OR "))
	case catalog.DQRulePattern:
		return fmt.Sprintf("(%s IS NOT NULL AND NOT %s)", value, d.RegexMatch(value, bind(r.Regex)))
	case catalog.DQRuleAllowedValues:
		placeholders := make([]string, len(r.Values))
		for i, v := range r.Values {
			placeholders[i] = bind(v)
		}
		return fmt.Sprintf("(%s IS NOT NULL AND CAST(%s AS VARCHAR) NOT IN (%s))", value, value, strings.Join(placeholders, ", "))
	}
	return ""
}
