package dimension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
	"github.com/malbeclabs/transmute/utils/pkg/retry"
)

const (
	StrategyHistorized = "historized"

	// Transaction-local classification of the incoming business keys.
	mergeTable = "_dimension_merge"

	changeNew       = "new"
	changeChanged   = "changed"
	changeUnchanged = "unchanged"
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Catalog *catalog.Catalog

	TypedSchema string
	// Retry configures replays of merges that lost a transaction conflict.
	// Defaults to retry.StorageConfig.
	Retry *retry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TypedSchema == "" {
		c.TypedSchema = validation.DefaultSchema
	}
	c.TypedSchema = ident.Normalize(c.TypedSchema)
	if c.Retry == nil {
		cfg := retry.StorageConfig(c.Logger, "dimension merge")
		c.Retry = &cfg
	}
	return ident.Validate("typed schema", c.TypedSchema)
}

// Engine maintains historized dimension tables. Each business key tuple has
// at most one open version; a changed tuple gets its open version closed and
// a new version inserted, and versions are never deleted.
type Engine struct {
	log *slog.Logger
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

type MergeResult struct {
	RunID    string `json:"run_id"`
	EntityID int64  `json:"entity_id"`
	Entity   string `json:"entity"`
	Table    string `json:"table"`
	// Created is set when this merge created the historized table.
	Created bool `json:"created"`

	// TotalRows counts every version in the table after the merge.
	TotalRows     int64 `json:"total_rows"`
	IncomingRows  int64 `json:"incoming_rows"`
	NewRows       int64 `json:"new_rows"`
	ChangedRows   int64 `json:"changed_rows"`
	UnchangedRows int64 `json:"unchanged_rows"`

	BusinessKeys   []string  `json:"business_keys"`
	TrackedColumns []string  `json:"tracked_columns,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// TableName returns the historized table of an entity.
func TableName(snap *catalog.EntitySnapshot) string {
	return ident.Qualify(targetSchema(snap), snap.Entity.Name)
}

// KeyColumn returns the surrogate key column of an entity.
func KeyColumn(entity string) string {
	return entity + "_key"
}

func sequenceName(snap *catalog.EntitySnapshot) string {
	return ident.Qualify(targetSchema(snap), snap.Entity.Name+"_key_seq")
}

func targetSchema(snap *catalog.EntitySnapshot) string {
	if snap.Entity.TargetSchema == "" {
		return catalog.DefaultTargetSchema
	}
	return snap.Entity.TargetSchema
}

// Merge applies the typed table of the entity to its historized table.
func (e *Engine) Merge(ctx context.Context, conn sqlstore.Connection, entityID int64) (*MergeResult, error) {
	snap, err := e.cfg.Catalog.Snapshot(ctx, conn, entityID)
	if err != nil {
		return nil, err
	}
	return e.MergeSnapshot(ctx, conn, snap)
}

// MergeSnapshot is Merge with the catalog snapshot already resolved. The
// whole transition runs in one transaction and is replayed on retryable
// storage errors; a failed merge leaves the historized table untouched.
func (e *Engine) MergeSnapshot(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot) (*MergeResult, error) {
	entity := snap.Entity.Name
	keys := snap.BusinessKeys()
	if len(keys) == 0 {
		return nil, catalog.NewConfigurationError("merge", entity, catalog.ErrMissingBusinessKey)
	}
	if err := ident.ValidateAll("schema name", targetSchema(snap)); err != nil {
		return nil, err
	}
	if err := ident.Validate("entity name", entity); err != nil {
		return nil, err
	}
	if err := ident.ValidateAll("column name", snap.ColumnNames()...); err != nil {
		return nil, err
	}

	var result *MergeResult
	err := retry.Do(ctx, *e.cfg.Retry, func() error {
		r, err := e.merge(ctx, conn, snap)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("dimension: merged entity", "entity", entity, "run_id", result.RunID, "table", result.Table,
		"created", result.Created, "total_rows", result.TotalRows, "new_rows", result.NewRows,
		"changed_rows", result.ChangedRows, "unchanged_rows", result.UnchangedRows)
	return result, nil
}

func (e *Engine) merge(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot) (*MergeResult, error) {
	dialect := conn.Dialect()
	entity := snap.Entity.Name
	schema := targetSchema(snap)
	table := TableName(snap)
	typedTable := validation.TableName(e.cfg.TypedSchema, entity)

	result := &MergeResult{
		RunID:          uuid.NewString(),
		EntityID:       snap.Entity.ID,
		Entity:         entity,
		Table:          table,
		BusinessKeys:   catalog.Names(snap.BusinessKeys()),
		TrackedColumns: catalog.Names(snap.TrackedColumns()),
		ProcessedAt:    e.cfg.Clock.Now().UTC().Truncate(time.Microsecond),
	}

	err := sqlstore.InTx(ctx, conn, e.log, func(tx sqlstore.Tx) error {
		if err := dialect.LockEntity(ctx, tx, entity); err != nil {
			return err
		}

		typed, err := dialect.TableExists(ctx, tx, e.cfg.TypedSchema, entity+"_silver")
		if err != nil {
			return err
		}
		if !typed {
			return fmt.Errorf("%w: %s", validation.ErrNotProcessed, typedTable)
		}

		exists, err := dialect.TableExists(ctx, tx, schema, entity)
		if err != nil {
			return err
		}
		if exists {
			if err := e.addMissingColumns(ctx, tx, dialect, snap); err != nil {
				return err
			}
		} else {
			if err := e.createTable(ctx, tx, dialect, snap); err != nil {
				return err
			}
			result.Created = true
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", mergeTable)); err != nil {
			return fmt.Errorf("failed to drop classification table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, classifyQuery(snap, typedTable, table)); err != nil {
			return fmt.Errorf("failed to classify incoming rows: %w", err)
		}

		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COUNT(*),
				COALESCE(SUM(CASE WHEN _change = '%s' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN _change = '%s' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN _change = '%s' THEN 1 ELSE 0 END), 0)
			FROM %s`, changeNew, changeChanged, changeUnchanged, mergeTable),
		).Scan(&result.IncomingRows, &result.NewRows, &result.ChangedRows, &result.UnchangedRows)
		if err != nil {
			return fmt.Errorf("failed to count classified rows: %w", err)
		}

		if result.ChangedRows > 0 {
			keyCol := KeyColumn(entity)
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE %s SET _valid_to = $1, _is_current = FALSE
				WHERE _is_current AND %s IN (SELECT _current_key FROM %s WHERE _change = '%s')`,
				table, keyCol, mergeTable, changeChanged), result.ProcessedAt)
			if err != nil {
				return fmt.Errorf("failed to close changed versions: %w", err)
			}
		}

		if result.NewRows+result.ChangedRows > 0 {
			if _, err := tx.ExecContext(ctx, insertQuery(snap, table)); err != nil {
				return fmt.Errorf("failed to insert new versions: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", mergeTable)); err != nil {
			return fmt.Errorf("failed to drop classification table: %w", err)
		}

		if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&result.TotalRows); err != nil {
			return fmt.Errorf("failed to count versions: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ctl.ingest_runs (run_id, entity_id, entity_name, strategy, total_rows, new_rows, changed_rows, unchanged_rows, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			result.RunID, result.EntityID, entity, StrategyHistorized,
			result.TotalRows, result.NewRows, result.ChangedRows, result.UnchangedRows, result.ProcessedAt)
		if err != nil {
			return fmt.Errorf("failed to record ingest run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) createTable(ctx context.Context, tx sqlstore.Tx, dialect sqlstore.Dialect, snap *catalog.EntitySnapshot) error {
	schema := targetSchema(snap)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("failed to create target schema: %w", err)
	}
	// The sequence outlives any table that used it, so keys are never reissued.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", sequenceName(snap))); err != nil {
		return fmt.Errorf("failed to create key sequence: %w", err)
	}

	defs := make([]string, 0, len(snap.Columns)+6)
	defs = append(defs, KeyColumn(snap.Entity.Name)+" BIGINT NOT NULL")
	for _, c := range snap.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", c.Name, dialect.TypeSQL(c.Type)))
	}
	defs = append(defs,
		"_valid_from TIMESTAMP NOT NULL",
		"_valid_to TIMESTAMP",
		"_is_current BOOLEAN NOT NULL",
		"_row_hash VARCHAR NOT NULL",
		"_ingested_at TIMESTAMP NOT NULL",
	)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", TableName(snap), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create historized table: %w", err)
	}
	e.log.Info("dimension: created historized table", "entity", snap.Entity.Name, "table", TableName(snap))
	return nil
}

// addMissingColumns extends the historized table with columns registered
// after it was created. Existing versions hold NULL for them.
func (e *Engine) addMissingColumns(ctx context.Context, tx sqlstore.Tx, dialect sqlstore.Dialect, snap *catalog.EntitySnapshot) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		targetSchema(snap), snap.Entity.Name)
	if err != nil {
		return fmt.Errorf("failed to read historized columns: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan historized column: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read historized columns: %w", err)
	}

	if !existing[KeyColumn(snap.Entity.Name)] {
		return catalog.NewConfigurationError("merge", snap.Entity.Name, catalog.ErrKindConflict)
	}
	for _, c := range snap.Columns {
		if existing[c.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", TableName(snap), c.Name, dialect.TypeSQL(c.Type))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to add column %s: %w", c.Name, err)
		}
		e.log.Info("dimension: added column", "entity", snap.Entity.Name, "column", c.Name)
	}
	return nil
}

// classifyQuery materializes one row per incoming business key tuple with
// its change class. Duplicate tuples resolve to the latest ingested row,
// then the last row of the batch. The counts, the close and the insert all
// read this single partition.
func classifyQuery(snap *catalog.EntitySnapshot, typedTable, table string) string {
	keys := catalog.Names(snap.BusinessKeys())
	cols := snap.ColumnNames()
	keyCol := KeyColumn(snap.Entity.Name)

	latestCols := make([]string, len(cols))
	for i, c := range cols {
		latestCols[i] = "l." + c
	}
	join := make([]string, len(keys))
	for i, k := range keys {
		join[i] = fmt.Sprintf("l.%s IS NOT DISTINCT FROM d.%s", k, k)
	}

	return fmt.Sprintf(`CREATE TEMP TABLE %s AS
WITH ranked AS (
	SELECT %s, _row_hash, _ingested_at,
		ROW_NUMBER() OVER (PARTITION BY %s ORDER BY _ingested_at DESC, _row_num DESC) AS _rank
	FROM %s
	WHERE _is_valid
)
SELECT %s, l._row_hash, l._ingested_at,
	d.%s AS _current_key,
	CASE
		WHEN d.%s IS NULL THEN '%s'
		WHEN d._row_hash = l._row_hash THEN '%s'
		ELSE '%s'
	END AS _change
FROM ranked l
LEFT JOIN %s d ON d._is_current AND %s
WHERE l._rank = 1`,
		mergeTable,
		strings.Join(cols, ", "),
		strings.Join(keys, ", "),
		typedTable,
		strings.Join(latestCols, ", "),
		keyCol, keyCol, changeNew, changeUnchanged, changeChanged,
		table, strings.Join(join, " AND "))
}

func insertQuery(snap *catalog.EntitySnapshot, table string) string {
	cols := snap.ColumnNames()
	keys := catalog.Names(snap.BusinessKeys())
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, _valid_from, _valid_to, _is_current, _row_hash, _ingested_at)
SELECT nextval('%s'), %s, _ingested_at, CAST(NULL AS TIMESTAMP), TRUE, _row_hash, _ingested_at
FROM (
	SELECT * FROM %s WHERE _change IN ('%s', '%s') ORDER BY %s
) m`,
		table, KeyColumn(snap.Entity.Name), strings.Join(cols, ", "),
		sequenceName(snap), strings.Join(cols, ", "),
		mergeTable, changeNew, changeChanged, strings.Join(keys, ", "))
}
