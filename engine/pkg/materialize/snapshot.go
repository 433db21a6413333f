package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
)

type SnapshotConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	TypedSchema string
}

func (c *SnapshotConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TypedSchema == "" {
		c.TypedSchema = validation.DefaultSchema
	}
	c.TypedSchema = ident.Normalize(c.TypedSchema)
	return ident.Validate("typed schema", c.TypedSchema)
}

// SnapshotStrategy overwrites the target table with the valid typed rows.
type SnapshotStrategy struct {
	log *slog.Logger
	cfg SnapshotConfig
}

func NewSnapshotStrategy(cfg SnapshotConfig) (*SnapshotStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SnapshotStrategy{log: cfg.Logger, cfg: cfg}, nil
}

func (*SnapshotStrategy) Kind() catalog.Kind { return catalog.KindSnapshot }

func (s *SnapshotStrategy) Materialize(ctx context.Context, conn sqlstore.Connection, entityID int64, snap *catalog.EntitySnapshot) (*Result, error) {
	entity := snap.Entity.Name
	if len(snap.Columns) == 0 {
		return nil, catalog.NewConfigurationError("materialize", entity, catalog.ErrNoColumnsDefined)
	}
	schema := snap.Entity.TargetSchema
	if schema == "" {
		schema = catalog.DefaultTargetSchema
	}
	if err := ident.Validate("schema name", schema); err != nil {
		return nil, err
	}
	if err := ident.Validate("entity name", entity); err != nil {
		return nil, err
	}
	cols := snap.ColumnNames()
	if err := ident.ValidateAll("column name", cols...); err != nil {
		return nil, err
	}

	dialect := conn.Dialect()
	table := ident.Qualify(schema, entity)
	typedTable := validation.TableName(s.cfg.TypedSchema, entity)
	result := &Result{
		EntityID:   entityID,
		Entity:     entity,
		Kind:       catalog.KindSnapshot,
		Table:      table,
		Measures:   catalog.Names(snap.Measures()),
		Dimensions: catalog.Names(snap.Dimensions()),
	}
	processedAt := s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)

	err := sqlstore.RetryTx(ctx, conn, s.log, "snapshot materialize", func(tx sqlstore.Tx) error {
		if err := dialect.LockEntity(ctx, tx, entity); err != nil {
			return err
		}
		typed, err := dialect.TableExists(ctx, tx, s.cfg.TypedSchema, entity+"_silver")
		if err != nil {
			return err
		}
		if !typed {
			return fmt.Errorf("%w: %s", validation.ErrNotProcessed, typedTable)
		}

		// Never overwrite the history of an entity whose kind was switched.
		historized, err := hasColumn(ctx, tx, schema, entity, dimension.KeyColumn(entity))
		if err != nil {
			return err
		}
		if historized {
			return catalog.NewConfigurationError("materialize", entity, catalog.ErrKindConflict)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("failed to create target schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop snapshot table: %w", err)
		}

		defs := make([]string, 0, len(snap.Columns)+2)
		for _, c := range snap.Columns {
			defs = append(defs, fmt.Sprintf("%s %s", c.Name, dialect.TypeSQL(c.Type)))
		}
		defs = append(defs, "_row_hash VARCHAR NOT NULL", "_ingested_at TIMESTAMP NOT NULL")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
			return fmt.Errorf("failed to create snapshot table: %w", err)
		}

		colList := strings.Join(cols, ", ")
		insert := fmt.Sprintf(`INSERT INTO %s (%s, _row_hash, _ingested_at)
SELECT %s, _row_hash, _ingested_at FROM %s WHERE _is_valid ORDER BY _row_num`, table, colList, colList, typedTable)
		if _, err := tx.ExecContext(ctx, insert); err != nil {
			return fmt.Errorf("failed to populate snapshot table: %w", err)
		}

		var earliest, latest sql.NullTime
		err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*), MIN(_ingested_at), MAX(_ingested_at) FROM %s", table)).
			Scan(&result.TotalRows, &earliest, &latest)
		if err != nil {
			return fmt.Errorf("failed to read snapshot stats: %w", err)
		}
		if earliest.Valid {
			t := earliest.Time.UTC()
			result.EarliestRecord = &t
		}
		if latest.Valid {
			t := latest.Time.UTC()
			result.LatestRecord = &t
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ctl.ingest_runs (run_id, entity_id, entity_name, strategy, total_rows, new_rows, changed_rows, unchanged_rows, processed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.NewString(), entityID, entity, string(catalog.KindSnapshot),
			result.TotalRows, result.TotalRows, 0, 0, processedAt)
		if err != nil {
			return fmt.Errorf("failed to record ingest run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("materialize: wrote snapshot", "entity", entity, "table", table, "rows", result.TotalRows,
		"measures", result.Measures, "dimensions", result.Dimensions)
	return result, nil
}

func hasColumn(ctx context.Context, q sqlstore.Querier, schema, table, column string) (bool, error) {
	n, err := sqlstore.ScanInt64(ctx, q,
		"SELECT COUNT(*) FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 AND column_name = $3",
		schema, table, column)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s.%s: %w", schema, table, err)
	}
	return n > 0, nil
}
