package landing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

const (
	DefaultSchema = "bronze"

	defaultChunkSize = 500
	// Postgres accepts at most 65535 bind parameters per statement.
	maxParams = 65535
)

type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Catalog *catalog.Catalog

	Schema    string
	ChunkSize int
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
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	c.Schema = ident.Normalize(c.Schema)
	if err := ident.Validate("landing schema", c.Schema); err != nil {
		return err
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	return nil
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

type BatchResult struct {
	EntityID   int64     `json:"entity_id"`
	Entity     string    `json:"entity"`
	Table      string    `json:"table"`
	Rows       int64     `json:"rows"`
	Columns    []string  `json:"columns"`
	IngestedAt time.Time `json:"ingested_at"`

	// UnknownColumns were submitted but are not in the catalog; they are
	// landed and hashed but never typed.
	UnknownColumns []string `json:"unknown_columns,omitempty"`
	// MissingColumns are in the catalog but were not submitted.
	MissingColumns []string `json:"missing_columns,omitempty"`
}

// TableName returns the landing table of an entity.
func TableName(schema, entity string) string {
	return ident.Qualify(schema, entity+"_bronze")
}

func (l *Loader) Table(entity string) string {
	return TableName(l.cfg.Schema, entity)
}

// Load replaces the landing contents of the entity with batch. Every row is
// stamped with one ingest timestamp, its position in the batch and a content
// hash over the catalog columns in order followed by any extra columns.
func (l *Loader) Load(ctx context.Context, conn sqlstore.Connection, entityID int64, batch *Batch) (*BatchResult, error) {
	snap, err := l.cfg.Catalog.Snapshot(ctx, conn, entityID)
	if err != nil {
		return nil, err
	}
	entity := snap.Entity.Name
	if err := ident.Validate("entity name", entity); err != nil {
		return nil, err
	}
	if err := ident.ValidateAll("batch column", batch.Columns...); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch for entity %s: %w", entity, err)
	}

	columns, positions, unknown, missing := layout(snap, batch)
	ingestedAt := l.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
	table := l.Table(entity)

	err = sqlstore.RetryTx(ctx, conn, l.log, "landing load", func(tx sqlstore.Tx) error {
		if err := conn.Dialect().LockEntity(ctx, tx, entity); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", l.cfg.Schema)); err != nil {
			return fmt.Errorf("failed to create landing schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop landing table: %w", err)
		}

		defs := make([]string, 0, len(columns)+3)
		for _, c := range columns {
			defs = append(defs, c+" VARCHAR")
		}
		defs = append(defs, "_row_num BIGINT NOT NULL", "_ingested_at TIMESTAMP NOT NULL", "_row_hash VARCHAR NOT NULL")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
			return fmt.Errorf("failed to create landing table: %w", err)
		}

		return l.insertRows(ctx, tx, table, columns, positions, batch.Rows, ingestedAt)
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("landing: loaded batch", "entity", entity, "table", table, "rows", len(batch.Rows), "unknown_columns", len(unknown), "missing_columns", len(missing))

	return &BatchResult{
		EntityID:       entityID,
		Entity:         entity,
		Table:          table,
		Rows:           int64(len(batch.Rows)),
		Columns:        columns,
		IngestedAt:     ingestedAt,
		UnknownColumns: unknown,
		MissingColumns: missing,
	}, nil
}

// layout orders the landing columns: catalog columns first in registration
// order, then submitted columns the catalog does not know in input order.
// positions maps each landing column to its batch index, or -1 if absent.
// Batch column names match the catalog regardless of case.
func layout(snap *catalog.EntitySnapshot, batch *Batch) (columns []string, positions []int, unknown, missing []string) {
	index := make(map[string]int, len(batch.Columns))
	for i, c := range batch.Columns {
		index[ident.Normalize(c)] = i
	}

	for _, c := range snap.Columns {
		columns = append(columns, c.Name)
		if i, ok := index[c.Name]; ok {
			positions = append(positions, i)
		} else {
			positions = append(positions, -1)
			missing = append(missing, c.Name)
		}
	}
	for i, c := range batch.Columns {
		if _, ok := snap.Column(c); ok {
			continue
		}
		c = ident.Normalize(c)
		columns = append(columns, c)
		positions = append(positions, i)
		unknown = append(unknown, c)
	}
	return columns, positions, unknown, missing
}

func (l *Loader) insertRows(ctx context.Context, tx sqlstore.Tx, table string, columns []string, positions []int, rows [][]any, ingestedAt time.Time) error {
	width := len(columns) + 3
	chunk := l.cfg.ChunkSize
	if chunk*width > maxParams {
		chunk = maxParams / width
	}

	colList := strings.Join(append(append([]string{}, columns...), "_row_num", "_ingested_at", "_row_hash"), ", ")

	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))

		var sb strings.Builder
		args := make([]any, 0, (end-start)*width)
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, colList)

		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			hashValues := make([]string, len(columns))
			for j, pos := range positions {
				var arg any
				if pos >= 0 {
					if s, ok := FormatValue(rows[i][pos]); ok {
						arg = s
						hashValues[j] = s
					}
				}
				args = append(args, arg)
				fmt.Fprintf(&sb, "CAST($%d AS VARCHAR), ", len(args))
			}
			args = append(args, int64(i+1), ingestedAt, ContentHash(hashValues))
			fmt.Fprintf(&sb, "$%d, $%d, $%d)", len(args)-2, len(args)-1, len(args))
		}

		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert landing rows %d-%d: %w", start+1, end, err)
		}
	}
	return nil
}
