package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

const (
	DefaultTargetSchema = "gold"

	// MaxEntityNameLength leaves room for the longest name derived from an
	// entity, its key sequence <entity>_key_seq.
	MaxEntityNameLength = ident.MaxLength - len("_key_seq")

	defaultSnapshotCacheTTL = time.Minute
)

// ReservedColumns are audit columns added by the processing tiers.
var ReservedColumns = map[string]bool{
	"_row_num":     true,
	"_ingested_at": true,
	"_row_hash":    true,
	"_is_valid":    true,
	"_valid_from":  true,
	"_valid_to":    true,
	"_is_current":  true,
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// SnapshotCacheTTL bounds how long a snapshot read by one process may
	// miss a write made by another. Writes through this Catalog invalidate
	// the entry immediately.
	SnapshotCacheTTL time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SnapshotCacheTTL == 0 {
		c.SnapshotCacheTTL = defaultSnapshotCacheTTL
	}
	return nil
}

// Catalog is the registry of entities and their columns. A Catalog is bound
// to one database; the handle is passed to each call.
type Catalog struct {
	log   *slog.Logger
	cfg   Config
	cache *ttlcache.Cache[int64, *EntitySnapshot]
}

func New(cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[int64, *EntitySnapshot](cfg.SnapshotCacheTTL),
		ttlcache.WithDisableTouchOnHit[int64, *EntitySnapshot](),
	)

	return &Catalog{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache,
	}, nil
}

func (c *Catalog) now() time.Time {
	return c.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}

// RegisterOrUpdateEntity creates the entity or, when the name is already
// registered, updates it in place and bumps its revision timestamp.
func (c *Catalog) RegisterOrUpdateEntity(ctx context.Context, q sqlstore.Querier, spec EntitySpec) (int64, error) {
	spec.Name = ident.Normalize(spec.Name)
	if err := ident.Validate("entity name", spec.Name); err != nil {
		return 0, err
	}
	if len(spec.Name) > MaxEntityNameLength {
		return 0, &ident.Error{
			Kind:   "entity name",
			Value:  spec.Name,
			Reason: fmt.Sprintf("too long (max %d characters)", MaxEntityNameLength),
		}
	}
	kind, err := ParseKind(string(spec.Kind))
	if err != nil {
		return 0, configErr("register entity", spec.Name, err)
	}
	targetSchema := ident.Normalize(spec.TargetSchema)
	if targetSchema == "" {
		targetSchema = DefaultTargetSchema
	}
	if err := ident.Validate("target schema", targetSchema); err != nil {
		return 0, err
	}

	now := c.now()
	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO ctl.entity_metadata
			(entity_name, entity_kind, target_schema, source_table, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (entity_name) DO UPDATE SET
			entity_kind = EXCLUDED.entity_kind,
			target_schema = EXCLUDED.target_schema,
			source_table = EXCLUDED.source_table,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING entity_id
	`, spec.Name, string(kind), targetSchema, spec.SourceTable, spec.Description, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register entity %s: %w", spec.Name, err)
	}

	c.cache.Delete(id)
	c.log.Debug("catalog: registered entity", "entity", spec.Name, "entity_id", id, "kind", kind, "target_schema", targetSchema)
	return id, nil
}

// AddColumn declares a column on a registered entity. Columns keep the order
// in which they were added.
func (c *Catalog) AddColumn(ctx context.Context, q sqlstore.Querier, entityID int64, spec ColumnSpec) (int64, error) {
	entity, err := c.GetEntity(ctx, q, entityID)
	if err != nil {
		return 0, err
	}

	spec.Name = ident.Normalize(spec.Name)
	if err := ident.Validate("column name", spec.Name); err != nil {
		return 0, err
	}
	if ReservedColumns[spec.Name] || spec.Name == entity.Name+"_key" {
		return 0, &ident.Error{Kind: "column name", Value: spec.Name, Reason: "reserved for audit columns"}
	}
	typ, err := ident.ParseType(spec.Type)
	if err != nil {
		return 0, err
	}
	if spec.DQRule != nil {
		if err := spec.DQRule.Validate(typ); err != nil {
			return 0, configErr("add column", entity.Name, fmt.Errorf("column %s: %w", spec.Name, err))
		}
	}

	existing, err := c.ListColumns(ctx, q, entityID)
	if err != nil {
		return 0, err
	}
	for _, col := range existing {
		if strings.EqualFold(col.Name, spec.Name) {
			return 0, configErr("add column", entity.Name, fmt.Errorf("%w: %s", ErrDuplicateColumn, spec.Name))
		}
	}

	nullable := true
	if spec.Nullable != nil {
		nullable = *spec.Nullable
	}

	var ruleType, ruleParams sql.NullString
	if spec.DQRule != nil {
		params, err := json.Marshal(dqParams{Min: spec.DQRule.Min, Max: spec.DQRule.Max, Regex: spec.DQRule.Regex, Values: spec.DQRule.Values})
		if err != nil {
			return 0, fmt.Errorf("failed to encode rule for column %s: %w", spec.Name, err)
		}
		ruleType = sql.NullString{String: string(spec.DQRule.Type), Valid: true}
		ruleParams = sql.NullString{String: string(params), Valid: true}
	}

	var defaultValue sql.NullString
	if spec.Default != nil {
		defaultValue = sql.NullString{String: *spec.Default, Valid: true}
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO ctl.entity_column_metadata
			(entity_id, column_name, data_type, is_nullable, is_business_key, track_history,
			 is_measure, is_dimension, default_value, description, dq_rule_type, dq_rule_params, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING column_id
	`, entityID, spec.Name, typ.String(), nullable, spec.BusinessKey, spec.TrackHistory,
		spec.Measure, spec.Dimension, defaultValue, spec.Description, ruleType, ruleParams, c.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to add column %s to entity %s: %w", spec.Name, entity.Name, err)
	}

	c.cache.Delete(entityID)
	c.log.Debug("catalog: added column", "entity", entity.Name, "column", spec.Name, "type", typ.String(), "column_id", id)
	return id, nil
}

type dqParams struct {
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Regex  string   `json:"regex,omitempty"`
	Values []string `json:"values,omitempty"`
}

const entityColumns = `entity_id, entity_name, entity_kind, target_schema, source_table, description, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var (
		e                   Entity
		kind                string
		source, description sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &kind, &e.TargetSchema, &source, &description, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entity{}, err
	}
	e.Kind = Kind(kind)
	e.SourceTable = source.String
	e.Description = description.String
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (c *Catalog) GetEntity(ctx context.Context, q sqlstore.Querier, entityID int64) (*Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM ctl.entity_metadata WHERE entity_id = $1`, entityID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, configErr("get entity", fmt.Sprintf("#%d", entityID), ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %d: %w", entityID, err)
	}
	return &e, nil
}

func (c *Catalog) GetEntityByName(ctx context.Context, q sqlstore.Querier, name string) (*Entity, error) {
	name = ident.Normalize(name)
	if err := ident.Validate("entity name", name); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM ctl.entity_metadata WHERE entity_name = $1`, name)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, configErr("get entity", name, ErrEntityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", name, err)
	}
	return &e, nil
}

func (c *Catalog) ListEntities(ctx context.Context, q sqlstore.Querier) ([]Entity, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entityColumns+` FROM ctl.entity_metadata ORDER BY entity_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// ListColumns returns the entity's columns in registration order.
func (c *Catalog) ListColumns(ctx context.Context, q sqlstore.Querier, entityID int64) ([]Column, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_id, entity_id, column_name, data_type, is_nullable, is_business_key, track_history,
		       is_measure, is_dimension, default_value, description, dq_rule_type, dq_rule_params, created_at
		FROM ctl.entity_column_metadata
		WHERE entity_id = $1
		ORDER BY column_id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns for entity %d: %w", entityID, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var (
			col                                         Column
			dataType                                    string
			defaultValue, description, ruleType, params sql.NullString
		)
		if err := rows.Scan(&col.ID, &col.EntityID, &col.Name, &dataType, &col.Nullable, &col.BusinessKey, &col.TrackHistory,
			&col.Measure, &col.Dimension, &defaultValue, &description, &ruleType, &params, &col.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		col.Type, err = ident.ParseType(dataType)
		if err != nil {
			return nil, fmt.Errorf("column %s has unparseable stored type: %w", col.Name, err)
		}
		if defaultValue.Valid {
			v := defaultValue.String
			col.Default = &v
		}
		col.Description = description.String
		col.CreatedAt = col.CreatedAt.UTC()
		if ruleType.Valid {
			var p dqParams
			if params.Valid && params.String != "" {
				if err := json.Unmarshal([]byte(params.String), &p); err != nil {
					return nil, fmt.Errorf("column %s has unparseable rule params: %w", col.Name, err)
				}
			}
			col.DQRule = &DQRule{Type: DQRuleType(ruleType.String), Min: p.Min, Max: p.Max, Regex: p.Regex, Values: p.Values}
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	return columns, nil
}

// Snapshot returns the entity with its ordered columns. Snapshots are cached
// and must be treated as read-only.
func (c *Catalog) Snapshot(ctx context.Context, q sqlstore.Querier, entityID int64) (*EntitySnapshot, error) {
	if item := c.cache.Get(entityID); item != nil {
		return item.Value(), nil
	}

	entity, err := c.GetEntity(ctx, q, entityID)
	if err != nil {
		return nil, err
	}
	columns, err := c.ListColumns(ctx, q, entityID)
	if err != nil {
		return nil, err
	}

	snap := &EntitySnapshot{Entity: *entity, Columns: columns}
	c.cache.Set(entityID, snap, ttlcache.DefaultTTL)
	return snap, nil
}

func (c *Catalog) SnapshotByName(ctx context.Context, q sqlstore.Querier, name string) (*EntitySnapshot, error) {
	entity, err := c.GetEntityByName(ctx, q, name)
	if err != nil {
		return nil, err
	}
	return c.Snapshot(ctx, q, entity.ID)
}

// Invalidate drops any cached snapshot of the entity.
func (c *Catalog) Invalidate(entityID int64) {
	c.cache.Delete(entityID)
}
