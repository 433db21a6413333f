package dimension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

var (
	// ErrNotMerged is returned by reads of an entity that was never merged.
	ErrNotMerged = errors.New("historized table does not exist")

	// ErrInvalidKey reports a history lookup key that is incomplete or does
	// not coerce to a business key column type.
	ErrInvalidKey = errors.New("invalid business key")
)

func versionColumns(snap *catalog.EntitySnapshot) []string {
	cols := []string{KeyColumn(snap.Entity.Name)}
	cols = append(cols, snap.ColumnNames()...)
	return append(cols, "_valid_from", "_valid_to", "_is_current", "_row_hash", "_ingested_at")
}

func (e *Engine) ensureTable(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot) error {
	if snap.Entity.Kind != catalog.KindHistorized {
		return catalog.NewConfigurationError("read history", snap.Entity.Name,
			fmt.Errorf("%w: %s entities have no version history", catalog.ErrInvalidKind, snap.Entity.Kind))
	}
	exists, err := conn.Dialect().TableExists(ctx, conn, targetSchema(snap), snap.Entity.Name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotMerged, TableName(snap))
	}
	return nil
}

// GetCurrentRows returns the open version of every business key tuple.
func (e *Engine) GetCurrentRows(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot) ([]map[string]any, error) {
	if err := e.ensureTable(ctx, conn, snap); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE _is_current ORDER BY %s",
		strings.Join(versionColumns(snap), ", "), TableName(snap), orderByKeys(snap))
	res, err := sqlstore.Query(ctx, conn, query)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// GetAsOfRows returns the version of every business key tuple whose validity
// window contains at. A version opened at its ingest time can overlap the
// window of the one it replaced until that was closed; the later version wins.
func (e *Engine) GetAsOfRows(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot, at time.Time) ([]map[string]any, error) {
	if err := e.ensureTable(ctx, conn, snap); err != nil {
		return nil, err
	}
	cols := versionColumns(snap)
	keys := catalog.Names(snap.BusinessKeys())
	query := fmt.Sprintf(`SELECT %s FROM (
	SELECT %s,
		ROW_NUMBER() OVER (PARTITION BY %s ORDER BY _valid_from DESC, %s DESC) AS _rank
	FROM %s
	WHERE _valid_from <= $1 AND (_valid_to IS NULL OR _valid_to > $1)
) v
WHERE _rank = 1
ORDER BY %s`,
		strings.Join(cols, ", "), strings.Join(cols, ", "),
		strings.Join(keys, ", "), KeyColumn(snap.Entity.Name),
		TableName(snap), orderByKeys(snap))
	res, err := sqlstore.Query(ctx, conn, query, at.UTC())
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// GetHistory returns every version of one business key tuple, oldest first.
// Key values are matched through their text form.
func (e *Engine) GetHistory(ctx context.Context, conn sqlstore.Connection, snap *catalog.EntitySnapshot, key map[string]any) ([]map[string]any, error) {
	if err := e.ensureTable(ctx, conn, snap); err != nil {
		return nil, err
	}
	dialect := conn.Dialect()
	var (
		conds []string
		args  []any
	)
	for _, k := range snap.BusinessKeys() {
		v, ok := key[k.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrInvalidKey, k.Name)
		}
		s, ok := landing.FormatValue(v)
		if !ok {
			conds = append(conds, k.Name+" IS NULL")
			continue
		}
		if err := checkKeyValue(ctx, conn, k, s); err != nil {
			return nil, err
		}
		args = append(args, s)
		conds = append(conds, fmt.Sprintf("%s = CAST(CAST($%d AS VARCHAR) AS %s)", k.Name, len(args), dialect.TypeSQL(k.Type)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY _valid_from, %s",
		strings.Join(versionColumns(snap), ", "), TableName(snap),
		strings.Join(conds, " AND "), KeyColumn(snap.Entity.Name))
	res, err := sqlstore.Query(ctx, conn, query, args...)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// checkKeyValue rejects a key value the column type cannot hold before it
// reaches a hard cast in the lookup query.
func checkKeyValue(ctx context.Context, conn sqlstore.Connection, k catalog.Column, value string) error {
	coerced := conn.Dialect().TryCast("CAST($1 AS VARCHAR)", k.Type)
	invalid, err := sqlstore.ScanInt64(ctx, conn,
		fmt.Sprintf("SELECT CASE WHEN %s IS NULL THEN 1 ELSE 0 END", coerced), value)
	if err != nil {
		return fmt.Errorf("failed to check key value for %s: %w", k.Name, err)
	}
	if invalid == 1 {
		return fmt.Errorf("%w: %q is not a valid %s for column %s", ErrInvalidKey, value, k.Type, k.Name)
	}
	return nil
}

func orderByKeys(snap *catalog.EntitySnapshot) string {
	return strings.Join(catalog.Names(snap.BusinessKeys()), ", ")
}
