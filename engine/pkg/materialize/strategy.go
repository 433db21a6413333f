package materialize

import (
	"context"
	"time"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

// Strategy builds the final tier of an entity from its typed table.
type Strategy interface {
	Kind() catalog.Kind
	Materialize(ctx context.Context, conn sqlstore.Connection, entityID int64, snap *catalog.EntitySnapshot) (*Result, error)
}

type Result struct {
	EntityID  int64        `json:"entity_id"`
	Entity    string       `json:"entity"`
	Kind      catalog.Kind `json:"kind"`
	Table     string       `json:"table"`
	TotalRows int64        `json:"total_rows"`

	// Snapshot materializations report the column roles and the ingest
	// range of the rows they wrote.
	Measures       []string   `json:"measures,omitempty"`
	Dimensions     []string   `json:"dimensions,omitempty"`
	EarliestRecord *time.Time `json:"earliest_record,omitempty"`
	LatestRecord   *time.Time `json:"latest_record,omitempty"`

	Merge *dimension.MergeResult `json:"merge,omitempty"`
}

// HistorizedStrategy hands the entity to the dimension merge engine.
type HistorizedStrategy struct {
	Engine *dimension.Engine
}

func (HistorizedStrategy) Kind() catalog.Kind { return catalog.KindHistorized }

func (s HistorizedStrategy) Materialize(ctx context.Context, conn sqlstore.Connection, entityID int64, snap *catalog.EntitySnapshot) (*Result, error) {
	merge, err := s.Engine.MergeSnapshot(ctx, conn, snap)
	if err != nil {
		return nil, err
	}
	return &Result{
		EntityID:  entityID,
		Entity:    snap.Entity.Name,
		Kind:      catalog.KindHistorized,
		Table:     merge.Table,
		TotalRows: merge.TotalRows,
		Merge:     merge,
	}, nil
}
