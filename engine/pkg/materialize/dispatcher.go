package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
)

type DispatcherConfig struct {
	Logger     *slog.Logger
	Catalog    *catalog.Catalog
	Strategies []Strategy
}

func (c *DispatcherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if len(c.Strategies) == 0 {
		return errors.New("at least one strategy is required")
	}
	return nil
}

// Dispatcher routes an entity to the strategy registered for its kind.
type Dispatcher struct {
	log        *slog.Logger
	catalog    *catalog.Catalog
	strategies map[catalog.Kind]Strategy
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategies := make(map[catalog.Kind]Strategy, len(cfg.Strategies))
	for _, s := range cfg.Strategies {
		if _, ok := strategies[s.Kind()]; ok {
			return nil, fmt.Errorf("duplicate strategy for kind %s", s.Kind())
		}
		strategies[s.Kind()] = s
	}
	return &Dispatcher{log: cfg.Logger, catalog: cfg.Catalog, strategies: strategies}, nil
}

func (d *Dispatcher) Materialize(ctx context.Context, conn sqlstore.Connection, entityID int64) (*Result, error) {
	snap, err := d.catalog.Snapshot(ctx, conn, entityID)
	if err != nil {
		return nil, err
	}
	strategy, ok := d.strategies[snap.Entity.Kind]
	if !ok {
		return nil, catalog.NewConfigurationError("materialize", snap.Entity.Name,
			fmt.Errorf("%w: no strategy for %q", catalog.ErrInvalidKind, snap.Entity.Kind))
	}
	d.log.Debug("materialize: dispatching", "entity", snap.Entity.Name, "kind", snap.Entity.Kind)
	return strategy.Materialize(ctx, conn, entityID, snap)
}
