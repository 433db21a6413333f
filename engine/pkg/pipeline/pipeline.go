package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/ident"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/materialize"
	"github.com/malbeclabs/transmute/engine/pkg/metrics"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
)

const (
	StageLoad        = "load"
	StageProcess     = "process"
	StageMaterialize = "materialize"
)

// Pipeline promotes submitted batches through the landing, typed and final
// tiers. Runs for one entity are serialized; different entities run
// independently.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	catalog    *catalog.Catalog
	loader     *landing.Loader
	processor  *validation.Processor
	engine     *dimension.Engine
	dispatcher *materialize.Dispatcher

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ready atomic.Bool
}

func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.MigrationsEnable {
		if err := sqlstore.Migrate(ctx, cfg.Logger, cfg.Client); err != nil {
			return nil, fmt.Errorf("failed to run catalog migrations: %w", err)
		}
		cfg.Logger.Info("pipeline: catalog migrations completed")
	}

	cat, err := catalog.New(catalog.Config{
		Logger:           cfg.Logger,
		Clock:            cfg.Clock,
		SnapshotCacheTTL: cfg.SnapshotCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}

	loader, err := landing.NewLoader(landing.Config{
		Logger:    cfg.Logger,
		Clock:     cfg.Clock,
		Catalog:   cat,
		Schema:    cfg.LandingSchema,
		ChunkSize: cfg.ChunkSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create landing loader: %w", err)
	}

	processor, err := validation.NewProcessor(validation.Config{
		Logger:        cfg.Logger,
		Catalog:       cat,
		LandingSchema: cfg.LandingSchema,
		Schema:        cfg.TypedSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create validation processor: %w", err)
	}

	engine, err := dimension.NewEngine(dimension.Config{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		Catalog:     cat,
		TypedSchema: cfg.TypedSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dimension engine: %w", err)
	}

	snapshot, err := materialize.NewSnapshotStrategy(materialize.SnapshotConfig{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		TypedSchema: cfg.TypedSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot strategy: %w", err)
	}

	dispatcher, err := materialize.NewDispatcher(materialize.DispatcherConfig{
		Logger:     cfg.Logger,
		Catalog:    cat,
		Strategies: []materialize.Strategy{snapshot, materialize.HistorizedStrategy{Engine: engine}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	p := &Pipeline{
		log:        cfg.Logger,
		cfg:        cfg,
		catalog:    cat,
		loader:     loader,
		processor:  processor,
		engine:     engine,
		dispatcher: dispatcher,
		locks:      make(map[string]*sync.Mutex),
	}
	p.ready.Store(true)
	return p, nil
}

func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

func (p *Pipeline) Catalog() *catalog.Catalog {
	return p.catalog
}

func (p *Pipeline) Engine() *dimension.Engine {
	return p.engine
}

// Conn returns a connection to the pipeline's database.
func (p *Pipeline) Conn(ctx context.Context) (sqlstore.Connection, error) {
	return p.cfg.Client.Conn(ctx)
}

type RunResult struct {
	EntityID        int64                `json:"entity_id"`
	Entity          string               `json:"entity"`
	Kind            catalog.Kind         `json:"kind"`
	Landing         *landing.BatchResult `json:"landing"`
	Validation      *validation.Report   `json:"validation"`
	Materialization *materialize.Result  `json:"materialization"`
	StartedAt       time.Time            `json:"started_at"`
	Duration        time.Duration        `json:"duration"`
}

func (p *Pipeline) entityLock(entity string) *sync.Mutex {
	entity = ident.Normalize(entity)
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	mu, ok := p.locks[entity]
	if !ok {
		mu = &sync.Mutex{}
		p.locks[entity] = mu
	}
	return mu
}

// Run lands batch for the named entity, types it and materializes the
// result according to the entity's kind.
func (p *Pipeline) Run(ctx context.Context, entity string, batch *landing.Batch) (*RunResult, error) {
	mu := p.entityLock(entity)
	mu.Lock()
	defer mu.Unlock()

	span := sentry.StartSpan(ctx, "pipeline.run", sentry.WithDescription(fmt.Sprintf("run %s", entity)))
	span.SetTag("entity", entity)
	ctx = span.Context()
	defer span.Finish()

	result, err := p.run(ctx, entity, batch)
	kind := "unknown"
	if result != nil && result.Kind != "" {
		kind = string(result.Kind)
	}
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.PipelineRunsTotal.WithLabelValues(kind, "error").Inc()
		p.log.Error("pipeline: run failed", "entity", entity, "error", err)
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	metrics.PipelineRunsTotal.WithLabelValues(kind, "success").Inc()
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, entity string, batch *landing.Batch) (*RunResult, error) {
	conn, err := p.cfg.Client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	snap, err := p.catalog.SnapshotByName(ctx, conn, entity)
	if err != nil {
		return nil, err
	}
	result := &RunResult{
		EntityID:  snap.Entity.ID,
		Entity:    entity,
		Kind:      snap.Entity.Kind,
		StartedAt: p.cfg.Clock.Now().UTC(),
	}

	err = p.stage(ctx, StageLoad, entity, func(ctx context.Context) error {
		r, err := p.loader.Load(ctx, conn, snap.Entity.ID, batch)
		if err != nil {
			return err
		}
		result.Landing = r
		metrics.LandedRowsTotal.Add(float64(r.Rows))
		return nil
	})
	if err != nil {
		return result, err
	}

	err = p.stage(ctx, StageProcess, entity, func(ctx context.Context) error {
		r, err := p.processor.Process(ctx, conn, snap.Entity.ID)
		if err != nil {
			return err
		}
		result.Validation = r
		metrics.ValidationRowsTotal.WithLabelValues("valid").Add(float64(r.ValidRows))
		metrics.ValidationRowsTotal.WithLabelValues("invalid").Add(float64(r.InvalidRows))
		return nil
	})
	if err != nil {
		return result, err
	}

	err = p.stage(ctx, StageMaterialize, entity, func(ctx context.Context) error {
		r, err := p.dispatcher.Materialize(ctx, conn, snap.Entity.ID)
		if err != nil {
			return err
		}
		result.Materialization = r
		if r.Merge != nil {
			metrics.MergeRowsTotal.WithLabelValues("new").Add(float64(r.Merge.NewRows))
			metrics.MergeRowsTotal.WithLabelValues("changed").Add(float64(r.Merge.ChangedRows))
			metrics.MergeRowsTotal.WithLabelValues("unchanged").Add(float64(r.Merge.UnchangedRows))
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	result.Duration = p.cfg.Clock.Since(result.StartedAt)
	p.log.Info("pipeline: run completed", "entity", entity, "kind", result.Kind,
		"landed_rows", result.Landing.Rows, "valid_rows", result.Validation.ValidRows,
		"invalid_rows", result.Validation.InvalidRows, "total_rows", result.Materialization.TotalRows,
		"duration", result.Duration)
	return result, nil
}

func (p *Pipeline) stage(ctx context.Context, stage, entity string, fn func(context.Context) error) error {
	span := sentry.StartSpan(ctx, "pipeline."+stage, sentry.WithDescription(fmt.Sprintf("%s %s", stage, entity)))
	span.SetTag("entity", entity)
	defer span.Finish()

	start := time.Now()
	err := fn(span.Context())
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.StageRunsTotal.WithLabelValues(stage, "error").Inc()
		return fmt.Errorf("%s stage failed for entity %s: %w", stage, entity, err)
	}
	span.Status = sentry.SpanStatusOK
	metrics.StageRunsTotal.WithLabelValues(stage, "success").Inc()
	p.log.Debug("pipeline: stage completed", "entity", entity, "stage", stage, "duration", time.Since(start))
	return nil
}

// RunAll runs every batch, at most MaxConcurrency entities at a time. A failed
// entity does not stop the others; the returned error joins every failure.
func (p *Pipeline) RunAll(ctx context.Context, batches map[string]*landing.Batch) (map[string]*RunResult, error) {
	entities := make([]string, 0, len(batches))
	for entity := range batches {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	var (
		mu      sync.Mutex
		results = make(map[string]*RunResult, len(batches))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, entity := range entities {
		batch := batches[entity]
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("entity %s: %w", entity, ctx.Err()))
				mu.Unlock()
				return nil
			}
			r, err := p.Run(ctx, entity, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			results[entity] = r
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
