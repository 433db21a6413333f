package dimension_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	sqlstoretesting "github.com/malbeclabs/transmute/engine/pkg/sqlstore/testing"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
	"github.com/malbeclabs/transmute/utils/pkg/retry"
	transmutetesting "github.com/malbeclabs/transmute/utils/pkg/testing"
)

var start = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	conn      sqlstore.Connection
	clock     *clockwork.FakeClock
	cat       *catalog.Catalog
	loader    *landing.Loader
	processor *validation.Processor
	engine    *dimension.Engine
	entityID  int64
	columns   []string
}

func newFixture(t *testing.T, client sqlstore.Client) *fixture {
	t.Helper()
	log := transmutetesting.NewLogger()
	clock := clockwork.NewFakeClockAt(start)

	conn, err := client.Conn(t.Context())
	require.NoError(t, err)
	cat, err := catalog.New(catalog.Config{Logger: log, Clock: clock})
	require.NoError(t, err)
	loader, err := landing.NewLoader(landing.Config{Logger: log, Clock: clock, Catalog: cat})
	require.NoError(t, err)
	processor, err := validation.NewProcessor(validation.Config{Logger: log, Catalog: cat})
	require.NoError(t, err)
	engine, err := dimension.NewEngine(dimension.Config{
		Logger:  log,
		Clock:   clock,
		Catalog: cat,
		Retry:   &retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, Logger: log},
	})
	require.NoError(t, err)

	return &fixture{t: t, conn: conn, clock: clock, cat: cat, loader: loader, processor: processor, engine: engine}
}

func (f *fixture) register(name string, specs ...catalog.ColumnSpec) {
	f.t.Helper()
	ctx := f.t.Context()
	id, err := f.cat.RegisterOrUpdateEntity(ctx, f.conn, catalog.EntitySpec{Name: name, Kind: catalog.KindHistorized})
	require.NoError(f.t, err)
	for _, spec := range specs {
		_, err := f.cat.AddColumn(ctx, f.conn, id, spec)
		require.NoError(f.t, err)
		f.columns = append(f.columns, spec.Name)
	}
	f.entityID = id
}

func (f *fixture) registerCustomer() {
	f.register("customer",
		catalog.ColumnSpec{Name: "customer_id", Type: "INTEGER", BusinessKey: true},
		catalog.ColumnSpec{Name: "name", Type: "VARCHAR", TrackHistory: true},
		catalog.ColumnSpec{Name: "email", Type: "VARCHAR", TrackHistory: true},
	)
}

// stage lands and types rows without merging.
func (f *fixture) stage(rows ...[]any) {
	f.t.Helper()
	ctx := f.t.Context()
	_, err := f.loader.Load(ctx, f.conn, f.entityID, &landing.Batch{Columns: f.columns, Rows: rows})
	require.NoError(f.t, err)
	_, err = f.processor.Process(ctx, f.conn, f.entityID)
	require.NoError(f.t, err)
}

// step stages rows, merges them and advances the clock by an hour.
func (f *fixture) step(rows ...[]any) *dimension.MergeResult {
	f.t.Helper()
	f.stage(rows...)
	result, err := f.engine.Merge(f.t.Context(), f.conn, f.entityID)
	require.NoError(f.t, err)
	f.clock.Advance(time.Hour)
	return result
}

func (f *fixture) snapshot() *catalog.EntitySnapshot {
	f.t.Helper()
	snap, err := f.cat.Snapshot(f.t.Context(), f.conn, f.entityID)
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) dump(table string) []map[string]any {
	f.t.Helper()
	res, err := sqlstore.Query(f.t.Context(), f.conn, "SELECT * FROM "+table+" ORDER BY 1")
	require.NoError(f.t, err)
	return res.Rows
}

func (f *fixture) count(query string, args ...any) int64 {
	f.t.Helper()
	n, err := sqlstore.ScanInt64(f.t.Context(), f.conn, query, args...)
	require.NoError(f.t, err)
	return n
}

func TestTransmute_Dimension_CustomerScenario(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		first := f.step([]any{1, "A", "a@x"}, []any{2, "B", "b@x"})
		require.True(t, first.Created)
		require.Equal(t, "gold.customer", first.Table)
		require.Equal(t, int64(2), first.TotalRows)
		require.Equal(t, int64(2), first.NewRows)
		require.Zero(t, first.ChangedRows)
		require.Equal(t, []string{"customer_id"}, first.BusinessKeys)
		require.Equal(t, []string{"name", "email"}, first.TrackedColumns)

		secondAt := f.clock.Now()
		second := f.step([]any{1, "A", "a2@x"}, []any{2, "B", "b@x"})
		require.False(t, second.Created)
		require.Equal(t, int64(3), second.TotalRows)
		require.Equal(t, int64(1), second.ChangedRows)
		require.Zero(t, second.NewRows)
		require.Equal(t, int64(1), second.UnchangedRows)
		require.NotEqual(t, first.RunID, second.RunID)

		snap := f.snapshot()
		history, err := f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"customer_id": 1})
		require.NoError(t, err)
		require.Len(t, history, 2)

		closed, open := history[0], history[1]
		require.Equal(t, "a@x", closed["email"])
		require.Equal(t, false, closed["_is_current"])
		require.WithinDuration(t, start, closed["_valid_from"].(time.Time), 0)
		require.WithinDuration(t, secondAt, closed["_valid_to"].(time.Time), 0)
		require.Equal(t, "a2@x", open["email"])
		require.Equal(t, true, open["_is_current"])
		require.Nil(t, open["_valid_to"])
		require.WithinDuration(t, secondAt, open["_valid_from"].(time.Time), 0)
		require.Equal(t, int64(1), closed["customer_key"])
		require.Equal(t, int64(3), open["customer_key"])

		other, err := f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"customer_id": "2"})
		require.NoError(t, err)
		require.Len(t, other, 1)
		require.Equal(t, true, other[0]["_is_current"])

		current, err := f.engine.GetCurrentRows(ctx, f.conn, snap)
		require.NoError(t, err)
		require.Len(t, current, 2)
		require.Equal(t, "a2@x", current[0]["email"])
		require.Equal(t, "b@x", current[1]["email"])

		before, err := f.engine.GetAsOfRows(ctx, f.conn, snap, start.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, before, 2)
		require.Equal(t, "a@x", before[0]["email"])

		after, err := f.engine.GetAsOfRows(ctx, f.conn, snap, secondAt)
		require.NoError(t, err)
		require.Len(t, after, 2)
		require.Equal(t, "a2@x", after[0]["email"])

		empty, err := f.engine.GetAsOfRows(ctx, f.conn, snap, start.Add(-time.Minute))
		require.NoError(t, err)
		require.Empty(t, empty)

		require.Equal(t, int64(2), f.count("SELECT COUNT(*) FROM ctl.ingest_runs WHERE entity_name = $1", "customer"))
	})
}

func TestTransmute_Dimension_Idempotent(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "a@x"}, []any{2, "B", "b@x"})
		before := f.dump("gold.customer")

		again, err := f.engine.Merge(ctx, f.conn, f.entityID)
		require.NoError(t, err)
		require.Zero(t, again.NewRows)
		require.Zero(t, again.ChangedRows)
		require.Equal(t, int64(2), again.UnchangedRows)
		require.Empty(t, cmp.Diff(before, f.dump("gold.customer")))

		// The same content landed later hashes the same.
		f.clock.Advance(time.Hour)
		reloaded := f.step([]any{2, "B", "b@x"}, []any{1, "A", "a@x"})
		require.Zero(t, reloaded.NewRows)
		require.Zero(t, reloaded.ChangedRows)
		require.Equal(t, int64(2), reloaded.TotalRows)
		require.Empty(t, cmp.Diff(before, f.dump("gold.customer")))
	})
}

func TestTransmute_Dimension_HistoryPreserved(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "v0"}, []any{2, "B", "b@x"})
		changes := 0
		for _, email := range []string{"v1", "v2", "v2", "v3"} {
			r := f.step([]any{1, "A", email}, []any{2, "B", "b@x"})
			changes += int(r.ChangedRows)
		}
		require.Equal(t, 3, changes)

		require.Equal(t, int64(1), f.count("SELECT COUNT(*) FROM gold.customer WHERE customer_id = 1 AND _valid_to IS NULL"))
		require.Equal(t, int64(1), f.count("SELECT COUNT(*) FROM gold.customer WHERE customer_id = 1 AND _is_current"))
		require.Equal(t, int64(changes), f.count("SELECT COUNT(*) FROM gold.customer WHERE customer_id = 1 AND _valid_to IS NOT NULL"))
		require.Equal(t, int64(1), f.count("SELECT COUNT(*) FROM gold.customer WHERE customer_id = 2"))
		require.Zero(t, f.count("SELECT COUNT(*) FROM gold.customer WHERE _is_current AND _valid_to IS NOT NULL"))
	})
}

func TestTransmute_Dimension_NewMembers(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "a@x"})
		r := f.step([]any{1, "A", "a@x"}, []any{3, "C", "c@x"})
		require.Equal(t, int64(1), r.NewRows)
		require.Equal(t, int64(1), r.UnchangedRows)

		history, err := f.engine.GetHistory(ctx, f.conn, f.snapshot(), map[string]any{"customer_id": 3})
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Equal(t, true, history[0]["_is_current"])
		require.Nil(t, history[0]["_valid_to"])

		// Members missing from a later snapshot keep their open version.
		f.step([]any{3, "C", "c@x"})
		require.Equal(t, int64(2), f.count("SELECT COUNT(*) FROM gold.customer WHERE _is_current"))
	})
}

func TestTransmute_Dimension_MissingBusinessKey(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.register("account",
			catalog.ColumnSpec{Name: "account_id", Type: "INTEGER"},
			catalog.ColumnSpec{Name: "owner", Type: "VARCHAR"},
		)
		f.stage([]any{1, "A"})

		_, err := f.engine.Merge(ctx, f.conn, f.entityID)
		require.ErrorIs(t, err, catalog.ErrConfiguration)
		require.ErrorIs(t, err, catalog.ErrMissingBusinessKey)

		exists, err := f.conn.Dialect().TableExists(ctx, f.conn, "gold", "account")
		require.NoError(t, err)
		require.False(t, exists)
		require.Zero(t, f.count("SELECT COUNT(*) FROM ctl.ingest_runs"))
	})
}

func TestTransmute_Dimension_CompositeKeys(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.register("store",
			catalog.ColumnSpec{Name: "region", Type: "VARCHAR", BusinessKey: true},
			catalog.ColumnSpec{Name: "code", Type: "INTEGER", BusinessKey: true},
			catalog.ColumnSpec{Name: "label", Type: "VARCHAR", TrackHistory: true},
		)

		f.step([]any{"eu", 1, "x"}, []any{"us", 1, "y"}, []any{"eu", 2, "z"})
		r := f.step([]any{"eu", 1, "changed"}, []any{"us", 1, "y"}, []any{"eu", 2, "z"})
		require.Equal(t, int64(1), r.ChangedRows)
		require.Equal(t, int64(2), r.UnchangedRows)

		snap := f.snapshot()
		eu1, err := f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"region": "eu", "code": 1})
		require.NoError(t, err)
		require.Len(t, eu1, 2)
		for _, key := range []map[string]any{{"region": "us", "code": 1}, {"region": "eu", "code": 2}} {
			h, err := f.engine.GetHistory(ctx, f.conn, snap, key)
			require.NoError(t, err)
			require.Len(t, h, 1, "key %v", key)
			require.Equal(t, true, h[0]["_is_current"])
		}

		_, err = f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"region": "eu"})
		require.ErrorContains(t, err, "missing business key column code")
	})
}

func TestTransmute_Dimension_DuplicateKeysLatestWins(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		r := f.step([]any{1, "A", "first"}, []any{2, "B", "b@x"}, []any{1, "A", "last"})
		require.Equal(t, int64(2), r.IncomingRows)
		require.Equal(t, int64(2), r.NewRows)
		require.Equal(t, int64(2), r.TotalRows)

		current, err := f.engine.GetCurrentRows(ctx, f.conn, f.snapshot())
		require.NoError(t, err)
		require.Equal(t, "last", current[0]["email"])
	})
}

func TestTransmute_Dimension_InvalidRowsExcluded(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		f := newFixture(t, client)
		f.registerCustomer()

		r := f.step([]any{1, "A", "a@x"}, []any{"not-a-number", "B", "b@x"})
		require.Equal(t, int64(1), r.NewRows)
		require.Equal(t, int64(1), r.TotalRows)
	})
}

func TestTransmute_Dimension_FailedMergeLeavesTableUntouched(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "a@x"}, []any{2, "B", "b@x"})
		before := f.dump("gold.customer")
		maxKey := f.count("SELECT MAX(customer_key) FROM gold.customer")

		f.stage([]any{1, "A", "a2@x"}, []any{2, "B", "b@x"}, []any{3, "C", "c@x"})
		injected := errors.New("injected insert failure")
		failing := sqlstoretesting.NewFailingConnection(f.conn, "INSERT INTO gold.customer", injected)

		_, err := f.engine.Merge(ctx, failing, f.entityID)
		require.ErrorIs(t, err, injected)
		require.True(t, failing.Fired())
		require.Empty(t, cmp.Diff(before, f.dump("gold.customer")))
		require.Equal(t, int64(1), f.count("SELECT COUNT(*) FROM ctl.ingest_runs"))

		r, err := f.engine.Merge(ctx, f.conn, f.entityID)
		require.NoError(t, err)
		require.Equal(t, int64(1), r.ChangedRows)
		require.Equal(t, int64(1), r.NewRows)
		require.Equal(t, int64(4), r.TotalRows)
		require.Equal(t, int64(2), f.count("SELECT COUNT(*) FROM gold.customer WHERE customer_key > $1", maxKey))
	})
}

func TestTransmute_Dimension_RetriesConflicts(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "a@x"})
		f.stage([]any{1, "A", "a2@x"})

		failing := sqlstoretesting.NewFailingConnection(f.conn, "UPDATE gold.customer",
			errors.New("TransactionContext Error: Catalog write-write conflict"))
		r, err := f.engine.Merge(ctx, failing, f.entityID)
		require.NoError(t, err)
		require.True(t, failing.Fired())
		require.Equal(t, int64(1), r.ChangedRows)
		require.Equal(t, int64(2), r.TotalRows)
		require.Equal(t, int64(2), f.count("SELECT COUNT(*) FROM ctl.ingest_runs"))
	})
}

func TestTransmute_Dimension_SurrogateKeysMonotonic(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		f := newFixture(t, client)
		f.registerCustomer()

		var last int64
		for i, email := range []string{"a", "b", "c", "d"} {
			f.step([]any{1, "A", email}, []any{i + 10, "N", "n@x"})
			maxKey := f.count("SELECT MAX(customer_key) FROM gold.customer")
			require.Greater(t, maxKey, last)
			last = maxKey
		}
		total := f.count("SELECT COUNT(*) FROM gold.customer")
		require.Equal(t, total, f.count("SELECT COUNT(DISTINCT customer_key) FROM gold.customer"))

		// Later versions of one member always carry larger keys.
		require.Equal(t, int64(4), f.count(`
			SELECT COUNT(*) FROM gold.customer a
			WHERE a.customer_id = 1 AND NOT EXISTS (
				SELECT 1 FROM gold.customer b
				WHERE b.customer_id = 1 AND b._valid_from < a._valid_from AND b.customer_key > a.customer_key
			)`))
	})
}

func TestTransmute_Dimension_Errors(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)

		_, err := f.engine.Merge(ctx, f.conn, 404)
		require.ErrorIs(t, err, catalog.ErrEntityNotFound)

		f.registerCustomer()
		_, err = f.engine.Merge(ctx, f.conn, f.entityID)
		require.ErrorIs(t, err, validation.ErrNotProcessed)

		_, err = f.engine.GetCurrentRows(ctx, f.conn, f.snapshot())
		require.ErrorIs(t, err, dimension.ErrNotMerged)
	})
}

func TestTransmute_Dimension_ColumnAddedAfterCreation(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()

		f.step([]any{1, "A", "a@x"})

		_, err := f.cat.AddColumn(ctx, f.conn, f.entityID, catalog.ColumnSpec{Name: "city", Type: "VARCHAR", TrackHistory: true})
		require.NoError(t, err)
		f.columns = append(f.columns, "city")

		r := f.step([]any{1, "A", "a@x", "Lisbon"})
		require.Equal(t, int64(1), r.ChangedRows)

		current, err := f.engine.GetCurrentRows(ctx, f.conn, f.snapshot())
		require.NoError(t, err)
		require.Equal(t, "Lisbon", current[0]["city"])
	})
}

func TestTransmute_Dimension_MixedCaseNames(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.register("Region",
			catalog.ColumnSpec{Name: "regionId", Type: "INTEGER", BusinessKey: true},
			catalog.ColumnSpec{Name: "Label", Type: "VARCHAR", TrackHistory: true},
		)

		first := f.step([]any{1, "North"})
		require.True(t, first.Created)
		require.Equal(t, "gold.region", first.Table)

		// A column added after creation must be found missing and appended.
		_, err := f.cat.AddColumn(ctx, f.conn, f.entityID, catalog.ColumnSpec{Name: "ZoneCode", Type: "VARCHAR", TrackHistory: true})
		require.NoError(t, err)
		f.columns = append(f.columns, "ZoneCode")

		second := f.step([]any{1, "North", "N1"})
		require.False(t, second.Created)
		require.Equal(t, int64(1), second.ChangedRows)
		require.Equal(t, int64(2), f.count("SELECT COUNT(*) FROM gold.region WHERE regionid = 1"))
		require.Equal(t, int64(1), f.count("SELECT COUNT(*) FROM gold.region WHERE zonecode = 'N1' AND _is_current"))
	})
}

func TestTransmute_Dimension_FailedCreateRollsBack(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()
		f.stage([]any{1, "A", "a@x"}, []any{2, "B", "b@x"})

		injected := errors.New("disk full")
		failing := sqlstoretesting.NewFailingConnection(f.conn, "INSERT INTO gold.customer", injected)
		_, err := f.engine.Merge(ctx, failing, f.entityID)
		require.ErrorIs(t, err, injected)
		require.True(t, failing.Fired())

		exists, err := client.Dialect().TableExists(ctx, f.conn, "gold", "customer")
		require.NoError(t, err)
		require.False(t, exists)

		sequences := "SELECT COUNT(*) FROM information_schema.sequences WHERE sequence_schema = 'gold' AND sequence_name = 'customer_key_seq'"
		if client.Dialect().Name() == sqlstore.DriverDuckDB {
			sequences = "SELECT COUNT(*) FROM duckdb_sequences() WHERE schema_name = 'gold' AND sequence_name = 'customer_key_seq'"
		}
		require.Zero(t, f.count(sequences))

		r, err := f.engine.Merge(ctx, f.conn, f.entityID)
		require.NoError(t, err)
		require.True(t, r.Created)
		require.Equal(t, int64(2), r.NewRows)
		require.Equal(t, int64(1), f.count("SELECT MIN(customer_key) FROM gold.customer"))
		require.Equal(t, int64(1), f.count(sequences))
	})
}

func TestTransmute_Dimension_ReadsRejectBadKeysAndSnapshotEntities(t *testing.T) {
	t.Parallel()

	sqlstoretesting.ForEachEngine(t, sharedPG, func(t *testing.T, client sqlstore.Client) {
		ctx := t.Context()
		f := newFixture(t, client)
		f.registerCustomer()
		f.step([]any{1, "A", "a@x"})
		snap := f.snapshot()

		_, err := f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"customer_id": "abc"})
		require.ErrorIs(t, err, dimension.ErrInvalidKey)
		require.ErrorContains(t, err, "customer_id")

		_, err = f.engine.GetHistory(ctx, f.conn, snap, map[string]any{})
		require.ErrorIs(t, err, dimension.ErrInvalidKey)

		rows, err := f.engine.GetHistory(ctx, f.conn, snap, map[string]any{"customer_id": "1"})
		require.NoError(t, err)
		require.Len(t, rows, 1)

		id, err := f.cat.RegisterOrUpdateEntity(ctx, f.conn, catalog.EntitySpec{Name: "sales", Kind: catalog.KindSnapshot})
		require.NoError(t, err)
		_, err = f.cat.AddColumn(ctx, f.conn, id, catalog.ColumnSpec{Name: "amount", Type: "INTEGER"})
		require.NoError(t, err)
		sales, err := f.cat.Snapshot(ctx, f.conn, id)
		require.NoError(t, err)

		_, err = f.engine.GetCurrentRows(ctx, f.conn, sales)
		require.ErrorIs(t, err, catalog.ErrInvalidKind)
		_, err = f.engine.GetAsOfRows(ctx, f.conn, sales, f.clock.Now())
		require.ErrorIs(t, err, catalog.ErrInvalidKind)
		_, err = f.engine.GetHistory(ctx, f.conn, sales, map[string]any{})
		require.ErrorIs(t, err, catalog.ErrInvalidKind)
	})
}
