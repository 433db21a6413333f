package catalog_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	sqlstoretesting "github.com/malbeclabs/transmute/engine/pkg/sqlstore/testing"
	transmutetesting "github.com/malbeclabs/transmute/utils/pkg/testing"
)

var sharedPG *sqlstoretesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	sharedPG = sqlstoretesting.StartSharedPostgres(context.Background(), transmutetesting.NewLogger())
	code := m.Run()
	if sharedPG != nil {
		sharedPG.Close()
	}
	os.Exit(code)
}

func newCatalog(t *testing.T) (*catalog.Catalog, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cat, err := catalog.New(catalog.Config{
		Logger: transmutetesting.NewLogger(),
		Clock:  clock,
	})
	require.NoError(t, err)
	return cat, clock
}

func ptr[T any](v T) *T {
	return &v
}
