package landing_test

import (
	"context"
	"flag"
	"os"
	"testing"

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
