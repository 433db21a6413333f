package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/dimension"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/materialize"
	"github.com/malbeclabs/transmute/engine/pkg/pipeline"
	"github.com/malbeclabs/transmute/engine/pkg/validation"
)

func TestTransmute_CLI_PrintRunSummary(t *testing.T) {
	t.Parallel()

	result := &pipeline.RunResult{
		Entity: "customer",
		Kind:   catalog.KindHistorized,
		Landing: &landing.BatchResult{
			Table:          "bronze.customer_bronze",
			Rows:           3,
			UnknownColumns: []string{"tier"},
		},
		Validation: &validation.Report{Table: "silver.customer_silver", TotalRows: 3, ValidRows: 2, InvalidRows: 1},
		Materialization: &materialize.Result{
			Table:     "gold.customer",
			TotalRows: 4,
			Merge:     &dimension.MergeResult{NewRows: 1, ChangedRows: 1, UnchangedRows: 0},
		},
		Duration: 1500 * time.Millisecond,
	}

	var buf bytes.Buffer
	printRunSummary(&buf, result)
	out := buf.String()
	require.Contains(t, out, "bronze.customer_bronze")
	require.Contains(t, out, "unknown=tier")
	require.Contains(t, out, "valid=2 invalid=1")
	require.Contains(t, out, "new=1 changed=1 unchanged=0")
	require.Contains(t, out, "customer (historized) finished in 1.5s")
}

func TestTransmute_CLI_JoinDetails(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", joinDetails(detail("measures", ""), detail("dimensions", "")))
	require.Equal(t, "measures=amount dimensions=region", joinDetails(detail("measures", "amount"), detail("dimensions", "region")))
}
