package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/transmute/engine/pkg/catalog"
	"github.com/malbeclabs/transmute/engine/pkg/landing"
	"github.com/malbeclabs/transmute/engine/pkg/metrics"
	"github.com/malbeclabs/transmute/engine/pkg/pipeline"
	"github.com/malbeclabs/transmute/engine/pkg/server"
	"github.com/malbeclabs/transmute/engine/pkg/sqlstore"
	"github.com/malbeclabs/transmute/utils/pkg/logger"
)

// Set by LDFLAGS
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	versionFlag := flag.Bool("version", false, "print version and exit")

	// Storage configuration
	dbDriverFlag := flag.String("db-driver", "duckdb", "storage engine: duckdb or postgres (or set TRANSMUTE_DB_DRIVER env var)")
	dsnFlag := flag.String("dsn", "", "database path or connection string, empty for in-memory duckdb (or set TRANSMUTE_DSN env var)")
	landingSchemaFlag := flag.String("landing-schema", "", "schema for landing tables (or set TRANSMUTE_LANDING_SCHEMA env var)")
	typedSchemaFlag := flag.String("typed-schema", "", "schema for typed tables (or set TRANSMUTE_TYPED_SCHEMA env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run catalog migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show catalog migration status")
	manifestFlag := flag.String("manifest", "", "apply a YAML entity manifest to the catalog")
	entityFlag := flag.String("entity", "", "entity to run the pipeline for")
	inputFlag := flag.String("input", "", "CSV file with a header row to run through the pipeline, - for stdin")

	// Server configuration
	listenAddrFlag := flag.String("listen-addr", "", "serve the HTTP API on this address (or set TRANSMUTE_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", "", "serve prometheus metrics on this address (or set TRANSMUTE_METRICS_ADDR env var)")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "maximum entities processed at once")
	sentryDSNFlag := flag.String("sentry-dsn", "", "sentry DSN for error and trace reporting (or set SENTRY_DSN env var)")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("version: %s\ncommit: %s\ndate: %s\n", version, commit, date)
		return nil
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	if env := os.Getenv("TRANSMUTE_DB_DRIVER"); env != "" {
		*dbDriverFlag = env
	}
	if env := os.Getenv("TRANSMUTE_DSN"); env != "" {
		*dsnFlag = env
	}
	if env := os.Getenv("TRANSMUTE_LANDING_SCHEMA"); env != "" {
		*landingSchemaFlag = env
	}
	if env := os.Getenv("TRANSMUTE_TYPED_SCHEMA"); env != "" {
		*typedSchemaFlag = env
	}
	if env := os.Getenv("TRANSMUTE_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("TRANSMUTE_METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("SENTRY_DSN"); env != "" {
		*sentryDSNFlag = env
	}

	if *sentryDSNFlag != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := sqlstore.Open(ctx, log, *dbDriverFlag, *dsnFlag)
	if err != nil {
		return err
	}
	defer client.Close()

	if *migrateFlag {
		return sqlstore.Migrate(ctx, log, client)
	}

	if *migrateStatusFlag {
		return printMigrationStatus(ctx, log, client)
	}

	serving := *listenAddrFlag != ""
	p, err := pipeline.New(ctx, pipeline.Config{
		Logger:           log,
		Client:           client,
		MigrationsEnable: true,
		LandingSchema:    *landingSchemaFlag,
		TypedSchema:      *typedSchemaFlag,
		MaxConcurrency:   *maxConcurrencyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if *manifestFlag != "" {
		if err := applyManifest(ctx, p, *manifestFlag); err != nil {
			return err
		}
	}

	if *inputFlag != "" {
		if *entityFlag == "" {
			return errors.New("--entity is required for --input")
		}
		if err := runFile(ctx, p, *entityFlag, *inputFlag); err != nil {
			return err
		}
	}

	if !serving {
		if *manifestFlag == "" && *inputFlag == "" {
			flag.Usage()
		}
		return nil
	}

	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Pipeline:   p,
		ListenAddr: *listenAddrFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}

func printMigrationStatus(ctx context.Context, log *slog.Logger, client sqlstore.Client) error {
	statuses, err := sqlstore.MigrationStatuses(ctx, log, client)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Version", "Source", "Applied"})
	for _, s := range statuses {
		table.Append([]string{fmt.Sprintf("%d", s.Version), s.Source, fmt.Sprintf("%t", s.Applied)})
	}
	table.Render()
	return nil
}

func applyManifest(ctx context.Context, p *pipeline.Pipeline, path string) error {
	m, err := catalog.LoadManifest(path)
	if err != nil {
		return err
	}
	conn, err := p.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	result, err := catalog.ApplyManifest(ctx, p.Catalog(), conn, m)
	if err != nil {
		return fmt.Errorf("failed to apply manifest %s: %w", path, err)
	}
	fmt.Printf("manifest %s: %d entities, %d columns added, %d unchanged\n",
		path, result.Entities, result.ColumnsAdded, result.ColumnsUnchanged)
	return nil
}

func runFile(ctx context.Context, p *pipeline.Pipeline, entity, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	batch, err := landing.ReadCSV(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	result, err := p.Run(ctx, entity, batch)
	if err != nil {
		return err
	}
	printRunSummary(os.Stdout, result)
	return nil
}

func printRunSummary(w io.Writer, r *pipeline.RunResult) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Stage", "Table", "Rows", "Details"})

	table.Append([]string{
		pipeline.StageLoad, r.Landing.Table,
		fmt.Sprintf("%d", r.Landing.Rows),
		joinDetails(
			detail("unknown", strings.Join(r.Landing.UnknownColumns, ",")),
			detail("missing", strings.Join(r.Landing.MissingColumns, ",")),
		),
	})
	table.Append([]string{
		pipeline.StageProcess, r.Validation.Table,
		fmt.Sprintf("%d", r.Validation.TotalRows),
		fmt.Sprintf("valid=%d invalid=%d", r.Validation.ValidRows, r.Validation.InvalidRows),
	})

	m := r.Materialization
	var details string
	if m.Merge != nil {
		details = fmt.Sprintf("new=%d changed=%d unchanged=%d", m.Merge.NewRows, m.Merge.ChangedRows, m.Merge.UnchangedRows)
	} else {
		details = joinDetails(
			detail("measures", strings.Join(m.Measures, ",")),
			detail("dimensions", strings.Join(m.Dimensions, ",")),
		)
	}
	table.Append([]string{
		pipeline.StageMaterialize, m.Table,
		fmt.Sprintf("%d", m.TotalRows),
		details,
	})
	table.Render()

	fmt.Fprintf(w, "%s (%s) finished in %s\n", r.Entity, r.Kind, r.Duration.Round(time.Millisecond))
}

func detail(name, value string) string {
	if value == "" {
		return ""
	}
	return name + "=" + value
}

func joinDetails(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
