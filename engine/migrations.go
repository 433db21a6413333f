package engine

import "embed"

//go:embed db/duckdb/migrations/*.sql
var DuckDBMigrationsFS embed.FS

//go:embed db/postgres/migrations/*.sql
var PostgresMigrationsFS embed.FS
