package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"modernc.org/sqlite"

	"bulkmerge/internal/bulkerr"
)

// ForName returns the adapter for a dialect or driver name.
func ForName(name string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "tidb":
		return NewMySQL(), nil
	case "postgres", "postgresql", "pgx":
		return NewPostgres(), nil
	case "sqlserver", "mssql":
		return NewSQLServer(), nil
	case "sqlite", "sqlite3":
		return NewSQLite(), nil
	}
	return nil, bulkerr.Configf("dialect", "unknown dialect %q", name).
		WithHint("use one of mysql, postgres, sqlserver, sqlite")
}

// Detect resolves the adapter for db from its driver. Wrapped drivers, such
// as instrumented ones, are identified by probing the server version.
func Detect(ctx context.Context, db *sql.DB) (Adapter, error) {
	switch db.Driver().(type) {
	case *mysql.MySQLDriver:
		return NewMySQL(), nil
	case *pq.Driver:
		return NewPostgres(), nil
	case *mssql.Driver:
		return NewSQLServer(), nil
	case *sqlite.Driver:
		return NewSQLite(), nil
	}
	return probe(ctx, db)
}

func probe(ctx context.Context, db *sql.DB) (Adapter, error) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
		return NewSQLite(), nil
	}
	if err := db.QueryRowContext(ctx, "SELECT @@VERSION").Scan(&version); err == nil {
		if strings.Contains(version, "Microsoft SQL Server") {
			return NewSQLServer(), nil
		}
		return NewMySQL(), nil
	}
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err == nil && strings.Contains(version, "PostgreSQL") {
		return NewPostgres(), nil
	}
	return nil, fmt.Errorf("unable to detect the database dialect; pass an adapter from dialect.ForName")
}

var (
	_ Adapter = (*MySQL)(nil)
	_ Adapter = (*Postgres)(nil)
	_ Adapter = (*SQLServer)(nil)
	_ Adapter = (*SQLite)(nil)
)
