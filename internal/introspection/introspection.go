// Package introspection reads table metadata from the database catalog of
// each supported engine. The bulk engine uses it to describe map records
// (tables with no Go struct) and the CLI uses it to load arbitrary tables.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/model"
	"bulkmerge/internal/sqlutil"
)

// Column represents a database column
type Column struct {
	Name            string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	IsGenerated     bool
	IsAutoIncrement bool
	IsRowVersion    bool
	HasDefault      bool
	ColumnDefault   string
}

// Table represents a database table
type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// Queryer provides query access for catalog introspection.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (dbexec.Rows, error)
}

// IntrospectTable reads the columns and primary key of one table. dialect is
// one of "mysql", "postgres", "sqlite" or "sqlserver". An empty schema means
// the connection's current schema.
func IntrospectTable(ctx context.Context, db Queryer, dialect, schema, table string) (*Table, error) {
	ctx, span := startSpan(ctx, "introspection.table",
		attribute.String("db.system", dialect),
		attribute.String("db.table", table),
	)
	defer span.End()

	var (
		columns []Column
		err     error
	)
	switch dialect {
	case "mysql":
		columns, err = getMySQLColumns(ctx, db, schema, table)
	case "postgres":
		columns, err = getPostgresColumns(ctx, db, schema, table)
	case "sqlite":
		columns, err = getSQLiteColumns(ctx, db, table)
	case "sqlserver":
		columns, err = getSQLServerColumns(ctx, db, schema, table)
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get columns for %s: %w", table, err)
	}
	if len(columns) == 0 {
		err := fmt.Errorf("table %s not found", table)
		recordSpanError(span, err)
		return nil, err
	}
	return &Table{Schema: schema, Name: table, Columns: columns}, nil
}

// DynamicType describes map[string]any records of t for the bulk engine.
func (t *Table) DynamicType() *model.Type {
	specs := make([]model.ColumnSpec, 0, len(t.Columns))
	for _, col := range t.Columns {
		specs = append(specs, model.ColumnSpec{
			Name:     col.Name,
			Key:      col.IsPrimaryKey,
			Identity: col.IsAutoIncrement,
			Computed: col.IsGenerated,
			Default:  col.HasDefault && !col.IsAutoIncrement,
			Version:  col.IsRowVersion,
			GoType:   GoTypeFor(col.DataType),
		})
	}
	return model.NewDynamicType(t.Schema, t.Name, specs)
}

func getMySQLColumns(ctx context.Context, db Queryer, schema, table string) ([]Column, error) {
	query := `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.IS_NULLABLE,
			c.COLUMN_DEFAULT,
			c.EXTRA,
			c.COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE()) AND c.TABLE_NAME = ?
		ORDER BY c.ORDINAL_POSITION
	`
	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable, extra, columnKey string
		var columnDefault sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &columnDefault, &extra, &columnKey); err != nil {
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		if columnDefault.Valid {
			col.HasDefault = true
			col.ColumnDefault = columnDefault.String
		}
		extraLower := strings.ToLower(extra)
		col.IsAutoIncrement = strings.Contains(extraLower, "auto_increment")
		col.IsGenerated = strings.Contains(extraLower, "generated")
		col.IsPrimaryKey = strings.EqualFold(columnKey, "PRI")
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func getPostgresColumns(ctx context.Context, db Queryer, schema, table string) ([]Column, error) {
	query := `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable,
			c.column_default,
			c.is_identity,
			c.is_generated,
			EXISTS (
				SELECT 1
				FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
				  ON k.constraint_name = tc.constraint_name
				 AND k.table_schema = tc.table_schema
				 AND k.table_name = tc.table_name
				WHERE tc.constraint_type = 'PRIMARY KEY'
				  AND tc.table_schema = c.table_schema
				  AND tc.table_name = c.table_name
				  AND k.column_name = c.column_name
			) AS is_pk
		FROM information_schema.columns c
		WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema()) AND c.table_name = $2
		ORDER BY c.ordinal_position
	`
	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable, isIdentity, isGenerated string
		var columnDefault sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &columnDefault, &isIdentity, &isGenerated, &col.IsPrimaryKey); err != nil {
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		if columnDefault.Valid {
			col.HasDefault = true
			col.ColumnDefault = columnDefault.String
		}
		col.IsAutoIncrement = strings.EqualFold(isIdentity, "YES") ||
			strings.HasPrefix(strings.ToLower(col.ColumnDefault), "nextval(")
		col.IsGenerated = strings.EqualFold(isGenerated, "ALWAYS")
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func getSQLiteColumns(ctx context.Context, db Queryer, table string) ([]Column, error) {
	query := fmt.Sprintf("PRAGMA table_xinfo(%s)", sqlutil.QuoteANSIIdentifier(table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	pkCount := 0
	for rows.Next() {
		var (
			cid, notNull, pk, hidden int
			col                      Column
			declType                 string
			dflt                     sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &declType, &notNull, &dflt, &pk, &hidden); err != nil {
			return nil, err
		}
		col.DataType = strings.ToLower(declType)
		col.IsNullable = notNull == 0
		col.IsPrimaryKey = pk > 0
		if pk > 0 {
			pkCount++
		}
		// hidden: 1 virtual table column, 2 virtual generated, 3 stored generated.
		col.IsGenerated = hidden == 2 || hidden == 3
		if dflt.Valid {
			col.HasDefault = true
			col.ColumnDefault = dflt.String
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// A single INTEGER PRIMARY KEY column aliases the rowid.
	if pkCount == 1 {
		for i := range columns {
			if columns[i].IsPrimaryKey && columns[i].DataType == "integer" {
				columns[i].IsAutoIncrement = true
			}
		}
	}
	return columns, nil
}

func getSQLServerColumns(ctx context.Context, db Queryer, schema, table string) ([]Column, error) {
	query := `
		SELECT
			c.COLUMN_NAME,
			c.DATA_TYPE,
			c.IS_NULLABLE,
			c.COLUMN_DEFAULT,
			COLUMNPROPERTY(OBJECT_ID(QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME)), c.COLUMN_NAME, 'IsIdentity') AS is_identity,
			COLUMNPROPERTY(OBJECT_ID(QUOTENAME(c.TABLE_SCHEMA) + '.' + QUOTENAME(c.TABLE_NAME)), c.COLUMN_NAME, 'IsComputed') AS is_computed,
			CASE WHEN EXISTS (
				SELECT 1
				FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
				JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
				  ON k.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND k.TABLE_SCHEMA = tc.TABLE_SCHEMA
				WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
				  AND tc.TABLE_SCHEMA = c.TABLE_SCHEMA
				  AND tc.TABLE_NAME = c.TABLE_NAME
				  AND k.COLUMN_NAME = c.COLUMN_NAME
			) THEN 1 ELSE 0 END AS is_pk
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = COALESCE(NULLIF(@p1, ''), SCHEMA_NAME()) AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION
	`
	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable string
		var columnDefault sql.NullString
		var isIdentity, isComputed sql.NullInt64
		var isPK int
		if err := rows.Scan(&col.Name, &col.DataType, &isNullable, &columnDefault, &isIdentity, &isComputed, &isPK); err != nil {
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		if columnDefault.Valid {
			col.HasDefault = true
			col.ColumnDefault = columnDefault.String
		}
		col.IsAutoIncrement = isIdentity.Int64 == 1
		col.IsGenerated = isComputed.Int64 == 1
		col.IsPrimaryKey = isPK == 1
		dt := strings.ToLower(col.DataType)
		col.IsRowVersion = dt == "timestamp" || dt == "rowversion"
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("bulkmerge/introspection")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
