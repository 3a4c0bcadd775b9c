package dialect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	mssql "github.com/microsoft/go-mssqldb"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

const (
	sqlServerMaxParams = 2099
	// A table value constructor lists at most 1000 rows.
	sqlServerMaxRows = 1000
)

// SQLServer merges with a single MERGE statement whose OUTPUT clause is
// captured into an output table, and stages through bulk copy.
type SQLServer struct {
	base
	// Batched stages through multi-row INSERTs instead of bulk copy.
	Batched bool
}

// NewSQLServer returns the SQL Server adapter.
func NewSQLServer() *SQLServer {
	s := &SQLServer{}
	s.base = base{
		name:        "sqlserver",
		quote:       sqlutil.QuoteBracketIdentifier,
		placeholder: sq.AtP,
		distinct: func(a, b string) string {
			return fmt.Sprintf("(%[1]s <> %[2]s OR (%[1]s IS NULL AND %[2]s IS NOT NULL) OR (%[1]s IS NOT NULL AND %[2]s IS NULL))", a, b)
		},
	}
	s.stagingRef = func(d *mapping.Descriptor, name string) string {
		if d.NativeTemp {
			return s.quote("#" + name)
		}
		return s.Table(d.Schema, name)
	}
	return s
}

// capturesOutput reports whether the merge writes an output table.
func (s *SQLServer) capturesOutput(d *mapping.Descriptor) bool {
	switch d.Kind {
	case options.Insert, options.Update, options.Upsert, options.Sync:
		return d.NeedsOutputs() || d.Stats
	}
	return false
}

func (s *SQLServer) output(d *mapping.Descriptor) string {
	return s.stagingRef(d, d.OutputTable)
}

// castRowVersion turns database managed row versions into plain binary so
// that staged values can be written.
func (s *SQLServer) castRowVersion(d *mapping.Descriptor) func(f *model.Field, ref string) string {
	return func(f *model.Field, ref string) string {
		if f == d.Token && d.TokenManagedByDatabase() {
			return "CAST(" + ref + " AS varbinary(8))"
		}
		return ""
	}
}

func (s *SQLServer) CreateStaging(d *mapping.Descriptor) []Statement {
	stmts := []Statement{{SQL: fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
		s.projection(d.Staged, s.castRowVersion(d)), s.staging(d), s.nullableSource(d))}}
	if s.capturesOutput(d) {
		columns := "CAST(NULL AS nvarchar(10)) AS " + s.quote(ActionColumn)
		if d.NeedsOutputs() {
			columns += ", " + s.projection(d.Outputs, s.castRowVersion(d))
		}
		stmts = append(stmts, Statement{SQL: fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s",
			columns, s.output(d), s.nullableSource(d))})
	}
	return stmts
}

func (s *SQLServer) DropStaging(d *mapping.Descriptor) []Statement {
	stmts := []Statement{{SQL: "DROP TABLE IF EXISTS " + s.staging(d)}}
	if s.capturesOutput(d) {
		stmts = append(stmts, Statement{SQL: "DROP TABLE IF EXISTS " + s.output(d)})
	}
	return stmts
}

func (s *SQLServer) StageRows(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error) {
	d := req.Descriptor
	if s.Batched {
		size := batchRows(req.BatchSize, len(req.Columns), sqlServerMaxParams, sqlServerMaxRows)
		return insertBatches(ctx, exec, s.staging(d), s.qualified("", req.Columns), s.placeholder, size, req)
	}
	table := s.staging(d)
	if d.NativeTemp {
		table = "#" + d.StagingTable
	}
	query := mssql.CopyIn(table, mssql.BulkOptions{RowsPerBatch: req.BatchSize, KeepNulls: true}, req.Columns...)
	return copyRows(ctx, exec, query, req.BatchSize, req)
}

func (s *SQLServer) SupportsSetBasedOutput() bool {
	return true
}

func (s *SQLServer) FetchGeneratedValues(context.Context, dbexec.QueryExecutor, *mapping.Descriptor, *Plan, []ExecResult) (*OutputSet, error) {
	return nil, nil
}

func (s *SQLServer) AbortsTransactionOnError() bool {
	return false
}

// merge renders the MERGE statement. insert and update select the WHEN
// clauses; matchOnKey false joins on 1 = 0 so that every staged row inserts.
func (s *SQLServer) merge(d *mapping.Descriptor, opts *options.Options, insert, update, compare, matchOnKey bool) string {
	var sql strings.Builder
	sql.WriteString("MERGE " + s.target(d))
	if d.HoldLock {
		sql.WriteString(" WITH (HOLDLOCK)")
	}
	sql.WriteString(" AS " + targetAlias)

	source := "SELECT " + sqlutil.QuoteList(s.quote, mapping.Names(d.Staged)) + " FROM " + s.staging(d)
	if order := s.orderBy(d, ""); order != "" {
		// TOP makes the ORDER BY binding, which fixes identity assignment order.
		source = "SELECT TOP 2147483647 " + strings.TrimPrefix(source, "SELECT ") + order
	}
	fmt.Fprintf(&sql, " USING (%s) AS %s", source, sourceAlias)

	if matchOnKey {
		sql.WriteString(" ON " + s.on(targetAlias, sourceAlias, d.KeyNames()))
	} else {
		sql.WriteString(" ON 1 = 0")
	}

	if insert {
		names := mapping.Names(d.Insert)
		fmt.Fprintf(&sql, " WHEN NOT MATCHED BY TARGET THEN INSERT (%s) VALUES (%s)",
			sqlutil.QuoteList(s.quote, names), sqlutil.QualifyList(s.quote, sourceAlias, names))
	}
	if update && hasUpdates(d) {
		sql.WriteString(" WHEN MATCHED")
		var conditions []string
		if compare {
			if c := s.changed(d.Compare); c != "" {
				conditions = append(conditions, c)
			}
		}
		if t := s.sameToken(d, opts); t != "" {
			conditions = append(conditions, t)
		}
		if len(conditions) > 0 {
			sql.WriteString(" AND " + strings.Join(conditions, " AND "))
		}
		sql.WriteString(" THEN UPDATE SET " + strings.Join(s.setList(d, true), ", "))
	}

	if s.capturesOutput(d) {
		columns := []string{s.quote(ActionColumn)}
		values := []string{"$action"}
		for _, f := range d.Outputs {
			columns = append(columns, s.quote(f.Column))
			values = append(values, "INSERTED."+s.quote(f.Column))
		}
		fmt.Fprintf(&sql, " OUTPUT %s INTO %s (%s)", strings.Join(values, ", "), s.output(d), strings.Join(columns, ", "))
	}
	sql.WriteString(";")
	return sql.String()
}

func (s *SQLServer) readOutput(d *mapping.Descriptor) Statement {
	columns := append([]string{s.quote(ActionColumn)}, s.outputList(d, "")...)
	sql := "SELECT " + strings.Join(columns, ", ") + " FROM " + s.output(d)
	if d.NeedsOutputs() {
		sql += s.orderBy(d, "")
	}
	return Statement{SQL: sql, Returns: true, Stat: StatByAction}
}

func (s *SQLServer) BuildMergeStatement(d *mapping.Descriptor, kind options.Kind, opts *options.Options) (*Plan, error) {
	plan := &Plan{Output: mapping.Names(d.Outputs)}
	// Without an output table, only single-action merges can be counted.
	stat := StatNone
	if !s.capturesOutput(d) {
		switch kind {
		case options.Insert:
			stat = StatInserted
		case options.Update:
			stat = StatUpdated
		}
	}
	mergeStmt := func(insert, update, compare, matchOnKey bool) {
		plan.Statements = append(plan.Statements, Statement{
			SQL:  s.merge(d, opts, insert, update, compare, matchOnKey),
			Stat: stat,
		})
	}

	identityInsert := kind == options.Insert || kind == options.Upsert || kind == options.Sync
	if identityInsert && d.KeepIdentity && d.Identity != nil && mapping.Has(d.Insert, d.Identity) {
		plan.Statements = append(plan.Statements, Statement{SQL: "SET IDENTITY_INSERT " + s.target(d) + " ON"})
		plan.Finally = append(plan.Finally, Statement{SQL: "SET IDENTITY_INSERT " + s.target(d) + " OFF"})
	}

	switch kind {
	case options.Read:
		stmt, err := s.readStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
		return plan, nil
	case options.Delete:
		stmt, err := s.deleteStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
		return plan, nil
	case options.Insert:
		if err := s.requireWritable(d, kind); err != nil {
			return nil, err
		}
		switch opts.ConflictPolicy {
		case options.ConflictIgnore:
			mergeStmt(true, false, false, len(d.Key) > 0)
		case options.ConflictReplace:
			if d.KeyIsIdentity && !d.KeepIdentity {
				return nil, s.unsupported(kind, "replace needs a match key other than a generated identity; set MatchBy or KeepIdentity")
			}
			mergeStmt(true, true, false, true)
		default:
			mergeStmt(true, false, false, false)
		}
	case options.Update:
		if !hasUpdates(d) {
			return plan, nil
		}
		mergeStmt(false, true, true, true)
	case options.Upsert, options.Sync:
		if err := s.requireWritable(d, kind); err != nil {
			return nil, err
		}
		// Removal runs first so it only sees rows that existed before the call.
		if kind == options.Sync {
			stmt, err := s.removalStatement(d, opts)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmt)
		}
		mergeStmt(true, true, true, true)
	default:
		return nil, s.unsupported(kind, "")
	}

	if s.capturesOutput(d) {
		plan.Statements = append(plan.Statements, s.readOutput(d))
	}
	return plan, nil
}

var sqlServerQuoted = regexp.MustCompile(`'([^']+)'`)

func (s *SQLServer) ClassifyError(err error) (ErrorClass, string) {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return ErrorOther, ""
	}
	var class ErrorClass
	switch msErr.Number {
	case 207:
		class = ErrorUnknownColumn
	case 208:
		class = ErrorMissingTable
	default:
		return ErrorOther, ""
	}
	if m := sqlServerQuoted.FindStringSubmatch(msErr.Message); m != nil {
		return class, m[1]
	}
	return class, ""
}
