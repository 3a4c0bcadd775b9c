package dialect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

// SQLITE_MAX_VARIABLE_NUMBER of current builds.
const sqliteMaxParams = 32766

// SQLite stages into TEMP tables, which live on the session connection, and
// merges with UPDATE ... FROM and INSERT ... SELECT.
type SQLite struct {
	base
}

// NewSQLite returns the SQLite adapter.
func NewSQLite() *SQLite {
	s := &SQLite{}
	s.base = base{
		name:        "sqlite",
		quote:       sqlutil.QuoteANSIIdentifier,
		placeholder: sq.Question,
		distinct: func(a, b string) string {
			return "(" + a + " IS NOT " + b + ")"
		},
	}
	s.stagingRef = func(_ *mapping.Descriptor, name string) string {
		return "temp." + s.quote(name)
	}
	return s
}

func (s *SQLite) CreateStaging(d *mapping.Descriptor) []Statement {
	return []Statement{{SQL: fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s AS %s WHERE 0",
		s.quote(d.StagingTable), s.projection(d.Staged, nil), s.target(d), targetAlias)}}
}

func (s *SQLite) DropStaging(d *mapping.Descriptor) []Statement {
	return []Statement{{SQL: "DROP TABLE IF EXISTS " + s.staging(d)}}
}

func (s *SQLite) StageRows(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error) {
	size := batchRows(req.BatchSize, len(req.Columns), sqliteMaxParams, 0)
	return insertBatches(ctx, exec, s.staging(req.Descriptor), s.qualified("", req.Columns), s.placeholder, size, req)
}

func (s *SQLite) Truncate(d *mapping.Descriptor) Statement {
	return Statement{SQL: "DELETE FROM " + s.target(d)}
}

func (s *SQLite) SupportsSetBasedOutput() bool {
	return false
}

func (s *SQLite) AbortsTransactionOnError() bool {
	return false
}

// FetchGeneratedValues reads the rowid run ending at LastInsertId, which
// SQLite reports as the last row inserted.
func (s *SQLite) FetchGeneratedValues(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, plan *Plan, results []ExecResult) (*OutputSet, error) {
	return s.fetchGenerated(ctx, exec, d, plan, results, func(res ExecResult) (sq.Sqlizer, int64) {
		id := s.quote(d.Identity.Column)
		return sq.And{
			sq.Gt{id: res.LastInsertID - res.RowsAffected},
			sq.LtOrEq{id: res.LastInsertID},
		}, 0
	})
}

func (s *SQLite) BuildMergeStatement(d *mapping.Descriptor, kind options.Kind, opts *options.Options) (*Plan, error) {
	plan := &Plan{Output: mapping.Names(d.Outputs)}
	insert := func(form insertForm) {
		plan.Statements = append(plan.Statements, Statement{
			SQL:       s.insertSelect(d, form),
			Stat:      StatInserted,
			Generates: generated(d),
		})
	}

	switch kind {
	case options.Read:
		stmt, err := s.readStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	case options.Delete:
		stmt, err := s.deleteStatement(d)
		if err != nil {
			return nil, err
		}
		plan.Statements = append(plan.Statements, stmt)
	case options.Insert:
		if err := s.requireWritable(d, kind); err != nil {
			return nil, err
		}
		switch opts.ConflictPolicy {
		case options.ConflictIgnore:
			insert(insertForm{verb: "INSERT OR IGNORE INTO"})
		case options.ConflictReplace:
			if hasUpdates(d) {
				plan.Statements = append(plan.Statements, Statement{SQL: s.updateFrom(d, opts, false), Stat: StatUpdated})
			}
			insert(insertForm{missingOnly: true})
		default:
			insert(insertForm{})
		}
	case options.Update, options.Upsert, options.Sync:
		// Removal runs first so it only sees rows that existed before the call.
		if kind == options.Sync {
			stmt, err := s.removalStatement(d, opts)
			if err != nil {
				return nil, err
			}
			plan.Statements = append(plan.Statements, stmt)
		}
		if hasUpdates(d) {
			plan.Statements = append(plan.Statements, Statement{SQL: s.updateFrom(d, opts, true), Stat: StatUpdated})
		}
		if kind != options.Update {
			if err := s.requireWritable(d, kind); err != nil {
				return nil, err
			}
			insert(insertForm{missingOnly: true})
		}
	default:
		return nil, s.unsupported(kind, "")
	}
	return plan, nil
}

var sqliteObject = regexp.MustCompile(`(?:no such column:|has no column named|no such table:)\s*(\S+)`)

func (s *SQLite) ClassifyError(err error) (ErrorClass, string) {
	if err == nil {
		return ErrorOther, ""
	}
	msg := err.Error()
	var class ErrorClass
	switch {
	case strings.Contains(msg, "no such column"), strings.Contains(msg, "has no column named"):
		class = ErrorUnknownColumn
	case strings.Contains(msg, "no such table"):
		class = ErrorMissingTable
	default:
		return ErrorOther, ""
	}
	if m := sqliteObject.FindStringSubmatch(msg); m != nil {
		return class, strings.Trim(m[1], `"`)
	}
	return class, ""
}
