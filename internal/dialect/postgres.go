package dialect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
)

const postgresMaxParams = 65535

// Postgres stages through COPY and merges with UPDATE ... FROM followed by
// INSERT ... WHERE NOT EXISTS, reading generated values with RETURNING.
type Postgres struct {
	base
	// Batched stages through multi-row INSERTs instead of COPY.
	Batched bool
}

// NewPostgres returns the PostgreSQL adapter.
func NewPostgres() *Postgres {
	p := &Postgres{}
	p.base = base{
		name:        "postgres",
		quote:       pq.QuoteIdentifier,
		placeholder: sq.Dollar,
		distinct: func(a, b string) string {
			return "(" + a + " IS DISTINCT FROM " + b + ")"
		},
		compareExpr: func(f *model.Field, ref string) string {
			// json has no equality operator.
			if f.JSON {
				return "CAST(" + ref + " AS text)"
			}
			return ref
		},
	}
	p.stagingRef = func(d *mapping.Descriptor, name string) string {
		if d.NativeTemp {
			return p.quote(name)
		}
		return p.Table(d.Schema, name)
	}
	return p
}

func (p *Postgres) CreateStaging(d *mapping.Descriptor) []Statement {
	columns := p.projection(d.Staged, nil)
	if d.NativeTemp {
		return []Statement{{SQL: fmt.Sprintf("CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s FROM %s AS %s LIMIT 0",
			p.staging(d), columns, p.target(d), targetAlias)}}
	}
	return []Statement{{SQL: fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s AS %s LIMIT 0",
		p.staging(d), columns, p.target(d), targetAlias)}}
}

func (p *Postgres) DropStaging(d *mapping.Descriptor) []Statement {
	if d.NativeTemp {
		return nil
	}
	return []Statement{{SQL: "DROP TABLE IF EXISTS " + p.staging(d)}}
}

func (p *Postgres) StageRows(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error) {
	d := req.Descriptor
	if p.Batched {
		size := batchRows(req.BatchSize, len(req.Columns), postgresMaxParams, 0)
		return insertBatches(ctx, exec, p.staging(d), p.qualified("", req.Columns), p.placeholder, size, req)
	}
	var query string
	if d.NativeTemp || d.Schema == "" {
		query = pq.CopyIn(d.StagingTable, req.Columns...)
	} else {
		query = pq.CopyInSchema(d.Schema, d.StagingTable, req.Columns...)
	}
	return copyRows(ctx, exec, query, req.BatchSize, req)
}

func (p *Postgres) SupportsSetBasedOutput() bool {
	return true
}

func (p *Postgres) FetchGeneratedValues(context.Context, dbexec.QueryExecutor, *mapping.Descriptor, *Plan, []ExecResult) (*OutputSet, error) {
	return nil, nil
}

func (p *Postgres) AbortsTransactionOnError() bool {
	return true
}

// returning wraps a data-modifying statement in a CTE so that the returned
// rows can be ordered by the order columns.
func (p *Postgres) returning(d *mapping.Descriptor, core, alias string, stat Stat) Statement {
	if !d.NeedsOutputs() {
		return Statement{SQL: core, Stat: stat}
	}
	return Statement{
		SQL: fmt.Sprintf("WITH w AS (%s RETURNING %s) SELECT * FROM w%s",
			core, strings.Join(p.outputList(d, alias), ", "), p.orderBy(d, "")),
		Returns: true,
		Stat:    stat,
	}
}

func (p *Postgres) insertForm(d *mapping.Descriptor) insertForm {
	form := insertForm{alias: targetAlias}
	if d.KeepIdentity && d.Identity != nil && mapping.Has(d.Insert, d.Identity) {
		form.beforeQuery = " OVERRIDING SYSTEM VALUE"
	}
	return form
}

func (p *Postgres) BuildMergeStatement(d *mapping.Descriptor, kind options.Kind, opts *options.Options) (*Plan, error) {
	plan := &Plan{Output: mapping.Names(d.Outputs)}
	add := func(stmt Statement, err error) error {
		if err != nil {
			return err
		}
		plan.Statements = append(plan.Statements, stmt)
		return nil
	}

	switch kind {
	case options.Read:
		if err := add(p.readStatement(d)); err != nil {
			return nil, err
		}
	case options.Delete:
		if err := add(p.deleteStatement(d)); err != nil {
			return nil, err
		}
	case options.Insert:
		if err := p.requireWritable(d, kind); err != nil {
			return nil, err
		}
		form := p.insertForm(d)
		switch opts.ConflictPolicy {
		case options.ConflictIgnore:
			plan.Statements = append(plan.Statements,
				p.returning(d, p.insertSelect(d, form)+" ON CONFLICT DO NOTHING", "", StatInserted))
		case options.ConflictReplace:
			plan.Statements = append(plan.Statements, p.replace(d, form))
		default:
			plan.Statements = append(plan.Statements, p.returning(d, p.insertSelect(d, form), "", StatInserted))
		}
	case options.Update, options.Upsert, options.Sync:
		// Removal runs first so it only sees rows that existed before the call.
		if kind == options.Sync {
			if err := add(p.removalStatement(d, opts)); err != nil {
				return nil, err
			}
		}
		if hasUpdates(d) {
			plan.Statements = append(plan.Statements,
				p.returning(d, p.updateFrom(d, opts, true), targetAlias, StatUpdated))
		}
		if kind != options.Update {
			if err := p.requireWritable(d, kind); err != nil {
				return nil, err
			}
			form := p.insertForm(d)
			form.missingOnly = true
			plan.Statements = append(plan.Statements, p.returning(d, p.insertSelect(d, form), "", StatInserted))
		}
	default:
		return nil, p.unsupported(kind, "")
	}
	return plan, nil
}

// replace renders INSERT ... ON CONFLICT (key) DO UPDATE. The action of each
// returned row is derived from xmax, which is zero for freshly inserted rows.
func (p *Postgres) replace(d *mapping.Descriptor, form insertForm) Statement {
	core := p.insertSelect(d, form) + " ON CONFLICT (" + strings.Join(p.qualified("", d.KeyNames()), ", ") + ")"
	if hasUpdates(d) {
		sets := make([]string, 0, len(d.Update)+1)
		for _, f := range d.Update {
			sets = append(sets, p.quote(f.Column)+" = EXCLUDED."+p.quote(f.Column))
		}
		if d.Token != nil && d.TokenIncrement {
			sets = append(sets, p.quote(d.Token.Column)+" = "+p.increment(d, targetAlias))
		}
		core += " DO UPDATE SET " + strings.Join(sets, ", ")
	} else {
		core += " DO NOTHING"
	}
	if !d.NeedsOutputs() && !d.Stats {
		return Statement{SQL: core, Stat: StatInserted}
	}
	returned := append([]string{"CASE WHEN xmax = 0 THEN 'INSERT' ELSE 'UPDATE' END AS " + p.quote(ActionColumn)},
		p.outputList(d, "")...)
	order := ""
	if d.NeedsOutputs() {
		order = p.orderBy(d, "")
	}
	return Statement{
		SQL:     fmt.Sprintf("WITH w AS (%s RETURNING %s) SELECT * FROM w%s", core, strings.Join(returned, ", "), order),
		Returns: true,
		Stat:    StatByAction,
	}
}

var postgresQuoted = regexp.MustCompile(`"([^"]+)"`)

func (p *Postgres) ClassifyError(err error) (ErrorClass, string) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return ErrorOther, ""
	}
	var class ErrorClass
	switch pqErr.Code {
	case "42703":
		class = ErrorUnknownColumn
	case "42P01":
		class = ErrorMissingTable
	default:
		return ErrorOther, ""
	}
	if pqErr.Column != "" {
		return class, pqErr.Column
	}
	if m := postgresQuoted.FindStringSubmatch(pqErr.Message); m != nil {
		return class, m[1]
	}
	return class, ""
}
