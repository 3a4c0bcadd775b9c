// Package dialect holds the per-engine strategies of the bulk engine: how to
// create and load a staging table, how to phrase the set-based merge for each
// operation kind, and how to read server generated values back.
//
// Every statement is produced by a builder that only needs a
// mapping.Descriptor, so the SQL of each adapter can be tested without a
// database.
package dialect

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/options"
)

// Stat names the counter a statement's affected rows contribute to.
type Stat int

const (
	StatNone Stat = iota
	StatInserted
	StatUpdated
	StatDeleted
	// StatByAction tallies returned rows by their leading action column.
	StatByAction
)

// Action values carried by StatByAction rows.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// ActionColumn is the name of the action column in returned rows.
const ActionColumn = "__action"

// Statement is one SQL statement of a plan.
type Statement struct {
	SQL  string
	Args []any
	// Returns marks a statement that yields rows: the action column first
	// when Stat is StatByAction, then Plan.Output.
	Returns bool
	Stat    Stat
	// Generates marks the INSERT whose LastInsertId and RowsAffected describe
	// the generated identities, on engines without set-based output.
	Generates bool
}

// Plan is the statement sequence of one merge.
type Plan struct {
	Statements []Statement
	// Finally runs after Statements whether or not they succeeded.
	Finally []Statement
	// Output names the columns of returned rows, after the action column.
	Output []string
}

// ExecResult is the outcome of one executed plan statement.
type ExecResult struct {
	RowsAffected int64
	LastInsertID int64
}

// OutputRow is one row read back from the merge.
type OutputRow struct {
	Action string
	Values []any
}

// OutputSet is everything the merge reported back, in ascending order of the
// descriptor's order columns within each source statement.
type OutputSet struct {
	Columns []string
	Rows    []OutputRow
	// Stale holds the key values of staged rows skipped for a concurrency
	// token mismatch.
	Stale [][]any
}

// Index returns the position of column in Columns, or -1.
func (o *OutputSet) Index(column string) int {
	for i, c := range o.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Len returns the number of rows, tolerating a nil set.
func (o *OutputSet) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Rows)
}

// RowReader yields staging rows in column order; io.EOF ends the stream.
type RowReader interface {
	Next() ([]any, error)
}

// StageRequest describes one staging load.
type StageRequest struct {
	Descriptor *mapping.Descriptor
	// Columns are the staging columns, matching the values of every row.
	Columns []string
	Rows    RowReader
	// Total is the expected row count, or -1 when unknown.
	Total     int
	BatchSize int
	Progress  options.ProgressFunc
}

func (r *StageRequest) report(loaded int) {
	if r.Progress == nil || r.Total <= 0 {
		return
	}
	fraction := float64(loaded) / float64(r.Total)
	if fraction > 1 {
		fraction = 1
	}
	r.Progress(fraction)
}

func (r *StageRequest) done() {
	if r.Progress != nil {
		r.Progress(1)
	}
}

// ErrorClass is the adapter's classification of a provider error.
type ErrorClass int

const (
	ErrorOther ErrorClass = iota
	ErrorUnknownColumn
	ErrorMissingTable
)

// Adapter is the strategy of one database engine.
type Adapter interface {
	Name() string
	Quote(ident string) string
	Placeholder() sq.PlaceholderFormat
	Table(schema, name string) string

	// CreateStaging returns the statements creating the staging table and,
	// when the engine captures output through one, the output table.
	CreateStaging(d *mapping.Descriptor) []Statement
	// DropStaging returns the statements removing every staging artifact.
	// It is empty when the engine drops them with the transaction.
	DropStaging(d *mapping.Descriptor) []Statement
	// StagingExists returns a query that succeeds only while the staging
	// table exists.
	StagingExists(d *mapping.Descriptor) Statement
	// StageRows loads req.Rows into the staging table and returns the number
	// of rows loaded.
	StageRows(ctx context.Context, exec dbexec.Executor, req *StageRequest) (int, error)

	BuildMergeStatement(d *mapping.Descriptor, kind options.Kind, opts *options.Options) (*Plan, error)
	SupportsSetBasedOutput() bool
	// FetchGeneratedValues reads generated values back after a plan ran on
	// an engine without set-based output. results align with
	// plan.Statements.
	FetchGeneratedValues(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, plan *Plan, results []ExecResult) (*OutputSet, error)

	// StaleRows returns a query for the key values of staged rows whose
	// concurrency token differs from the target row.
	StaleRows(d *mapping.Descriptor) Statement
	Truncate(d *mapping.Descriptor) Statement

	// ClassifyError reports whether err is a column or table mapping error
	// and names the offending object when the message carries it.
	ClassifyError(err error) (ErrorClass, string)
	// AbortsTransactionOnError reports whether any failed statement poisons
	// the transaction until rollback.
	AbortsTransactionOnError() bool
}
