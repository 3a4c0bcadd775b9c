// Package options defines the per-call configuration snapshot of a bulk
// operation and its validation.
package options

import (
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DefaultBatchSize is used when Options.BatchSize is zero.
const DefaultBatchSize = 2000

// Kind is the operation intent of a bulk call.
type Kind int

const (
	Insert Kind = iota
	Update
	Upsert
	// Sync inserts, updates and deletes so the target equals the input set.
	Sync
	Delete
	Read
	Truncate
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Upsert:
		return "upsert"
	case Sync:
		return "sync"
	case Delete:
		return "delete"
	case Read:
		return "read"
	case Truncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// ParseKind parses the lowercase name of an operation kind.
func ParseKind(name string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "insert":
		return Insert, true
	case "update":
		return Update, true
	case "upsert", "insert_or_update":
		return Upsert, true
	case "sync", "insert_or_update_or_delete":
		return Sync, true
	case "delete":
		return Delete, true
	case "read":
		return Read, true
	case "truncate":
		return Truncate, true
	}
	return 0, false
}

// NeedsMatchKey reports whether the kind correlates staged rows with target rows.
func (k Kind) NeedsMatchKey() bool {
	switch k {
	case Update, Upsert, Sync, Delete, Read:
		return true
	}
	return false
}

// Writes reports whether the kind inserts or updates rows.
func (k Kind) Writes() bool {
	switch k {
	case Insert, Update, Upsert, Sync:
		return true
	}
	return false
}

// ConflictPolicy decides what an Insert does with rows that collide with an
// existing unique key.
type ConflictPolicy int

const (
	ConflictError ConflictPolicy = iota
	ConflictReplace
	ConflictIgnore
)

func (p ConflictPolicy) String() string {
	switch p {
	case ConflictReplace:
		return "replace"
	case ConflictIgnore:
		return "ignore"
	default:
		return "error"
	}
}

// ParseConflictPolicy parses "error", "replace" or "ignore".
func ParseConflictPolicy(name string) (ConflictPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "error":
		return ConflictError, true
	case "replace":
		return ConflictReplace, true
	case "ignore":
		return ConflictIgnore, true
	}
	return 0, false
}

// ColumnSet narrows a column list by name. Include and Exclude are mutually
// exclusive. Names may be column names or Go field names.
type ColumnSet struct {
	Include []string
	Exclude []string
}

// Empty reports whether neither list is set.
func (c ColumnSet) Empty() bool {
	return len(c.Include) == 0 && len(c.Exclude) == 0
}

// RowSource streams rows from an external tabular source directly into
// staging. Next returns io.EOF after the last row.
type RowSource interface {
	Columns() []string
	Next() ([]any, error)
}

// ProgressFunc receives the fraction of rows staged, in [0,1].
type ProgressFunc func(fraction float64)

// Options is the configuration snapshot of one bulk call.
type Options struct {
	BatchSize int
	Timeout   time.Duration

	PreserveInsertionOrder  bool
	RequestGeneratedOutputs bool
	CalculateStats          bool

	// Columns narrows every written column, Compare the columns checked to
	// decide whether a matched row changed, Update the columns written on a
	// matched row.
	Columns ColumnSet
	Compare ColumnSet
	Update  ColumnSet
	MatchBy []string

	ConflictPolicy ConflictPolicy

	// PostOperationSQL runs inside the transaction after the merge.
	PostOperationSQL  string
	PostOperationArgs []any

	IncludeGraph bool

	// SkipStaleRows leaves rows whose concurrency token differs from the
	// target untouched and reports them as skipped.
	SkipStaleRows           bool
	DisableConcurrencyToken bool
	KeepIdentity            bool
	// NativeTempTable stages into an engine-native temporary table.
	NativeTempTable bool
	HoldLock        bool

	// SyncFilter restricts the rows a Sync may delete.
	SyncFilter sq.Sqlizer
	// SoftDelete turns the Sync delete into an UPDATE setting these columns.
	SoftDelete map[string]any

	Source   RowSource
	Progress ProgressFunc
}

// EffectiveBatchSize returns the batch size to use for batched staging.
func (o *Options) EffectiveBatchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}
