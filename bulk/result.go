package bulk

import (
	"bulkmerge/internal/correlate"
	"bulkmerge/internal/merge"
	"bulkmerge/internal/options"
)

// Result describes what one call wrote.
type Result struct {
	Kind     Kind
	Table    string
	Inserted int64
	Updated  int64
	Deleted  int64
	// Staged is the number of rows loaded into staging.
	Staged int
	// Skipped lists entities the merge did not write: stale concurrency
	// tokens, ignored conflicts, or inserts whose outputs were missing.
	Skipped []any
	// SkippedCount also counts placeholder inserts that got no output row
	// and so could not be named in Skipped.
	SkippedCount int
	// Written holds the rows read back for such a shortfall, as new
	// entities.
	Written []any
	// Entities replaces the caller's list when PreserveInsertionOrder is off
	// and outputs were read back, and always holds the rows found by a Read
	// without PreserveInsertionOrder.
	Entities []any
	// Tiers has one entry per entity type of a graph operation.
	Tiers []TierResult
}

// TierResult describes one entity type of a graph operation.
type TierResult struct {
	Table    string
	Rows     int
	Inserted int64
	Updated  int64
	Deleted  int64
}

func (r *Result) add(tier TierResult, outcome *merge.Outcome, opts *options.Options) {
	r.Staged += tier.Rows
	r.Inserted += tier.Inserted
	r.Updated += tier.Updated
	r.Deleted += tier.Deleted
	if outcome.Report == nil {
		return
	}
	r.collect(outcome.Report)
	if !opts.PreserveInsertionOrder && outcome.Report.Entities != nil {
		r.Entities = outcome.Report.Entities
	}
}

func (r *Result) collect(report *correlate.Report) {
	r.Skipped = append(r.Skipped, report.Skipped...)
	r.Written = append(r.Written, report.Written...)
	r.SkippedCount += report.SkippedCount()
}

// Entities returns the replacement list of r typed as T. Entries of another
// type are left out.
func Entities[T any](r *Result) []T {
	if r == nil {
		return nil
	}
	out := make([]T, 0, len(r.Entities))
	for _, e := range r.Entities {
		if typed, ok := e.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
