// Package merge sequences one bulk operation: stage the rows, run the merge
// plan of the adapter, capture outputs, correlate them onto the entities,
// and clean up. States run strictly in the order Staged, Merged,
// OutputCaptured, Cleaned.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/correlate"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/dialect"
	"bulkmerge/internal/logging"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/observability"
	"bulkmerge/internal/options"
	"bulkmerge/internal/staging"
)

// Request is the input of one orchestrated operation.
type Request struct {
	Entities []any
	Options  *options.Options
}

// Stats counts the target rows written by a merge.
type Stats struct {
	Inserted int64
	Updated  int64
	Deleted  int64
}

func (s *Stats) add(stat dialect.Stat, n int64) {
	switch stat {
	case dialect.StatInserted:
		s.Inserted += n
	case dialect.StatUpdated:
		s.Updated += n
	case dialect.StatDeleted:
		s.Deleted += n
	}
}

func (s *Stats) addAction(action string) {
	switch action {
	case dialect.ActionInsert:
		s.Inserted++
	case dialect.ActionUpdate:
		s.Updated++
	case dialect.ActionDelete:
		s.Deleted++
	}
}

// Outcome is the result of one orchestrated operation.
type Outcome struct {
	Staged int
	Stats  Stats
	Output *dialect.OutputSet
	// Report is nil when nothing needed correlating.
	Report *correlate.Report
}

// Orchestrator runs operations against one adapter.
type Orchestrator struct {
	Adapter dialect.Adapter
	Logger  *logging.Logger
	Metrics *observability.BulkMetrics
}

func (o *Orchestrator) logger(ctx context.Context, d *mapping.Descriptor) *logging.Logger {
	logger := o.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	return logger.WithOperation(d.Kind.String(), d.Table).WithFields("staging_table", d.StagingTable)
}

// Run executes the operation described by d on exec, which must pin a single
// connection and transaction. On failure the staging artifacts are dropped
// before the error is returned; cleanup failures are attached to it as
// secondary errors.
func (o *Orchestrator) Run(ctx context.Context, exec dbexec.Executor, d *mapping.Descriptor, req Request) (outcome *Outcome, err error) {
	opts := req.Options
	if opts == nil {
		opts = &options.Options{}
	}
	logger := o.logger(ctx, d)

	// Unsupported combinations fail before any SQL.
	plan, err := o.Adapter.BuildMergeStatement(d, d.Kind, opts)
	if err != nil {
		return nil, err
	}

	placeholders := opts.Source == nil && correlate.NeedsPlaceholders(d, opts)
	if placeholders {
		if _, err := correlate.AssignPlaceholders(req.Entities, d); err != nil {
			return nil, err
		}
	}

	outcome = &Outcome{}
	var artifact *staging.Artifact
	defer func() {
		if err != nil && placeholders {
			correlate.ResetPlaceholders(req.Entities, d)
		}
		if artifact == nil {
			return
		}
		if err != nil && o.Adapter.AbortsTransactionOnError() && !errors.Is(err, bulkerr.ErrCancelled) {
			// The failed transaction must roll back, which discards the tables.
			artifact.Abandon()
			return
		}
		cleanupErr := o.cleanup(ctx, exec, artifact)
		if cleanupErr != nil {
			o.Metrics.RecordCleanupFailure(ctx, d.Table)
			logger.Warn("failed to clean up staging", "error", cleanupErr)
		}
		err = bulkerr.WithCleanup(err, cleanupErr)
		if err != nil {
			outcome = nil
		}
	}()

	artifact, err = o.stage(ctx, exec, d, req.Entities, opts)
	if err != nil {
		return nil, err
	}
	outcome.Staged = artifact.Rows
	logger.Debug("staged", "rows", artifact.Rows)

	out := &dialect.OutputSet{Columns: plan.Output}
	if opts.SkipStaleRows && d.Token != nil {
		if out.Stale, err = o.staleRows(ctx, exec, d); err != nil {
			return nil, err
		}
	}

	results, err := o.merge(ctx, exec, d, plan, opts, out, &outcome.Stats)
	if err != nil {
		return nil, err
	}
	logger.Debug("merged",
		"inserted", outcome.Stats.Inserted,
		"updated", outcome.Stats.Updated,
		"deleted", outcome.Stats.Deleted)

	if err := o.capture(ctx, exec, d, plan, results, out); err != nil {
		return nil, err
	}
	outcome.Output = out

	if d.NeedsOutputs() || len(out.Stale) > 0 {
		report, err := correlate.Correlate(req.Entities, out, d, opts.PreserveInsertionOrder)
		if err != nil {
			return nil, fmt.Errorf("failed to correlate outputs: %w", err)
		}
		outcome.Report = report
		o.Metrics.RecordSkipped(ctx, int64(report.SkippedCount()), d.Table)
		logger.Debug("output captured", "rows", out.Len(), "matched", report.Matched, "skipped", report.SkippedCount())
	} else if placeholders {
		correlate.ResetPlaceholders(req.Entities, d)
	}

	o.Metrics.RecordAffected(ctx, outcome.Stats.Inserted, d.Table, "insert")
	o.Metrics.RecordAffected(ctx, outcome.Stats.Updated, d.Table, "update")
	o.Metrics.RecordAffected(ctx, outcome.Stats.Deleted, d.Table, "delete")
	return outcome, nil
}

func (o *Orchestrator) stage(ctx context.Context, exec dbexec.Executor, d *mapping.Descriptor, entities []any, opts *options.Options) (artifact *staging.Artifact, err error) {
	ctx, span := startSpan(ctx, "bulk.stage",
		attribute.String("db.sql.table", d.Table),
		attribute.Int("bulk.rows", len(entities)),
	)
	defer func() { finishSpan(span, err) }()

	artifact, err = staging.Stage(ctx, exec, o.Adapter, d, entities, opts)
	if err != nil {
		return artifact, o.mappingError(ctx, exec, d, err, false)
	}
	o.Metrics.RecordStaged(ctx, int64(artifact.Rows), d.Table)
	return artifact, nil
}

func (o *Orchestrator) staleRows(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor) ([][]any, error) {
	if err := bulkerr.Cancelled(ctx, "stale row detection"); err != nil {
		return nil, err
	}
	stmt := o.Adapter.StaleRows(d)
	rows, err := exec.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, o.mappingError(ctx, exec, d, err, true)
	}
	defer rows.Close()
	stale := &dialect.OutputSet{}
	if _, err := dialect.ScanRows(rows, false, stale); err != nil {
		return nil, err
	}
	keys := make([][]any, len(stale.Rows))
	for i, row := range stale.Rows {
		keys[i] = row.Values
	}
	return keys, nil
}

// merge runs the plan statements, collecting returned rows into out and row
// counts into stats. Finally statements run whether or not the plan
// succeeded.
func (o *Orchestrator) merge(ctx context.Context, exec dbexec.Executor, d *mapping.Descriptor, plan *dialect.Plan, opts *options.Options, out *dialect.OutputSet, stats *Stats) (results []dialect.ExecResult, err error) {
	ctx, span := startSpan(ctx, "bulk.merge",
		attribute.String("db.sql.table", d.Table),
		attribute.Int("bulk.statements", len(plan.Statements)),
	)
	defer func() { finishSpan(span, err) }()
	defer func() {
		if len(plan.Finally) == 0 || (err != nil && o.Adapter.AbortsTransactionOnError()) {
			return
		}
		var finallyErr error
		for _, stmt := range plan.Finally {
			if _, execErr := exec.ExecContext(context.WithoutCancel(ctx), stmt.SQL, stmt.Args...); execErr != nil && finallyErr == nil {
				finallyErr = execErr
			}
		}
		if err == nil {
			err = finallyErr
		} else {
			err = bulkerr.WithCleanup(err, finallyErr)
		}
	}()

	collect := d.NeedsOutputs() || d.Kind == options.Read
	results = make([]dialect.ExecResult, len(plan.Statements))
	for i, stmt := range plan.Statements {
		if err := bulkerr.Cancelled(ctx, "merge"); err != nil {
			return nil, err
		}
		if stmt.Returns {
			target := out
			if !collect {
				target = nil
			}
			n, err := o.query(ctx, exec, stmt, target, stats)
			if err != nil {
				return nil, o.mappingError(ctx, exec, d, err, true)
			}
			results[i].RowsAffected = int64(n)
			continue
		}
		res, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return nil, o.mappingError(ctx, exec, d, err, true)
		}
		if n, err := res.RowsAffected(); err == nil {
			results[i].RowsAffected = n
			stats.add(stmt.Stat, n)
		}
		if stmt.Generates {
			if id, err := res.LastInsertId(); err == nil {
				results[i].LastInsertID = id
			}
		}
	}

	if opts.PostOperationSQL != "" {
		if err := bulkerr.Cancelled(ctx, "post-operation statement"); err != nil {
			return nil, err
		}
		if _, err := exec.ExecContext(ctx, opts.PostOperationSQL, opts.PostOperationArgs...); err != nil {
			return nil, fmt.Errorf("post-operation statement failed: %w", err)
		}
	}
	return results, nil
}

func (o *Orchestrator) query(ctx context.Context, exec dbexec.QueryExecutor, stmt dialect.Statement, out *dialect.OutputSet, stats *Stats) (int, error) {
	rows, err := exec.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	byAction := stmt.Stat == dialect.StatByAction
	scanned := &dialect.OutputSet{}
	n, err := dialect.ScanRows(rows, byAction, scanned)
	if err != nil {
		return n, err
	}
	if byAction {
		for _, row := range scanned.Rows {
			stats.addAction(row.Action)
		}
	} else {
		stats.add(stmt.Stat, int64(n))
	}
	if out != nil {
		out.Rows = append(out.Rows, scanned.Rows...)
	}
	return n, nil
}

// capture reads generated values back on engines without set-based output.
func (o *Orchestrator) capture(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, plan *dialect.Plan, results []dialect.ExecResult, out *dialect.OutputSet) (err error) {
	if !d.NeedsOutputs() || o.Adapter.SupportsSetBasedOutput() || d.Kind == options.Read {
		return nil
	}
	if err := bulkerr.Cancelled(ctx, "output capture"); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "bulk.output", attribute.String("db.sql.table", d.Table))
	defer func() { finishSpan(span, err) }()

	fetched, err := o.Adapter.FetchGeneratedValues(ctx, exec, d, plan, results)
	if err != nil {
		return err
	}
	if fetched != nil {
		out.Rows = append(out.Rows, fetched.Rows...)
	}
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context, exec dbexec.QueryExecutor, artifact *staging.Artifact) (err error) {
	ctx, span := startSpan(ctx, "bulk.cleanup")
	defer func() { finishSpan(span, err) }()
	if err = artifact.Cleanup(ctx, exec); err == nil {
		o.logger(ctx, artifact.Descriptor).Debug("cleaned", "tables", artifact.Tables())
	}
	return err
}

// mappingError turns a column or table mapping failure of the provider into
// a ColumnMappingError. When probe is set and the engine can still run
// statements, it checks whether the staging table is gone.
func (o *Orchestrator) mappingError(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor, err error, probe bool) error {
	class, object := o.Adapter.ClassifyError(err)
	if class == dialect.ErrorOther {
		return err
	}
	mappingErr := &bulkerr.ColumnMappingError{
		Table:        d.Table,
		StagingTable: d.StagingTable,
		Err:          err,
	}
	if class == dialect.ErrorUnknownColumn {
		mappingErr.Column = object
	}
	if !probe {
		return mappingErr
	}
	if o.Adapter.AbortsTransactionOnError() {
		mappingErr.StagingMissing = class == dialect.ErrorMissingTable && containsFold(object, d.StagingTable)
		return mappingErr
	}
	stmt := o.Adapter.StagingExists(d)
	rows, probeErr := exec.QueryContext(context.WithoutCancel(ctx), stmt.SQL, stmt.Args...)
	if probeErr != nil {
		mappingErr.StagingMissing = true
		return mappingErr
	}
	_ = rows.Close()
	return mappingErr
}

// Truncate removes every row of the target table.
func (o *Orchestrator) Truncate(ctx context.Context, exec dbexec.QueryExecutor, d *mapping.Descriptor) (err error) {
	ctx, span := startSpan(ctx, "bulk.truncate", attribute.String("db.sql.table", d.Table))
	defer func() { finishSpan(span, err) }()
	if err := bulkerr.Cancelled(ctx, "truncate"); err != nil {
		return err
	}
	stmt := o.Adapter.Truncate(d)
	if _, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return err
	}
	o.logger(ctx, d).Debug("truncated")
	return nil
}

func containsFold(s, substr string) bool {
	return substr != "" && strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
