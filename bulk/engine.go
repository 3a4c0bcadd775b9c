package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/dialect"
	"bulkmerge/internal/graph"
	"bulkmerge/internal/logging"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/merge"
	"bulkmerge/internal/model"
	"bulkmerge/internal/observability"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

// Engine runs bulk operations against one database.
type Engine struct {
	db       *sql.DB
	tx       *sql.Tx
	adapter  dialect.Adapter
	detected *detection
	provider model.Provider
	logger   *logging.Logger
	metrics  *observability.BulkMetrics
	session  dbexec.SessionConfig
}

// detection caches the adapter detected from the driver. It is shared by an
// engine and its WithTx copies.
type detection struct {
	mu      sync.Mutex
	adapter dialect.Adapter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger of the engine. Without it the logger is taken
// from the call context.
func WithLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithRegistry sets the entity metadata provider. The default is the
// process-wide registry.
func WithRegistry(provider model.Provider) EngineOption {
	return func(e *Engine) { e.provider = provider }
}

// WithMetrics records operation metrics.
func WithMetrics(metrics *observability.BulkMetrics) EngineOption {
	return func(e *Engine) { e.metrics = metrics }
}

// WithSessionConfig controls the connection and implicit transaction of
// each call.
func WithSessionConfig(cfg dbexec.SessionConfig) EngineOption {
	return func(e *Engine) { e.session = cfg }
}

// New returns an engine for db. adapter may be nil, in which case the
// dialect is detected from the driver on first use.
func New(db *sql.DB, adapter dialect.Adapter, opts ...EngineOption) *Engine {
	e := &Engine{db: db, adapter: adapter, detected: &detection{}, provider: model.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithTx returns a copy of the engine whose calls join tx. The caller owns
// tx: the engine never commits or rolls it back.
func (e *Engine) WithTx(tx *sql.Tx) *Engine {
	clone := *e
	clone.tx = tx
	return &clone
}

// Adapter returns the dialect adapter, detecting it once when unset. It is
// safe for concurrent use; a failed detection is retried by the next call.
func (e *Engine) Adapter(ctx context.Context) (dialect.Adapter, error) {
	if e.adapter != nil {
		return e.adapter, nil
	}
	if e.db == nil {
		return nil, bulkerr.Configf("dialect", "no adapter and no database to detect one from")
	}
	if e.detected == nil {
		return dialect.Detect(ctx, e.db)
	}
	e.detected.mu.Lock()
	defer e.detected.mu.Unlock()
	if e.detected.adapter != nil {
		return e.detected.adapter, nil
	}
	adapter, err := dialect.Detect(ctx, e.db)
	if err != nil {
		return nil, err
	}
	e.detected.adapter = adapter
	return adapter, nil
}

func (e *Engine) log(ctx context.Context) *logging.Logger {
	if e.logger != nil {
		return e.logger
	}
	return logging.FromContext(ctx)
}

func (e *Engine) bulkMetrics(ctx context.Context) *observability.BulkMetrics {
	if e.metrics != nil {
		return e.metrics
	}
	return observability.BulkMetricsFromContext(ctx)
}

// open acquires the connection and transaction of one call.
func (e *Engine) open(ctx context.Context) (*dbexec.Session, error) {
	if e.tx != nil {
		return dbexec.Join(e.tx), nil
	}
	return dbexec.Open(ctx, e.db, e.session)
}

// run executes one call of kind over entities of type t.
func (e *Engine) run(ctx context.Context, t *model.Type, kind options.Kind, entities []any, opts Options) (result *Result, err error) {
	if err := opts.Validate(kind); err != nil {
		return nil, err
	}
	for _, entity := range entities {
		if err := t.Check(entity); err != nil {
			return nil, bulkerr.Configf("entities", "%v", err)
		}
	}
	adapter, err := e.Adapter(ctx)
	if err != nil {
		return nil, err
	}
	result = &Result{Kind: kind, Table: t.Table}
	if len(entities) == 0 && opts.Source == nil && kind != options.Sync && kind != options.Truncate {
		return result, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	ctx, span := startSpan(ctx, "bulk."+kind.String(),
		attribute.String("db.system", adapter.Name()),
		attribute.String("db.sql.table", t.Table),
		attribute.Int("bulk.rows", len(entities)),
		attribute.Bool("bulk.graph", opts.IncludeGraph),
	)
	metrics := e.bulkMetrics(ctx)
	metrics.IncrementActiveOperations(ctx)
	start := time.Now()
	defer func() {
		metrics.DecrementActiveOperations(ctx)
		metrics.RecordOperation(ctx, time.Since(start), err != nil, kind.String(), adapter.Name())
		finishSpan(span, err)
		if err != nil {
			result = nil
		}
	}()

	session, err := e.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if finishErr := session.Finish(err); finishErr != nil {
			if err == nil {
				err = finishErr
			} else {
				err = bulkerr.WithCleanup(err, finishErr)
			}
		}
	}()

	orchestrator := &merge.Orchestrator{
		Adapter: adapter,
		Logger:  e.log(ctx).WithFields("dialect", adapter.Name()),
		Metrics: metrics,
	}
	if kind == options.Truncate {
		d := &mapping.Descriptor{Type: t, Kind: kind, Schema: t.Schema, Table: t.Table}
		return result, orchestrator.Truncate(ctx, session, d)
	}
	if opts.IncludeGraph {
		return result, e.runGraph(ctx, session, orchestrator, kind, entities, opts, result)
	}
	tier, outcome, err := e.runTier(ctx, session, orchestrator, t, kind, entities, opts)
	if err != nil {
		return nil, err
	}
	result.add(tier, outcome, &opts)
	return result, nil
}

// runTier resolves and merges one batch of a single type.
func (e *Engine) runTier(ctx context.Context, exec dbexec.Executor, o *merge.Orchestrator, t *model.Type, kind options.Kind, entities []any, opts Options) (TierResult, *merge.Outcome, error) {
	tier := TierResult{Table: t.Table}
	d, err := mapping.Resolve(t, kind, &opts, entities, sqlutil.NewStagingNames(t.Table))
	if err != nil {
		return tier, nil, err
	}
	outcome, err := o.Run(ctx, exec, d, merge.Request{Entities: entities, Options: &opts})
	if err != nil {
		return tier, nil, err
	}
	tier.Rows = outcome.Staged
	tier.Inserted = outcome.Stats.Inserted
	tier.Updated = outcome.Stats.Updated
	tier.Deleted = outcome.Stats.Deleted
	return tier, outcome, nil
}

// runGraph merges every tier of the graph rooted at roots, principals first,
// propagating written keys into dependents between levels.
func (e *Engine) runGraph(ctx context.Context, exec dbexec.Executor, o *merge.Orchestrator, kind options.Kind, roots []any, opts Options, result *Result) error {
	plan, err := graph.Schedule(roots, e.provider)
	if err != nil {
		return err
	}
	o.Metrics.RecordTiers(ctx, int64(len(plan.Tiers)))

	// Keys must land on the caller's objects for propagation to work.
	tierOpts := opts
	tierOpts.IncludeGraph = false
	tierOpts.RequestGeneratedOutputs = true
	tierOpts.PreserveInsertionOrder = true

	for _, tier := range plan.Tiers {
		total := TierResult{Table: tier.Type.Table}
		for _, level := range tier.Levels {
			if err := bulkerr.Cancelled(ctx, "tier "+tier.Type.Table); err != nil {
				return err
			}
			written, outcome, err := e.runTier(ctx, exec, o, tier.Type, kind, level, tierOpts)
			if err != nil {
				return fmt.Errorf("tier %s: %w", tier.Type.Table, err)
			}
			total.Rows += written.Rows
			total.Inserted += written.Inserted
			total.Updated += written.Updated
			total.Deleted += written.Deleted
			if outcome.Report != nil {
				result.collect(outcome.Report)
			}
			if err := plan.Propagate(level); err != nil {
				return err
			}
		}
		result.Tiers = append(result.Tiers, total)
		result.Staged += total.Rows
		result.Inserted += total.Inserted
		result.Updated += total.Updated
		result.Deleted += total.Deleted
	}
	return nil
}
