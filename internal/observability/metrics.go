package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BulkMetrics holds the metrics of bulk operations
type BulkMetrics struct {
	operationDuration metric.Float64Histogram
	operationCounter  metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeOperations  metric.Int64UpDownCounter
	rowsStaged        metric.Int64Counter
	rowsAffected      metric.Int64Counter
	rowsSkipped       metric.Int64Counter
	cleanupFailures   metric.Int64Counter
	tiers             metric.Int64Histogram
}

// InitBulkMetrics initializes bulk operation metrics
func InitBulkMetrics() (*BulkMetrics, error) {
	meter := otel.Meter("bulkmerge")

	operationDuration, err := meter.Float64Histogram(
		"bulk.operation.duration",
		metric.WithDescription("Duration of bulk operations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	operationCounter, err := meter.Int64Counter(
		"bulk.operations.total",
		metric.WithDescription("Total number of bulk operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	errorCounter, err := meter.Int64Counter(
		"bulk.errors.total",
		metric.WithDescription("Total number of failed bulk operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	activeOperations, err := meter.Int64UpDownCounter(
		"bulk.operations.active",
		metric.WithDescription("Number of bulk operations in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active operations counter: %w", err)
	}

	rowsStaged, err := meter.Int64Counter(
		"bulk.rows.staged",
		metric.WithDescription("Number of rows loaded into staging tables"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged rows counter: %w", err)
	}

	rowsAffected, err := meter.Int64Counter(
		"bulk.rows.affected",
		metric.WithDescription("Number of target rows inserted, updated or deleted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create affected rows counter: %w", err)
	}

	rowsSkipped, err := meter.Int64Counter(
		"bulk.rows.skipped",
		metric.WithDescription("Number of rows skipped for a stale concurrency token"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create skipped rows counter: %w", err)
	}

	cleanupFailures, err := meter.Int64Counter(
		"bulk.cleanup.failures",
		metric.WithDescription("Number of staging artifacts that could not be dropped"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup failures counter: %w", err)
	}

	tiers, err := meter.Int64Histogram(
		"bulk.graph.tiers",
		metric.WithDescription("Number of tiers scheduled for a graph operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph tiers histogram: %w", err)
	}

	return &BulkMetrics{
		operationDuration: operationDuration,
		operationCounter:  operationCounter,
		errorCounter:      errorCounter,
		activeOperations:  activeOperations,
		rowsStaged:        rowsStaged,
		rowsAffected:      rowsAffected,
		rowsSkipped:       rowsSkipped,
		cleanupFailures:   cleanupFailures,
		tiers:             tiers,
	}, nil
}

// RecordOperation records a finished bulk operation with its duration and outcome
func (m *BulkMetrics) RecordOperation(ctx context.Context, duration time.Duration, failed bool, operation, dialect string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("dialect", dialect),
		attribute.Bool("has_errors", failed),
	}

	m.operationDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	m.operationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if failed {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("dialect", dialect),
		))
	}
}

func (m *BulkMetrics) RecordStaged(ctx context.Context, rows int64, table string) {
	if m == nil || rows <= 0 {
		return
	}
	m.rowsStaged.Add(ctx, rows, metric.WithAttributes(attribute.String("table", table)))
}

// RecordAffected records target rows touched by one action: insert, update or delete.
func (m *BulkMetrics) RecordAffected(ctx context.Context, rows int64, table, action string) {
	if m == nil || rows <= 0 {
		return
	}
	m.rowsAffected.Add(ctx, rows, metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("action", action),
	))
}

func (m *BulkMetrics) RecordSkipped(ctx context.Context, rows int64, table string) {
	if m == nil || rows <= 0 {
		return
	}
	m.rowsSkipped.Add(ctx, rows, metric.WithAttributes(attribute.String("table", table)))
}

func (m *BulkMetrics) RecordCleanupFailure(ctx context.Context, table string) {
	if m == nil {
		return
	}
	m.cleanupFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

func (m *BulkMetrics) RecordTiers(ctx context.Context, tiers int64) {
	if m == nil {
		return
	}
	m.tiers.Record(ctx, tiers)
}

// IncrementActiveOperations increments the active operations counter
func (m *BulkMetrics) IncrementActiveOperations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeOperations.Add(ctx, 1)
}

// DecrementActiveOperations decrements the active operations counter
func (m *BulkMetrics) DecrementActiveOperations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeOperations.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the BulkMetrics instance
func InitMetrics(logger *slog.Logger) (*BulkMetrics, error) {
	metrics, err := InitBulkMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize bulk metrics: %w", err)
	}

	logger.Info("bulk operation metrics initialized")
	return metrics, nil
}

type bulkMetricsContextKey struct{}

// ContextWithBulkMetrics stores bulk metrics in the provided context.
func ContextWithBulkMetrics(ctx context.Context, metrics *BulkMetrics) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bulkMetricsContextKey{}, metrics)
}

// BulkMetricsFromContext retrieves bulk metrics from the context.
func BulkMetricsFromContext(ctx context.Context) *BulkMetrics {
	if ctx == nil {
		return nil
	}
	metrics, _ := ctx.Value(bulkMetricsContextKey{}).(*BulkMetrics)
	return metrics
}
