package cliapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"bulkmerge/bulk"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/introspection"
	"bulkmerge/internal/model"
	"bulkmerge/internal/observability"
	"bulkmerge/internal/options"
)

// Run executes the configured job. It requires Init to have completed.
func (a *App) Run(ctx context.Context) (*bulk.Result, error) {
	a.stateMu.Lock()
	initialized := a.initialized
	a.stateMu.Unlock()
	if !initialized {
		return nil, fmt.Errorf("app is not initialized")
	}

	job := a.cfg.Job
	kind, err := job.Kind()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, err
	}
	ctx = observability.ContextWithBulkMetrics(ctx, a.metrics)

	table, err := introspection.IntrospectTable(ctx, dbexec.NewStandardExecutor(a.db), a.adapter.Name(), job.Schema, job.Table)
	if err != nil {
		return nil, err
	}
	if len(job.MatchBy) == 0 && kind != options.Insert && kind != options.Truncate &&
		len(introspection.PrimaryKeyColumns(*table)) == 0 {
		return nil, fmt.Errorf("table %s has no primary key: pass --match-by", job.Table)
	}
	t := table.DynamicType()
	logger := a.logger.WithOperation(kind.String(), job.Table)

	start := time.Now()
	var (
		result  *bulk.Result
		records []any
	)
	if kind == options.Truncate {
		result, err = bulk.RunContext(ctx, a.engine, t, kind, nil, opts)
	} else {
		// Read reports only the rows it found.
		if kind == options.Read {
			opts.PreserveInsertionOrder = false
		}
		result, records, err = a.load(ctx, t, kind, opts)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("bulk operation finished",
		slog.Int("staged", result.Staged),
		slog.Int64("inserted", result.Inserted),
		slog.Int64("updated", result.Updated),
		slog.Int64("deleted", result.Deleted),
		slog.Int("skipped", result.SkippedCount),
		slog.Duration("duration", time.Since(start)),
	)

	if job.Output == "" || (kind != options.Read && !opts.RequestGeneratedOutputs) {
		return result, nil
	}
	out := records
	if !opts.PreserveInsertionOrder {
		out = result.Entities
	}
	return result, a.writeOutput(job.Output, out)
}

// load reads the input and runs kind over it. CSV input is streamed into
// staging unless records must be written back.
func (a *App) load(ctx context.Context, t *model.Type, kind options.Kind, opts options.Options) (*bulk.Result, []any, error) {
	in, closeIn, err := a.openInput(a.cfg.Job.Input)
	if err != nil {
		return nil, nil, err
	}
	defer closeIn()

	var records []any
	switch a.cfg.Job.Format {
	case "csv":
		src, err := newCSVSource(in, t)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", a.cfg.Job.Input, err)
		}
		if kind != options.Read && !opts.RequestGeneratedOutputs {
			result, err := bulk.LoadContext(ctx, a.engine, t, src, kind, opts)
			return result, nil, err
		}
		records, err = src.records()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", a.cfg.Job.Input, err)
		}
	default:
		records, err = readJSONL(in, t)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", a.cfg.Job.Input, err)
		}
	}

	a.logger.Debug("input read", slog.Int("records", len(records)))
	result, err := bulk.RunContext(ctx, a.engine, t, kind, records, opts)
	return result, records, err
}

func (a *App) openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return a.stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func (a *App) writeOutput(path string, records []any) error {
	if path == "-" {
		return writeJSONL(a.stdout, records)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSONL(f, records); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
