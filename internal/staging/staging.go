// Package staging creates the per-call staging table, loads the input rows
// into it through the adapter's bulk load channel, and drops it again.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/dialect"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/options"
)

// Artifact is the staging table (and output table, where the engine uses
// one) of one call.
type Artifact struct {
	Descriptor *mapping.Descriptor
	// Rows is the number of rows loaded.
	Rows int

	adapter dialect.Adapter
	created int
	dropped bool
}

// Tables returns the names of the tables the artifact created.
func (a *Artifact) Tables() []string {
	switch a.created {
	case 0:
		return nil
	case 1:
		return []string{a.Descriptor.StagingTable}
	}
	return []string{a.Descriptor.StagingTable, a.Descriptor.OutputTable}
}

// Stage creates the staging table for d and loads the rows into it: the
// entities, or opts.Source when set.
//
// The returned artifact is non-nil whenever a CREATE statement was issued,
// including on failure, so that the caller can always clean it up.
func Stage(ctx context.Context, exec dbexec.Executor, adapter dialect.Adapter, d *mapping.Descriptor, entities []any, opts *options.Options) (*Artifact, error) {
	if err := bulkerr.Cancelled(ctx, "stage"); err != nil {
		return nil, err
	}
	req := &dialect.StageRequest{
		Descriptor: d,
		Columns:    mapping.Names(d.Staged),
		BatchSize:  opts.EffectiveBatchSize(),
		Progress:   opts.Progress,
	}
	if opts.Source != nil {
		reader, err := newSourceReader(d, opts.Source)
		if err != nil {
			return nil, err
		}
		req.Rows = reader
		req.Total = -1
	} else {
		req.Rows = newEntityReader(d, entities)
		req.Total = len(entities)
	}

	artifact := &Artifact{Descriptor: d, adapter: adapter}
	for _, stmt := range adapter.CreateStaging(d) {
		artifact.created++
		if _, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return artifact, fmt.Errorf("failed to create staging table %s: %w", d.StagingTable, err)
		}
	}

	if err := bulkerr.Cancelled(ctx, "load"); err != nil {
		return artifact, err
	}
	loaded, err := adapter.StageRows(ctx, exec, req)
	artifact.Rows = loaded
	if err != nil {
		return artifact, err
	}
	return artifact, nil
}

// Cleanup drops the staging artifacts. It runs on a context detached from
// cancellation: a cancelled call still removes its tables. Cleanup is a
// no-op after the first call.
func (a *Artifact) Cleanup(ctx context.Context, exec dbexec.QueryExecutor) error {
	if a == nil || a.created == 0 || a.dropped {
		return nil
	}
	a.dropped = true
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, stmt := range a.adapter.DropStaging(a.Descriptor) {
		if _, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			errs = append(errs, fmt.Errorf("failed to drop %s: %w", a.Descriptor.StagingTable, err))
		}
	}
	return errors.Join(errs...)
}

// Abandon marks the artifact as gone without issuing any statement, for
// engines whose rollback already discarded it.
func (a *Artifact) Abandon() {
	if a != nil {
		a.dropped = true
	}
}

// entityReader yields the staged columns of each entity through the
// compiled accessors, converters and JSON encoding included.
type entityReader struct {
	d        *mapping.Descriptor
	entities []any
	next     int
}

func newEntityReader(d *mapping.Descriptor, entities []any) *entityReader {
	return &entityReader{d: d, entities: entities}
}

func (r *entityReader) Next() ([]any, error) {
	if r.next >= len(r.entities) {
		return nil, io.EOF
	}
	entity := r.entities[r.next]
	r.next++

	row := make([]any, len(r.d.Staged))
	for i, f := range r.d.Staged {
		v, err := r.d.Type.DBValue(entity, f)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

// sourceReader reorders external rows into the staged column order. Staged
// columns the source does not provide are loaded as NULL.
type sourceReader struct {
	source options.RowSource
	index  []int
}

func newSourceReader(d *mapping.Descriptor, source options.RowSource) (*sourceReader, error) {
	columns := source.Columns()
	index := make([]int, len(d.Staged))
	for i, f := range d.Staged {
		index[i] = -1
		for j, name := range columns {
			if field := d.Type.Field(name); field == f {
				index[i] = j
				break
			}
		}
		if index[i] < 0 && d.Kind != options.Insert && mapping.Has(d.Key, f) {
			return nil, bulkerr.Configf("Source", "row source does not provide key column %s", f.Column)
		}
	}
	return &sourceReader{source: source, index: index}, nil
}

func (r *sourceReader) Next() ([]any, error) {
	values, err := r.source.Next()
	if err != nil {
		return nil, err
	}
	row := make([]any, len(r.index))
	for i, j := range r.index {
		if j < 0 {
			continue
		}
		if j >= len(values) {
			return nil, fmt.Errorf("row source returned %d values, want at least %d", len(values), j+1)
		}
		row[i] = values[j]
	}
	return row, nil
}
