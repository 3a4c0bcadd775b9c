package dialect

import (
	"context"
	"errors"
	"fmt"
	"io"

	sq "github.com/Masterminds/squirrel"

	"bulkmerge/internal/dbexec"
)

// batchRows caps the rows per INSERT so that one statement never binds more
// than maxParams parameters or lists more than maxRows rows.
func batchRows(batchSize, columns, maxParams, maxRows int) int {
	size := batchSize
	if size <= 0 {
		size = 1
	}
	if columns > 0 && maxParams > 0 {
		if limit := maxParams / columns; limit < size {
			size = limit
		}
	}
	if maxRows > 0 && maxRows < size {
		size = maxRows
	}
	if size < 1 {
		size = 1
	}
	return size
}

// insertBatches loads rows with multi-row parameterized INSERT statements,
// reporting progress after every batch.
func insertBatches(ctx context.Context, exec dbexec.QueryExecutor, table string, columns []string, format sq.PlaceholderFormat, size int, req *StageRequest) (int, error) {
	loaded := 0
	batch := make([][]any, 0, size)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		builder := sq.Insert(table).Columns(columns...).PlaceholderFormat(format)
		for _, row := range batch {
			builder = builder.Values(row...)
		}
		query, args, err := builder.ToSql()
		if err != nil {
			return err
		}
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		loaded += len(batch)
		batch = batch[:0]
		req.report(loaded)
		return nil
	}

	for {
		row, err := req.Rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return loaded, fmt.Errorf("failed to read staging row %d: %w", loaded+len(batch), err)
		}
		if len(row) != len(columns) {
			return loaded, fmt.Errorf("staging row %d has %d values, want %d", loaded+len(batch), len(row), len(columns))
		}
		batch = append(batch, row)
		if len(batch) == size {
			if err := flush(); err != nil {
				return loaded, err
			}
		}
	}
	if err := flush(); err != nil {
		return loaded, err
	}
	req.done()
	return loaded, nil
}

// copyRows drives a COPY-style bulk load statement: one Exec per row, then a
// final Exec without arguments that flushes the stream.
func copyRows(ctx context.Context, exec dbexec.Executor, query string, every int, req *StageRequest) (int, error) {
	stmt, err := exec.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare bulk load: %w", err)
	}
	defer stmt.Close()

	if every <= 0 {
		every = 1
	}
	loaded := 0
	for {
		row, err := req.Rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return loaded, fmt.Errorf("failed to read staging row %d: %w", loaded, err)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return loaded, err
		}
		loaded++
		if loaded%every == 0 {
			req.report(loaded)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return loaded, err
	}
	req.done()
	return loaded, nil
}
