// Package dbexec provides the SQL execution gateway used by the bulk engine.
// Every statement of one bulk call runs through a single Executor bound to one
// connection and transaction.
package dbexec

import (
	"context"
	"database/sql"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution so the engine can run against a
// transaction, a pinned connection, or a mock.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Executor is a QueryExecutor that can also prepare statements. Bulk load
// channels (COPY, bulk copy) are driven through prepared statements.
type Executor interface {
	QueryExecutor
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

func (e *StandardExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.ExecContext(ctx, query, args...)
}

func (e *StandardExecutor) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.PrepareContext(ctx, query)
}

// TxExecutor executes statements inside an existing transaction.
type TxExecutor struct {
	tx *sql.Tx
}

// NewTxExecutor wraps tx.
func NewTxExecutor(tx *sql.Tx) *TxExecutor {
	return &TxExecutor{tx: tx}
}

func (e *TxExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.tx == nil {
		return nil, sql.ErrTxDone
	}
	return e.tx.QueryContext(ctx, query, args...)
}

func (e *TxExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.tx == nil {
		return nil, sql.ErrTxDone
	}
	return e.tx.ExecContext(ctx, query, args...)
}

func (e *TxExecutor) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	if e.tx == nil {
		return nil, sql.ErrTxDone
	}
	return e.tx.PrepareContext(ctx, query)
}

// Tx returns the wrapped transaction.
func (e *TxExecutor) Tx() *sql.Tx {
	return e.tx
}
