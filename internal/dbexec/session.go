package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// SessionConfig controls how a Session acquires its connection.
type SessionConfig struct {
	// Setup statements run on the pinned connection before the transaction
	// begins, e.g. "SET SESSION innodb_lock_wait_timeout = 10".
	Setup []string
	// TxOptions is passed to BeginTx for implicit transactions.
	TxOptions *sql.TxOptions
}

// Session pins one connection and one transaction for the duration of a bulk
// call. Staging tables are session scoped on most engines, so every statement
// of the call must run on the same connection.
//
// A Session either owns its transaction (implicit, opened by Open) or joins a
// caller transaction (Join). Only an owned transaction is committed or rolled
// back by Finish.
type Session struct {
	*TxExecutor

	conn      *sql.Conn
	owned     bool
	finalized bool
	mu        sync.Mutex
}

// Open acquires a dedicated connection, runs the setup statements and begins
// an implicit transaction on it.
func Open(ctx context.Context, db *sql.DB, cfg SessionConfig) (*Session, error) {
	if db == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	for _, stmt := range cfg.Setup {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to run session setup %q: %w", stmt, err)
		}
	}
	tx, err := conn.BeginTx(ctx, cfg.TxOptions)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Session{TxExecutor: NewTxExecutor(tx), conn: conn, owned: true}, nil
}

// Join wraps a caller-owned transaction. Finish never commits or rolls it back.
func Join(tx *sql.Tx) *Session {
	return &Session{TxExecutor: NewTxExecutor(tx)}
}

// Owned reports whether the session opened its own transaction.
func (s *Session) Owned() bool {
	return s.owned
}

// Finish commits the implicit transaction when cause is nil and rolls it back
// otherwise, then releases the pinned connection. The returned error is the
// commit or rollback failure, if any.
func (s *Session) Finish(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized || !s.owned {
		s.finalized = true
		return nil
	}
	s.finalized = true

	var err error
	if cause != nil {
		if rbErr := s.tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("failed to roll back transaction: %w", rbErr)
		}
	} else if cErr := s.tx.Commit(); cErr != nil {
		err = fmt.Errorf("failed to commit transaction: %w", cErr)
	}
	if s.conn != nil {
		if closeErr := s.conn.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
