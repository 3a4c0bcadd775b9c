// Package bulkerr defines the error taxonomy of the bulk engine.
//
// Provider errors (driver and bulk loader failures) are never wrapped in a new
// type: they reach the caller unchanged, or as the primary error of a
// CleanupError when cleanup also failed.
package bulkerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration matches every configuration failure, including
	// unsupported operation/engine combinations.
	ErrConfiguration = errors.New("bulk configuration error")
	// ErrColumnMapping matches staged data whose shape does not fit the target.
	ErrColumnMapping = errors.New("bulk column mapping error")
	// ErrCancelled matches a pipeline aborted by its context.
	ErrCancelled = errors.New("bulk operation cancelled")
)

// ConfigurationError reports an invalid option set or model definition. It is
// raised before any SQL is issued and is never retried.
type ConfigurationError struct {
	Field   string
	Message string
	Hint    string
}

// Configf builds a ConfigurationError for field.
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// WithHint returns e with a remediation hint attached.
func (e *ConfigurationError) WithHint(hint string) *ConfigurationError {
	e.Hint = hint
	return e
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Hint != "" {
		b.WriteString(" (hint: ")
		b.WriteString(e.Hint)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnsupportedOperationError reports an operation kind with no mapping on a
// given engine. It is a configuration error.
type UnsupportedOperationError struct {
	Dialect   string
	Operation string
	Reason    string
}

func (e *UnsupportedOperationError) Error() string {
	msg := fmt.Sprintf("operation %s is not supported by the %s dialect", e.Operation, e.Dialect)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ColumnMappingError reports a staged row shape that does not match the
// target table. StagingMissing is set when the staging table no longer exists,
// which points at a transaction boundary that dropped it early.
type ColumnMappingError struct {
	Table          string
	StagingTable   string
	Column         string
	StagingMissing bool
	Err            error
}

func (e *ColumnMappingError) Error() string {
	if e.StagingMissing {
		return fmt.Sprintf("staging table %s for %s no longer exists; it was likely dropped by a transaction boundary before the merge ran: %v",
			e.StagingTable, e.Table, e.Err)
	}
	if e.Column != "" {
		return fmt.Sprintf("column %s does not map onto table %s: %v", e.Column, e.Table, e.Err)
	}
	return fmt.Sprintf("staged rows do not match table %s: %v", e.Table, e.Err)
}

func (e *ColumnMappingError) Unwrap() error { return e.Err }

func (e *ColumnMappingError) Is(target error) bool {
	return target == ErrColumnMapping
}

// CancellationError reports a pipeline stopped by context cancellation or
// deadline between two steps.
type CancellationError struct {
	Step string
	Err  error
}

// Cancelled wraps ctx.Err() when the context is done, and returns nil otherwise.
func Cancelled(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return &CancellationError{Step: step, Err: err}
	}
	return nil
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("bulk operation cancelled before %s: %v", e.Step, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

// CleanupError carries a primary failure together with errors raised while
// dropping staging artifacts. Unwrap exposes only the primary error.
type CleanupError struct {
	Primary   error
	Secondary []error
}

// WithCleanup attaches cleanup failures to primary. When primary is nil the
// cleanup failures become the result on their own.
func WithCleanup(primary error, cleanup ...error) error {
	var secondary []error
	for _, err := range cleanup {
		if err != nil {
			secondary = append(secondary, err)
		}
	}
	if len(secondary) == 0 {
		return primary
	}
	if primary == nil {
		return fmt.Errorf("failed to clean up staging: %w", errors.Join(secondary...))
	}
	return &CleanupError{Primary: primary, Secondary: secondary}
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("%v (cleanup also failed: %v)", e.Primary, errors.Join(e.Secondary...))
}

func (e *CleanupError) Unwrap() error { return e.Primary }
