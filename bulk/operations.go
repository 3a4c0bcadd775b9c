package bulk

import (
	"context"
	"reflect"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/dialect"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
)

type (
	Options        = options.Options
	Kind           = options.Kind
	ColumnSet      = options.ColumnSet
	ConflictPolicy = options.ConflictPolicy
	RowSource      = options.RowSource
	ProgressFunc   = options.ProgressFunc

	Type           = model.Type
	Registry       = model.Registry
	Converter      = model.Converter
	ConverterFuncs = model.ConverterFuncs
	Adapter        = dialect.Adapter

	ConfigurationError        = bulkerr.ConfigurationError
	UnsupportedOperationError = bulkerr.UnsupportedOperationError
	ColumnMappingError        = bulkerr.ColumnMappingError
	CancellationError         = bulkerr.CancellationError
	CleanupError              = bulkerr.CleanupError
)

const (
	KindInsert   = options.Insert
	KindUpdate   = options.Update
	KindUpsert   = options.Upsert
	KindSync     = options.Sync
	KindDelete   = options.Delete
	KindRead     = options.Read
	KindTruncate = options.Truncate

	ConflictError   = options.ConflictError
	ConflictReplace = options.ConflictReplace
	ConflictIgnore  = options.ConflictIgnore

	DefaultBatchSize = options.DefaultBatchSize
)

var (
	ErrConfiguration = bulkerr.ErrConfiguration
	ErrColumnMapping = bulkerr.ErrColumnMapping
	ErrCancelled     = bulkerr.ErrCancelled

	NewRegistry = model.NewRegistry
	ForName     = dialect.ForName
	Detect      = dialect.Detect
)

func typeOf[T any](e *Engine) (*model.Type, error) {
	return e.provider.TypeFor(reflect.TypeFor[T]())
}

func entitiesOf[T any](items []T) []any {
	entities := make([]any, len(items))
	for i, item := range items {
		entities[i] = item
	}
	return entities
}

func call[T any](ctx context.Context, e *Engine, kind options.Kind, items []T, opts Options) (*Result, error) {
	t, err := typeOf[T](e)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, t, kind, entitiesOf(items), opts)
}

// InsertContext inserts items. Generated identities, computed and default
// values and concurrency tokens are written back when
// RequestGeneratedOutputs is set.
func InsertContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Insert, items, opts)
}

// Insert is InsertContext on a background context.
func Insert[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return InsertContext(context.Background(), e, items, opts)
}

// UpdateContext updates the rows matching items by key.
func UpdateContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Update, items, opts)
}

// Update is UpdateContext on a background context.
func Update[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return UpdateContext(context.Background(), e, items, opts)
}

// UpsertContext updates the rows matching items by key and inserts the rest.
func UpsertContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Upsert, items, opts)
}

// Upsert is UpsertContext on a background context.
func Upsert[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return UpsertContext(context.Background(), e, items, opts)
}

// SyncContext makes the table equal to items: matching rows are updated,
// missing ones inserted, and rows absent from items deleted (or soft
// deleted), within SyncFilter when set.
func SyncContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Sync, items, opts)
}

// Sync is SyncContext on a background context.
func Sync[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return SyncContext(context.Background(), e, items, opts)
}

// DeleteContext deletes the rows matching items by key.
func DeleteContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Delete, items, opts)
}

// Delete is DeleteContext on a background context.
func Delete[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return DeleteContext(context.Background(), e, items, opts)
}

// ReadContext loads the rows matching items by key. With
// PreserveInsertionOrder the values are written onto items; otherwise
// Result.Entities holds new entities for the rows found.
func ReadContext[T any](ctx context.Context, e *Engine, items []T, opts Options) (*Result, error) {
	return call(ctx, e, options.Read, items, opts)
}

// Read is ReadContext on a background context.
func Read[T any](e *Engine, items []T, opts Options) (*Result, error) {
	return ReadContext(context.Background(), e, items, opts)
}

// TruncateContext removes every row of T's table.
func TruncateContext[T any](ctx context.Context, e *Engine) (*Result, error) {
	return call[T](ctx, e, options.Truncate, nil, Options{})
}

// Truncate is TruncateContext on a background context.
func Truncate[T any](e *Engine) (*Result, error) {
	return TruncateContext[T](context.Background(), e)
}

// RunContext runs kind over entities described by t. It serves dynamic
// types, such as map records of an introspected table.
func RunContext(ctx context.Context, e *Engine, t *Type, kind Kind, entities []any, opts Options) (*Result, error) {
	return e.run(ctx, t, kind, entities, opts)
}

// LoadContext stages the rows of src, whose columns name columns of t, and
// merges them with kind.
func LoadContext(ctx context.Context, e *Engine, t *Type, src RowSource, kind Kind, opts Options) (*Result, error) {
	opts.Source = src
	return e.run(ctx, t, kind, nil, opts)
}
