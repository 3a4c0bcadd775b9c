package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/dbexec"
	"bulkmerge/internal/dialect"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

type widget struct {
	ID   int64
	Name string
}

type part struct {
	ID      int64
	Label   string
	Version int64 `bulk:",version"`
}

func setup(t *testing.T, rows []any, kind options.Kind, opts *options.Options) (*Orchestrator, dbexec.Executor, sqlmock.Sqlmock, *mapping.Descriptor) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mt, err := model.NewRegistry(0).TypeOf(rows[0])
	require.NoError(t, err)
	d, err := mapping.Resolve(mt, kind, opts, rows, sqlutil.StagingNamesWithSuffix(mt.Table, "_m"))
	require.NoError(t, err)
	return &Orchestrator{Adapter: dialect.NewSQLite()}, dbexec.NewStandardExecutor(db), mock, d
}

func TestInsertReadsGeneratedIdentitiesBack(t *testing.T) {
	a, b, c := &widget{Name: "a"}, &widget{Name: "b"}, &widget{Name: "c"}
	entities := []any{a, b, c}
	opts := &options.Options{RequestGeneratedOutputs: true}
	o, exec, mock, d := setup(t, entities, options.Insert, opts)

	mock.ExpectExec(`CREATE TEMP TABLE "widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO "widgets" \("name"\) SELECT S\."name" FROM temp\."widgets_m" AS S`).
		WillReturnResult(sqlmock.NewResult(12, 3))
	mock.ExpectQuery(`SELECT "id" FROM "widgets" WHERE`).
		WithArgs(int64(9), int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)).AddRow(int64(11)).AddRow(int64(12)))
	mock.ExpectExec(`DROP TABLE IF EXISTS temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Staged)
	assert.Equal(t, int64(3), outcome.Stats.Inserted)
	require.NotNil(t, outcome.Report)
	assert.Equal(t, 3, outcome.Report.Matched)
	assert.Equal(t, []int64{10, 11, 12}, []int64{a.ID, b.ID, c.ID})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeFailureBecomesColumnMappingError(t *testing.T) {
	entities := []any{&widget{ID: 1, Name: "a"}}
	opts := &options.Options{}
	o, exec, mock, d := setup(t, entities, options.Upsert, opts)

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "widgets"`).WillReturnError(errors.New("no such column: S.nme"))
	mock.ExpectQuery(`SELECT 1 FROM temp\."widgets_m" WHERE 1 = 0`).WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.Error(t, err)
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, bulkerr.ErrColumnMapping)

	var mappingErr *bulkerr.ColumnMappingError
	require.ErrorAs(t, err, &mappingErr)
	assert.Equal(t, "S.nme", mappingErr.Column)
	assert.False(t, mappingErr.StagingMissing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMissingStagingTableIsReported(t *testing.T) {
	entities := []any{&widget{ID: 1, Name: "a"}}
	opts := &options.Options{}
	o, exec, mock, d := setup(t, entities, options.Update, opts)

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "widgets"`).WillReturnError(errors.New("no such table: temp.widgets_m"))
	mock.ExpectQuery(`SELECT 1 FROM`).WillReturnError(errors.New("no such table: temp.widgets_m"))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	var mappingErr *bulkerr.ColumnMappingError
	require.ErrorAs(t, err, &mappingErr)
	assert.True(t, mappingErr.StagingMissing)
	assert.Contains(t, err.Error(), "transaction boundary")
}

func TestCleanupFailureIsSecondary(t *testing.T) {
	entities := []any{&widget{ID: 1, Name: "a"}}
	opts := &options.Options{}
	o, exec, mock, d := setup(t, entities, options.Update, opts)

	boom := errors.New("disk full")
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "widgets"`).WillReturnError(boom)
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnError(errors.New("database is locked"))

	_, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var cleanupErr *bulkerr.CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	require.Len(t, cleanupErr.Secondary, 1)
	assert.Contains(t, cleanupErr.Secondary[0].Error(), "database is locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelledBeforeStagingRunsNoSQL(t *testing.T) {
	a := &widget{Name: "a"}
	entities := []any{a}
	opts := &options.Options{RequestGeneratedOutputs: true}
	o, exec, mock, d := setup(t, entities, options.Insert, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Run(ctx, exec, d, Request{Entities: entities, Options: opts})
	assert.ErrorIs(t, err, bulkerr.ErrCancelled)
	assert.Zero(t, a.ID, "placeholders are reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStagingLoadFailureDropsStaging(t *testing.T) {
	entities := []any{&widget{ID: 1, Name: "a"}}
	opts := &options.Options{}
	o, exec, mock, d := setup(t, entities, options.Update, opts)

	boom := errors.New("disk I/O error")
	mock.ExpectExec(`CREATE TEMP TABLE "widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnError(boom)
	mock.ExpectExec(`DROP TABLE IF EXISTS temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, outcome)
	var cleanupErr *bulkerr.CleanupError
	assert.False(t, errors.As(err, &cleanupErr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutputCaptureFailureDropsStaging(t *testing.T) {
	a, b := &widget{Name: "a"}, &widget{Name: "b"}
	entities := []any{a, b}
	opts := &options.Options{RequestGeneratedOutputs: true}
	o, exec, mock, d := setup(t, entities, options.Insert, opts)

	boom := errors.New("database is locked")
	mock.ExpectExec(`CREATE TEMP TABLE "widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO "widgets"`).WillReturnResult(sqlmock.NewResult(5, 2))
	mock.ExpectQuery(`SELECT "id" FROM "widgets" WHERE`).WillReturnError(boom)
	mock.ExpectExec(`DROP TABLE IF EXISTS temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, outcome)
	assert.Equal(t, []int64{0, 0}, []int64{a.ID, b.ID}, "placeholders are reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelledAfterStagingStillDropsStaging(t *testing.T) {
	entities := []any{&widget{ID: 1, Name: "a"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := &options.Options{Progress: func(float64) { cancel() }}
	o, exec, mock, d := setup(t, entities, options.Update, opts)

	mock.ExpectExec(`CREATE TEMP TABLE "widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(ctx, exec, d, Request{Entities: entities, Options: opts})
	require.ErrorIs(t, err, bulkerr.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcome)

	var cancelErr *bulkerr.CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "merge", cancelErr.Step)
	var cleanupErr *bulkerr.CleanupError
	assert.False(t, errors.As(err, &cleanupErr), "the drop runs on a detached context")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleRowsAreReportedAsSkipped(t *testing.T) {
	p1, p2 := &part{ID: 1, Label: "x", Version: 3}, &part{ID: 2, Label: "y", Version: 1}
	entities := []any{p1, p2}
	opts := &options.Options{SkipStaleRows: true}
	o, exec, mock, d := setup(t, entities, options.Update, opts)

	mock.ExpectExec(`CREATE TEMP TABLE "parts_m"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."parts_m"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(`SELECT S\."id" FROM temp\."parts_m" AS S JOIN "parts" AS T`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectExec(`UPDATE "parts"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.NoError(t, err)
	assert.Equal(t, int64(1), outcome.Stats.Updated)
	require.NotNil(t, outcome.Report)
	assert.Equal(t, []any{p2}, outcome.Report.Skipped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostOperationStatementRunsAfterMerge(t *testing.T) {
	entities := []any{&widget{ID: 4, Name: "a"}}
	opts := &options.Options{PostOperationSQL: "UPDATE audit SET touched = ?", PostOperationArgs: []any{int64(1)}}
	o, exec, mock, d := setup(t, entities, options.Delete, opts)

	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp\."widgets_m"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM "widgets"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE audit SET touched = \?`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := o.Run(context.Background(), exec, d, Request{Entities: entities, Options: opts})
	require.NoError(t, err)
	assert.Equal(t, int64(1), outcome.Stats.Deleted)
	assert.Nil(t, outcome.Report)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncate(t *testing.T) {
	entities := []any{&widget{}}
	o, exec, mock, d := setup(t, entities, options.Truncate, &options.Options{})

	mock.ExpectExec(`DELETE FROM "widgets"`).WillReturnResult(sqlmock.NewResult(0, 9))
	require.NoError(t, o.Truncate(context.Background(), exec, d))
	require.NoError(t, mock.ExpectationsWereMet())
}
