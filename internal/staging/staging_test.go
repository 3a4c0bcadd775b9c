package staging

import (
	"context"
	"errors"
	"io"
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

type event struct {
	ID      int64
	Name    string
	Payload map[string]string `bulk:",json"`
}

const (
	createEvents = `CREATE TEMP TABLE "events_stage" AS SELECT T."id", T."name", T."payload" FROM "events" AS T WHERE 0`
	dropEvents   = `DROP TABLE IF EXISTS temp."events_stage"`
)

func resolve(t *testing.T, kind options.Kind, opts *options.Options, rows []any) *mapping.Descriptor {
	t.Helper()
	mt, err := model.NewRegistry(0).TypeOf(&event{})
	require.NoError(t, err)
	d, err := mapping.Resolve(mt, kind, opts, rows, sqlutil.StagingNamesWithSuffix(mt.Table, "_stage"))
	require.NoError(t, err)
	return d
}

func newMock(t *testing.T) (*dbexec.StandardExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return dbexec.NewStandardExecutor(db), mock
}

func TestStageLoadsBatchesAndReportsProgress(t *testing.T) {
	exec, mock := newMock(t)
	rows := []any{
		&event{Name: "a", Payload: map[string]string{"k": "v"}},
		&event{Name: "b"},
		&event{ID: 9, Name: "c"},
	}
	var progress []float64
	opts := &options.Options{BatchSize: 2, Progress: func(f float64) { progress = append(progress, f) }}
	d := resolve(t, options.Insert, opts, rows)

	mock.ExpectExec(createEvents).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp."events_stage" ("id","name","payload") VALUES (?,?,?),(?,?,?)`).
		WithArgs(int64(0), "a", `{"k":"v"}`, int64(0), "b", nil).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO temp."events_stage" ("id","name","payload") VALUES (?,?,?)`).
		WithArgs(int64(9), "c", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(dropEvents).WillReturnResult(sqlmock.NewResult(0, 0))

	artifact, err := Stage(context.Background(), exec, dialect.NewSQLite(), d, rows, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, artifact.Rows)
	assert.Equal(t, []string{"events_stage"}, artifact.Tables())
	require.NotEmpty(t, progress)
	assert.InDelta(t, 2.0/3.0, progress[0], 1e-9)
	assert.Equal(t, 1.0, progress[len(progress)-1])

	require.NoError(t, artifact.Cleanup(context.Background(), exec))
	require.NoError(t, artifact.Cleanup(context.Background(), exec), "second cleanup is a no-op")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageFailureStillReturnsArtifact(t *testing.T) {
	exec, mock := newMock(t)
	rows := []any{&event{Name: "a"}}
	opts := &options.Options{}
	d := resolve(t, options.Insert, opts, rows)
	loadErr := errors.New("disk full")

	mock.ExpectExec(createEvents).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp."events_stage" ("id","name","payload") VALUES (?,?,?)`).WillReturnError(loadErr)
	mock.ExpectExec(dropEvents).WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	artifact, err := Stage(ctx, exec, dialect.NewSQLite(), d, rows, opts)
	require.ErrorIs(t, err, loadErr)
	require.NotNil(t, artifact)

	cancel()
	require.NoError(t, artifact.Cleanup(ctx, exec), "cleanup ignores cancellation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageCancelledBeforeAnySQL(t *testing.T) {
	exec, mock := newMock(t)
	opts := &options.Options{}
	d := resolve(t, options.Insert, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	artifact, err := Stage(ctx, exec, dialect.NewSQLite(), d, nil, opts)
	assert.Nil(t, artifact)
	require.ErrorIs(t, err, bulkerr.ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupJoinsDropFailures(t *testing.T) {
	exec, mock := newMock(t)
	opts := &options.Options{}
	d := resolve(t, options.Insert, opts, nil)

	mock.ExpectExec(createEvents).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(dropEvents).WillReturnError(errors.New("locked"))

	artifact, err := Stage(context.Background(), exec, dialect.NewSQLite(), d, nil, opts)
	require.NoError(t, err)
	err = artifact.Cleanup(context.Background(), exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
	require.NoError(t, mock.ExpectationsWereMet())
}

type sliceSource struct {
	columns []string
	rows    [][]any
}

func (s *sliceSource) Columns() []string { return s.columns }

func (s *sliceSource) Next() ([]any, error) {
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	row := s.rows[0]
	s.rows = s.rows[1:]
	return row, nil
}

func TestStageFromRowSource(t *testing.T) {
	exec, mock := newMock(t)
	source := &sliceSource{
		columns: []string{"name", "id"},
		rows:    [][]any{{"x", "1"}, {"y", "2"}},
	}
	opts := &options.Options{Source: source}
	d := resolve(t, options.Upsert, opts, nil)
	require.Equal(t, []string{"id", "name"}, mapping.Names(d.Staged))

	mock.ExpectExec(`CREATE TEMP TABLE "events_stage" AS SELECT T."id", T."name" FROM "events" AS T WHERE 0`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO temp."events_stage" ("id","name") VALUES (?,?),(?,?)`).
		WithArgs("1", "x", "2", "y").
		WillReturnResult(sqlmock.NewResult(0, 2))

	artifact, err := Stage(context.Background(), exec, dialect.NewSQLite(), d, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowSourceMustProvideMatchKey(t *testing.T) {
	exec, mock := newMock(t)
	opts := &options.Options{Source: &sliceSource{columns: []string{"name"}}}
	d := resolve(t, options.Update, opts, nil)

	_, err := Stage(context.Background(), exec, dialect.NewSQLite(), d, nil, opts)
	require.ErrorIs(t, err, bulkerr.ErrConfiguration)
	require.NoError(t, mock.ExpectationsWereMet())
}
