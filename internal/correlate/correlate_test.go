package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/dialect"
	"bulkmerge/internal/mapping"
	"bulkmerge/internal/model"
	"bulkmerge/internal/options"
	"bulkmerge/internal/sqlutil"
)

type ticket struct {
	ID      int64
	Title   string
	Created time.Time `bulk:",default"`
	Version int64     `bulk:",version"`
}

type member struct {
	Email  string `bulk:",key"`
	Name   string
	Joined time.Time `bulk:",computed"`
}

func resolve(t *testing.T, rows []any, kind options.Kind, opts options.Options) *mapping.Descriptor {
	t.Helper()
	mt, err := model.NewRegistry(0).TypeOf(rows[0])
	require.NoError(t, err)
	d, err := mapping.Resolve(mt, kind, &opts, rows, sqlutil.StagingNamesWithSuffix(mt.Table, "_c"))
	require.NoError(t, err)
	return d
}

func outputs(d *mapping.Descriptor, rows ...[]any) *dialect.OutputSet {
	out := &dialect.OutputSet{Columns: mapping.Names(d.Outputs)}
	for _, values := range rows {
		out.Rows = append(out.Rows, dialect.OutputRow{Values: values})
	}
	return out
}

func TestPlaceholdersReceiveGeneratedKeysInListOrder(t *testing.T) {
	a, b, c := &ticket{Title: "a"}, &ticket{Title: "b"}, &ticket{Title: "c"}
	entities := []any{a, b, c}
	opts := options.Options{RequestGeneratedOutputs: true, PreserveInsertionOrder: true}
	d := resolve(t, entities, options.Insert, opts)
	require.Equal(t, []string{"id", "created", "version"}, mapping.Names(d.Outputs))
	require.True(t, NeedsPlaceholders(d, &opts))

	n, err := AssignPlaceholders(entities, d)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{-3, -2, -1}, []int64{a.ID, b.ID, c.ID})

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	// Physical return order differs from insertion order.
	out := outputs(d,
		[]any{int64(3), created, int64(1)},
		[]any{int64(1), created, int64(1)},
		[]any{int64(2), created, int64(1)},
	)
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Matched)
	assert.Empty(t, report.Skipped)
	assert.Nil(t, report.Entities)
	assert.Equal(t, []int64{1, 2, 3}, []int64{a.ID, b.ID, c.ID})
	assert.Equal(t, created, b.Created)
	assert.Equal(t, int64(1), c.Version)
}

func TestUpsertMatchesExistingByKeyAndNewByPlaceholder(t *testing.T) {
	fresh, existing := &ticket{Title: "new"}, &ticket{ID: 7, Title: "changed", Version: 1}
	entities := []any{fresh, existing}
	opts := options.Options{RequestGeneratedOutputs: true}
	d := resolve(t, entities, options.Upsert, opts)
	_, err := AssignPlaceholders(entities, d)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), fresh.ID)

	out := outputs(d,
		[]any{int64(7), time.Time{}, int64(2)},
		[]any{int64(8), time.Time{}, int64(1)},
	)
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, int64(8), fresh.ID)
	assert.Equal(t, int64(2), existing.Version)
}

func TestStaleRowsAreSkipped(t *testing.T) {
	t1, t2, t3 := &ticket{ID: 1}, &ticket{ID: 2}, &ticket{ID: 3}
	entities := []any{t1, t2, t3}
	d := resolve(t, entities, options.Update, options.Options{SkipStaleRows: true, RequestGeneratedOutputs: true})

	out := outputs(d,
		[]any{int64(1), time.Time{}, int64(5)},
		[]any{int64(3), time.Time{}, int64(9)},
	)
	out.Stale = [][]any{{int64(2)}}
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, []any{t2}, report.Skipped)
	assert.Equal(t, int64(5), t1.Version)
	assert.Equal(t, int64(9), t3.Version)
}

func TestUnchangedRowsAreNotSkipped(t *testing.T) {
	t1, t2 := &ticket{ID: 1}, &ticket{ID: 2}
	entities := []any{t1, t2}
	d := resolve(t, entities, options.Update, options.Options{RequestGeneratedOutputs: true})

	report, err := Correlate(entities, outputs(d, []any{int64(2), time.Time{}, int64(3)}), d, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Empty(t, report.Skipped)
}

func TestPlaceholderShortfallIsReportedNotMisaligned(t *testing.T) {
	entities := []any{&ticket{}, &ticket{}, &ticket{}}
	opts := options.Options{RequestGeneratedOutputs: true, ConflictPolicy: options.ConflictIgnore}
	d := resolve(t, entities, options.Insert, opts)
	_, err := AssignPlaceholders(entities, d)
	require.NoError(t, err)

	out := outputs(d,
		[]any{int64(11), time.Time{}, int64(1)},
		[]any{int64(10), time.Time{}, int64(1)},
	)
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Matched)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, report.Shortfall)
	assert.Equal(t, 1, report.SkippedCount())
	require.Len(t, report.Written, 2)
	assert.Equal(t, int64(10), report.Written[0].(*ticket).ID)
	assert.Equal(t, int64(11), report.Written[1].(*ticket).ID)
	for _, e := range entities {
		assert.Zero(t, e.(*ticket).ID, "placeholders are reset")
	}

	entities = []any{&ticket{}, &ticket{}, &ticket{}}
	_, err = AssignPlaceholders(entities, d)
	require.NoError(t, err)
	report, err = Correlate(entities, out, d, false)
	require.NoError(t, err)
	assert.Equal(t, report.Written, report.Entities, "the replacement list holds the rows read back")
}

type account struct {
	ID    int64
	Name  string
	Notes string `bulk:",default"`
}

func TestPlaceholdersWithNaturalKeyMatchByKey(t *testing.T) {
	fresh, existing := &account{Name: "z"}, &account{Name: "a"}
	entities := []any{fresh, existing}
	opts := options.Options{MatchBy: []string{"Name"}, RequestGeneratedOutputs: true, PreserveInsertionOrder: true}
	d := resolve(t, entities, options.Upsert, opts)
	require.False(t, d.KeyIsIdentity)
	require.Equal(t, []string{"name", "id", "notes"}, mapping.Names(d.Outputs))
	require.True(t, NeedsPlaceholders(d, &opts))
	_, err := AssignPlaceholders(entities, d)
	require.NoError(t, err)

	// Output follows identity order, the reverse of the list.
	out := outputs(d,
		[]any{"a", int64(1), "old"},
		[]any{"z", int64(4), ""},
	)
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, account{ID: 4, Name: "z"}, *fresh)
	assert.Equal(t, account{ID: 1, Name: "a", Notes: "old"}, *existing)
}

func TestPlaceholderWithNaturalKeyIsSkippedWhenNotWritten(t *testing.T) {
	a, b := &account{Name: "a"}, &account{Name: "b"}
	entities := []any{a, b}
	opts := options.Options{MatchBy: []string{"Name"}, RequestGeneratedOutputs: true, PreserveInsertionOrder: true, ConflictPolicy: options.ConflictIgnore}
	d := resolve(t, entities, options.Insert, opts)
	_, err := AssignPlaceholders(entities, d)
	require.NoError(t, err)

	report, err := Correlate(entities, outputs(d, []any{"b", int64(9), ""}), d, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, []any{a}, report.Skipped)
	assert.Zero(t, a.ID)
	assert.Equal(t, int64(9), b.ID)
}

func TestRemainingSortsNonIntegerIdentitiesLast(t *testing.T) {
	entities := []any{&ticket{}, &ticket{}, &ticket{}, &ticket{}}
	opts := options.Options{RequestGeneratedOutputs: true, PreserveInsertionOrder: true}
	d := resolve(t, entities, options.Insert, opts)

	out := outputs(d,
		[]any{"x", time.Time{}, int64(1)},
		[]any{int64(7), time.Time{}, int64(1)},
		[]any{nil, time.Time{}, int64(1)},
		[]any{int64(3), time.Time{}, int64(1)},
	)
	c, err := newCorrelation(out, d)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 0, 2}, c.remaining())
}

func TestIgnoredConflictsOnNaturalKey(t *testing.T) {
	a, b, c := &member{Email: "a@x"}, &member{Email: "b@x"}, &member{Email: "c@x"}
	entities := []any{a, b, c}
	opts := options.Options{RequestGeneratedOutputs: true, ConflictPolicy: options.ConflictIgnore}
	d := resolve(t, entities, options.Insert, opts)
	require.Equal(t, []string{"email", "joined"}, mapping.Names(d.Outputs))

	joined := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	// Drivers may return text as []byte.
	out := outputs(d,
		[]any{[]byte("a@x"), joined},
		[]any{[]byte("c@x"), joined},
	)
	report, err := Correlate(entities, out, d, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, []any{b}, report.Skipped)
	assert.Equal(t, joined, a.Joined)
	assert.True(t, b.Joined.IsZero())
}

func TestReplacementListFollowsOutputOrder(t *testing.T) {
	a, b := &member{Email: "a@x"}, &member{Email: "b@x"}
	entities := []any{a, b}
	d := resolve(t, entities, options.Upsert, options.Options{RequestGeneratedOutputs: true})

	out := outputs(d, []any{"b@x", time.Time{}}, []any{"a@x", time.Time{}})
	report, err := Correlate(entities, out, d, false)
	require.NoError(t, err)
	assert.Equal(t, []any{b, a}, report.Entities)
}

func TestReadMaterializesOrUpdatesInPlace(t *testing.T) {
	probe := &member{Email: "a@x"}
	d := resolve(t, []any{probe}, options.Read, options.Options{})
	require.Equal(t, []string{"email", "name", "joined"}, mapping.Names(d.Outputs))
	joined := time.Date(2022, 3, 4, 0, 0, 0, 0, time.UTC)
	rows := [][]any{{"a@x", "Ann", joined}}

	report, err := Correlate([]any{probe}, outputs(d, rows...), d, false)
	require.NoError(t, err)
	require.Len(t, report.Entities, 1)
	fresh := report.Entities[0].(*member)
	assert.NotSame(t, probe, fresh)
	assert.Equal(t, "Ann", fresh.Name)
	assert.Empty(t, probe.Name)

	missing := &member{Email: "z@x"}
	report, err = Correlate([]any{probe, missing}, outputs(d, rows...), d, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, "Ann", probe.Name)
	assert.Equal(t, joined, probe.Joined)
	assert.Empty(t, missing.Name)
}

func TestKeyOfNormalizesDriverValues(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	instant := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b []any
	}{
		{"integer widths", []any{int32(5)}, []any{int64(5)}},
		{"unsigned", []any{uint16(5)}, []any{int64(5)}},
		{"integral float", []any{float64(5)}, []any{int64(5)}},
		{"bytes and string", []any{[]byte("k")}, []any{"k"}},
		{"time zones", []any{instant}, []any{instant.In(berlin)}},
		{"composite", []any{"a", int64(1)}, []any{[]byte("a"), int32(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, KeyOf(tt.a), KeyOf(tt.b))
		})
	}

	assert.NotEqual(t, KeyOf([]any{"1"}), KeyOf([]any{int64(1)}))
	assert.NotEqual(t, KeyOf([]any{"a", "b"}), KeyOf([]any{"a\x1fb"}))
	assert.NotEqual(t, KeyOf([]any{nil}), KeyOf([]any{""}))
}
