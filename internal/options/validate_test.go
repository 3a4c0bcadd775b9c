package options

import (
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/bulkerr"
)

type emptySource struct{}

func (emptySource) Columns() []string    { return nil }
func (emptySource) Next() ([]any, error) { return nil, nil }

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		opts      Options
		wantField string
	}{
		{name: "defaults are valid", kind: Upsert, opts: Options{}},
		{name: "include and exclude columns", kind: Insert, opts: Options{Columns: ColumnSet{Include: []string{"a"}, Exclude: []string{"b"}}}, wantField: "Columns"},
		{name: "include and exclude compare", kind: Update, opts: Options{Compare: ColumnSet{Include: []string{"a"}, Exclude: []string{"b"}}}, wantField: "Compare"},
		{name: "include and exclude update", kind: Upsert, opts: Options{Update: ColumnSet{Include: []string{"a"}, Exclude: []string{"b"}}}, wantField: "Update"},
		{name: "negative batch size", kind: Insert, opts: Options{BatchSize: -1}, wantField: "BatchSize"},
		{name: "negative timeout", kind: Insert, opts: Options{Timeout: -time.Second}, wantField: "Timeout"},
		{name: "conflict policy on update", kind: Update, opts: Options{ConflictPolicy: ConflictIgnore}, wantField: "ConflictPolicy"},
		{name: "conflict policy on insert", kind: Insert, opts: Options{ConflictPolicy: ConflictReplace}},
		{name: "sync filter on upsert", kind: Upsert, opts: Options{SyncFilter: sq.Eq{"tenant": 1}}, wantField: "SyncFilter"},
		{name: "soft delete on sync", kind: Sync, opts: Options{SoftDelete: map[string]any{"deleted": true}}},
		{name: "graph with delete", kind: Delete, opts: Options{IncludeGraph: true}, wantField: "IncludeGraph"},
		{name: "graph with sync", kind: Sync, opts: Options{IncludeGraph: true}, wantField: "IncludeGraph"},
		{name: "graph with upsert", kind: Upsert, opts: Options{IncludeGraph: true}},
		{name: "source with outputs", kind: Insert, opts: Options{Source: emptySource{}, RequestGeneratedOutputs: true}, wantField: "Source"},
		{name: "source with read", kind: Read, opts: Options{Source: emptySource{}}, wantField: "Source"},
		{name: "stale rows without token", kind: Update, opts: Options{SkipStaleRows: true, DisableConcurrencyToken: true}, wantField: "SkipStaleRows"},
		{name: "stale rows on insert", kind: Insert, opts: Options{SkipStaleRows: true}, wantField: "SkipStaleRows"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(tt.kind)
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, bulkerr.ErrConfiguration)
			var cfgErr *bulkerr.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestParseKindAndPolicy(t *testing.T) {
	for _, k := range []Kind{Insert, Update, Upsert, Sync, Delete, Read, Truncate} {
		parsed, ok := ParseKind(strings.ToUpper(k.String()))
		require.True(t, ok, k.String())
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("merge")
	assert.False(t, ok)

	p, ok := ParseConflictPolicy("")
	require.True(t, ok)
	assert.Equal(t, ConflictError, p)
	p, ok = ParseConflictPolicy("IGNORE")
	require.True(t, ok)
	assert.Equal(t, ConflictIgnore, p)
}

func TestEffectiveBatchSize(t *testing.T) {
	assert.Equal(t, DefaultBatchSize, (&Options{}).EffectiveBatchSize())
	assert.Equal(t, 10, (&Options{BatchSize: 10}).EffectiveBatchSize())
}
