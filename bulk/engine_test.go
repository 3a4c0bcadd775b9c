package bulk_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"bulkmerge/bulk"
)

type item struct {
	ID   int64
	Name string
	Qty  int64
}

type author struct {
	ID    int64
	Name  string
	Books []*book `bulk:",fk=AuthorID"`
}

type book struct {
	ID       int64
	AuthorID int64
	Title    string
}

const schema = `
CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, qty INTEGER NOT NULL DEFAULT 0);
CREATE TABLE authors (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL);
CREATE TABLE books (id INTEGER PRIMARY KEY AUTOINCREMENT, author_id INTEGER NOT NULL REFERENCES authors(id), title TEXT NOT NULL);
`

func newEngine(t *testing.T) (*bulk.Engine, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bulk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(schema)
	require.NoError(t, err)

	adapter, err := bulk.Detect(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", adapter.Name())
	return bulk.New(db, adapter, bulk.WithRegistry(bulk.NewRegistry(0))), db
}

func names(t *testing.T, db *sql.DB, query string) map[int64]string {
	t.Helper()
	rows, err := db.Query(query)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

func seed(t *testing.T, e *bulk.Engine) []*item {
	t.Helper()
	items := []*item{{Name: "a", Qty: 1}, {Name: "b", Qty: 2}, {Name: "c", Qty: 3}}
	res, err := bulk.InsertContext(context.Background(), e, items, bulk.Options{
		RequestGeneratedOutputs: true,
		PreserveInsertionOrder:  true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Inserted)
	return items
}

func TestInsertWritesGeneratedKeysInListOrder(t *testing.T) {
	e, db := newEngine(t)
	items := seed(t, e)

	assert.Equal(t, []int64{1, 2, 3}, []int64{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, map[int64]string{1: "a", 2: "b", 3: "c"}, names(t, db, "SELECT id, name FROM items"))
}

func TestUpsertIsIdempotent(t *testing.T) {
	e, db := newEngine(t)
	items := seed(t, e)

	items[1].Qty = 20
	extra := &item{Name: "d", Qty: 4}
	res, err := bulk.Upsert(e, append(items, extra), bulk.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Updated)
	assert.Equal(t, int64(1), res.Inserted)

	res, err = bulk.Upsert(e, items, bulk.Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Inserted)

	var qty int64
	require.NoError(t, db.QueryRow("SELECT qty FROM items WHERE id = 2").Scan(&qty))
	assert.Equal(t, int64(20), qty)
	assert.Len(t, names(t, db, "SELECT id, name FROM items"), 4)
}

func TestSyncMakesTableEqualToInput(t *testing.T) {
	e, db := newEngine(t)
	seed(t, e)

	input := []*item{{ID: 1, Name: "a2", Qty: 1}, {Name: "new", Qty: 9}}
	res, err := bulk.SyncContext(context.Background(), e, input, bulk.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, int64(1), res.Updated)
	assert.Equal(t, int64(1), res.Inserted)

	got := names(t, db, "SELECT id, name FROM items")
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[1])
	assert.Equal(t, "new", got[4], "AUTOINCREMENT never reuses the removed ids")
}

func TestReadReturnsFoundRows(t *testing.T) {
	e, _ := newEngine(t)
	seed(t, e)

	res, err := bulk.ReadContext(context.Background(), e, []*item{{ID: 2}, {ID: 99}}, bulk.Options{})
	require.NoError(t, err)
	found := bulk.Entities[*item](res)
	require.Len(t, found, 1)
	assert.Equal(t, item{ID: 2, Name: "b", Qty: 2}, *found[0])

	probe := &item{ID: 3}
	_, err = bulk.Read(e, []*item{probe}, bulk.Options{PreserveInsertionOrder: true})
	require.NoError(t, err)
	assert.Equal(t, "c", probe.Name)
}

func TestDeleteAndTruncate(t *testing.T) {
	e, db := newEngine(t)
	items := seed(t, e)

	res, err := bulk.Delete(e, items[:1], bulk.Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Len(t, names(t, db, "SELECT id, name FROM items"), 2)

	_, err = bulk.TruncateContext[*item](context.Background(), e)
	require.NoError(t, err)
	assert.Empty(t, names(t, db, "SELECT id, name FROM items"))
}

func TestGraphInsertPropagatesParentKeys(t *testing.T) {
	e, db := newEngine(t)
	authors := []*author{
		{Name: "ann", Books: []*book{{Title: "a1"}, {Title: "a2"}}},
		{Name: "bob", Books: []*book{{Title: "b1"}}},
	}

	res, err := bulk.Insert(e, authors, bulk.Options{IncludeGraph: true})
	require.NoError(t, err)
	require.Len(t, res.Tiers, 2)
	assert.Equal(t, "authors", res.Tiers[0].Table)
	assert.Equal(t, "books", res.Tiers[1].Table)
	assert.Equal(t, int64(5), res.Inserted)

	for _, a := range authors {
		for _, b := range a.Books {
			assert.Equal(t, a.ID, b.AuthorID)
			assert.NotZero(t, b.ID)
		}
	}
	got := names(t, db, "SELECT b.id, a.name || ':' || b.title FROM books b JOIN authors a ON a.id = b.author_id")
	assert.ElementsMatch(t, []string{"ann:a1", "ann:a2", "bob:b1"}, values(got))
}

func TestJoinedTransactionIsLeftToCaller(t *testing.T) {
	e, db := newEngine(t)
	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = bulk.Insert(e.WithTx(tx), []*item{{Name: "x"}}, bulk.Options{})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, names(t, db, "SELECT id, name FROM items"))
}

func TestInvalidOptionsFailBeforeSQL(t *testing.T) {
	e, db := newEngine(t)
	_, err := bulk.Delete(e, []*item{{ID: 1}}, bulk.Options{IncludeGraph: true})
	require.ErrorIs(t, err, bulk.ErrConfiguration)

	var cfgErr *bulk.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "IncludeGraph", cfgErr.Field)
	assert.Empty(t, names(t, db, "SELECT id, name FROM items"))
}

func TestUpsertOnNaturalKeyKeepsOutputsWithTheirRows(t *testing.T) {
	e, db := newEngine(t)
	seed(t, e)

	in := []*item{{Name: "z", Qty: 7}, {Name: "a", Qty: 100}}
	res, err := bulk.Upsert(e, in, bulk.Options{
		MatchBy:                 []string{"Name"},
		RequestGeneratedOutputs: true,
		PreserveInsertionOrder:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(1), res.Updated)
	assert.Zero(t, res.SkippedCount)

	assert.Equal(t, item{ID: 4, Name: "z", Qty: 7}, *in[0])
	assert.Equal(t, item{ID: 1, Name: "a", Qty: 100}, *in[1])
	assert.Equal(t, map[int64]string{1: "a", 2: "b", 3: "c", 4: "z"}, names(t, db, "SELECT id, name FROM items"))
}

func TestDetectedAdapterIsSharedAcrossGoroutines(t *testing.T) {
	_, db := newEngine(t)
	e := bulk.New(db, nil)

	const workers = 4
	adapters := make([]bulk.Adapter, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter, err := e.Adapter(context.Background())
			assert.NoError(t, err)
			adapters[i] = adapter
		}()
	}
	wg.Wait()

	require.NotNil(t, adapters[0])
	assert.Equal(t, "sqlite", adapters[0].Name())
	for _, adapter := range adapters[1:] {
		assert.Same(t, adapters[0], adapter)
	}
}

func values(m map[int64]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
