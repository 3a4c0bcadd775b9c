package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out))
	assert.Equal(t, "bulkmerge dev (none)\n", out.String())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), []string{"--operation", "merge", "--table", "t", "--input", "x"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "configuration validation failed")
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	err := run(context.Background(), []string{"--no-such-flag"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "failed to load configuration")
}

func TestRunSyncFromFiles(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE prices (sku TEXT PRIMARY KEY, amount INTEGER NOT NULL);
INSERT INTO prices VALUES ('old', 1), ('keep', 2);`)
	require.NoError(t, err)

	input := filepath.Join(dir, "prices.csv")
	require.NoError(t, os.WriteFile(input, []byte("sku,amount\nkeep,20\nnew,30\n"), 0o600))

	err = run(context.Background(), []string{
		"--database.driver", "sqlite",
		"--database.database", dbPath,
		"--table", "prices",
		"--operation", "sync",
		"--format", "csv",
		"--input", input,
	}, &bytes.Buffer{})
	require.NoError(t, err)

	rows, err := db.Query(`SELECT sku, amount FROM prices ORDER BY sku`)
	require.NoError(t, err)
	defer rows.Close()
	var got []string
	for rows.Next() {
		var sku string
		var amount int
		require.NoError(t, rows.Scan(&sku, &amount))
		got = append(got, fmt.Sprintf("%s=%d", sku, amount))
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"keep=20", "new=30"}, got)
}
