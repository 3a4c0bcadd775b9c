package bulkerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationErrorMatchesSentinel(t *testing.T) {
	err := Configf("Columns", "include and exclude are mutually exclusive").WithHint("set only one")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "[Columns]")
	assert.Contains(t, err.Error(), "hint: set only one")

	var unsupported error = &UnsupportedOperationError{Dialect: "sqlite", Operation: "sync"}
	assert.ErrorIs(t, unsupported, ErrConfiguration)
}

func TestCancellation(t *testing.T) {
	assert.NoError(t, Cancelled(context.Background(), "merge"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Cancelled(ctx, "merge")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithCleanupKeepsPrimary(t *testing.T) {
	primary := errors.New("duplicate key")
	dropErr := errors.New("drop failed")

	assert.Same(t, primary, WithCleanup(primary, nil))

	err := WithCleanup(primary, dropErr)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.ErrorIs(t, err, primary)
	assert.NotErrorIs(t, err, dropErr)
	assert.Equal(t, []error{dropErr}, cleanupErr.Secondary)

	onlyCleanup := WithCleanup(nil, dropErr)
	assert.ErrorIs(t, onlyCleanup, dropErr)
}

func TestColumnMappingError(t *testing.T) {
	cause := errors.New("unknown column 'x'")
	err := &ColumnMappingError{Table: "users", StagingTable: "usersab", StagingMissing: true, Err: cause}
	assert.ErrorIs(t, err, ErrColumnMapping)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "no longer exists")
}
