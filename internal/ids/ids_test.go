package ids_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwork/internal/db"
	"openwork/internal/domain"
	"openwork/internal/ids"
	"openwork/internal/migrate"
)

func TestParseJobID(t *testing.T) {
	id, err := ids.ParseJobID("7-42")
	require.NoError(t, err)
	assert.Equal(t, ids.JobID{Domain: 7, Counter: 42}, id)
	assert.Equal(t, "7-42", id.String())

	for _, bad := range []string{"", "7", "x-1", "7-0", "7-x", "99999999999-1"} {
		_, err := ids.ParseJobID(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

func TestDisputeID(t *testing.T) {
	assert.Equal(t, "1-3/d2", ids.DisputeID("1-3", 2))
}

func TestAllocatorCountsPerDomain(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "local"})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()

	alloc := ids.Allocator{Max: 2}
	next := func(dom uint32) (ids.JobID, error) {
		tx, err := conn.BeginTx(ctx, nil)
		require.NoError(t, err)
		id, err := alloc.Next(ctx, tx, dom)
		if err != nil {
			tx.Rollback()
			return id, err
		}
		require.NoError(t, tx.Commit())
		return id, nil
	}

	id, err := next(1)
	require.NoError(t, err)
	assert.Equal(t, "1-1", id.String())
	id, err = next(1)
	require.NoError(t, err)
	assert.Equal(t, "1-2", id.String())
	id, err = next(5)
	require.NoError(t, err)
	assert.Equal(t, "5-1", id.String())

	_, err = next(1)
	assert.ErrorIs(t, err, domain.ErrCounterExhausted)
	// Other domains are unaffected.
	id, err = next(5)
	require.NoError(t, err)
	assert.Equal(t, "5-2", id.String())
}
