package database

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"go-log-indexer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a disposable Postgres, e.g.
// POSTGRES_TEST_DSN="user=postgres password=secret dbname=logindex_test sslmode=disable host=localhost"
func connectForTest(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	db, err := Connect(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Conn.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestRangeLifecycle(t *testing.T) {
	db := connectForTest(t)
	ctx := context.Background()
	index := "dbtest_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = db.DeleteRange(context.Background(), index) })

	// Given an index rotated in with an unknown range
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.SaveRange(ctx, models.IndexRange{
		Index: index, Begin: now, End: now, Unknown: true, CalculatedAt: now,
	}))

	r, err := db.GetRange(ctx, index)
	require.NoError(t, err)
	assert.True(t, r.Unknown)

	// When it is retired, the computed range replaces the unknown one
	begin := now.Add(-time.Hour)
	require.NoError(t, db.SaveRange(ctx, models.IndexRange{
		Index: index, Begin: begin, End: now, CalculatedAt: now, TookMs: 12,
	}))

	r, err = db.GetRange(ctx, index)
	require.NoError(t, err)
	assert.False(t, r.Unknown)
	assert.True(t, begin.Equal(r.Begin))
	assert.EqualValues(t, 12, r.TookMs)

	ranges, err := db.ListRanges(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, ranges)

	require.NoError(t, db.DeleteRange(ctx, index))
	_, err = db.GetRange(ctx, index)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
