package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New(s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestAcquireIsExclusive(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	l, err := c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "lock:rotate:logs", l.Key())

	_, err = c.Acquire(ctx, "rotate:logs", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	// Other sets are independent.
	_, err = c.Acquire(ctx, "rotate:audit", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, l.Release(ctx))
	_, err = c.Acquire(ctx, "rotate:logs", time.Minute)
	assert.NoError(t, err)
}

func TestLockExpires(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)

	s.FastForward(2 * time.Minute)

	_, err = c.Acquire(ctx, "rotate:logs", time.Minute)
	assert.NoError(t, err)
}

func TestReleaseDoesNotFreeForeignLock(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	// Given the first owner's lock expired and a second owner took it
	first, err := c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)
	s.FastForward(2 * time.Minute)
	_, err = c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)

	// When the first owner releases late
	err = first.Release(ctx)

	// Then the second owner's lock survives
	assert.ErrorIs(t, err, ErrLockLost)
	assert.True(t, s.Exists("lock:rotate:logs"))
}

func TestRefreshExtendsOwnedLock(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	l, err := c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)

	s.FastForward(50 * time.Second)
	require.NoError(t, l.Refresh(ctx, time.Minute))
	assert.Equal(t, time.Minute, s.TTL("lock:rotate:logs"))

	// Still held past the original deadline.
	s.FastForward(30 * time.Second)
	_, err = c.Acquire(ctx, "rotate:logs", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestRefreshFailsOnceLost(t *testing.T) {
	c, s := newTestClient(t)
	ctx := context.Background()

	first, err := c.Acquire(ctx, "rotate:logs", time.Minute)
	require.NoError(t, err)
	s.FastForward(2 * time.Minute)

	// Expired and not yet retaken.
	assert.ErrorIs(t, first.Refresh(ctx, time.Minute), ErrLockLost)
	assert.False(t, s.Exists("lock:rotate:logs"))

	// Retaken by another owner, whose TTL is left alone.
	_, err = c.Acquire(ctx, "rotate:logs", 10*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, first.Refresh(ctx, time.Minute), ErrLockLost)
	assert.Equal(t, 10*time.Second, s.TTL("lock:rotate:logs"))
}

func TestNewFailsWithoutServer(t *testing.T) {
	_, err := New("127.0.0.1:1")
	assert.Error(t, err)
}
