// Package cache provides Redis-backed coordination between worker replicas.
//
// Rotation lock pattern:
//   - Before cycling an index set, a worker takes "lock:rotate:{prefix}" with
//     SET NX and a TTL. Only one replica rotates a given set at a time.
//   - The value is a random token. Release deletes the key only if the token
//     still matches, so a worker whose lock expired cannot free a lock that
//     another replica has since taken.
//   - A long-running holder calls Refresh well inside the TTL. Refresh fails
//     with ErrLockLost once the key has expired or changed hands, and the
//     holder must then stop the work the lock guards.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

var (
	// ErrLockHeld is returned when another owner holds the lock.
	ErrLockHeld = errors.New("cache: lock held by another owner")

	// ErrLockLost is returned by Release and Refresh when the lock expired or
	// was taken over.
	ErrLockLost = errors.New("cache: lock no longer owned")
)

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the TTL of KEYS[1] to ARGV[2] ms only if it still
// holds ARGV[1].
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client wraps the Redis client and exposes domain-level operations.
type Client struct {
	rdb *redis.Client
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Lock is a held lock. It expires on its own after the TTL given to Acquire.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// Acquire takes the named lock for ttl, or returns ErrLockHeld.
func (c *Client) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{rdb: c.rdb, key: lockKeyPrefix + name, token: uuid.NewString()}
	ok, err := c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return l, nil
}

func (l *Lock) Key() string { return l.key }

// Release frees the lock if it is still owned.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Refresh extends the lock to ttl from now if it is still owned.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
