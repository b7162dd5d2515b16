package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialized is returned when a store is used before Init.
var ErrNotInitialized = errors.New("store not initialized")

// Store is the inventory store contract: sets, hashes, string counters and
// key expiry, with atomic moves between sets.
type Store interface {
	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set and reports whether it was present.
	// Only one concurrent caller observes true, which makes it usable as a claim.
	SRem(ctx context.Context, key, member string) (bool, error)

	// SMove atomically moves member from src to dst. It reports false,
	// changing nothing, when member is not in src.
	SMove(ctx context.Context, src, dst, member string) (bool, error)

	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// SPop removes and returns an arbitrary member. ok is false when the set is empty.
	SPop(ctx context.Context, key string) (member string, ok bool, err error)

	// HGet returns a hash field. ok is false when the field is absent.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Get returns a string key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	// IncrIfBelow increments the counter at key only while its value is below
	// limit. It returns the new value and whether the increment happened.
	IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error)

	// Del removes a key of any type.
	Del(ctx context.Context, key string) error

	// Expire schedules key for deletion after ttl.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
