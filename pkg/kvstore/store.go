// Package kvstore is the narrow key-value surface the session manager and the
// message cache need, with a Redis implementation.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout indicates a store call did not finish within the per-call budget
	ErrTimeout = errors.New("key-value store timeout")
	// ErrNoSuchKey indicates the source key of a rename does not exist
	ErrNoSuchKey = errors.New("no such key")
)

// DefaultOpTimeout bounds every store call when no timeout is configured
const DefaultOpTimeout = 2 * time.Second

// Store is the set of key-value primitives used by the rest of the server.
// Implementations must be safe for concurrent use.
type Store interface {
	// SetNX sets key to value with a TTL only if key does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RenameNX renames src to dst only if dst does not exist. A missing src
	// returns ErrNoSuchKey.
	RenameNX(ctx context.Context, src, dst string) (bool, error)
	// Get returns the string value of key; found is false when it is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Del(ctx context.Context, keys ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	// Scan returns every key matching a glob pattern.
	Scan(ctx context.Context, match string) ([]string, error)
	// HGetAllMany fetches several hashes in one pipelined round trip. Missing
	// keys yield empty maps.
	HGetAllMany(ctx context.Context, keys []string) ([]map[string]string, error)
	// Batch queues writes and executes them as a single MULTI/EXEC
	// transaction.
	Batch(ctx context.Context, fn func(b Batch)) error
	Ping(ctx context.Context) error
	Close() error
}

// Batch collects the write commands of one transaction
type Batch interface {
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
}
