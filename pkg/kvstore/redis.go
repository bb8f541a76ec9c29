package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN
const scanBatch = 100

// Config holds the connection settings for a Redis-backed store
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	OpTimeout time.Duration
}

// RedisStore implements Store on go-redis
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// Open connects to Redis and verifies the connection with a PING
func Open(ctx context.Context, cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Username:              cfg.Username,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})

	s := New(client, cfg.OpTimeout)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return s, nil
}

// New wraps an existing client. A zero timeout uses DefaultOpTimeout.
func New(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// call runs fn under the per-call deadline and normalizes its error
func (s *RedisStore) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.Contains(err.Error(), "no such key") {
		return ErrNoSuchKey
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) RenameNX(ctx context.Context, src, dst string) (bool, error) {
	var ok bool
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.client.RenameNX(ctx, src, dst).Result()
		return err
	})
	return ok, err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		value, err = s.client.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.call(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

func (s *RedisStore) Scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	err := s.call(ctx, func(ctx context.Context) error {
		iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

func (s *RedisStore) HGetAllMany(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	err := s.call(ctx, func(ctx context.Context) error {
		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]string, len(keys))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *RedisStore) Batch(ctx context.Context, fn func(b Batch)) error {
	return s.call(ctx, func(ctx context.Context) error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(&redisBatch{ctx: ctx, pipe: pipe})
			return nil
		})
		return err
	})
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.call(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) SAdd(key string, members ...string) {
	b.pipe.SAdd(b.ctx, key, toArgs(members)...)
}

func (b *redisBatch) SRem(key string, members ...string) {
	b.pipe.SRem(b.ctx, key, toArgs(members)...)
}

func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(b.ctx, key, ttl)
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	args := make([]interface{}, 0, 2*len(fields))
	for name, value := range fields {
		args = append(args, name, value)
	}
	b.pipe.HSet(b.ctx, key, args...)
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
