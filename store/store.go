// Package store wraps a Redis connection pool with the typed primitives
// the job broker is built on: lists, unique lists, sets, sorted sets,
// hashes and flags, atomic MULTI/EXEC batches with bounded retry, and
// server-side Lua scripts.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	redisUtils "github.com/BranchIntl/rocket/internal/redis"
	"github.com/gomodule/redigo/redis"
)

// Store is a namespaced handle on a Redis database
type Store struct {
	options Options
	logger  *slog.Logger

	mu   sync.RWMutex
	pool *redis.Pool
}

// New creates a store. Connect must be called before use.
func New(options Options) *Store {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		options: options,
		logger:  logger.With("component", "store"),
	}
}

// Connect creates the connection pool and verifies the server answers
func (s *Store) Connect(ctx context.Context) error {
	pool := redisUtils.CreatePool(s.options)
	if s.options.Dial != nil {
		pool.DialContext = s.options.Dial
	}
	if err := redisUtils.Ping(ctx, pool, s.options.URI); err != nil {
		pool.Close()
		return err
	}

	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	s.logger.Debug("Store connected", "uri", redisUtils.Redact(s.options.URI))
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

// Health checks the connection
func (s *Store) Health(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return redisUtils.Ping(ctx, pool, s.options.URI)
}

// Key returns name with the store namespace applied
func (s *Store) Key(name string) string {
	return s.options.Namespace + name
}

// Keyf formats a key name and applies the namespace
func (s *Store) Keyf(format string, args ...interface{}) string {
	return s.Key(fmt.Sprintf(format, args...))
}

// Namespace returns the key prefix
func (s *Store) Namespace() string {
	return s.options.Namespace
}

func (s *Store) getPool() (*redis.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, rocketErrors.ErrNotConnected
	}
	return s.pool, nil
}

func (s *Store) conn(ctx context.Context) (redis.Conn, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, rocketErrors.NewStoreError("connect", "", err)
	}
	return conn, nil
}

// Do executes a single command
func (s *Store) Do(ctx context.Context, cmd string, args ...interface{}) (interface{}, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reply, err := redis.DoContext(conn, ctx, cmd, args...)
	if err != nil {
		return nil, rocketErrors.NewStoreError(cmd, firstKey(args), err)
	}
	return reply, nil
}

// BlockingPop pops the head of one of keys, waiting up to timeout. It
// returns the key popped from and the value, with ok false on timeout.
// A timeout of zero or less polls once without blocking. The wait runs
// in one second BLPOP slices and ends early when ctx is done.
func (s *Store) BlockingPop(ctx context.Context, timeout time.Duration, keys ...string) (key, value string, ok bool, err error) {
	if len(keys) == 0 {
		return "", "", false, nil
	}

	if timeout <= 0 {
		for _, k := range keys {
			v, err := redis.String(s.Do(ctx, "LPOP", k))
			if errors.Is(err, redis.ErrNil) {
				continue
			}
			if err != nil {
				return "", "", false, err
			}
			return k, v, true, nil
		}
		return "", "", false, nil
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return "", "", false, err
	}
	defer conn.Close()

	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, 1)
	wait := time.Second + s.options.ReadTimeout

	for slices := int(math.Ceil(timeout.Seconds())); slices > 0; slices-- {
		if err := ctx.Err(); err != nil {
			return "", "", false, rocketErrors.NewStoreError("BLPOP", keys[0], err)
		}

		reply, err := redis.Strings(redis.DoWithTimeout(conn, wait, "BLPOP", args...))
		if errors.Is(err, redis.ErrNil) {
			continue
		}
		if err != nil {
			return "", "", false, rocketErrors.NewStoreError("BLPOP", keys[0], err)
		}
		if len(reply) != 2 {
			return "", "", false, rocketErrors.NewStoreError("BLPOP", keys[0],
				fmt.Errorf("unexpected reply length %d", len(reply)))
		}
		return reply[0], reply[1], true, nil
	}
	return "", "", false, nil
}

// Exists reports whether key exists
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return redis.Bool(s.Do(ctx, "EXISTS", key))
}

// Delete removes keys and returns how many existed
func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return redis.Int(s.Do(ctx, "DEL", args...))
}

// Expire sets a time to live on key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return redis.Bool(s.Do(ctx, "EXPIRE", key, int64(ttl.Seconds())))
}

// ExpireAt sets an absolute expiry on key
func (s *Store) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	return redis.Bool(s.Do(ctx, "EXPIREAT", key, at.Unix()))
}

// Keys returns the keys matching pattern, namespace included. It uses
// SCAN so it does not block the server.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor = "0"
		keys   []string
	)
	for {
		values, err := redis.Values(s.Do(ctx, "SCAN", cursor, "MATCH", s.Key(pattern), "COUNT", 500))
		if err != nil {
			return nil, err
		}
		var batch []string
		if _, err := redis.Scan(values, &cursor, &batch); err != nil {
			return nil, rocketErrors.NewStoreError("SCAN", pattern, err)
		}
		keys = append(keys, batch...)
		if cursor == "0" {
			return keys, nil
		}
	}
}

func firstKey(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	if k, ok := args[0].(string); ok {
		return k
	}
	return ""
}
