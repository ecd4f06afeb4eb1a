package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	rocketErrors "github.com/BranchIntl/rocket/errors"
	"github.com/gomodule/redigo/redis"
)

type command struct {
	name string
	args []interface{}
}

// Batch buffers commands that are flushed as one MULTI/EXEC transaction
type Batch struct {
	cmds []command
}

// NewBatch returns an empty batch
func (s *Store) NewBatch() *Batch {
	return &Batch{}
}

// Len returns the number of buffered commands
func (b *Batch) Len() int {
	return len(b.cmds)
}

// Send buffers an arbitrary command
func (b *Batch) Send(cmd string, args ...interface{}) *Batch {
	b.cmds = append(b.cmds, command{name: cmd, args: args})
	return b
}

// HSet sets field/value pairs on a hash
func (b *Batch) HSet(key string, fieldsAndValues ...interface{}) *Batch {
	return b.Send("HSET", append([]interface{}{key}, fieldsAndValues...)...)
}

// HDel removes fields from a hash
func (b *Batch) HDel(key string, fields ...string) *Batch {
	args := []interface{}{key}
	for _, f := range fields {
		args = append(args, f)
	}
	return b.Send("HDEL", args...)
}

// HIncrBy increments a hash field
func (b *Batch) HIncrBy(key, field string, n int64) *Batch {
	return b.Send("HINCRBY", key, field, n)
}

// SAdd adds a member to a set
func (b *Batch) SAdd(key, member string) *Batch {
	return b.Send("SADD", key, member)
}

// SRem removes a member from a set
func (b *Batch) SRem(key, member string) *Batch {
	return b.Send("SREM", key, member)
}

// SMove moves a member between two sets
func (b *Batch) SMove(src, dst, member string) *Batch {
	return b.Send("SMOVE", src, dst, member)
}

// RPush appends to a list
func (b *Batch) RPush(key, value string) *Batch {
	return b.Send("RPUSH", key, value)
}

// LRem removes every occurrence of value from a list
func (b *Batch) LRem(key, value string) *Batch {
	return b.Send("LREM", key, 0, value)
}

// ZAdd adds a scored member to a sorted set
func (b *Batch) ZAdd(key string, score int64, member string) *Batch {
	return b.Send("ZADD", key, score, member)
}

// ZRem removes a member from a sorted set
func (b *Batch) ZRem(key, member string) *Batch {
	return b.Send("ZREM", key, member)
}

// Del removes keys
func (b *Batch) Del(keys ...string) *Batch {
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return b.Send("DEL", args...)
}

// Expire sets a time to live on a key
func (b *Batch) Expire(key string, ttl time.Duration) *Batch {
	return b.Send("EXPIRE", key, int64(ttl.Seconds()))
}

// Exec flushes the batch as one transaction. Transport failures are
// retried with linear backoff until timeout has elapsed; a timeout of
// zero makes exactly one attempt. When the deadline passes the outcome
// is unknown and the caller must re-read state before acting on it.
func (s *Store) Exec(ctx context.Context, b *Batch, timeout time.Duration) ([]interface{}, error) {
	if b.Len() == 0 {
		return nil, nil
	}

	var replies []interface{}
	err := s.withRetry(ctx, timeout, func() error {
		var err error
		replies, err = s.execOnce(ctx, b)
		return err
	})
	return replies, err
}

// withRetry runs fn until it succeeds, fails with a non-transport error,
// or the next backoff step would pass timeout
func (s *Store) withRetry(ctx context.Context, timeout time.Duration, fn func() error) error {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		wait := time.Duration(attempt) * s.options.RetryInterval
		if timeout <= 0 || time.Now().Add(wait).After(deadline) {
			return err
		}

		s.logger.Warn("Store operation failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return rocketErrors.NewStoreError("retry", "", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (s *Store) execOnce(ctx context.Context, b *Batch) ([]interface{}, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return nil, rocketErrors.NewStoreError("MULTI", "", err)
	}
	for _, c := range b.cmds {
		if err := conn.Send(c.name, c.args...); err != nil {
			return nil, rocketErrors.NewStoreError(c.name, firstKey(c.args), err)
		}
	}

	replies, err := redis.Values(redis.DoContext(conn, ctx, "EXEC"))
	if err != nil {
		return nil, rocketErrors.NewStoreError("EXEC", "", err)
	}

	for i, r := range replies {
		if rerr, ok := r.(redis.Error); ok {
			c := b.cmds[i]
			return replies, rocketErrors.NewStoreError(c.name, firstKey(c.args),
				fmt.Errorf("command %d failed: %w", i, rerr))
		}
	}
	return replies, nil
}

// retryable reports whether err came from the transport rather than from
// the server rejecting a command
func retryable(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return false
	}
	if errors.Is(err, rocketErrors.ErrNotConnected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
