package store

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
)

// List is an ordered list
type List struct {
	s   *Store
	key string
}

// List returns a handle on the list at name
func (s *Store) List(name string) *List {
	return &List{s: s, key: s.Key(name)}
}

func (l *List) Key() string { return l.key }

// Push appends items to the tail
func (l *List) Push(ctx context.Context, items ...string) (int, error) {
	args := []interface{}{l.key}
	for _, it := range items {
		args = append(args, it)
	}
	return redis.Int(l.s.Do(ctx, "RPUSH", args...))
}

// Pop removes the head. ok is false when the list is empty.
func (l *List) Pop(ctx context.Context) (string, bool, error) {
	v, err := redis.String(l.s.Do(ctx, "LPOP", l.key))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// BlockingPop removes the head, waiting up to timeout for an item
func (l *List) BlockingPop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	_, v, ok, err := l.s.BlockingPop(ctx, timeout, l.key)
	return v, ok, err
}

// Range returns items between start and stop inclusive
func (l *List) Range(ctx context.Context, start, stop int) ([]string, error) {
	return redis.Strings(l.s.Do(ctx, "LRANGE", l.key, start, stop))
}

// Page returns the page-th (1 based) slice of size items
func (l *List) Page(ctx context.Context, page, size int) ([]string, error) {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	return l.Range(ctx, start, start+size-1)
}

// Len returns the list length
func (l *List) Len(ctx context.Context) (int, error) {
	return redis.Int(l.s.Do(ctx, "LLEN", l.key))
}

// Remove deletes every occurrence of item and returns how many went
func (l *List) Remove(ctx context.Context, item string) (int, error) {
	return redis.Int(l.s.Do(ctx, "LREM", l.key, 0, item))
}

// Insert places item before or after pivot. It returns -1 when the pivot
// is missing.
func (l *List) Insert(ctx context.Context, item string, before bool, pivot string) (int, error) {
	where := "AFTER"
	if before {
		where = "BEFORE"
	}
	return redis.Int(l.s.Do(ctx, "LINSERT", l.key, where, pivot, item))
}

// Delete removes the list
func (l *List) Delete(ctx context.Context) error {
	_, err := l.s.Delete(ctx, l.key)
	return err
}

// UniqueList is a list that holds each value at most once. Membership is
// tracked in a companion set named <key>_SET.
type UniqueList struct {
	s      *Store
	key    string
	setKey string
}

var uniquePushScript = NewScript("unique_push", 2, `
if redis.call('sadd', KEYS[2], ARGV[1]) == 1 then
  redis.call('rpush', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var uniquePopScript = NewScript("unique_pop", 2, `
local item = redis.call('lpop', KEYS[1])
if item then
  redis.call('srem', KEYS[2], item)
end
return item
`)

// UniqueList returns a handle on the unique list at name
func (s *Store) UniqueList(name string) *UniqueList {
	key := s.Key(name)
	return &UniqueList{s: s, key: key, setKey: key + "_SET"}
}

func (u *UniqueList) Key() string { return u.key }

// Push appends item unless it is already present. It reports whether
// the item was added.
func (u *UniqueList) Push(ctx context.Context, item string) (bool, error) {
	added, err := redis.Int(u.s.Eval(ctx, uniquePushScript, u.key, u.setKey, item))
	return added == 1, err
}

// Pop removes the head without blocking
func (u *UniqueList) Pop(ctx context.Context) (string, bool, error) {
	v, err := redis.String(u.s.Eval(ctx, uniquePopScript, u.key, u.setKey))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// BlockingPop removes the head, waiting up to timeout for an item
func (u *UniqueList) BlockingPop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		return u.Pop(ctx)
	}
	_, v, ok, err := u.s.BlockingPop(ctx, timeout, u.key)
	if err != nil || !ok {
		return "", false, err
	}
	if _, err := u.s.Do(ctx, "SREM", u.setKey, v); err != nil {
		return v, true, err
	}
	return v, true, nil
}

// Has reports whether item is queued
func (u *UniqueList) Has(ctx context.Context, item string) (bool, error) {
	return redis.Bool(u.s.Do(ctx, "SISMEMBER", u.setKey, item))
}

// Items returns every queued item in order
func (u *UniqueList) Items(ctx context.Context) ([]string, error) {
	return redis.Strings(u.s.Do(ctx, "LRANGE", u.key, 0, -1))
}

// Len returns the number of queued items
func (u *UniqueList) Len(ctx context.Context) (int, error) {
	return redis.Int(u.s.Do(ctx, "LLEN", u.key))
}

// Remove drops item from the list
func (u *UniqueList) Remove(ctx context.Context, item string) error {
	b := u.s.NewBatch().SRem(u.setKey, item).LRem(u.key, item)
	_, err := u.s.Exec(ctx, b, 0)
	return err
}

// Set is an unordered set of strings
type Set struct {
	s   *Store
	key string
}

// Set returns a handle on the set at name
func (s *Store) Set(name string) *Set {
	return &Set{s: s, key: s.Key(name)}
}

func (st *Set) Key() string { return st.key }

// Add inserts members and returns how many were new
func (st *Set) Add(ctx context.Context, members ...string) (int, error) {
	args := []interface{}{st.key}
	for _, m := range members {
		args = append(args, m)
	}
	return redis.Int(st.s.Do(ctx, "SADD", args...))
}

// Remove deletes members and returns how many were present
func (st *Set) Remove(ctx context.Context, members ...string) (int, error) {
	args := []interface{}{st.key}
	for _, m := range members {
		args = append(args, m)
	}
	return redis.Int(st.s.Do(ctx, "SREM", args...))
}

// Has reports whether member is in the set
func (st *Set) Has(ctx context.Context, member string) (bool, error) {
	return redis.Bool(st.s.Do(ctx, "SISMEMBER", st.key, member))
}

// Count returns the set cardinality
func (st *Set) Count(ctx context.Context) (int, error) {
	return redis.Int(st.s.Do(ctx, "SCARD", st.key))
}

// Members returns every member
func (st *Set) Members(ctx context.Context) ([]string, error) {
	return redis.Strings(st.s.Do(ctx, "SMEMBERS", st.key))
}

// MoveTo atomically moves member into dst. It reports false when member
// was not in this set.
func (st *Set) MoveTo(ctx context.Context, dst *Set, member string) (bool, error) {
	return redis.Bool(st.s.Do(ctx, "SMOVE", st.key, dst.key, member))
}

// Delete removes the set
func (st *Set) Delete(ctx context.Context) error {
	_, err := st.s.Delete(ctx, st.key)
	return err
}

// SortedSet is a set of members ordered by an integer score
type SortedSet struct {
	s   *Store
	key string
}

// SortedSet returns a handle on the sorted set at name
func (s *Store) SortedSet(name string) *SortedSet {
	return &SortedSet{s: s, key: s.Key(name)}
}

func (z *SortedSet) Key() string { return z.key }

// Add inserts member with score
func (z *SortedSet) Add(ctx context.Context, score int64, member string) error {
	_, err := z.s.Do(ctx, "ZADD", z.key, score, member)
	return err
}

// RangeByScore returns up to limit members scored within [min, max]. A
// limit of zero or less returns every match.
func (z *SortedSet) RangeByScore(ctx context.Context, min, max int64, limit int) ([]string, error) {
	if limit > 0 {
		return redis.Strings(z.s.Do(ctx, "ZRANGEBYSCORE", z.key, min, max, "LIMIT", 0, limit))
	}
	return redis.Strings(z.s.Do(ctx, "ZRANGEBYSCORE", z.key, min, max))
}

// Score returns the score of member, with ok false when absent
func (z *SortedSet) Score(ctx context.Context, member string) (int64, bool, error) {
	score, err := redis.Int64(z.s.Do(ctx, "ZSCORE", z.key, member))
	if errors.Is(err, redis.ErrNil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Remove deletes member and reports whether it was present
func (z *SortedSet) Remove(ctx context.Context, member string) (bool, error) {
	return redis.Bool(z.s.Do(ctx, "ZREM", z.key, member))
}

// Count returns the number of members
func (z *SortedSet) Count(ctx context.Context) (int, error) {
	return redis.Int(z.s.Do(ctx, "ZCARD", z.key))
}

// Delete removes the sorted set
func (z *SortedSet) Delete(ctx context.Context) error {
	_, err := z.s.Delete(ctx, z.key)
	return err
}

// Hash is a field/value map
type Hash struct {
	s   *Store
	key string
}

// Hash returns a handle on the hash at name
func (s *Store) Hash(name string) *Hash {
	return &Hash{s: s, key: s.Key(name)}
}

func (h *Hash) Key() string { return h.key }

// Get returns a field value, with ok false when the field is unset
func (h *Hash) Get(ctx context.Context, field string) (string, bool, error) {
	v, err := redis.String(h.s.Do(ctx, "HGET", h.key, field))
	if errors.Is(err, redis.ErrNil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// GetAll returns every field
func (h *Hash) GetAll(ctx context.Context) (map[string]string, error) {
	return redis.StringMap(h.s.Do(ctx, "HGETALL", h.key))
}

// Set sets one field
func (h *Hash) Set(ctx context.Context, field string, value interface{}) error {
	_, err := h.s.Do(ctx, "HSET", h.key, field, value)
	return err
}

// Incr adds n to a numeric field and returns the new value
func (h *Hash) Incr(ctx context.Context, field string, n int64) (int64, error) {
	return redis.Int64(h.s.Do(ctx, "HINCRBY", h.key, field, n))
}

// Del removes fields and returns how many existed
func (h *Hash) Del(ctx context.Context, fields ...string) (int, error) {
	args := []interface{}{h.key}
	for _, f := range fields {
		args = append(args, f)
	}
	return redis.Int(h.s.Do(ctx, "HDEL", args...))
}

// Len returns the number of fields
func (h *Hash) Len(ctx context.Context) (int, error) {
	return redis.Int(h.s.Do(ctx, "HLEN", h.key))
}

// Exists reports whether the hash exists
func (h *Hash) Exists(ctx context.Context) (bool, error) {
	return h.s.Exists(ctx, h.key)
}

// Delete removes the hash and reports whether it existed
func (h *Hash) Delete(ctx context.Context) (bool, error) {
	n, err := h.s.Delete(ctx, h.key)
	return n > 0, err
}

// Flag is an on/off switch stored as a plain key
type Flag struct {
	s   *Store
	key string
}

// Flag returns a handle on the flag at name
func (s *Store) Flag(name string) *Flag {
	return &Flag{s: s, key: s.Key(name)}
}

func (f *Flag) Key() string { return f.key }

// On sets the flag
func (f *Flag) On(ctx context.Context) error {
	_, err := f.s.Do(ctx, "SET", f.key, 1)
	return err
}

// OnFor sets the flag so that it clears itself after ttl
func (f *Flag) OnFor(ctx context.Context, ttl time.Duration) error {
	_, err := f.s.Do(ctx, "SET", f.key, 1, "EX", int64(ttl.Seconds()))
	return err
}

// Off clears the flag
func (f *Flag) Off(ctx context.Context) error {
	_, err := f.s.Delete(ctx, f.key)
	return err
}

// IsOn reports whether the flag is set
func (f *Flag) IsOn(ctx context.Context) (bool, error) {
	return f.s.Exists(ctx, f.key)
}
