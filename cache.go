package rocket

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheSize bounds each handle cache of a Rocket
const DefaultCacheSize = 1000

// handleCache keeps recently used handles so that repeated lookups of the
// same queue, job or worker share one value. Handles hold no store state,
// so an evicted handle is simply rebuilt on the next lookup.
type handleCache[T any] struct {
	mu    sync.Mutex
	items *lru.Cache
}

func newHandleCache[T any](size int) *handleCache[T] {
	if size <= 0 {
		size = DefaultCacheSize
	}
	items, err := lru.New(size)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	return &handleCache[T]{items: items}
}

func (c *handleCache[T]) getOrCreate(key string, create func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.items.Get(key); ok {
		return v.(T)
	}
	v := create()
	c.items.Add(key, v)
	return v
}

func (c *handleCache[T]) put(key string, v T) {
	c.items.Add(key, v)
}

func (c *handleCache[T]) remove(key string) {
	c.items.Remove(key)
}

func (c *handleCache[T]) len() int {
	return c.items.Len()
}
