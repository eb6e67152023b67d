package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	TTL        time.Duration
	MaxEntries int // 0 means unbounded
}

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// Cache is a bounded in-process cache with TTL expiry and LRU eviction.
// Concurrent loads for the same key are collapsed through singleflight.
type Cache struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
	opts  Options
	sf    singleflight.Group
}

func New(opts Options) *Cache {
	return &Cache{
		items: make(map[string]*list.Element),
		lru:   list.New(),
		opts:  opts,
	}
}

// Loader produces a value for a key on cache miss. ok=false results are
// not cached.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type loadResult struct {
	val interface{}
	ok  bool
	err error
}

// Get returns the cached value for key, loading it through loader on miss.
func (c *Cache) Get(ctx context.Context, key string, loader Loader) (interface{}, bool, error) {
	if val, ok := c.lookup(key); ok {
		return val, true, nil
	}

	result, _, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check under singleflight: another caller may have loaded it.
		if val, ok := c.lookup(key); ok {
			return loadResult{val: val, ok: true}, nil
		}
		val, ok, err := loader(ctx, key)
		if ok && err == nil {
			c.Set(key, val)
		}
		return loadResult{val: val, ok: ok, err: err}, nil
	})
	res := result.(loadResult)
	if !res.ok {
		return nil, false, res.err
	}
	return res.val, true, nil
}

// Set stores a value under key with the configured TTL.
func (c *Cache) Set(key string, val interface{}) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, exists := c.items[key]; exists {
		el.Value.(*entry).value = val
		el.Value.(*entry).expiresAt = now.Add(c.opts.TTL)
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: key, value: val, expiresAt: now.Add(c.opts.TTL)})
	c.items[key] = el
	c.evictIfNeeded()
}

// Contains reports whether key is present and unexpired, refreshing its
// LRU position on hit.
func (c *Cache) Contains(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Peek returns a cached value without refreshing its LRU position.
func (c *Cache) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		return nil, false
	}
	return e.value, true
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) lookup(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		c.removeElement(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return e.value, true
}

func (c *Cache) expired(e *entry) bool {
	return c.opts.TTL > 0 && time.Now().After(e.expiresAt)
}

func (c *Cache) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeElement(oldest)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.items, e.key)
}
