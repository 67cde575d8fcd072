package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Config holds the cache settings.
type Config struct {
	// DefaultTTL is used when Set is called with a non-positive TTL.
	DefaultTTL time.Duration
	// MaxItems bounds the number of live entries. The least recently used entry is evicted first.
	MaxItems int
}

// Cache is an LRU cache with per-entry expiry. It is safe for concurrent use.
type Cache[V any] struct {
	config Config
	mu     sync.Mutex

	items map[string]*entry[V]
	order *list.List
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	element   *list.Element
}

// New creates a cache with the given settings.
func New[V any](config Config) *Cache[V] {
	if config.MaxItems <= 0 {
		config.MaxItems = 1000
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	return &Cache[V]{
		config: config,
		items:  make(map[string]*entry[V]),
		order:  list.New(),
	}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.remove(e)
		return zero, false
	}
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Set stores value under key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = time.Now().Add(ttl)
		c.order.MoveToFront(e.element)
		return
	}
	for len(c.items) >= c.config.MaxItems {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest.Value.(*entry[V]))
	}
	e := &entry[V]{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	e.element = c.order.PushFront(e)
	c.items[key] = e
}

// Delete removes the entry stored under key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
}

// Invalidate removes entries matching pattern and returns how many were removed.
// A trailing * matches any suffix (e.g. "template:*").
func (c *Cache[V]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !strings.HasSuffix(pattern, "*") {
		if e, ok := c.items[pattern]; ok {
			c.remove(e)
			return 1
		}
		return 0
	}
	prefix := strings.TrimSuffix(pattern, "*")
	count := 0
	for key, e := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(e)
			count++
		}
	}
	return count
}

// Size returns the number of entries, including expired ones not yet collected.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
	c.order.Init()
}

// Must be called with lock held.
func (c *Cache[V]) remove(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.items, e.key)
}
