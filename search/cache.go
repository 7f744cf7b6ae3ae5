package search

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a bounded, TTL-aware cache of query -> result-set. Capacity
// enforcement and eviction order are the only things that matter here, so
// container/list's intrusive doubly-linked list is a better fit than
// pulling in a generic LRU dependency for a single call site.
type lruCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	results   []Result
	expiresAt time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		ttl:      ttl,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) ([]Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return entry.results, true
}

func (c *lruCache) set(key string, results []Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).results = results
		el.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&cacheEntry{
		key:       key,
		results:   results,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.items[key] = el

	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
