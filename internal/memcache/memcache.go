// Package memcache holds the in-memory tier of decoded images.
//
// Entries are bounded by aggregate weight (approximate decoded bytes), not by
// count. Access order is tracked with a doubly-linked list so Get, Put and
// eviction are all O(1) per entry.
package memcache

import (
	"container/list"
	"sync"

	"catimage/internal/core"
)

// DefaultMaxWeight is the ceiling used when none is configured (64 MiB).
const DefaultMaxWeight int64 = 64 << 20

// Cache is a weight-bounded LRU of decoded images. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxWeight  int64
	weight     int64
	entries    map[core.Key]*list.Element
	accessList *list.List
	onEvict    func(key core.Key, weight int64)
}

type entry struct {
	key    core.Key
	img    *core.Image
	weight int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithEvictionCallback registers fn to be called for every entry dropped by
// LRU eviction or Trim. fn runs with the cache lock held and must not call back into the cache.
func WithEvictionCallback(fn func(key core.Key, weight int64)) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most maxWeight bytes of decoded pixels.
// A non-positive maxWeight selects DefaultMaxWeight.
func New(maxWeight int64, opts ...Option) *Cache {
	if maxWeight <= 0 {
		maxWeight = DefaultMaxWeight
	}
	c := &Cache{
		maxWeight:  maxWeight,
		entries:    make(map[core.Key]*list.Element),
		accessList: list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the image stored under key and marks it most recently used.
func (c *Cache) Get(key core.Key) (*core.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.accessList.MoveToFront(elem)
	return elem.Value.(*entry).img, true
}

// Put stores img under key, replacing any previous entry, then evicts least
// recently used entries until the aggregate weight fits the ceiling.
// Nil or empty images are ignored, as are images heavier than the ceiling itself.
func (c *Cache) Put(key core.Key, img *core.Image) {
	w := img.Weight()
	if w <= 0 || w > c.maxWeight {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*entry)
		c.weight += w - old.weight
		old.img = img
		old.weight = w
		c.accessList.MoveToFront(elem)
	} else {
		c.entries[key] = c.accessList.PushFront(&entry{key: key, img: img, weight: w})
		c.weight += w
	}

	for c.weight > c.maxWeight {
		if !c.removeOldest() {
			break
		}
	}
}

// Trim drops fraction (0..1] of the entries, oldest first, and returns how many were removed.
func (c *Cache) Trim(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := int(float64(len(c.entries))*fraction + 0.5)
	if n == 0 && len(c.entries) > 0 {
		n = 1
	}
	removed := 0
	for removed < n && c.removeOldest() {
		removed++
	}
	return removed
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[core.Key]*list.Element)
	c.accessList.Init()
	c.weight = 0
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Weight returns the aggregate weight of all cached images.
func (c *Cache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// removeOldest evicts the LRU entry. Caller holds c.mu.
func (c *Cache) removeOldest() bool {
	elem := c.accessList.Back()
	if elem == nil {
		return false
	}
	e := elem.Value.(*entry)
	c.accessList.Remove(elem)
	delete(c.entries, e.key)
	c.weight -= e.weight
	if c.onEvict != nil {
		c.onEvict(e.key, e.weight)
	}
	return true
}
