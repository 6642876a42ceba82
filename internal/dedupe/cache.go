// ABOUTME: Bounded TTL cache mapping idempotency keys to the IDs they produced
// ABOUTME: Lets a retried send return the original message instead of a duplicate

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults used when New is given non-positive limits.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxSize = 10000

	cleanupInterval = time.Minute
)

type entry struct {
	key     string
	value   string
	expires time.Time
}

// Cache remembers key -> value for a fixed TTL. When full, the oldest entry is
// evicted. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache. Call Run to sweep expired entries in the background.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetClock replaces the time source. For tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Lookup returns the value remembered for key, if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if !c.now().Before(e.expires) {
		c.removeLocked(elem)
		return "", false
	}
	return e.value, true
}

// Remember stores value under key, replacing any previous value and
// restarting its TTL.
func (c *Cache) Remember(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if elem, ok := c.entries[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expires = expires
		c.order.MoveToBack(elem)
		return
	}

	for len(c.entries) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, value: value, expires: expires})
}

// Forget drops key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len reports the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, e.key)
}

// Sweep removes expired entries and returns how many it dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Every entry gets the same TTL and Remember moves refreshed keys to the
	// back, so expiry order matches list order.
	now := c.now()
	n := 0
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if now.Before(elem.Value.(*entry).expires) {
			break
		}
		c.removeLocked(elem)
		n++
	}
	return n
}

// Run sweeps expired entries every minute until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
