package cache

import (
	"container/list"
	"path"
	"sync"
	"time"
)

// L1Cache is the in-process tier: an LRU with per-entry TTL, bounded both
// by entry count and by an approximate byte budget.
type L1Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	maxBytes   int64
	usedBytes  int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

type l1Entry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewL1Cache creates the L1 tier and starts its cleanup loop.
func NewL1Cache(maxEntries int, maxBytes int64) *L1Cache {
	c := &L1Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		stopCh:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get returns the cached bytes when present and unexpired.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*l1Entry)
	if time.Now().After(ent.expires) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

// Set stores value under key for ttl, evicting LRU entries past either
// bound.
func (c *L1Cache) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}

	ent := &l1Entry{key: key, value: value, expires: time.Now().Add(ttl)}
	el := c.order.PushFront(ent)
	c.entries[key] = el
	c.usedBytes += int64(len(value))

	for (c.maxEntries > 0 && len(c.entries) > c.maxEntries) ||
		(c.maxBytes > 0 && c.usedBytes > c.maxBytes) {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Delete removes a single key.
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
}

// InvalidatePattern removes every key matching a glob pattern. Keys carry
// no path separators, so path.Match gives plain '*' wildcard semantics.
func (c *L1Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if ok, _ := path.Match(pattern, key); ok {
			c.removeLocked(el)
			removed++
		}
	}
	return removed
}

// Len returns the live entry count.
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the cleanup loop.
func (c *L1Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *L1Cache) removeLocked(el *list.Element) {
	ent := el.Value.(*l1Entry)
	c.order.Remove(el)
	delete(c.entries, ent.key)
	c.usedBytes -= int64(len(ent.value))
}

func (c *L1Cache) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, el := range c.entries {
				if now.After(el.Value.(*l1Entry).expires) {
					c.removeLocked(el)
				}
			}
			c.mu.Unlock()
		}
	}
}
