// Package seen implements a time-bounded key cache.
//
// The gateway may consult it before publishing so that copies of one
// envelope arriving over several relay paths go upstream once. The connector
// uses it as its processed-id index when no persistent store is configured.
//
// Entries expire after the configured window. A background reaper removes
// expired entries until Close is called.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

// Cache is a concurrent-safe deduplication store keyed by strings.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	expiry  time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Cache with the given expiry duration.
func New(expiry time.Duration) *Cache {
	return NewWithClock(expiry, time.Now)
}

// NewWithClock is New with an injectable time source, for tests that
// must not sleep through the expiry window.
func NewWithClock(expiry time.Duration, now func() time.Time) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache{
		entries: make(map[string]time.Time),
		expiry:  expiry,
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go c.reap()
	return c
}

// Key joins an origin id and message id into one cache key.
func Key(originID, messageID string) string {
	return originID + "\x00" + messageID
}

// Has returns true if key was previously added and has not expired.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(exp) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Add records key with the configured expiry time.
// Returns true if the key was not previously seen (i.e. this is new traffic).
func (c *Cache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false // already seen
	}
	c.entries[key] = now.Add(c.expiry)
	return true
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the reaper. The cache stays usable; expired entries are then
// only dropped lazily by Has.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// reap periodically removes expired entries to bound memory usage.
func (c *Cache) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	c.mu.Lock()
	for key, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
