// Package keycache holds unwrapped master keys in memory for the duration
// of a user session. This is the only place the server ever has a usable
// master key; entries must never reach durable storage or logs.
package keycache

import (
	"sync"
	"time"

	"github.com/hermitbox/hermitbox/internal/common"
)

type entry struct {
	key          []byte
	lastActivity time.Time
}

// Cache is a TTL map from user id to unwrapped master key. Reads refresh
// the activity timestamp; a periodic Sweep bounds memory for users who
// never return.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a Cache with the given session TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores or refreshes the master key for userID. The key is copied; the
// caller may wipe its own buffer afterwards.
func (c *Cache) Put(userID string, key []byte) {
	k := make([]byte, len(key))
	copy(k, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[userID]; ok {
		common.WipeByteArray(old.key)
	}
	c.entries[userID] = &entry{key: k, lastActivity: c.now()}
}

// Get returns a copy of the master key and refreshes the activity timestamp.
// An entry past its TTL is evicted and reported as absent.
func (c *Cache) Get(userID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok {
		return nil, false
	}

	now := c.now()
	if now.Sub(e.lastActivity) > c.ttl {
		common.WipeByteArray(e.key)
		delete(c.entries, userID)
		return nil, false
	}

	e.lastActivity = now
	k := make([]byte, len(e.key))
	copy(k, e.key)
	return k, true
}

// Delete evicts a single user's key, wiping the stored bytes.
func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[userID]; ok {
		common.WipeByteArray(e.key)
		delete(c.entries, userID)
	}
}

// Sweep evicts every expired entry regardless of access and returns the
// number evicted.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for id, e := range c.entries {
		if now.Sub(e.lastActivity) > c.ttl {
			common.WipeByteArray(e.key)
			delete(c.entries, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
