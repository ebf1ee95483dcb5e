// auth/cache.go
package auth

import (
	"sync"
	"time"

	"github.com/campusops/relay/model"
)

// maxCacheEntries bounds the decision cache. An attacker cycling through
// unique credentials can otherwise grow the map without limit.
const maxCacheEntries = 4096

type cachedDecision struct {
	decision  model.AuthDecision
	expiresAt time.Time
}

// decisionCache holds authorization decisions keyed by the raw credential.
// Expiry is checked on read; expired entries are reclaimed in bulk when the
// cache fills, so residency never exceeds maxCacheEntries.
type decisionCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDecision
	now     func() time.Time
}

func newDecisionCache() *decisionCache {
	return &decisionCache{
		entries: make(map[string]cachedDecision),
		now:     time.Now,
	}
}

func (c *decisionCache) Get(key string) (model.AuthDecision, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return model.AuthDecision{}, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent refresh may
		// have replaced the entry.
		if current, ok := c.entries[key]; ok && c.now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return model.AuthDecision{}, false
	}
	return entry.decision, true
}

func (c *decisionCache) Set(key string, decision model.AuthDecision, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= maxCacheEntries {
		c.sweepLocked()
	}
	// Still at capacity with live entries: evict arbitrary ones rather
	// than grow past the bound.
	for k := range c.entries {
		if len(c.entries) < maxCacheEntries {
			break
		}
		delete(c.entries, k)
	}

	c.entries[key] = cachedDecision{
		decision:  decision,
		expiresAt: c.now().Add(ttl),
	}
}

// sweepLocked removes every expired entry. Caller holds the write lock.
func (c *decisionCache) sweepLocked() {
	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// len reports the resident entry count.
func (c *decisionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
