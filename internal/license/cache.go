package license

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// CacheEntry represents a cached validation result
type CacheEntry struct {
	Snapshot  Snapshot  `json:"snapshot"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int       `json:"hit_count"`
}

// CacheStats summarises cache usage
type CacheStats struct {
	Entries   int     `json:"entries"`
	MaxSize   int     `json:"max_size"`
	HitCount  int64   `json:"hit_count"`
	MissCount int64   `json:"miss_count"`
	HitRatio  float64 `json:"hit_ratio"`
	TTL       string  `json:"ttl"`
}

// ValidationCache keeps successful validations for a TTL. A zero TTL or
// max size disables it.
type ValidationCache struct {
	entries   map[string]CacheEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	now       func() time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewValidationCache creates a new cache and starts its cleanup loop
func NewValidationCache(ttl time.Duration, maxSize int, now func() time.Time) *ValidationCache {
	if now == nil {
		now = time.Now
	}
	cache := &ValidationCache{
		entries:  make(map[string]CacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		now:      now,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go cache.cleanup(ttl)
	}
	return cache
}

// ScopeKey builds the cache key for a set of fingerprints and entitlements.
// Order does not matter.
func ScopeKey(fingerprints, entitlements []string) string {
	fps := append([]string(nil), fingerprints...)
	ents := append([]string(nil), entitlements...)
	sort.Strings(fps)
	sort.Strings(ents)
	return strings.Join(fps, ",") + "|" + strings.Join(ents, ",")
}

// Get retrieves a snapshot from cache
func (c *ValidationCache) Get(key string) (*Snapshot, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists || !c.now().Before(entry.ExpiresAt) {
		c.missCount++
		return nil, false
	}

	entry.HitCount++
	c.entries[key] = entry
	c.hitCount++

	snap := entry.Snapshot
	return &snap, true
}

// Set stores a snapshot in cache
func (c *ValidationCache) Set(key string, snap Snapshot) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 || c.ttl <= 0 {
		return
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := c.now()
	c.entries[key] = CacheEntry{
		Snapshot:  snap,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// Invalidate removes one entry
func (c *ValidationCache) Invalidate(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry
func (c *ValidationCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]CacheEntry)
}

// Stats returns cache statistics
func (c *ValidationCache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}
	return CacheStats{
		Entries:   len(c.entries),
		MaxSize:   c.maxSize,
		HitCount:  c.hitCount,
		MissCount: c.missCount,
		HitRatio:  ratio,
		TTL:       c.ttl.String(),
	}
}

func (c *ValidationCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop gracefully stops the cleanup goroutine
func (c *ValidationCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *ValidationCache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purge()
		case <-c.stopChan:
			return
		}
	}
}

func (c *ValidationCache) purge() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}
