package healthsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Cache is the read-through data cache. Entries are immutable once built;
// Set swaps in a new entry so a reader never sees a partial value.
type Cache struct {
	storage Storage
	log     logrus.FieldLogger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewCache creates a cache over storage.
func NewCache(storage Storage, log logrus.FieldLogger) *Cache {
	return &Cache{
		storage: storage,
		log:     componentLogger(log, "cache"),
		now:     time.Now,
		entries: make(map[string]*CacheEntry),
	}
}

// Set stores data under key with the current time and the next version.
// A storage failure is logged; the value stays readable from memory.
func (c *Cache) Set(ctx context.Context, key string, data any) error {
	raw, err := encodePayload(data)
	if err != nil {
		return err
	}

	prev, _ := c.Entry(ctx, key)
	entry := &CacheEntry{Data: raw, Timestamp: c.now().UTC(), Version: 1}
	if prev != nil {
		entry.Version = prev.Version + 1
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	record, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.storage.Set(ctx, CacheKeyPrefix+key, record); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("persist cache entry failed; keeping it in memory")
	}
	return nil
}

// Get returns the cached data for key. A missing or corrupt entry is a miss.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.Entry(ctx, key)
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), entry.Data...), true
}

// Entry returns the full cached entry for key.
func (c *Cache) Entry(ctx context.Context, key string) (*CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry, true
	}

	record, ok, err := c.storage.Get(ctx, CacheKeyPrefix+key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("read cache entry failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var stored CacheEntry
	if err := json.Unmarshal(record, &stored); err != nil || stored.Data == nil {
		c.log.WithField("key", key).Warn("cache entry is corrupt; treating as miss")
		return nil, false
	}

	c.mu.Lock()
	// A concurrent Set wins over what we just loaded.
	if existing, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return existing, true
	}
	c.entries[key] = &stored
	c.mu.Unlock()
	return &stored, true
}

// Remove drops key from memory and storage.
func (c *Cache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if err := c.storage.Remove(ctx, CacheKeyPrefix+key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("remove cache entry failed")
	}
}

// CacheGet decodes the cached value for key into T.
func CacheGet[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}
