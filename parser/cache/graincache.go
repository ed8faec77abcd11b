// Package cache implements the two bounded caches the sparse extent reader
// needs: a grain cache of decompressed buffers (pinned while in use, LRU
// over the rest) and a grain-table cache. Both sit on top of
// hashicorp/golang-lru for storage and recency ordering; the grain cache
// adds its own pin bookkeeping on top since golang-lru has no notion of
// "refuse to evict this entry".
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/kdmvio/vmdk/vmdkerr"
)

// GrainKey identifies one grain within one extent.
type GrainKey struct {
	ExtentID   uint32
	GrainIndex uint32
}

// TableKey identifies one grain table within one extent.
type TableKey struct {
	ExtentID       uint32
	DirectoryIndex uint32
}

// GrainCache is a bounded, pin-aware cache of decompressed grain buffers.
// GetOrLoad guarantees at most one physical fetch per key for the
// lifetime of a cache entry: concurrent callers for the same key collapse
// onto a single in-flight load via singleflight.
type GrainCache struct {
	capacity int

	mu      sync.Mutex
	store   *lru.Cache
	pinned  map[GrainKey]int
	sfGroup singleflight.Group
}

// NewGrainCache builds a grain cache holding at most capacity entries.
func NewGrainCache(capacity int) *GrainCache {
	if capacity < 1 {
		capacity = 1
	}
	// The backing store never auto-evicts on its own; this cache enforces
	// capacity itself so pinned entries can refuse eviction.
	store, _ := lru.New(capacity * 8)
	return &GrainCache{
		capacity: capacity,
		store:    store,
		pinned:   make(map[GrainKey]int),
	}
}

// GetOrLoad returns the cached buffer for key, pinning it, or calls load
// to fetch it. The returned unpin function must be called exactly once
// when the caller is done with the buffer.
func (c *GrainCache) GetOrLoad(key GrainKey, load func() ([]byte, error)) ([]byte, func(), error) {
	c.mu.Lock()
	if v, ok := c.store.Get(key); ok {
		c.pinned[key]++
		c.mu.Unlock()
		return v.([]byte), c.unpin(key), nil
	}
	c.mu.Unlock()

	sfKey := fmt.Sprintf("%d:%d", key.ExtentID, key.GrainIndex)
	v, err, _ := c.sfGroup.Do(sfKey, func() (interface{}, error) {
		return load()
	})
	if err != nil {
		return nil, nil, err
	}
	buf := v.([]byte)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have inserted the same key while this one loaded.
	if existing, ok := c.store.Get(key); ok {
		c.pinned[key]++
		return existing.([]byte), c.unpin(key), nil
	}
	if err := c.evictLocked(); err != nil {
		return nil, nil, err
	}
	c.store.Add(key, buf)
	c.pinned[key]++
	return buf, c.unpin(key), nil
}

// evictLocked makes room for one more entry, refusing to touch pinned
// ones. If every entry is pinned, the cache is undersized for the
// current fan-in and loading cannot proceed.
func (c *GrainCache) evictLocked() error {
	for c.store.Len() >= c.capacity {
		evictedOne := false
		for _, k := range c.store.Keys() {
			gk := k.(GrainKey)
			if c.pinned[gk] == 0 {
				c.store.Remove(k)
				evictedOne = true
				break
			}
		}
		if !evictedOne {
			return vmdkerr.New(vmdkerr.DomainRuntime, "resize_failed",
				"grain cache is full and every entry is pinned")
		}
	}
	return nil
}

func (c *GrainCache) unpin(key GrainKey) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.pinned[key] > 0 {
			c.pinned[key]--
		}
		if c.pinned[key] == 0 {
			delete(c.pinned, key)
		}
	}
}

// TableCache is a bounded, non-pinning cache of decoded grain tables.
type TableCache struct {
	mu    sync.Mutex
	store *lru.Cache
}

// NewTableCache builds a grain-table cache holding at least 4 entries.
func NewTableCache(capacity int) *TableCache {
	if capacity < 4 {
		capacity = 4
	}
	store, _ := lru.New(capacity)
	return &TableCache{store: store}
}

// Get returns the decoded table for key, if cached.
func (c *TableCache) Get(key TableKey) ([]uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]uint32), true
}

// Add inserts or refreshes the decoded table for key.
func (c *TableCache) Add(key TableKey, table []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, table)
}
