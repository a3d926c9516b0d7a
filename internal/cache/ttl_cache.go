// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"sync"
	"time"

	"deskvfs/internal/common"
	"deskvfs/internal/metrics"
)

// TTLCache maps virtual paths to values with TTL-based expiration.
// Every Set stamps the entry with a monotonic version token.
//
// Thread-safe: Uses RWMutex for concurrent access.
type TTLCache[V any] struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*entry[V]
	ttl     time.Duration
	maxSize int
	version uint64
	now     func() time.Time
}

type entry[V any] struct {
	value   V
	version uint64
	expires time.Time
}

// ListingCache maps directory paths to their last listing.
type ListingCache = TTLCache[[]common.FileRef]

// PayloadCache maps file paths to their last read bytes.
type PayloadCache = TTLCache[[]byte]

// NewListingCache creates a listing cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewListingCache(ttl time.Duration, maxSize int) *ListingCache {
	return newTTLCache[[]common.FileRef]("listing", ttl, maxSize)
}

// NewPayloadCache creates a payload cache with the same parameters.
func NewPayloadCache(ttl time.Duration, maxSize int) *PayloadCache {
	return newTTLCache[[]byte]("payload", ttl, maxSize)
}

func newTTLCache[V any](name string, ttl time.Duration, maxSize int) *TTLCache[V] {
	return &TTLCache[V]{
		name:    name,
		entries: make(map[string]*entry[V], 64),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value and version for path.
// ok is false if not found, expired, or caching is disabled (DESKVFS_CACHE=0).
func (c *TTLCache[V]) Get(path string) (value V, version uint64, ok bool) {
	if Disabled {
		return value, 0, false
	}

	c.mu.RLock()
	e, found := c.entries[path]
	c.mu.RUnlock()

	if !found || (c.ttl > 0 && c.now().After(e.expires)) {
		metrics.RecordCacheLookup(c.name, false)
		return value, 0, false
	}
	metrics.RecordCacheLookup(c.name, true)
	return e.value, e.version, true
}

// Set stores value for path and returns its version token.
// No-op if caching is disabled (DESKVFS_CACHE=0).
func (c *TTLCache[V]) Set(path string, value V) uint64 {
	if Disabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[path]; !exists {
			c.evictExpiredLocked()
			if len(c.entries) >= c.maxSize {
				return 0
			}
		}
	}

	c.version++
	e := &entry[V]{value: value, version: c.version}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[path] = e
	return c.version
}

func (c *TTLCache[V]) evictExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for p, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, p)
		}
	}
}

// Invalidate clears all entries from the cache.
func (c *TTLCache[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*entry[V], 64)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *TTLCache[V]) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidateTree removes path and every entry below it.
func (c *TTLCache[V]) InvalidateTree(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.entries {
		if common.Contains(path, p) {
			delete(c.entries, p)
		}
	}
}

// InvalidatePathAndParent invalidates a path and its parent directory.
// Used for write, unlink and mkdir.
func (c *TTLCache[V]) InvalidatePathAndParent(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	delete(c.entries, common.Dirname(path))
}

// InvalidateRename invalidates both endpoints of a move and their parents.
func (c *TTLCache[V]) InvalidateRename(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.entries {
		if common.Contains(oldPath, p) || common.Contains(newPath, p) {
			delete(c.entries, p)
		}
	}
	delete(c.entries, common.Dirname(oldPath))
	delete(c.entries, common.Dirname(newPath))
}

// Size returns the current number of entries in the cache.
func (c *TTLCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats describes a cache.
type Stats struct {
	Name    string
	Size    int
	MaxSize int
	TTL     time.Duration
	Version uint64
}

// Stats returns current cache statistics.
func (c *TTLCache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Name:    c.name,
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Version: c.version,
	}
}
