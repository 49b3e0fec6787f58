package shard

import (
	"context"
	"sync"

	"github.com/HelloWorld017/clxdb/crypto"
	"github.com/HelloWorld017/clxdb/storage"
)

// HeaderCache is a per-database key-value store keyed by (uuid, filename),
// sparing a re-fetch-and-decrypt of a shard's header on every lookup (spec
// §3.1, §4.4). Any entry can be safely dropped: a miss just re-derives the
// header by calling Open again. Grounded on the teacher's blockCache
// (block/block_cache.go). MemHeaderCache keeps entries in memory only;
// DiskHeaderCache persists them to a local file.
type HeaderCache interface {
	Get(uuid, filename string) (*Handle, bool)
	Put(uuid string, h *Handle)

	// Prune drops every cached entry for uuid whose filename is not in
	// live, called at the end of each successful client sync tick and after
	// a compaction commits (spec §3.2, "header cache is a pure
	// optimization").
	Prune(uuid string, live map[string]bool)
}

type cacheKey struct {
	uuid     string
	filename string
}

// MemHeaderCache is an in-memory HeaderCache.
type MemHeaderCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*Handle
}

// NewMemHeaderCache returns an empty in-memory HeaderCache.
func NewMemHeaderCache() *MemHeaderCache {
	return &MemHeaderCache{entries: map[cacheKey]*Handle{}}
}

func (c *MemHeaderCache) Get(uuid, filename string) (*Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h, ok := c.entries[cacheKey{uuid, filename}]
	return h, ok
}

func (c *MemHeaderCache) Put(uuid string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{uuid, h.Filename}] = h
}

func (c *MemHeaderCache) Prune(uuid string, live map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.uuid == uuid && !live[key.filename] {
			delete(c.entries, key)
		}
	}
}

// OpenCached returns filename's Handle from cache, or opens and caches it
// on a miss.
func OpenCached(ctx context.Context, backend storage.Backend, cm *crypto.Manager, cache HeaderCache, uuid, filename string) (*Handle, error) {
	if h, ok := cache.Get(uuid, filename); ok {
		return h, nil
	}

	h, err := Open(ctx, backend, cm, filename)
	if err != nil {
		return nil, err
	}

	cache.Put(uuid, h)
	return h, nil
}
