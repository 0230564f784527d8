package storage

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// typeCache is the process-local id -> type association consulted before
// any type-bucket probe. It is populated on every write and on the first
// successful read of an entity.
type typeCache interface {
	Get(id string) (string, bool)
	Add(id, entityType string)
	Remove(id string)
	Purge()
}

// mapTypeCache is the unbounded default: the association is bounded by the
// working set, so eviction is not required.
type mapTypeCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func newMapTypeCache() *mapTypeCache {
	return &mapTypeCache{m: make(map[string]string)}
}

func (c *mapTypeCache) Get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.m[id]
	return t, ok
}

func (c *mapTypeCache) Add(id, entityType string) {
	c.mu.Lock()
	c.m[id] = entityType
	c.mu.Unlock()
}

func (c *mapTypeCache) Remove(id string) {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
}

func (c *mapTypeCache) Purge() {
	c.mu.Lock()
	c.m = make(map[string]string)
	c.mu.Unlock()
}

// lruTypeCache bounds the association for long-lived router instances
// fronting very large stores.
type lruTypeCache struct {
	cache *lru.Cache[string, string]
}

func newLRUTypeCache(size int) (*lruTypeCache, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &lruTypeCache{cache: cache}, nil
}

func (c *lruTypeCache) Get(id string) (string, bool) {
	return c.cache.Get(id)
}

func (c *lruTypeCache) Add(id, entityType string) {
	c.cache.Add(id, entityType)
}

func (c *lruTypeCache) Remove(id string) {
	c.cache.Remove(id)
}

func (c *lruTypeCache) Purge() {
	c.cache.Purge()
}
