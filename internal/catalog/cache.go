package catalog

import (
	"context"
	"sync"
)

// Cache wraps a Store with a read-through in-process cache guarded by a
// sync.RWMutex, favoring concurrent readers. Create seeds the cache with the
// new index; Delete and UpdateSize go straight to the underlying Store and
// invalidate (rather than update) the cached entry.
type Cache struct {
	store Store

	mu    sync.RWMutex
	byID  map[string]*Index
}

// NewCache wraps store with a read-through cache.
func NewCache(store Store) *Cache {
	return &Cache{
		store: store,
		byID:  make(map[string]*Index),
	}
}

// Get returns the index for publicID, consulting the cache before falling
// back to the Store on a miss.
func (c *Cache) Get(ctx context.Context, publicID string) (*Index, error) {
	c.mu.RLock()
	idx, ok := c.byID[publicID]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	idx, err := c.store.Get(ctx, publicID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byID[publicID] = idx
	c.mu.Unlock()

	return idx, nil
}

// Create persists a new index and seeds the cache with it.
func (c *Cache) Create(ctx context.Context, idx *Index) error {
	if err := c.store.Create(ctx, idx); err != nil {
		return err
	}
	c.mu.Lock()
	c.byID[idx.PublicID] = idx
	c.mu.Unlock()
	return nil
}

// ListByAuthz is a pass-through; listings are not cached.
func (c *Cache) ListByAuthz(ctx context.Context, authzID string) ([]*Index, error) {
	return c.store.ListByAuthz(ctx, authzID)
}

// Delete removes the index from the Store and invalidates the cache entry.
func (c *Cache) Delete(ctx context.Context, publicID string) error {
	if err := c.store.Delete(ctx, publicID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.byID, publicID)
	c.mu.Unlock()
	return nil
}

// UpdateSize updates the stored size and invalidates the cache entry so the
// next Get re-reads the fresh value rather than serving a stale Size.
func (c *Cache) UpdateSize(ctx context.Context, publicID string, size int64) error {
	if err := c.store.UpdateSize(ctx, publicID, size); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.byID, publicID)
	c.mu.Unlock()
	return nil
}

// Ping delegates to the underlying Store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
