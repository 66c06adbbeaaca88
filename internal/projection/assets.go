package projection

import (
	"context"
	"sync"

	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/store"
)

// AssetCache is a read-through cache over the assets table. Assets are
// immutable after creation, so entries are monotonic: once resolved
// they are never invalidated for the life of the process. Concurrent
// reads are safe; misses go to the store.
type AssetCache struct {
	mu    sync.RWMutex
	byID  map[uint32]*model.Asset
	store store.Store
}

// NewAssetCache creates a cache backed by st.
func NewAssetCache(st store.Store) *AssetCache {
	return &AssetCache{
		byID:  make(map[uint32]*model.Asset),
		store: st,
	}
}

// Get resolves an asset, hitting the store on first use.
func (c *AssetCache) Get(ctx context.Context, id uint32) (*model.Asset, error) {
	c.mu.RLock()
	a, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := c.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[id] = a
	c.mu.Unlock()
	return a, nil
}
