package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-indexer/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot read paths: assets (immutable),
// single positions, and exposure. Ingest writes go to the primary
// store and invalidate the affected keys; level queries always hit the
// primary (the bucket tables churn too fast to cache usefully).
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func assetKey(id uint32) string    { return fmt.Sprintf("perpidx:asset:%d", id) }
func positionKey(id uint32) string { return fmt.Sprintf("perpidx:position:%d", id) }
func exposureKey() string          { return "perpidx:exposure" }
func traderKey(addr string) string { return "perpidx:trader:" + lowerAddr(addr) }

func (s *CachedStore) invalidatePosition(ctx context.Context, p *model.Position) {
	keys := []string{exposureKey()}
	if p != nil {
		keys = append(keys, positionKey(p.ID), traderKey(p.Owner))
	}
	s.rdb.Del(ctx, keys...)
}

// --- Assets ---

func (s *CachedStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.UpsertAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(a.ID))
	return nil
}

func (s *CachedStore) GetAsset(ctx context.Context, id uint32) (*model.Asset, error) {
	if data, err := s.rdb.Get(ctx, assetKey(id)).Bytes(); err == nil {
		var a model.Asset
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}
	a, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, assetKey(id), data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	return s.primary.ListAssets(ctx)
}

// --- Ingest (write through, invalidate) ---

func (s *CachedStore) IngestOpened(ctx context.Context, p OpenedParams) (*model.Position, error) {
	pos, err := s.primary.IngestOpened(ctx, p)
	if err != nil {
		return nil, err
	}
	s.invalidatePosition(ctx, pos)
	return pos, nil
}

func (s *CachedStore) IngestExecuted(ctx context.Context, id uint32, entryX6 int64, obs Observed) (*model.Position, error) {
	pos, err := s.primary.IngestExecuted(ctx, id, entryX6, obs)
	if err != nil {
		return nil, err
	}
	s.invalidatePosition(ctx, pos)
	return pos, nil
}

func (s *CachedStore) IngestStopsUpdated(ctx context.Context, id uint32, slX6, tpX6 int64, obs Observed) (*model.Position, error) {
	pos, err := s.primary.IngestStopsUpdated(ctx, id, slX6, tpX6, obs)
	if err != nil {
		return nil, err
	}
	s.invalidatePosition(ctx, pos)
	return pos, nil
}

func (s *CachedStore) IngestRemoved(ctx context.Context, id uint32, reason model.CloseReason, execX6 int64, pnlUsd6 *big.Int, obs Observed) (*model.Position, error) {
	pos, err := s.primary.IngestRemoved(ctx, id, reason, execX6, pnlUsd6, obs)
	if err != nil {
		return nil, err
	}
	s.invalidatePosition(ctx, pos)
	return pos, nil
}

func (s *CachedStore) PatchState(ctx context.Context, id uint32, st model.PositionState) error {
	if err := s.primary.PatchState(ctx, id, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(id), exposureKey())
	return nil
}

// --- Reads ---

func (s *CachedStore) GetPosition(ctx context.Context, id uint32) (*model.Position, error) {
	if data, err := s.rdb.Get(ctx, positionKey(id)).Bytes(); err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(id), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) PositionsByOwner(ctx context.Context, addr string) (*TraderPositions, error) {
	if data, err := s.rdb.Get(ctx, traderKey(addr)).Bytes(); err == nil {
		var tp TraderPositions
		if json.Unmarshal(data, &tp) == nil {
			return &tp, nil
		}
	}
	tp, err := s.primary.PositionsByOwner(ctx, addr)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(tp); err == nil {
		s.rdb.Set(ctx, traderKey(addr), data, s.ttl)
	}
	return tp, nil
}

func (s *CachedStore) OrderLevels(ctx context.Context, q LevelQuery) ([]model.OrderLevel, error) {
	return s.primary.OrderLevels(ctx, q)
}

func (s *CachedStore) StopLevels(ctx context.Context, q LevelQuery) ([]model.StopLevel, error) {
	return s.primary.StopLevels(ctx, q)
}

func (s *CachedStore) ReadBuckets(ctx context.Context, id uint32) ([]model.OrderLevel, []model.StopLevel, error) {
	return s.primary.ReadBuckets(ctx, id)
}

func (s *CachedStore) ListIDs(ctx context.Context, limit, offset int) ([]uint32, error) {
	return s.primary.ListIDs(ctx, limit, offset)
}

func (s *CachedStore) MaxID(ctx context.Context) (uint32, error) {
	return s.primary.MaxID(ctx)
}

func (s *CachedStore) GetExposure(ctx context.Context) ([]model.ExposureView, error) {
	if data, err := s.rdb.Get(ctx, exposureKey()).Bytes(); err == nil {
		var views []model.ExposureView
		if json.Unmarshal(data, &views) == nil {
			return views, nil
		}
	}
	views, err := s.primary.GetExposure(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(views); err == nil {
		s.rdb.Set(ctx, exposureKey(), data, s.ttl)
	}
	return views, nil
}

func (s *CachedStore) AssetExposure(ctx context.Context, assetID uint32) ([]model.ExposureView, error) {
	return s.primary.AssetExposure(ctx, assetID)
}
