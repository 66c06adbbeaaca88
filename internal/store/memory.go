package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/atmx/perp-indexer/internal/fixed"
	"github.com/atmx/perp-indexer/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Postgres maintains exposure_agg with a trigger; here
// every position write funnels through applyPosition, which applies the
// same compensating delta under the same lock, so the two
// implementations agree observably.
type MemoryStore struct {
	mu        sync.RWMutex
	assets    map[uint32]*model.Asset
	positions map[uint32]*model.Position
	orders    map[orderKey]model.OrderLevel
	stops     map[stopKey]model.StopLevel
	exposure  map[expoKey]*model.Exposure
}

type orderKey struct {
	asset  uint32
	bucket int64
	pos    uint32
}

type stopKey struct {
	asset    uint32
	bucket   int64
	pos      uint32
	stopType model.StopType
}

type expoKey struct {
	asset uint32
	side  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:    make(map[uint32]*model.Asset),
		positions: make(map[uint32]*model.Position),
		orders:    make(map[orderKey]model.OrderLevel),
		stops:     make(map[stopKey]model.StopLevel),
		exposure:  make(map[expoKey]*model.Exposure),
	}
}

func clonePosition(p *model.Position) *model.Position {
	cp := *p
	if p.CloseReason != nil {
		r := *p.CloseReason
		cp.CloseReason = &r
	}
	if p.PnlUsd6 != nil {
		cp.PnlUsd6 = new(big.Int).Set(p.PnlUsd6)
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		cp.ExecutedAt = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	if p.CancelledAt != nil {
		t := *p.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}

// --- Assets ---

func (s *MemoryStore) UpsertAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.assets[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id uint32) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

// --- Exposure maintenance (the in-process rendition of the trigger) ---

func (s *MemoryStore) exposureApply(p *model.Position, sign int64) {
	key := expoKey{asset: p.AssetID, side: p.LongSide}
	e, ok := s.exposure[key]
	if !ok {
		e = &model.Exposure{AssetID: p.AssetID, Side: p.LongSide}
		s.exposure[key] = e
	}
	lots := int64(p.Lots)
	e.SumLots += sign * lots
	e.SumEntryX6Lots += sign * p.EntryX6 * lots
	e.SumLeverLots += sign * int64(p.LeverageX) * lots
	if p.LiqX6 > 0 {
		e.SumLiqX6Lots += sign * p.LiqX6 * lots
		e.SumLiqLots += sign * lots
	}
	e.PositionsCount += sign
}

// applyPosition swaps the stored row, adjusting exposure for the OPEN
// contributions that leave and arrive.
func (s *MemoryStore) applyPosition(p *model.Position) {
	if old, ok := s.positions[p.ID]; ok && old.State == model.StateOpen {
		s.exposureApply(old, -1)
	}
	if p.State == model.StateOpen {
		s.exposureApply(p, 1)
	}
	s.positions[p.ID] = clonePosition(p)
}

// --- Index row maintenance ---

func (s *MemoryStore) deleteOrderRows(id uint32) {
	for k := range s.orders {
		if k.pos == id {
			delete(s.orders, k)
		}
	}
}

func (s *MemoryStore) deleteStopRows(id uint32, types ...model.StopType) {
	for k := range s.stops {
		if k.pos != id {
			continue
		}
		if len(types) == 0 {
			delete(s.stops, k)
			continue
		}
		for _, t := range types {
			if k.stopType == t {
				delete(s.stops, k)
				break
			}
		}
	}
}

func (s *MemoryStore) insertStopRows(p *model.Position, types ...model.StopType) {
	for _, t := range types {
		var price, bucket int64
		switch t {
		case model.StopSL:
			price, bucket = p.SLX6, p.SLBucket
		case model.StopTP:
			price, bucket = p.TPX6, p.TPBucket
		case model.StopLiq:
			price, bucket = p.LiqX6, p.LiqBucket
		}
		if price == 0 {
			continue
		}
		k := stopKey{asset: p.AssetID, bucket: bucket, pos: p.ID, stopType: t}
		s.stops[k] = model.StopLevel{
			AssetID: p.AssetID, BucketID: bucket, PositionID: p.ID,
			StopType: t, Lots: p.Lots, Side: !p.LongSide,
		}
	}
}

func (s *MemoryStore) rebuildIndexRows(p *model.Position) {
	s.deleteOrderRows(p.ID)
	s.deleteStopRows(p.ID)
	switch p.State {
	case model.StateOrder:
		if p.TargetX6 != 0 {
			k := orderKey{asset: p.AssetID, bucket: p.TargetBucket, pos: p.ID}
			s.orders[k] = model.OrderLevel{
				AssetID: p.AssetID, BucketID: p.TargetBucket, PositionID: p.ID,
				Lots: p.Lots, Side: p.LongSide,
			}
		}
	case model.StateOpen:
		s.insertStopRows(p, model.StopSL, model.StopTP, model.StopLiq)
	}
}

// --- Ingest operations ---

func (s *MemoryStore) IngestOpened(_ context.Context, prm OpenedParams) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[prm.AssetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	existing := s.positions[prm.ID]
	if existing != nil && !prm.Force {
		if existing.State.Terminal() ||
			(existing.State == model.StateOpen && prm.State == model.StateOrder) {
			s.rebuildIndexRows(existing)
			return clonePosition(existing), nil
		}
	}

	p := &model.Position{
		ID:           prm.ID,
		Owner:        lowerAddr(prm.Trader),
		AssetID:      prm.AssetID,
		State:        prm.State,
		LongSide:     prm.LongSide,
		Lots:         prm.Lots,
		LeverageX:    prm.LeverageX,
		SLX6:         prm.SLX6,
		TPX6:         prm.TPX6,
		LiqX6:        prm.LiqX6,
		OpenedAt:     time.Now().UTC(),
		LastTxHash:   prm.TxHash,
		LastBlockNum: prm.Block,
	}
	if existing != nil {
		p.OpenedAt = existing.OpenedAt
		p.ExecutedAt = existing.ExecutedAt
	}
	var err error
	switch prm.State {
	case model.StateOrder:
		p.TargetX6 = prm.EntryOrTargetX6
	case model.StateOpen:
		p.EntryX6 = prm.EntryOrTargetX6
		if p.ExecutedAt == nil {
			now := time.Now().UTC()
			p.ExecutedAt = &now
		}
		if p.NotionalUsd6, err = fixed.Notional(p.EntryX6, p.Lots, asset.LotNum, asset.LotDen); err != nil {
			return nil, err
		}
		if p.MarginUsd6, err = fixed.Margin(p.NotionalUsd6, p.LeverageX); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ingest opened: initial state %s", prm.State)
	}

	if err := computeBuckets(p, asset.TickX6); err != nil {
		return nil, err
	}
	s.applyPosition(p)
	s.rebuildIndexRows(p)
	return clonePosition(p), nil
}

func (s *MemoryStore) IngestExecuted(_ context.Context, id uint32, entryX6 int64, obs Observed) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if old.State.Terminal() {
		s.rebuildIndexRows(old)
		return clonePosition(old), nil
	}
	if old.State == model.StateOpen && old.EntryX6 == entryX6 {
		return clonePosition(old), nil
	}

	asset, ok := s.assets[old.AssetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	p := clonePosition(old)
	p.State = model.StateOpen
	p.EntryX6 = entryX6
	p.TargetX6 = 0
	p.TargetBucket = 0
	if p.ExecutedAt == nil {
		now := time.Now().UTC()
		p.ExecutedAt = &now
	}
	var err error
	if p.NotionalUsd6, err = fixed.Notional(p.EntryX6, p.Lots, asset.LotNum, asset.LotDen); err != nil {
		return nil, err
	}
	if p.MarginUsd6, err = fixed.Margin(p.NotionalUsd6, p.LeverageX); err != nil {
		return nil, err
	}
	p.LastTxHash = obs.TxHash
	p.LastBlockNum = obs.Block

	s.applyPosition(p)
	s.rebuildIndexRows(p)
	return clonePosition(p), nil
}

func (s *MemoryStore) IngestStopsUpdated(_ context.Context, id uint32, slX6, tpX6 int64, obs Observed) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if old.State.Terminal() {
		s.rebuildIndexRows(old)
		return clonePosition(old), nil
	}

	asset, ok := s.assets[old.AssetID]
	if !ok {
		return nil, ErrAssetNotFound
	}

	p := clonePosition(old)
	p.SLX6 = slX6
	p.TPX6 = tpX6
	if err := computeBuckets(p, asset.TickX6); err != nil {
		return nil, err
	}
	p.LastTxHash = obs.TxHash
	p.LastBlockNum = obs.Block

	s.applyPosition(p)
	if p.State == model.StateOpen {
		s.deleteStopRows(id, model.StopSL, model.StopTP)
		s.insertStopRows(p, model.StopSL, model.StopTP)
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) IngestRemoved(_ context.Context, id uint32, reason model.CloseReason, execX6 int64, pnlUsd6 *big.Int, obs Observed) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if old.State.Terminal() && old.CloseReason != nil && *old.CloseReason == reason {
		s.rebuildIndexRows(old)
		return clonePosition(old), nil
	}

	p := clonePosition(old)
	now := time.Now().UTC()
	if reason == model.ReasonCancelled {
		p.State = model.StateCancelled
		if p.CancelledAt == nil {
			p.CancelledAt = &now
		}
	} else {
		p.State = model.StateClosed
		if p.ClosedAt == nil {
			p.ClosedAt = &now
		}
	}
	r := reason
	p.CloseReason = &r
	p.CloseExecX6 = execX6
	if pnlUsd6 != nil {
		p.PnlUsd6 = new(big.Int).Set(pnlUsd6)
	}
	p.LastTxHash = obs.TxHash
	p.LastBlockNum = obs.Block

	s.applyPosition(p)
	s.rebuildIndexRows(p)
	return clonePosition(p), nil
}

func (s *MemoryStore) PatchState(_ context.Context, id uint32, st model.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.positions[id]
	if !ok {
		return ErrNotFound
	}
	p := clonePosition(old)
	p.State = st
	s.applyPosition(p)
	if st.Terminal() {
		s.rebuildIndexRows(p)
	}
	return nil
}

// --- Reads ---

func (s *MemoryStore) GetPosition(_ context.Context, id uint32) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) PositionsByOwner(_ context.Context, addr string) (*TraderPositions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr = lowerAddr(addr)
	ids := make([]uint32, 0)
	for id, p := range s.positions {
		if lowerAddr(p.Owner) == addr {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tp := &TraderPositions{
		Orders:    []uint32{},
		Open:      []uint32{},
		Cancelled: []uint32{},
		Closed:    []uint32{},
	}
	for _, id := range ids {
		tp.add(id, s.positions[id].State)
	}
	return tp, nil
}

func (s *MemoryStore) OrderLevels(_ context.Context, q LevelQuery) ([]model.OrderLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := []model.OrderLevel{}
	for _, l := range s.orders {
		if l.AssetID != q.AssetID || l.BucketID < q.FromBucket || l.BucketID > q.ToBucket {
			continue
		}
		if q.Side != nil && l.Side != *q.Side {
			continue
		}
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].BucketID != levels[j].BucketID {
			if q.Desc {
				return levels[i].BucketID > levels[j].BucketID
			}
			return levels[i].BucketID < levels[j].BucketID
		}
		return levels[i].PositionID < levels[j].PositionID
	})
	if q.Limit > 0 && len(levels) > q.Limit {
		levels = levels[:q.Limit]
	}
	return levels, nil
}

func (s *MemoryStore) StopLevels(_ context.Context, q LevelQuery) ([]model.StopLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	levels := []model.StopLevel{}
	for _, l := range s.stops {
		if l.AssetID != q.AssetID || l.BucketID < q.FromBucket || l.BucketID > q.ToBucket {
			continue
		}
		if q.Side != nil && l.Side != *q.Side {
			continue
		}
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if levels[i].BucketID != levels[j].BucketID {
			if q.Desc {
				return levels[i].BucketID > levels[j].BucketID
			}
			return levels[i].BucketID < levels[j].BucketID
		}
		if levels[i].PositionID != levels[j].PositionID {
			return levels[i].PositionID < levels[j].PositionID
		}
		return levels[i].StopType < levels[j].StopType
	})
	if q.Limit > 0 && len(levels) > q.Limit {
		levels = levels[:q.Limit]
	}
	return levels, nil
}

func (s *MemoryStore) ReadBuckets(_ context.Context, id uint32) ([]model.OrderLevel, []model.StopLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := []model.OrderLevel{}
	for _, l := range s.orders {
		if l.PositionID == id {
			orders = append(orders, l)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].BucketID < orders[j].BucketID })

	stops := []model.StopLevel{}
	for _, l := range s.stops {
		if l.PositionID == id {
			stops = append(stops, l)
		}
	}
	sort.Slice(stops, func(i, j int) bool { return stops[i].StopType < stops[j].StopType })
	return orders, stops, nil
}

func (s *MemoryStore) ListIDs(_ context.Context, limit, offset int) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint32, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return []uint32{}, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) MaxID(_ context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max uint32
	for id := range s.positions {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *MemoryStore) GetExposure(_ context.Context) ([]model.ExposureView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exposureViews(func(expoKey) bool { return true }), nil
}

func (s *MemoryStore) AssetExposure(_ context.Context, assetID uint32) ([]model.ExposureView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exposureViews(func(k expoKey) bool { return k.asset == assetID }), nil
}

func (s *MemoryStore) exposureViews(match func(expoKey) bool) []model.ExposureView {
	views := []model.ExposureView{}
	for k, e := range s.exposure {
		if match(k) {
			views = append(views, e.View())
		}
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].AssetID != views[j].AssetID {
			return views[i].AssetID < views[j].AssetID
		}
		return !views[i].Side && views[j].Side
	})
	return views
}
