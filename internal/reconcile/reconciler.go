// Package reconcile converges the projection to authoritative chain
// state. Repairs call the store's transition operations (IngestOpened,
// IngestExecuted, IngestStopsUpdated, IngestRemoved), the same ones the
// projection.Machine calls for live events, and PatchState where only
// the state needs correcting. They do not pass through projection.Machine,
// so its OnChange hooks are not invoked for reconciler repairs.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/metrics"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/store"
)

const (
	// DefaultRPCConc bounds concurrent chain reads per invocation.
	DefaultRPCConc = 100
	// DefaultDBConc bounds concurrent store operations per invocation.
	DefaultDBConc = 500
)

// ChainReader is the authoritative read surface of the contract.
type ChainReader interface {
	GetTrade(ctx context.Context, id uint32) (*chain.Trade, error)
	StateOf(ctx context.Context, id uint32) (uint8, error)
	NextID(ctx context.Context) (uint32, error)
}

// Summary is the tested contract of a reconciler run.
type Summary struct {
	Scanned      int64 `json:"scanned"`
	Created      int64 `json:"created"`
	Executed     int64 `json:"executed"`
	Stops        int64 `json:"stops"`
	Removed      int64 `json:"removed"`
	StatePatched int64 `json:"state_patched"`
	Skipped      int64 `json:"skipped"`
	MissingDB    int64 `json:"missing_db"`
	RPCFailed    int64 `json:"rpc_failed"`
	StoreFailed  int64 `json:"store_failed"`
}

// Corrections is the number of repairing operations applied.
func (s *Summary) Corrections() int64 {
	return s.Created + s.Executed + s.Stops + s.Removed + s.StatePatched
}

// Failed reports whether any id could not be processed.
func (s *Summary) Failed() bool {
	return s.RPCFailed > 0 || s.StoreFailed > 0
}

// counters aggregates atomically across workers, then snapshots into a
// Summary.
type counters struct {
	scanned, created, executed, stops, removed atomic.Int64
	statePatched, skipped, missingDB           atomic.Int64
	rpcFailed, storeFailed                     atomic.Int64
}

func (c *counters) summary() *Summary {
	return &Summary{
		Scanned:      c.scanned.Load(),
		Created:      c.created.Load(),
		Executed:     c.executed.Load(),
		Stops:        c.stops.Load(),
		Removed:      c.removed.Load(),
		StatePatched: c.statePatched.Load(),
		Skipped:      c.skipped.Load(),
		MissingDB:    c.missingDB.Load(),
		RPCFailed:    c.rpcFailed.Load(),
		StoreFailed:  c.storeFailed.Load(),
	}
}

// Reconciler drives drift detection and repair with two concurrency
// knobs: one semaphore for chain reads, one for store operations.
type Reconciler struct {
	store  store.Store
	chain  ChainReader
	rpcSem *semaphore.Weighted
	dbSem  *semaphore.Weighted
	dbConc int
}

// New creates a reconciler. Non-positive knobs take the defaults.
func New(st store.Store, ch ChainReader, rpcConc, dbConc int) *Reconciler {
	if rpcConc <= 0 {
		rpcConc = DefaultRPCConc
	}
	if dbConc <= 0 {
		dbConc = DefaultDBConc
	}
	return &Reconciler{
		store:  st,
		chain:  ch,
		rpcSem: semaphore.NewWeighted(int64(rpcConc)),
		dbSem:  semaphore.NewWeighted(int64(dbConc)),
		dbConc: dbConc,
	}
}

// withRPC runs fn under the chain-read semaphore.
func (r *Reconciler) withRPC(ctx context.Context, method string, fn func(context.Context) error) error {
	if err := r.rpcSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.rpcSem.Release(1)
	start := time.Now()
	err := fn(ctx)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}

// withDB runs fn under the store semaphore.
func (r *Reconciler) withDB(ctx context.Context, fn func(context.Context) error) error {
	if err := r.dbSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.dbSem.Release(1)
	return fn(ctx)
}

// run fans ids out over a worker pool of min(len(ids), dbConc).
func (r *Reconciler) run(ctx context.Context, mode string, ids []uint32, each func(context.Context, uint32, *counters)) *Summary {
	runID := uuid.New().String()[:8]
	start := time.Now()
	metrics.ReconcileRuns.WithLabelValues(mode).Inc()

	c := &counters{}
	workers := len(ids)
	if workers > r.dbConc {
		workers = r.dbConc
	}
	if workers == 0 {
		return c.summary()
	}

	feed := make(chan uint32)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range feed {
				c.scanned.Add(1)
				each(ctx, id, c)
			}
		}()
	}
	for _, id := range ids {
		select {
		case feed <- id:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(feed)
	wg.Wait()

	s := c.summary()
	slog.Info("reconcile run finished",
		"run", runID, "mode", mode, "ids", len(ids),
		"corrections", s.Corrections(), "rpc_failed", s.RPCFailed,
		"store_failed", s.StoreFailed, "took", time.Since(start))
	return s
}

// ReconcileStates is the cheap mode: stateOf only, minimal corrections,
// index-invariant asserts when states agree.
func (r *Reconciler) ReconcileStates(ctx context.Context, ids []uint32) *Summary {
	return r.run(ctx, "state", ids, r.reconcileStateOne)
}

// ReconcileFull reads stateOf and getTrade and repairs the row from the
// trade. A row that is terminal on both sides only has its state and
// index rows corrected; its other fields are left as stored.
func (r *Reconciler) ReconcileFull(ctx context.Context, ids []uint32) *Summary {
	return r.run(ctx, "full", ids, r.reconcileFullOne)
}

func correction(c *atomic.Int64, kind string) {
	c.Add(1)
	metrics.ReconcileCorrections.WithLabelValues(kind).Inc()
}

func (r *Reconciler) readChainState(ctx context.Context, id uint32) (model.PositionState, error) {
	var raw uint8
	err := r.withRPC(ctx, "stateOf", func(ctx context.Context) error {
		var err error
		raw, err = r.chain.StateOf(ctx, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	return model.ParseState(raw)
}

func (r *Reconciler) reconcileStateOne(ctx context.Context, id uint32, c *counters) {
	chainState, err := r.readChainState(ctx, id)
	if err != nil {
		c.rpcFailed.Add(1)
		slog.Warn("state reconcile: chain read failed", "id", id, "err", err)
		return
	}

	var pos *model.Position
	err = r.withDB(ctx, func(ctx context.Context) error {
		var err error
		pos, err = r.store.GetPosition(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		c.missingDB.Add(1)
		return
	}
	if err != nil {
		c.storeFailed.Add(1)
		return
	}

	switch {
	case pos.State == chainState:
		r.assertIndexes(ctx, pos, c)

	case pos.State == model.StateOrder && chainState == model.StateOpen:
		// Inject an Executed with the best entry we have.
		entry := pos.EntryX6
		if entry == 0 {
			entry = pos.TargetX6
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestExecuted(ctx, id, entry, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.executed, "executed")

		if pos.SLX6 != 0 || pos.TPX6 != 0 {
			if err := r.withDB(ctx, func(ctx context.Context) error {
				_, err := r.store.IngestStopsUpdated(ctx, id, pos.SLX6, pos.TPX6, store.Observed{})
				return err
			}); err != nil {
				c.storeFailed.Add(1)
				return
			}
			correction(&c.stops, "stops")
		}

	case pos.State == model.StateOpen && chainState.Terminal():
		reason := model.ReasonMarket
		if chainState == model.StateCancelled {
			reason = model.ReasonCancelled
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestRemoved(ctx, id, reason, 0, nil, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.removed, "removed")

	default:
		if err := r.withDB(ctx, func(ctx context.Context) error {
			return r.store.PatchState(ctx, id, chainState)
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.statePatched, "state_patched")
	}
}

// assertIndexes verifies that index presence matches the row's state
// exactly, repairing through the usual operations when rows are
// missing, stale, or stray.
func (r *Reconciler) assertIndexes(ctx context.Context, pos *model.Position, c *counters) {
	var orders []model.OrderLevel
	var stops []model.StopLevel
	err := r.withDB(ctx, func(ctx context.Context) error {
		var err error
		orders, stops, err = r.store.ReadBuckets(ctx, pos.ID)
		return err
	})
	if err != nil {
		c.storeFailed.Add(1)
		return
	}

	switch pos.State {
	case model.StateOrder:
		ok := len(stops) == 0 && len(orders) == 1 &&
			orders[0].BucketID == pos.TargetBucket &&
			orders[0].Lots == pos.Lots &&
			orders[0].Side == pos.LongSide
		if ok {
			c.skipped.Add(1)
			return
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestOpened(ctx, reopenParams(pos))
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.created, "index_repair")

	case model.StateOpen:
		if len(orders) == 0 && stopsMatch(pos, stops) {
			c.skipped.Add(1)
			return
		}
		if len(orders) != 0 || !liqRowOK(pos, stops) {
			// Neither a stray order row nor LIQ drift can be cleared
			// by StopsUpdated; re-upsert to rebuild the whole set.
			if err := r.withDB(ctx, func(ctx context.Context) error {
				_, err := r.store.IngestOpened(ctx, reopenParams(pos))
				return err
			}); err != nil {
				c.storeFailed.Add(1)
				return
			}
			correction(&c.created, "index_repair")
			return
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestStopsUpdated(ctx, pos.ID, pos.SLX6, pos.TPX6, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.stops, "index_repair")

	default: // terminal
		if len(orders) == 0 && len(stops) == 0 {
			c.skipped.Add(1)
			return
		}
		reason := model.ReasonMarket
		if pos.CloseReason != nil {
			reason = *pos.CloseReason
		} else if pos.State == model.StateCancelled {
			reason = model.ReasonCancelled
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestRemoved(ctx, pos.ID, reason, pos.CloseExecX6, pos.PnlUsd6, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.removed, "index_repair")
	}
}

// liqRowOK verifies just the LIQ row against the position.
func liqRowOK(pos *model.Position, stops []model.StopLevel) bool {
	for _, s := range stops {
		if s.StopType != model.StopLiq {
			continue
		}
		return pos.LiqX6 != 0 && s.BucketID == pos.LiqBucket &&
			int64(s.Lots) == int64(pos.Lots) && s.Side != pos.LongSide
	}
	return pos.LiqX6 == 0
}

// stopsMatch checks one stop row per non-zero stop with the
// antagonistic side and the row's bucket.
func stopsMatch(pos *model.Position, stops []model.StopLevel) bool {
	want := map[model.StopType][2]int64{}
	if pos.SLX6 != 0 {
		want[model.StopSL] = [2]int64{pos.SLBucket, int64(pos.Lots)}
	}
	if pos.TPX6 != 0 {
		want[model.StopTP] = [2]int64{pos.TPBucket, int64(pos.Lots)}
	}
	if pos.LiqX6 != 0 {
		want[model.StopLiq] = [2]int64{pos.LiqBucket, int64(pos.Lots)}
	}
	if len(stops) != len(want) {
		return false
	}
	for _, s := range stops {
		w, ok := want[s.StopType]
		if !ok || s.BucketID != w[0] || int64(s.Lots) != w[1] || s.Side == pos.LongSide {
			return false
		}
	}
	return true
}

// reopenParams rebuilds OpenedParams from a stored row.
func reopenParams(pos *model.Position) store.OpenedParams {
	p := store.OpenedParams{
		ID:        pos.ID,
		State:     pos.State,
		AssetID:   pos.AssetID,
		LongSide:  pos.LongSide,
		Lots:      pos.Lots,
		LeverageX: pos.LeverageX,
		SLX6:      pos.SLX6,
		TPX6:      pos.TPX6,
		LiqX6:     pos.LiqX6,
		Trader:    pos.Owner,
	}
	if pos.State == model.StateOpen {
		p.EntryOrTargetX6 = pos.EntryX6
	} else {
		p.EntryOrTargetX6 = pos.TargetX6
	}
	return p
}

// tradeParams maps chain ground truth onto OpenedParams. long_side
// comes from flags bit 0.
func tradeParams(id uint32, t *chain.Trade, st model.PositionState) store.OpenedParams {
	p := store.OpenedParams{
		ID:        id,
		State:     model.StateOrder,
		AssetID:   t.AssetID,
		LongSide:  t.LongSide(),
		Lots:      t.Lots,
		LeverageX: t.LeverageX,
		SLX6:      t.SLX6,
		TPX6:      t.TPX6,
		LiqX6:     t.LiqX6,
		Trader:    t.Owner,
		Force:     true,
	}
	if st == model.StateOpen || (st.Terminal() && t.EntryX6 != 0) {
		p.State = model.StateOpen
		p.EntryOrTargetX6 = t.EntryX6
	} else {
		p.EntryOrTargetX6 = t.TargetX6
	}
	if st.Terminal() {
		// The row is created live and then immediately removed; the
		// terminal transition happens through IngestRemoved.
		if p.State == model.StateOpen && t.EntryX6 == 0 {
			p.State = model.StateOrder
			p.EntryOrTargetX6 = t.TargetX6
		}
	}
	return p
}

func (r *Reconciler) reconcileFullOne(ctx context.Context, id uint32, c *counters) {
	chainState, err := r.readChainState(ctx, id)
	if err != nil {
		c.rpcFailed.Add(1)
		slog.Warn("full reconcile: stateOf failed", "id", id, "err", err)
		return
	}

	var trade *chain.Trade
	err = r.withRPC(ctx, "getTrade", func(ctx context.Context) error {
		var err error
		trade, err = r.chain.GetTrade(ctx, id)
		return err
	})
	if err != nil {
		c.rpcFailed.Add(1)
		slog.Warn("full reconcile: getTrade failed", "id", id, "err", err)
		return
	}
	if trade.Empty() {
		c.skipped.Add(1)
		return
	}

	var pos *model.Position
	err = r.withDB(ctx, func(ctx context.Context) error {
		var err error
		pos, err = r.store.GetPosition(ctx, id)
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.storeFailed.Add(1)
		return
	}

	if pos == nil {
		// Never indexed: rebuild from chain truth.
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestOpened(ctx, tradeParams(id, trade, chainState))
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.created, "created")
		c.missingDB.Add(1)

		if chainState.Terminal() {
			reason := model.ReasonMarket
			if chainState == model.StateCancelled {
				reason = model.ReasonCancelled
			}
			if err := r.withDB(ctx, func(ctx context.Context) error {
				_, err := r.store.IngestRemoved(ctx, id, reason, 0, nil, store.Observed{})
				return err
			}); err != nil {
				c.storeFailed.Add(1)
				return
			}
			correction(&c.removed, "removed")
		}
		return
	}

	switch {
	case pos.State == chainState && tradeMatches(pos, trade):
		r.assertIndexes(ctx, pos, c)

	case pos.State == model.StateOrder && chainState == model.StateOpen:
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestExecuted(ctx, id, trade.EntryX6, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.executed, "executed")

		if trade.SLX6 != pos.SLX6 || trade.TPX6 != pos.TPX6 {
			if err := r.withDB(ctx, func(ctx context.Context) error {
				_, err := r.store.IngestStopsUpdated(ctx, id, trade.SLX6, trade.TPX6, store.Observed{})
				return err
			}); err != nil {
				c.storeFailed.Add(1)
				return
			}
			correction(&c.stops, "stops")
		}

	case !pos.State.Terminal() && chainState.Terminal():
		reason := model.ReasonMarket
		if chainState == model.StateCancelled {
			reason = model.ReasonCancelled
		}
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestRemoved(ctx, id, reason, 0, nil, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.removed, "removed")

	case pos.State == chainState && pos.State == model.StateOpen &&
		onlyStopsDiffer(pos, trade):
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestStopsUpdated(ctx, id, trade.SLX6, trade.TPX6, store.Observed{})
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.stops, "stops")

	case chainState.Terminal():
		// Terminal on chain, terminal in DB (or mismatched terminal
		// pair): patch the state only; frozen fields are left alone.
		if pos.State != chainState {
			if err := r.withDB(ctx, func(ctx context.Context) error {
				return r.store.PatchState(ctx, id, chainState)
			}); err != nil {
				c.storeFailed.Add(1)
				return
			}
			correction(&c.statePatched, "state_patched")
			return
		}
		r.assertIndexes(ctx, pos, c)

	default:
		// Live on chain with whole-row drift (or a DB row terminal
		// while the chain is live): re-upsert from ground truth.
		if err := r.withDB(ctx, func(ctx context.Context) error {
			_, err := r.store.IngestOpened(ctx, tradeParams(id, trade, chainState))
			return err
		}); err != nil {
			c.storeFailed.Add(1)
			return
		}
		correction(&c.created, "reupserted")
	}
}

// tradeMatches compares every chain-owned field.
func tradeMatches(pos *model.Position, t *chain.Trade) bool {
	if pos.Owner != t.Owner || pos.AssetID != t.AssetID ||
		pos.LongSide != t.LongSide() || pos.Lots != t.Lots ||
		pos.LeverageX != t.LeverageX {
		return false
	}
	if pos.SLX6 != t.SLX6 || pos.TPX6 != t.TPX6 || pos.LiqX6 != t.LiqX6 {
		return false
	}
	switch pos.State {
	case model.StateOrder:
		return pos.TargetX6 == t.TargetX6
	case model.StateOpen:
		return pos.EntryX6 == t.EntryX6
	}
	return true
}

func onlyStopsDiffer(pos *model.Position, t *chain.Trade) bool {
	if pos.Owner != t.Owner || pos.AssetID != t.AssetID ||
		pos.LongSide != t.LongSide() || pos.Lots != t.Lots ||
		pos.LeverageX != t.LeverageX || pos.LiqX6 != t.LiqX6 ||
		pos.EntryX6 != t.EntryX6 {
		return false
	}
	return pos.SLX6 != t.SLX6 || pos.TPX6 != t.TPX6
}
