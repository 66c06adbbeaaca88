package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultChunkSize is how many ids one reconciler dispatch covers.
	DefaultChunkSize = 400
	// DefaultPageSize is the id-listing page used to discover holes.
	DefaultPageSize = 10_000
)

// Backfill finds and closes id gaps between the projection and the
// chain: holes below the highest indexed id, plus the tail up to
// nextId()-1. Id 0 is excluded by convention.
type Backfill struct {
	store idLister
	chain ChainReader
	rec   *Reconciler
	chunk int
	page  int
}

// idLister is the slice of the store the controller needs.
type idLister interface {
	ListIDs(ctx context.Context, limit, offset int) ([]uint32, error)
	MaxID(ctx context.Context) (uint32, error)
}

// NewBackfill wires a controller over rec. Non-positive sizes take the
// defaults.
func NewBackfill(st idLister, ch ChainReader, rec *Reconciler, chunk, page int) *Backfill {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if page <= 0 {
		page = DefaultPageSize
	}
	return &Backfill{store: st, chain: ch, rec: rec, chunk: chunk, page: page}
}

// missingIDs computes holes in [1, dbMax] plus the tail
// [dbMax+1, chainMax]. Arithmetic runs in uint64 so the 2³²−1 boundary
// cannot wrap.
func (b *Backfill) missingIDs(ctx context.Context, chainMax uint32) ([]uint32, error) {
	dbMax, err := b.store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("max id: %w", err)
	}

	present := make(map[uint32]struct{})
	for offset := 0; ; offset += b.page {
		page, err := b.store.ListIDs(ctx, b.page, offset)
		if err != nil {
			return nil, fmt.Errorf("list ids at %d: %w", offset, err)
		}
		for _, id := range page {
			present[id] = struct{}{}
		}
		if len(page) < b.page {
			break
		}
	}

	var missing []uint32
	for id := uint64(1); id <= uint64(dbMax); id++ {
		if _, ok := present[uint32(id)]; !ok {
			missing = append(missing, uint32(id))
		}
	}
	for id := uint64(dbMax) + 1; id <= uint64(chainMax); id++ {
		missing = append(missing, uint32(id))
	}
	return missing, nil
}

// Run performs one full gap scan and dispatches every missing id to
// the reconciler in chunks. A failed chunk does not stop the scan but
// fails the run.
func (b *Backfill) Run(ctx context.Context) (*Summary, error) {
	var chainMax uint32
	err := b.rec.withRPC(ctx, "nextId", func(ctx context.Context) error {
		next, err := b.chain.NextID(ctx)
		if err != nil {
			return err
		}
		if next > 0 {
			chainMax = next - 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("nextId: %w", err)
	}

	missing, err := b.missingIDs(ctx, chainMax)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		slog.Info("backfill: projection is gap-free", "chain_max", chainMax)
		return &Summary{}, nil
	}
	slog.Info("backfill: dispatching missing ids",
		"count", len(missing), "chain_max", chainMax, "chunk", b.chunk)

	start := time.Now()
	total := &Summary{}
	failedChunks := 0
	for lo := 0; lo < len(missing); lo += b.chunk {
		hi := lo + b.chunk
		if hi > len(missing) {
			hi = len(missing)
		}
		s := b.rec.ReconcileFull(ctx, missing[lo:hi])
		total.accumulate(s)
		if s.Failed() {
			failedChunks++
			slog.Warn("backfill chunk had failures",
				"from", missing[lo], "to", missing[hi-1],
				"rpc_failed", s.RPCFailed, "store_failed", s.StoreFailed)
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	slog.Info("backfill finished",
		"scanned", total.Scanned, "created", total.Created,
		"failed_chunks", failedChunks, "took", time.Since(start))
	if failedChunks > 0 {
		return total, fmt.Errorf("backfill: %d of %d chunks failed",
			failedChunks, (len(missing)+b.chunk-1)/b.chunk)
	}
	return total, nil
}

// Window reconciles the inclusive id range [from, to]; the Opened
// consumer uses it as the light sliding-window policy.
func (b *Backfill) Window(ctx context.Context, from, to uint32) {
	if from < 1 {
		from = 1
	}
	if from > to {
		return
	}
	ids := make([]uint32, 0, uint64(to)-uint64(from)+1)
	for id := uint64(from); id <= uint64(to); id++ {
		ids = append(ids, uint32(id))
	}
	s := b.rec.ReconcileFull(ctx, ids)
	if s.Corrections() > 0 || s.Failed() {
		slog.Info("window backfill applied corrections",
			"from", from, "to", to,
			"corrections", s.Corrections(), "rpc_failed", s.RPCFailed)
	}
}

func (s *Summary) accumulate(o *Summary) {
	s.Scanned += o.Scanned
	s.Created += o.Created
	s.Executed += o.Executed
	s.Stops += o.Stops
	s.Removed += o.Removed
	s.StatePatched += o.StatePatched
	s.Skipped += o.Skipped
	s.MissingDB += o.MissingDB
	s.RPCFailed += o.RPCFailed
	s.StoreFailed += o.StoreFailed
}
