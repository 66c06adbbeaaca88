// Package store defines the persistence interface for the projection.
// Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for hot reads), and in-memory (for testing).
//
// Every Ingest* operation is a single transaction: the positions row,
// the order_buckets and stop_buckets indexes, and the exposure_agg
// aggregates always change together or not at all.
package store

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/atmx/perp-indexer/internal/model"
)

// lowerAddr normalizes a hex address for storage and lookups.
func lowerAddr(addr string) string { return strings.ToLower(addr) }

// ErrNotFound is returned for reads and transition writes against an
// id the projection has never seen.
var ErrNotFound = errors.New("position not found")

// ErrAssetNotFound is returned when an operation references an asset
// that is not registered.
var ErrAssetNotFound = errors.New("asset not found")

// Observed carries the chain provenance recorded on every write.
type Observed struct {
	Block  int64
	TxHash string
}

// OpenedParams is the full payload for IngestOpened.
type OpenedParams struct {
	ID              uint32
	State           model.PositionState // StateOrder or StateOpen
	AssetID         uint32
	LongSide        bool
	Lots            int32
	LeverageX       int32
	EntryOrTargetX6 int64
	SLX6            int64
	TPX6            int64
	LiqX6           int64
	Trader          string

	// Force lets the reconciler overwrite a terminal row with chain
	// ground truth. Stream ingestion never sets it.
	Force bool

	Observed
}

// LevelQuery selects order or stop book rows. A single bucket is the
// degenerate range FromBucket == ToBucket.
type LevelQuery struct {
	AssetID    uint32
	FromBucket int64
	ToBucket   int64
	Side       *bool // nil = both sides
	Desc       bool
	Limit      int
}

// TraderPositions groups a trader's position ids by lifecycle state.
type TraderPositions struct {
	Orders    []uint32 `json:"orders"`
	Open      []uint32 `json:"open"`
	Cancelled []uint32 `json:"cancelled"`
	Closed    []uint32 `json:"closed"`
}

// Store is the projection persistence interface.
type Store interface {
	// --- Assets (static metadata) ---

	UpsertAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id uint32) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Ingest operations (each atomic) ---

	// IngestOpened upserts a position keyed on id, recomputes all
	// bucket columns, and rebuilds the index rows for the resulting
	// state. Re-applying is idempotent; a terminal row is left alone
	// unless Force is set, and an OPEN row is never regressed to ORDER.
	IngestOpened(ctx context.Context, p OpenedParams) (*model.Position, error)

	// IngestExecuted transitions ORDER → OPEN: sets entry, zeroes the
	// target, stamps executed_at (first time only), derives
	// notional/margin, deletes the order_buckets row, and materializes
	// stop_buckets rows for each non-zero stop on the antagonistic
	// side. No-op when already OPEN with the same entry or terminal.
	IngestExecuted(ctx context.Context, id uint32, entryX6 int64, obs Observed) (*model.Position, error)

	// IngestStopsUpdated replaces SL and TP (prices, buckets, and —
	// while OPEN — the stop_buckets rows of type SL/TP). LIQ is never
	// touched. No-op on terminal rows.
	IngestStopsUpdated(ctx context.Context, id uint32, slX6, tpX6 int64, obs Observed) (*model.Position, error)

	// IngestRemoved moves the position to CANCELLED (reason CANCELLED)
	// or CLOSED (any other reason), stamps the terminal timestamp,
	// records reason/exec/pnl, and deletes every bucket row for the id.
	// No-op when already terminal with the same reason.
	IngestRemoved(ctx context.Context, id uint32, reason model.CloseReason, execX6 int64, pnlUsd6 *big.Int, obs Observed) (*model.Position, error)

	// PatchState sets the state column directly (reconciler fallback).
	// Patching into a terminal state also clears the bucket rows.
	PatchState(ctx context.Context, id uint32, st model.PositionState) error

	// --- Reads ---

	GetPosition(ctx context.Context, id uint32) (*model.Position, error)
	PositionsByOwner(ctx context.Context, addr string) (*TraderPositions, error)
	OrderLevels(ctx context.Context, q LevelQuery) ([]model.OrderLevel, error)
	StopLevels(ctx context.Context, q LevelQuery) ([]model.StopLevel, error)

	// ReadBuckets returns every index row for one position id.
	ReadBuckets(ctx context.Context, id uint32) ([]model.OrderLevel, []model.StopLevel, error)

	// ListIDs pages through all present ids in ascending order.
	ListIDs(ctx context.Context, limit, offset int) ([]uint32, error)
	MaxID(ctx context.Context) (uint32, error)

	GetExposure(ctx context.Context) ([]model.ExposureView, error)
	AssetExposure(ctx context.Context, assetID uint32) ([]model.ExposureView, error)
}
