// Package model defines the core domain types shared across the indexer.
// All prices and money are int64 fixed-point ×10⁶ — never float64.
package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// PositionState is the lifecycle state of a position. Transitions are
// one-way: ORDER → OPEN, {ORDER, OPEN} → {CLOSED, CANCELLED}.
type PositionState uint8

const (
	StateOrder PositionState = iota
	StateOpen
	StateClosed
	StateCancelled
)

// ParseState maps the chain's stateOf() numeric to a PositionState.
// 2 is always CLOSED and 3 always CANCELLED, matching the Removed
// reason=CANCELLED path.
func ParseState(v uint8) (PositionState, error) {
	if v > 3 {
		return 0, fmt.Errorf("unknown position state %d", v)
	}
	return PositionState(v), nil
}

func (s PositionState) String() string {
	switch s {
	case StateOrder:
		return "ORDER"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("PositionState(%d)", uint8(s))
}

// Terminal reports whether the state admits no further transitions.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// StateFromString parses the persisted enum text.
func StateFromString(s string) (PositionState, error) {
	switch s {
	case "ORDER":
		return StateOrder, nil
	case "OPEN":
		return StateOpen, nil
	case "CLOSED":
		return StateClosed, nil
	case "CANCELLED":
		return StateCancelled, nil
	}
	return 0, fmt.Errorf("unknown position state %q", s)
}

func (s PositionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *PositionState) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := StateFromString(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CloseReason records why a position left the book. The chain encodes
// it as u8 0..4; anything else is rejected at decode time.
type CloseReason uint8

const (
	ReasonCancelled CloseReason = iota
	ReasonMarket
	ReasonSL
	ReasonTP
	ReasonLiq
)

// ParseCloseReason maps the chain's Removed.reason numeric.
func ParseCloseReason(v uint8) (CloseReason, error) {
	if v > 4 {
		return 0, fmt.Errorf("unknown remove reason %d", v)
	}
	return CloseReason(v), nil
}

func (r CloseReason) String() string {
	switch r {
	case ReasonCancelled:
		return "CANCELLED"
	case ReasonMarket:
		return "MARKET"
	case ReasonSL:
		return "SL"
	case ReasonTP:
		return "TP"
	case ReasonLiq:
		return "LIQ"
	}
	return fmt.Sprintf("CloseReason(%d)", uint8(r))
}

// ReasonFromString parses the persisted enum text.
func ReasonFromString(s string) (CloseReason, error) {
	switch s {
	case "CANCELLED":
		return ReasonCancelled, nil
	case "MARKET":
		return ReasonMarket, nil
	case "SL":
		return ReasonSL, nil
	case "TP":
		return ReasonTP, nil
	case "LIQ":
		return ReasonLiq, nil
	}
	return 0, fmt.Errorf("unknown close reason %q", s)
}

func (r CloseReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

func (r *CloseReason) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ReasonFromString(str)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// StopType identifies a stop_buckets row kind.
type StopType uint8

const (
	StopSL  StopType = 1
	StopTP  StopType = 2
	StopLiq StopType = 3
)

func (t StopType) String() string {
	switch t {
	case StopSL:
		return "SL"
	case StopTP:
		return "TP"
	case StopLiq:
		return "LIQ"
	}
	return fmt.Sprintf("StopType(%d)", uint8(t))
}

// Asset is the static per-market metadata. Immutable after creation.
type Asset struct {
	ID     uint32 `json:"asset_id" db:"asset_id"`
	Symbol string `json:"symbol" db:"symbol"`
	TickX6 int64  `json:"tick_x6" db:"tick_x6"` // minimal price increment, ×10⁶; always > 0
	LotNum int64  `json:"lot_num" db:"lot_num"` // lot size numerator
	LotDen int64  `json:"lot_den" db:"lot_den"` // lot size denominator
}

// Position is one trade lifecycle instance, identified by the chain's
// 32-bit id. Rows are created on Opened and mutated in place; they are
// never hard-deleted.
//
// Bucket fields are derived from the matching price and the asset tick;
// they are meaningful only while the corresponding price is non-zero.
type Position struct {
	ID        uint32        `json:"id" db:"id"`
	Owner     string        `json:"owner" db:"owner_addr"` // lowercased hex
	AssetID   uint32        `json:"asset_id" db:"asset_id"`
	State     PositionState `json:"state" db:"state"`
	LongSide  bool          `json:"long_side" db:"long_side"`
	Lots      int32         `json:"lots" db:"lots"`
	LeverageX int32         `json:"leverage_x" db:"leverage_x"`

	EntryX6  int64 `json:"entry_x6" db:"entry_x6"`
	TargetX6 int64 `json:"target_x6" db:"target_x6"`
	SLX6     int64 `json:"sl_x6" db:"sl_x6"`
	TPX6     int64 `json:"tp_x6" db:"tp_x6"`
	LiqX6    int64 `json:"liq_x6" db:"liq_x6"`

	NotionalUsd6 int64 `json:"notional_usd6" db:"notional_usd6"` // defined only while OPEN
	MarginUsd6   int64 `json:"margin_usd6" db:"margin_usd6"`     // defined only while OPEN

	TargetBucket int64 `json:"target_bucket" db:"target_bucket"`
	SLBucket     int64 `json:"sl_bucket" db:"sl_bucket"`
	TPBucket     int64 `json:"tp_bucket" db:"tp_bucket"`
	LiqBucket    int64 `json:"liq_bucket" db:"liq_bucket"`

	CloseReason *CloseReason `json:"close_reason,omitempty" db:"close_reason"`
	CloseExecX6 int64        `json:"close_exec_x6" db:"close_exec_x6"`
	PnlUsd6     *big.Int     `json:"pnl_usd6,omitempty" db:"pnl_usd6"`

	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty" db:"executed_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	LastTxHash   string `json:"last_tx_hash,omitempty" db:"last_tx_hash"`
	LastBlockNum int64  `json:"last_block_num,omitempty" db:"last_block_num"`
}

// OrderLevel is one resting-order entry in the limit book index, keyed
// by (asset_id, bucket_id, position_id). Side is the order's own side.
// Present iff the position is ORDER with a non-zero target.
type OrderLevel struct {
	AssetID    uint32 `json:"asset_id" db:"asset_id"`
	BucketID   int64  `json:"bucket_id" db:"bucket_id"`
	PositionID uint32 `json:"position_id" db:"position_id"`
	Lots       int32  `json:"lots" db:"lots"`
	Side       bool   `json:"side" db:"side"`
}

// StopLevel is one entry in the stop book index, keyed by
// (asset_id, bucket_id, position_id, stop_type). Side is the
// antagonistic side ¬long_side — the side whose price crossing triggers
// the stop. Present iff the position is OPEN and the matching price is
// non-zero.
type StopLevel struct {
	AssetID    uint32   `json:"asset_id" db:"asset_id"`
	BucketID   int64    `json:"bucket_id" db:"bucket_id"`
	PositionID uint32   `json:"position_id" db:"position_id"`
	StopType   StopType `json:"stop_type" db:"stop_type"`
	Lots       int32    `json:"lots" db:"lots"`
	Side       bool     `json:"side" db:"side"`
}

// Exposure is the per-(asset, side) running aggregate over OPEN
// positions, maintained atomically with every positions write.
type Exposure struct {
	AssetID        uint32 `json:"asset_id" db:"asset_id"`
	Side           bool   `json:"side" db:"side"`
	SumLots        int64  `json:"sum_lots" db:"sum_lots"`
	SumEntryX6Lots int64  `json:"sum_entry_x6_lots" db:"sum_entry_x6_lots"`
	SumLeverLots   int64  `json:"sum_leverage_lots" db:"sum_leverage_lots"`
	SumLiqX6Lots   int64  `json:"sum_liq_x6_lots" db:"sum_liq_x6_lots"` // only rows with liq_x6 > 0
	SumLiqLots     int64  `json:"sum_liq_lots" db:"sum_liq_lots"`
	PositionsCount int64  `json:"positions_count" db:"positions_count"`
}

// View derives the averaged read representation.
func (e Exposure) View() ExposureView {
	v := ExposureView{Exposure: e}
	if e.SumLots > 0 {
		v.AvgEntryX6 = e.SumEntryX6Lots / e.SumLots
		v.AvgLeverageX = e.SumLeverLots / e.SumLots
	}
	if e.SumLiqLots > 0 {
		v.AvgLiqX6 = e.SumLiqX6Lots / e.SumLiqLots
	}
	return v
}

// ExposureView is the API-facing exposure row with derived averages.
type ExposureView struct {
	Exposure
	AvgEntryX6   int64 `json:"avg_entry_x6"`
	AvgLeverageX int64 `json:"avg_leverage_x"`
	AvgLiqX6     int64 `json:"avg_liq_x6"`
}
