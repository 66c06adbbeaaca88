// Package chain talks to the EVM side of the system: it subscribes to
// the contract's event streams over websocket, decodes logs into typed
// events, and reads authoritative position state over JSON-RPC.
package chain

import (
	"fmt"
	"math/big"

	"github.com/atmx/perp-indexer/internal/model"
)

// EventKind names one of the four logical event topics.
type EventKind int

const (
	KindOpened EventKind = iota
	KindExecuted
	KindStopsUpdated
	KindRemoved
)

// Kinds lists all topics in canonical order.
var Kinds = []EventKind{KindOpened, KindExecuted, KindStopsUpdated, KindRemoved}

func (k EventKind) String() string {
	switch k {
	case KindOpened:
		return "opened"
	case KindExecuted:
		return "executed"
	case KindStopsUpdated:
		return "stops_updated"
	case KindRemoved:
		return "removed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Observed is the on-chain provenance of an event: the idempotency key
// (block, tx, logIndex) plus audit metadata.
type Observed struct {
	Block    int64
	TxHash   string
	LogIndex uint32
}

// DedupKey renders the cross-restart idempotency key.
func (o Observed) DedupKey() string {
	return fmt.Sprintf("%d:%s:%d", o.Block, o.TxHash, o.LogIndex)
}

// Event is one decoded chain event. The concrete type is one of
// Opened, Executed, StopsUpdated, Removed.
type Event interface {
	Kind() EventKind
	PositionID() uint32
	Meta() Observed
}

// Opened announces a new position, either resting (ORDER) or
// immediately live (OPEN).
type Opened struct {
	Observed
	ID              uint32
	InitialState    model.PositionState // StateOrder or StateOpen only
	AssetID         uint32
	LongSide        bool
	Lots            int32
	LeverageX       int32
	EntryOrTargetX6 int64
	SLX6            int64
	TPX6            int64
	LiqX6           int64
	Trader          string // lowercased hex
}

func (e Opened) Kind() EventKind    { return KindOpened }
func (e Opened) PositionID() uint32 { return e.ID }
func (e Opened) Meta() Observed     { return e.Observed }

// Executed reports a resting order filling at entryX6.
type Executed struct {
	Observed
	ID      uint32
	EntryX6 int64
}

func (e Executed) Kind() EventKind    { return KindExecuted }
func (e Executed) PositionID() uint32 { return e.ID }
func (e Executed) Meta() Observed     { return e.Observed }

// StopsUpdated replaces a position's SL and TP. LIQ is never carried on
// this event and never touched by it.
type StopsUpdated struct {
	Observed
	ID   uint32
	SLX6 int64
	TPX6 int64
}

func (e StopsUpdated) Kind() EventKind    { return KindStopsUpdated }
func (e StopsUpdated) PositionID() uint32 { return e.ID }
func (e StopsUpdated) Meta() Observed     { return e.Observed }

// Removed reports a position leaving the book.
type Removed struct {
	Observed
	ID      uint32
	Reason  model.CloseReason
	ExecX6  int64
	PnlUsd6 *big.Int // i256 on the wire
}

func (e Removed) Kind() EventKind    { return KindRemoved }
func (e Removed) PositionID() uint32 { return e.ID }
func (e Removed) Meta() Observed     { return e.Observed }
