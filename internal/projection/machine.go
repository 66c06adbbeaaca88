// Package projection folds chain events into the store. The Machine is
// the entry point of the live consumers: it translates each event into
// one store transition operation and lets the transition table decide
// what the store does. The reconciler and backfill call those store
// operations directly, not through the Machine.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/store"
)

// ErrUnknownPosition marks an event whose predecessor was never
// indexed (e.g. Executed before Opened). The event is dropped and the
// reconciler fetches the missing row from the chain.
var ErrUnknownPosition = errors.New("event references a position that is not indexed")

// Machine applies the position transition table. Every Apply call is
// one store transaction; exposure maintenance rides inside it.
type Machine struct {
	store store.Store
	hooks []func(*model.Position)
}

// NewMachine creates a machine writing through st.
func NewMachine(st store.Store) *Machine {
	return &Machine{store: st}
}

// OnChange registers a hook invoked with the resulting row after every
// successful transition. Hooks must not block.
func (m *Machine) OnChange(fn func(*model.Position)) {
	m.hooks = append(m.hooks, fn)
}

func (m *Machine) notify(p *model.Position) {
	if p == nil {
		return
	}
	for _, fn := range m.hooks {
		fn(p)
	}
}

// Apply dispatches one decoded event to its transition.
func (m *Machine) Apply(ctx context.Context, ev chain.Event) error {
	switch e := ev.(type) {
	case chain.Opened:
		return m.ApplyOpened(ctx, e)
	case chain.Executed:
		return m.ApplyExecuted(ctx, e)
	case chain.StopsUpdated:
		return m.ApplyStopsUpdated(ctx, e)
	case chain.Removed:
		return m.ApplyRemoved(ctx, e)
	}
	return fmt.Errorf("unhandled event type %T", ev)
}

// ApplyOpened handles ∅ → ORDER and ∅ → OPEN. Re-delivery is an upsert
// no-op; a later state is never regressed.
func (m *Machine) ApplyOpened(ctx context.Context, ev chain.Opened) error {
	if ev.InitialState != model.StateOrder && ev.InitialState != model.StateOpen {
		return fmt.Errorf("opened id=%d: initial state %s", ev.ID, ev.InitialState)
	}

	pos, err := m.store.IngestOpened(ctx, store.OpenedParams{
		ID:              ev.ID,
		State:           ev.InitialState,
		AssetID:         ev.AssetID,
		LongSide:        ev.LongSide,
		Lots:            ev.Lots,
		LeverageX:       ev.LeverageX,
		EntryOrTargetX6: ev.EntryOrTargetX6,
		SLX6:            ev.SLX6,
		TPX6:            ev.TPX6,
		LiqX6:           ev.LiqX6,
		Trader:          ev.Trader,
		Observed:        store.Observed{Block: ev.Block, TxHash: ev.TxHash},
	})
	if err != nil {
		return fmt.Errorf("opened id=%d: %w", ev.ID, err)
	}

	slog.Info("position opened",
		"id", ev.ID, "state", pos.State.String(), "asset", ev.AssetID,
		"long", ev.LongSide, "lots", ev.Lots, "block", ev.Block)
	m.notify(pos)
	return nil
}

// ApplyExecuted handles ORDER → OPEN.
func (m *Machine) ApplyExecuted(ctx context.Context, ev chain.Executed) error {
	pos, err := m.store.IngestExecuted(ctx, ev.ID, ev.EntryX6,
		store.Observed{Block: ev.Block, TxHash: ev.TxHash})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("executed id=%d: %w", ev.ID, ErrUnknownPosition)
	}
	if err != nil {
		return fmt.Errorf("executed id=%d: %w", ev.ID, err)
	}

	slog.Info("position executed",
		"id", ev.ID, "entry_x6", ev.EntryX6, "state", pos.State.String(), "block", ev.Block)
	m.notify(pos)
	return nil
}

// ApplyStopsUpdated replaces SL/TP in one transaction. LIQ is never
// modified on this path.
func (m *Machine) ApplyStopsUpdated(ctx context.Context, ev chain.StopsUpdated) error {
	pos, err := m.store.IngestStopsUpdated(ctx, ev.ID, ev.SLX6, ev.TPX6,
		store.Observed{Block: ev.Block, TxHash: ev.TxHash})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("stops_updated id=%d: %w", ev.ID, ErrUnknownPosition)
	}
	if err != nil {
		return fmt.Errorf("stops_updated id=%d: %w", ev.ID, err)
	}

	slog.Info("position stops updated",
		"id", ev.ID, "sl_x6", ev.SLX6, "tp_x6", ev.TPX6, "block", ev.Block)
	m.notify(pos)
	return nil
}

// ApplyRemoved handles {ORDER, OPEN} → {CLOSED, CANCELLED}.
func (m *Machine) ApplyRemoved(ctx context.Context, ev chain.Removed) error {
	pos, err := m.store.IngestRemoved(ctx, ev.ID, ev.Reason, ev.ExecX6, ev.PnlUsd6,
		store.Observed{Block: ev.Block, TxHash: ev.TxHash})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("removed id=%d: %w", ev.ID, ErrUnknownPosition)
	}
	if err != nil {
		return fmt.Errorf("removed id=%d: %w", ev.ID, err)
	}

	slog.Info("position removed",
		"id", ev.ID, "reason", ev.Reason.String(), "state", pos.State.String(), "block", ev.Block)
	m.notify(pos)
	return nil
}
