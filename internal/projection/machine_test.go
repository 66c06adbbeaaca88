package projection_test

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/projection"
	"github.com/atmx/perp-indexer/internal/store"
)

func newTestMachine(t *testing.T) (*projection.Machine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	asset := &model.Asset{ID: 0, Symbol: "BTC-PERP", TickX6: 10_000, LotNum: 1, LotDen: 1}
	if err := ms.UpsertAsset(context.Background(), asset); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return projection.NewMachine(ms), ms
}

func obs(block int64, tx string, idx uint32) chain.Observed {
	return chain.Observed{Block: block, TxHash: tx, LogIndex: idx}
}

func openedOrder42() chain.Opened {
	return chain.Opened{
		Observed:        obs(100, "0xa1", 0),
		ID:              42,
		InitialState:    model.StateOrder,
		AssetID:         0,
		LongSide:        true,
		Lots:            3,
		LeverageX:       10,
		EntryOrTargetX6: 108_910_010_000,
		Trader:          "0xAA00000000000000000000000000000000000001",
	}
}

func openedOpen7() chain.Opened {
	return chain.Opened{
		Observed:        obs(101, "0xa2", 0),
		ID:              7,
		InitialState:    model.StateOpen,
		AssetID:         0,
		LongSide:        false,
		Lots:            2,
		LeverageX:       5,
		EntryOrTargetX6: 100_000_000,
		SLX6:            99_000_000,
		TPX6:            101_000_000,
		LiqX6:           98_500_000,
		Trader:          "0xBB00000000000000000000000000000000000002",
	}
}

// Opened(ORDER) materializes the position and exactly one order
// book row at the target bucket.
func TestScenario_OpenedOrder(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	if err := m.Apply(ctx, openedOrder42()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	p, err := ms.GetPosition(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.State != model.StateOrder || p.TargetX6 != 108_910_010_000 || p.TargetBucket != 10_891_001 {
		t.Errorf("bad row: %+v", p)
	}

	orders, stops, _ := ms.ReadBuckets(ctx, 42)
	if len(orders) != 1 || len(stops) != 0 {
		t.Fatalf("rows: %d orders / %d stops", len(orders), len(stops))
	}
	want := model.OrderLevel{AssetID: 0, BucketID: 10_891_001, PositionID: 42, Lots: 3, Side: true}
	if orders[0] != want {
		t.Errorf("order row %+v, want %+v", orders[0], want)
	}
}

// Opened(OPEN) materializes stop rows on the antagonistic side and
// the exposure aggregates.
func TestScenario_OpenedOpen(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	if err := m.Apply(ctx, openedOpen7()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	p, _ := ms.GetPosition(ctx, 7)
	if p.State != model.StateOpen || p.EntryX6 != 100_000_000 {
		t.Errorf("bad row: %+v", p)
	}
	if p.NotionalUsd6 != 200_000_000 || p.MarginUsd6 != 40_000_000 {
		t.Errorf("notional/margin: %d/%d", p.NotionalUsd6, p.MarginUsd6)
	}

	_, stops, _ := ms.ReadBuckets(ctx, 7)
	if len(stops) != 3 {
		t.Fatalf("expected 3 stop rows, got %d", len(stops))
	}
	for _, sl := range stops {
		if !sl.Side {
			t.Errorf("stop side must be antagonistic: %+v", sl)
		}
	}

	views, _ := ms.AssetExposure(ctx, 0)
	if len(views) != 1 || views[0].SumLots != 2 || views[0].Side {
		t.Errorf("exposure: %+v", views)
	}
}

// Executed moves ORDER → OPEN, clears the order row, and reflects
// the (empty) stop set.
func TestScenario_Executed(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	if err := m.Apply(ctx, openedOrder42()); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(ctx, chain.Executed{Observed: obs(110, "0xb1", 0), ID: 42, EntryX6: 108_900_000_000}); err != nil {
		t.Fatal(err)
	}

	p, _ := ms.GetPosition(ctx, 42)
	if p.State != model.StateOpen || p.EntryX6 != 108_900_000_000 || p.TargetX6 != 0 {
		t.Errorf("bad row: %+v", p)
	}

	orders, stops, _ := ms.ReadBuckets(ctx, 42)
	if len(orders) != 0 || len(stops) != 0 {
		t.Errorf("rows after execute: %d orders / %d stops", len(orders), len(stops))
	}
}

// StopsUpdated replaces SL/TP, keeps LIQ.
func TestScenario_StopsUpdated(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	if err := m.Apply(ctx, openedOpen7()); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(ctx, chain.StopsUpdated{Observed: obs(111, "0xb2", 0), ID: 7, SLX6: 0, TPX6: 101_500_000}); err != nil {
		t.Fatal(err)
	}

	p, _ := ms.GetPosition(ctx, 7)
	if p.SLX6 != 0 || p.TPX6 != 101_500_000 {
		t.Errorf("bad prices: %+v", p)
	}

	_, stops, _ := ms.ReadBuckets(ctx, 7)
	if len(stops) != 2 {
		t.Fatalf("expected TP + LIQ, got %+v", stops)
	}
	byType := map[model.StopType]model.StopLevel{}
	for _, sl := range stops {
		byType[sl.StopType] = sl
	}
	if byType[model.StopTP].BucketID != 10_150 || !byType[model.StopTP].Side {
		t.Errorf("bad TP row: %+v", byType[model.StopTP])
	}
	if byType[model.StopLiq].BucketID != 9_850 {
		t.Errorf("LIQ row modified: %+v", byType[model.StopLiq])
	}

	views, _ := ms.AssetExposure(ctx, 0)
	if views[0].SumLiqLots != 2 {
		t.Errorf("sum_liq_lots drifted: %+v", views[0])
	}
}

// Removed(SL) closes the position, clears all rows, drains
// exposure.
func TestScenario_Removed(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	if err := m.Apply(ctx, openedOpen7()); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(ctx, chain.Removed{
		Observed: obs(112, "0xb3", 0), ID: 7,
		Reason: model.ReasonSL, ExecX6: 99_000_000, PnlUsd6: big.NewInt(-2_000_000),
	}); err != nil {
		t.Fatal(err)
	}

	p, _ := ms.GetPosition(ctx, 7)
	if p.State != model.StateClosed || *p.CloseReason != model.ReasonSL || p.CloseExecX6 != 99_000_000 {
		t.Errorf("bad row: %+v", p)
	}

	orders, stops, _ := ms.ReadBuckets(ctx, 7)
	if len(orders) != 0 || len(stops) != 0 {
		t.Errorf("rows remain after removal")
	}
	views, _ := ms.AssetExposure(ctx, 0)
	if len(views) == 1 && (views[0].SumLots != 0 || views[0].PositionsCount != 0) {
		t.Errorf("exposure not drained: %+v", views[0])
	}
}

// Re-applying any event must leave the projection bit-identical.
func TestIdempotence_FullLifecycle(t *testing.T) {
	m, ms := newTestMachine(t)
	ctx := context.Background()

	events := []chain.Event{
		openedOrder42(),
		chain.Executed{Observed: obs(110, "0xb1", 0), ID: 42, EntryX6: 108_900_000_000},
		chain.StopsUpdated{Observed: obs(111, "0xb2", 0), ID: 42, SLX6: 108_000_000_000, TPX6: 0},
		chain.Removed{Observed: obs(112, "0xb3", 0), ID: 42, Reason: model.ReasonMarket, ExecX6: 108_950_000_000},
	}

	for i, ev := range events {
		if err := m.Apply(ctx, ev); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		before, _ := ms.GetPosition(ctx, 42)
		ordersBefore, stopsBefore, _ := ms.ReadBuckets(ctx, 42)

		if err := m.Apply(ctx, ev); err != nil {
			t.Fatalf("re-apply %d: %v", i, err)
		}
		after, _ := ms.GetPosition(ctx, 42)
		ordersAfter, stopsAfter, _ := ms.ReadBuckets(ctx, 42)

		// last_tx_hash/last_block_num may track the latest observation.
		before.LastTxHash, after.LastTxHash = "", ""
		before.LastBlockNum, after.LastBlockNum = 0, 0
		if !reflect.DeepEqual(before, after) {
			t.Errorf("event %d not idempotent:\n%+v\n%+v", i, before, after)
		}
		if !reflect.DeepEqual(ordersBefore, ordersAfter) || !reflect.DeepEqual(stopsBefore, stopsAfter) {
			t.Errorf("event %d changed index rows on re-apply", i)
		}
	}
}

// Event order independence: any causally valid ordering (Opened first)
// converges to the same terminal projection.
func TestOrderIndependence_TerminalState(t *testing.T) {
	opened := openedOrder42()
	executed := chain.Executed{Observed: obs(110, "0xb1", 0), ID: 42, EntryX6: 108_900_000_000}
	removed := chain.Removed{Observed: obs(112, "0xb3", 0), ID: 42, Reason: model.ReasonMarket, ExecX6: 108_950_000_000}

	orderings := [][]chain.Event{
		{opened, executed, removed},
		{opened, removed, executed}, // Executed after Removed is a no-op
	}

	var results []*model.Position
	for _, order := range orderings {
		m, ms := newTestMachine(t)
		ctx := context.Background()
		for _, ev := range order {
			_ = m.Apply(ctx, ev) // late events may no-op but must not error fatally
		}
		p, err := ms.GetPosition(ctx, 42)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		orders, stops, _ := ms.ReadBuckets(ctx, 42)
		if len(orders) != 0 || len(stops) != 0 {
			t.Errorf("terminal position retains bucket rows")
		}
		p.LastTxHash = ""
		p.LastBlockNum = 0
		p.OpenedAt = time.Time{}
		p.ExecutedAt, p.ClosedAt = nil, nil
		results = append(results, p)
	}

	if results[0].State != results[1].State || results[0].State != model.StateClosed {
		t.Errorf("orderings disagree on terminal state: %v vs %v", results[0].State, results[1].State)
	}
	if *results[0].CloseReason != *results[1].CloseReason {
		t.Errorf("orderings disagree on close reason")
	}
}

func TestExecutedBeforeOpened_IsViolation(t *testing.T) {
	m, _ := newTestMachine(t)
	err := m.Apply(context.Background(), chain.Executed{Observed: obs(1, "0x1", 0), ID: 999, EntryX6: 1})
	if !errors.Is(err, projection.ErrUnknownPosition) {
		t.Errorf("expected ErrUnknownPosition, got %v", err)
	}
}

func TestMachineHook_Notifies(t *testing.T) {
	m, _ := newTestMachine(t)
	var seen []uint32
	m.OnChange(func(p *model.Position) { seen = append(seen, p.ID) })

	if err := m.Apply(context.Background(), openedOrder42()); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 42 {
		t.Errorf("hook not invoked: %v", seen)
	}
}
