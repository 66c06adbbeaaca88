package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-indexer/internal/fixed"
	"github.com/atmx/perp-indexer/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. Exposure aggregation runs inside the positions trigger, so
// every ingest transaction leaves exposure_agg consistent with
// positions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Assets ---

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (asset_id, symbol, tick_x6, lot_num, lot_den)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (asset_id) DO UPDATE SET
		     symbol = EXCLUDED.symbol,
		     tick_x6 = EXCLUDED.tick_x6,
		     lot_num = EXCLUDED.lot_num,
		     lot_den = EXCLUDED.lot_den`,
		int64(a.ID), a.Symbol, a.TickX6, a.LotNum, a.LotDen,
	)
	return err
}

func (s *PostgresStore) GetAsset(ctx context.Context, id uint32) (*model.Asset, error) {
	return getAsset(ctx, s.pool, id)
}

// querier covers both pool and tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getAsset(ctx context.Context, q querier, id uint32) (*model.Asset, error) {
	var a model.Asset
	var id64 int64
	err := q.QueryRow(ctx,
		`SELECT asset_id, symbol, tick_x6, lot_num::BIGINT, lot_den::BIGINT
		 FROM assets WHERE asset_id = $1`, int64(id)).
		Scan(&id64, &a.Symbol, &a.TickX6, &a.LotNum, &a.LotDen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %d: %w", id, err)
	}
	a.ID = uint32(id64)
	return &a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, symbol, tick_x6, lot_num::BIGINT, lot_den::BIGINT
		 FROM assets ORDER BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		var a model.Asset
		var id64 int64
		if err := rows.Scan(&id64, &a.Symbol, &a.TickX6, &a.LotNum, &a.LotDen); err != nil {
			return nil, err
		}
		a.ID = uint32(id64)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// --- Position row plumbing ---

const positionColumns = `id, owner_addr, asset_id, state::TEXT, long_side, lots, leverage_x,
	notional_usd6, margin_usd6, entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
	close_exec_x6, pnl_usd6::TEXT, opened_at, executed_at, closed_at, cancelled_at,
	close_reason::TEXT, last_tx_hash, last_block_num,
	target_bucket, sl_bucket, tp_bucket, liq_bucket`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var id64 int64
	var asset64 int64
	var stateS string
	var lots, lev int16
	var pnlS, reasonS, txHash *string
	var blockNum *int64
	var tb, sb, tpb, lb *int64

	err := row.Scan(&id64, &p.Owner, &asset64, &stateS, &p.LongSide, &lots, &lev,
		&p.NotionalUsd6, &p.MarginUsd6, &p.EntryX6, &p.TargetX6, &p.SLX6, &p.TPX6, &p.LiqX6,
		&p.CloseExecX6, &pnlS, &p.OpenedAt, &p.ExecutedAt, &p.ClosedAt, &p.CancelledAt,
		&reasonS, &txHash, &blockNum,
		&tb, &sb, &tpb, &lb)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.ID = uint32(id64)
	p.AssetID = uint32(asset64)
	p.Lots = int32(lots)
	p.LeverageX = int32(lev)
	if p.State, err = model.StateFromString(stateS); err != nil {
		return nil, err
	}
	if reasonS != nil {
		r, err := model.ReasonFromString(*reasonS)
		if err != nil {
			return nil, err
		}
		p.CloseReason = &r
	}
	if pnlS != nil {
		v, ok := new(big.Int).SetString(*pnlS, 10)
		if !ok {
			return nil, fmt.Errorf("position %d: malformed pnl %q", p.ID, *pnlS)
		}
		p.PnlUsd6 = v
	}
	if txHash != nil {
		p.LastTxHash = *txHash
	}
	if blockNum != nil {
		p.LastBlockNum = *blockNum
	}
	if tb != nil {
		p.TargetBucket = *tb
	}
	if sb != nil {
		p.SLBucket = *sb
	}
	if tpb != nil {
		p.TPBucket = *tpb
	}
	if lb != nil {
		p.LiqBucket = *lb
	}
	return &p, nil
}

// bucketVal renders a nullable bucket column: NULL while the matching
// price is zero.
func bucketVal(priceX6, bucket int64) any {
	if priceX6 == 0 {
		return nil
	}
	return bucket
}

// computeBuckets fills the four bucket fields from the row's prices.
func computeBuckets(p *model.Position, tickX6 int64) error {
	for _, pair := range []struct {
		price int64
		dst   *int64
	}{
		{p.TargetX6, &p.TargetBucket},
		{p.SLX6, &p.SLBucket},
		{p.TPX6, &p.TPBucket},
		{p.LiqX6, &p.LiqBucket},
	} {
		if pair.price == 0 {
			*pair.dst = 0
			continue
		}
		b, err := fixed.Bucket(pair.price, tickX6)
		if err != nil {
			return err
		}
		*pair.dst = b
	}
	return nil
}

func upsertPositionTx(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	var pnl any
	if p.PnlUsd6 != nil {
		pnl = p.PnlUsd6.String()
	}
	var reason any
	if p.CloseReason != nil {
		reason = p.CloseReason.String()
	}
	var txHash, blockNum any
	if p.LastTxHash != "" {
		txHash = p.LastTxHash
	}
	if p.LastBlockNum != 0 {
		blockNum = p.LastBlockNum
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, owner_addr, asset_id, state, long_side, lots, leverage_x,
		     notional_usd6, margin_usd6, entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
		     close_exec_x6, pnl_usd6, opened_at, executed_at, closed_at, cancelled_at,
		     close_reason, last_tx_hash, last_block_num,
		     target_bucket, sl_bucket, tp_bucket, liq_bucket)
		 VALUES ($1, $2, $3, $4::position_state, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		     $15, $16::NUMERIC, $17, $18, $19, $20, $21::close_reason, $22, $23, $24, $25, $26, $27)
		 ON CONFLICT (id) DO UPDATE SET
		     owner_addr = EXCLUDED.owner_addr,
		     asset_id = EXCLUDED.asset_id,
		     state = EXCLUDED.state,
		     long_side = EXCLUDED.long_side,
		     lots = EXCLUDED.lots,
		     leverage_x = EXCLUDED.leverage_x,
		     notional_usd6 = EXCLUDED.notional_usd6,
		     margin_usd6 = EXCLUDED.margin_usd6,
		     entry_x6 = EXCLUDED.entry_x6,
		     target_x6 = EXCLUDED.target_x6,
		     sl_x6 = EXCLUDED.sl_x6,
		     tp_x6 = EXCLUDED.tp_x6,
		     liq_x6 = EXCLUDED.liq_x6,
		     close_exec_x6 = EXCLUDED.close_exec_x6,
		     pnl_usd6 = EXCLUDED.pnl_usd6,
		     executed_at = EXCLUDED.executed_at,
		     closed_at = EXCLUDED.closed_at,
		     cancelled_at = EXCLUDED.cancelled_at,
		     close_reason = EXCLUDED.close_reason,
		     last_tx_hash = EXCLUDED.last_tx_hash,
		     last_block_num = EXCLUDED.last_block_num,
		     target_bucket = EXCLUDED.target_bucket,
		     sl_bucket = EXCLUDED.sl_bucket,
		     tp_bucket = EXCLUDED.tp_bucket,
		     liq_bucket = EXCLUDED.liq_bucket`,
		int64(p.ID), p.Owner, int64(p.AssetID), p.State.String(), p.LongSide,
		int16(p.Lots), int16(p.LeverageX),
		p.NotionalUsd6, p.MarginUsd6, p.EntryX6, p.TargetX6, p.SLX6, p.TPX6, p.LiqX6,
		p.CloseExecX6, pnl, p.OpenedAt, p.ExecutedAt, p.ClosedAt, p.CancelledAt,
		reason, txHash, blockNum,
		bucketVal(p.TargetX6, p.TargetBucket), bucketVal(p.SLX6, p.SLBucket),
		bucketVal(p.TPX6, p.TPBucket), bucketVal(p.LiqX6, p.LiqBucket),
	)
	return err
}

func lockPositionTx(ctx context.Context, tx pgx.Tx, id uint32) (*model.Position, error) {
	return scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, int64(id)))
}

func deleteOrderRowsTx(ctx context.Context, tx pgx.Tx, id uint32) error {
	_, err := tx.Exec(ctx, `DELETE FROM order_buckets WHERE position_id = $1`, int64(id))
	return err
}

func deleteStopRowsTx(ctx context.Context, tx pgx.Tx, id uint32, types ...model.StopType) error {
	if len(types) == 0 {
		_, err := tx.Exec(ctx, `DELETE FROM stop_buckets WHERE position_id = $1`, int64(id))
		return err
	}
	ts := make([]int16, len(types))
	for i, t := range types {
		ts[i] = int16(t)
	}
	_, err := tx.Exec(ctx,
		`DELETE FROM stop_buckets WHERE position_id = $1 AND stop_type = ANY($2)`, int64(id), ts)
	return err
}

func insertOrderRowTx(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO order_buckets (asset_id, bucket_id, position_id, lots, side)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (asset_id, bucket_id, position_id) DO UPDATE SET
		     lots = EXCLUDED.lots, side = EXCLUDED.side`,
		int64(p.AssetID), p.TargetBucket, int64(p.ID), int16(p.Lots), p.LongSide)
	return err
}

// insertStopRowsTx materializes one stop row per non-zero stop price on
// the antagonistic side.
func insertStopRowsTx(ctx context.Context, tx pgx.Tx, p *model.Position, types ...model.StopType) error {
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
		_, err := tx.Exec(ctx,
			`INSERT INTO stop_buckets (asset_id, bucket_id, position_id, stop_type, lots, side)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (asset_id, bucket_id, position_id, stop_type) DO UPDATE SET
			     lots = EXCLUDED.lots, side = EXCLUDED.side`,
			int64(p.AssetID), bucket, int64(p.ID), int16(t), int16(p.Lots), !p.LongSide)
		if err != nil {
			return err
		}
	}
	return nil
}

// rebuildIndexRowsTx drops every index row for the id and re-creates
// the set the row's state calls for.
func rebuildIndexRowsTx(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	if err := deleteOrderRowsTx(ctx, tx, p.ID); err != nil {
		return err
	}
	if err := deleteStopRowsTx(ctx, tx, p.ID); err != nil {
		return err
	}
	switch p.State {
	case model.StateOrder:
		if p.TargetX6 != 0 {
			return insertOrderRowTx(ctx, tx, p)
		}
	case model.StateOpen:
		return insertStopRowsTx(ctx, tx, p, model.StopSL, model.StopTP, model.StopLiq)
	}
	return nil
}

// --- Ingest operations ---

func (s *PostgresStore) IngestOpened(ctx context.Context, prm OpenedParams) (*model.Position, error) {
	var out *model.Position
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		asset, err := getAsset(ctx, tx, prm.AssetID)
		if err != nil {
			return err
		}

		existing, err := lockPositionTx(ctx, tx, prm.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing != nil && !prm.Force {
			// Later transitions dominate: never regress a terminal row,
			// never pull an OPEN row back to ORDER.
			if existing.State.Terminal() ||
				(existing.State == model.StateOpen && prm.State == model.StateOrder) {
				out = existing
				return rebuildIndexRowsTx(ctx, tx, existing)
			}
		}

		p := &model.Position{
			ID:        prm.ID,
			Owner:     lowerAddr(prm.Trader),
			AssetID:   prm.AssetID,
			State:     prm.State,
			LongSide:  prm.LongSide,
			Lots:      prm.Lots,
			LeverageX: prm.LeverageX,
			SLX6:      prm.SLX6,
			TPX6:      prm.TPX6,
			LiqX6:     prm.LiqX6,
			OpenedAt:  time.Now().UTC(),

			LastTxHash:   prm.TxHash,
			LastBlockNum: prm.Block,
		}
		if existing != nil {
			p.OpenedAt = existing.OpenedAt
			p.ExecutedAt = existing.ExecutedAt
		}
		switch prm.State {
		case model.StateOrder:
			p.TargetX6 = prm.EntryOrTargetX6
		case model.StateOpen:
			p.EntryX6 = prm.EntryOrTargetX6
			now := time.Now().UTC()
			if p.ExecutedAt == nil {
				p.ExecutedAt = &now
			}
			if p.NotionalUsd6, err = fixed.Notional(p.EntryX6, p.Lots, asset.LotNum, asset.LotDen); err != nil {
				return err
			}
			if p.MarginUsd6, err = fixed.Margin(p.NotionalUsd6, p.LeverageX); err != nil {
				return err
			}
		default:
			return fmt.Errorf("ingest opened: initial state %s", prm.State)
		}

		if err := computeBuckets(p, asset.TickX6); err != nil {
			return err
		}
		if err := upsertPositionTx(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return rebuildIndexRowsTx(ctx, tx, p)
	})
	return out, err
}

func (s *PostgresStore) IngestExecuted(ctx context.Context, id uint32, entryX6 int64, obs Observed) (*model.Position, error) {
	var out *model.Position
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPositionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if p.State.Terminal() {
			out = p
			return rebuildIndexRowsTx(ctx, tx, p)
		}
		if p.State == model.StateOpen && p.EntryX6 == entryX6 {
			out = p
			return nil
		}

		asset, err := getAsset(ctx, tx, p.AssetID)
		if err != nil {
			return err
		}

		p.State = model.StateOpen
		p.EntryX6 = entryX6
		p.TargetX6 = 0
		p.TargetBucket = 0
		if p.ExecutedAt == nil {
			now := time.Now().UTC()
			p.ExecutedAt = &now
		}
		if p.NotionalUsd6, err = fixed.Notional(p.EntryX6, p.Lots, asset.LotNum, asset.LotDen); err != nil {
			return err
		}
		if p.MarginUsd6, err = fixed.Margin(p.NotionalUsd6, p.LeverageX); err != nil {
			return err
		}
		p.LastTxHash = obs.TxHash
		p.LastBlockNum = obs.Block

		if err := upsertPositionTx(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return rebuildIndexRowsTx(ctx, tx, p)
	})
	return out, err
}

func (s *PostgresStore) IngestStopsUpdated(ctx context.Context, id uint32, slX6, tpX6 int64, obs Observed) (*model.Position, error) {
	var out *model.Position
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPositionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if p.State.Terminal() {
			out = p
			return rebuildIndexRowsTx(ctx, tx, p)
		}

		asset, err := getAsset(ctx, tx, p.AssetID)
		if err != nil {
			return err
		}

		p.SLX6 = slX6
		p.TPX6 = tpX6
		if err := computeBuckets(p, asset.TickX6); err != nil {
			return err
		}
		p.LastTxHash = obs.TxHash
		p.LastBlockNum = obs.Block

		if err := upsertPositionTx(ctx, tx, p); err != nil {
			return err
		}
		if p.State == model.StateOpen {
			// SL and TP rows are replaced; LIQ is never touched here.
			if err := deleteStopRowsTx(ctx, tx, id, model.StopSL, model.StopTP); err != nil {
				return err
			}
			if err := insertStopRowsTx(ctx, tx, p, model.StopSL, model.StopTP); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}

func (s *PostgresStore) IngestRemoved(ctx context.Context, id uint32, reason model.CloseReason, execX6 int64, pnlUsd6 *big.Int, obs Observed) (*model.Position, error) {
	var out *model.Position
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPositionTx(ctx, tx, id)
		if err != nil {
			return err
		}

		if p.State.Terminal() && p.CloseReason != nil && *p.CloseReason == reason {
			out = p
			return rebuildIndexRowsTx(ctx, tx, p)
		}

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

		if err := upsertPositionTx(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return rebuildIndexRowsTx(ctx, tx, p)
	})
	return out, err
}

func (s *PostgresStore) PatchState(ctx context.Context, id uint32, st model.PositionState) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPositionTx(ctx, tx, id)
		if err != nil {
			return err
		}
		p.State = st
		if _, err := tx.Exec(ctx,
			`UPDATE positions SET state = $2::position_state WHERE id = $1`,
			int64(id), st.String()); err != nil {
			return err
		}
		if st.Terminal() {
			return rebuildIndexRowsTx(ctx, tx, p)
		}
		return nil
	})
}

// --- Reads ---

func (s *PostgresStore) GetPosition(ctx context.Context, id uint32) (*model.Position, error) {
	return scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, int64(id)))
}

func (s *PostgresStore) PositionsByOwner(ctx context.Context, addr string) (*TraderPositions, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, state::TEXT FROM positions WHERE owner_addr_lc = $1 ORDER BY id`,
		lowerAddr(addr))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tp := &TraderPositions{
		Orders:    []uint32{},
		Open:      []uint32{},
		Cancelled: []uint32{},
		Closed:    []uint32{},
	}
	for rows.Next() {
		var id64 int64
		var stateS string
		if err := rows.Scan(&id64, &stateS); err != nil {
			return nil, err
		}
		st, err := model.StateFromString(stateS)
		if err != nil {
			return nil, err
		}
		tp.add(uint32(id64), st)
	}
	return tp, rows.Err()
}

func (tp *TraderPositions) add(id uint32, st model.PositionState) {
	switch st {
	case model.StateOrder:
		tp.Orders = append(tp.Orders, id)
	case model.StateOpen:
		tp.Open = append(tp.Open, id)
	case model.StateCancelled:
		tp.Cancelled = append(tp.Cancelled, id)
	case model.StateClosed:
		tp.Closed = append(tp.Closed, id)
	}
}

func levelOrder(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

func (s *PostgresStore) OrderLevels(ctx context.Context, q LevelQuery) ([]model.OrderLevel, error) {
	sql := `SELECT asset_id, bucket_id, position_id, lots, side FROM order_buckets
	        WHERE asset_id = $1 AND bucket_id BETWEEN $2 AND $3`
	args := []any{int64(q.AssetID), q.FromBucket, q.ToBucket}
	if q.Side != nil {
		sql += ` AND side = $4`
		args = append(args, *q.Side)
	}
	sql += ` ORDER BY bucket_id ` + levelOrder(q.Desc) + `, position_id`
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := []model.OrderLevel{}
	for rows.Next() {
		var l model.OrderLevel
		var asset64, pos64 int64
		var lots int16
		if err := rows.Scan(&asset64, &l.BucketID, &pos64, &lots, &l.Side); err != nil {
			return nil, err
		}
		l.AssetID = uint32(asset64)
		l.PositionID = uint32(pos64)
		l.Lots = int32(lots)
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func (s *PostgresStore) StopLevels(ctx context.Context, q LevelQuery) ([]model.StopLevel, error) {
	sql := `SELECT asset_id, bucket_id, position_id, stop_type, lots, side FROM stop_buckets
	        WHERE asset_id = $1 AND bucket_id BETWEEN $2 AND $3`
	args := []any{int64(q.AssetID), q.FromBucket, q.ToBucket}
	if q.Side != nil {
		sql += ` AND side = $4`
		args = append(args, *q.Side)
	}
	sql += ` ORDER BY bucket_id ` + levelOrder(q.Desc) + `, position_id, stop_type`
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := []model.StopLevel{}
	for rows.Next() {
		var l model.StopLevel
		var asset64, pos64 int64
		var lots, st int16
		if err := rows.Scan(&asset64, &l.BucketID, &pos64, &st, &lots, &l.Side); err != nil {
			return nil, err
		}
		l.AssetID = uint32(asset64)
		l.PositionID = uint32(pos64)
		l.StopType = model.StopType(st)
		l.Lots = int32(lots)
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

func (s *PostgresStore) ReadBuckets(ctx context.Context, id uint32) ([]model.OrderLevel, []model.StopLevel, error) {
	orders := []model.OrderLevel{}
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, bucket_id, position_id, lots, side
		 FROM order_buckets WHERE position_id = $1 ORDER BY bucket_id`, int64(id))
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var l model.OrderLevel
		var asset64, pos64 int64
		var lots int16
		if err := rows.Scan(&asset64, &l.BucketID, &pos64, &lots, &l.Side); err != nil {
			rows.Close()
			return nil, nil, err
		}
		l.AssetID = uint32(asset64)
		l.PositionID = uint32(pos64)
		l.Lots = int32(lots)
		orders = append(orders, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	stops := []model.StopLevel{}
	rows, err = s.pool.Query(ctx,
		`SELECT asset_id, bucket_id, position_id, stop_type, lots, side
		 FROM stop_buckets WHERE position_id = $1 ORDER BY stop_type`, int64(id))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l model.StopLevel
		var asset64, pos64 int64
		var lots, st int16
		if err := rows.Scan(&asset64, &l.BucketID, &pos64, &st, &lots, &l.Side); err != nil {
			return nil, nil, err
		}
		l.AssetID = uint32(asset64)
		l.PositionID = uint32(pos64)
		l.StopType = model.StopType(st)
		l.Lots = int32(lots)
		stops = append(stops, l)
	}
	return orders, stops, rows.Err()
}

func (s *PostgresStore) ListIDs(ctx context.Context, limit, offset int) ([]uint32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM positions ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uint32{}
	for rows.Next() {
		var id64 int64
		if err := rows.Scan(&id64); err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id64))
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MaxID(ctx context.Context) (uint32, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM positions`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return uint32(max), nil
}

func (s *PostgresStore) GetExposure(ctx context.Context) ([]model.ExposureView, error) {
	return s.queryExposure(ctx,
		`SELECT asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots,
		        sum_liq_x6_lots, sum_liq_lots, positions_count
		 FROM exposure_agg ORDER BY asset_id, side`)
}

func (s *PostgresStore) AssetExposure(ctx context.Context, assetID uint32) ([]model.ExposureView, error) {
	return s.queryExposure(ctx,
		`SELECT asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots,
		        sum_liq_x6_lots, sum_liq_lots, positions_count
		 FROM exposure_agg WHERE asset_id = $1 ORDER BY side`, int64(assetID))
}

func (s *PostgresStore) queryExposure(ctx context.Context, sql string, args ...any) ([]model.ExposureView, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []model.ExposureView{}
	for rows.Next() {
		var e model.Exposure
		var asset64 int64
		if err := rows.Scan(&asset64, &e.Side, &e.SumLots, &e.SumEntryX6Lots,
			&e.SumLeverLots, &e.SumLiqX6Lots, &e.SumLiqLots, &e.PositionsCount); err != nil {
			return nil, err
		}
		e.AssetID = uint32(asset64)
		views = append(views, e.View())
	}
	return views, rows.Err()
}
