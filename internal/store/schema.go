package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the authoritative DDL for the projection. Exposure is
// maintained by a row-level trigger on positions so that the aggregates
// change in the same transaction as the row that moved them.
const Schema = `
CREATE TABLE IF NOT EXISTS assets (
    asset_id   INTEGER PRIMARY KEY,
    symbol     TEXT NOT NULL,
    tick_x6    BIGINT NOT NULL CHECK (tick_x6 > 0),
    lot_num    NUMERIC NOT NULL,
    lot_den    NUMERIC NOT NULL CHECK (lot_den <> 0)
);

DO $$ BEGIN
    CREATE TYPE position_state AS ENUM ('ORDER', 'OPEN', 'CLOSED', 'CANCELLED');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
    CREATE TYPE close_reason AS ENUM ('CANCELLED', 'MARKET', 'SL', 'TP', 'LIQ');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

CREATE TABLE IF NOT EXISTS positions (
    id             BIGINT PRIMARY KEY,
    owner_addr     TEXT NOT NULL,
    owner_addr_lc  TEXT GENERATED ALWAYS AS (lower(owner_addr)) STORED,
    asset_id       INTEGER NOT NULL REFERENCES assets(asset_id),
    state          position_state NOT NULL,
    long_side      BOOLEAN NOT NULL,
    lots           SMALLINT NOT NULL,
    leverage_x     SMALLINT NOT NULL,
    notional_usd6  BIGINT NOT NULL DEFAULT 0,
    margin_usd6    BIGINT NOT NULL DEFAULT 0,
    entry_x6       BIGINT NOT NULL DEFAULT 0,
    target_x6      BIGINT NOT NULL DEFAULT 0,
    sl_x6          BIGINT NOT NULL DEFAULT 0,
    tp_x6          BIGINT NOT NULL DEFAULT 0,
    liq_x6         BIGINT NOT NULL DEFAULT 0,
    close_exec_x6  BIGINT NOT NULL DEFAULT 0,
    pnl_usd6       NUMERIC,
    opened_at      TIMESTAMPTZ NOT NULL,
    executed_at    TIMESTAMPTZ,
    closed_at      TIMESTAMPTZ,
    cancelled_at   TIMESTAMPTZ,
    close_reason   close_reason,
    last_tx_hash   TEXT,
    last_block_num BIGINT,
    target_bucket  BIGINT,
    sl_bucket      BIGINT,
    tp_bucket      BIGINT,
    liq_bucket     BIGINT
);

CREATE INDEX IF NOT EXISTS idx_positions_owner ON positions (owner_addr_lc);
CREATE INDEX IF NOT EXISTS idx_positions_target_bucket
    ON positions (asset_id, target_bucket) WHERE state = 'ORDER';
CREATE INDEX IF NOT EXISTS idx_positions_sl_bucket
    ON positions (asset_id, sl_bucket) WHERE state = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_tp_bucket
    ON positions (asset_id, tp_bucket) WHERE state = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_positions_liq_bucket
    ON positions (asset_id, liq_bucket) WHERE state = 'OPEN';

CREATE TABLE IF NOT EXISTS order_buckets (
    asset_id    INTEGER NOT NULL,
    bucket_id   BIGINT NOT NULL,
    position_id BIGINT NOT NULL,
    lots        SMALLINT NOT NULL,
    side        BOOLEAN NOT NULL,
    PRIMARY KEY (asset_id, bucket_id, position_id)
);

CREATE INDEX IF NOT EXISTS idx_order_buckets_side
    ON order_buckets (asset_id, bucket_id, side);

CREATE TABLE IF NOT EXISTS stop_buckets (
    asset_id    INTEGER NOT NULL,
    bucket_id   BIGINT NOT NULL,
    position_id BIGINT NOT NULL,
    stop_type   SMALLINT NOT NULL CHECK (stop_type IN (1, 2, 3)),
    lots        SMALLINT NOT NULL,
    side        BOOLEAN NOT NULL,
    PRIMARY KEY (asset_id, bucket_id, position_id, stop_type)
);

CREATE INDEX IF NOT EXISTS idx_stop_buckets_side
    ON stop_buckets (asset_id, bucket_id, side);

CREATE TABLE IF NOT EXISTS exposure_agg (
    asset_id          INTEGER NOT NULL,
    side              BOOLEAN NOT NULL,
    sum_lots          BIGINT NOT NULL DEFAULT 0,
    sum_entry_x6_lots BIGINT NOT NULL DEFAULT 0,
    sum_leverage_lots BIGINT NOT NULL DEFAULT 0,
    sum_liq_x6_lots   BIGINT NOT NULL DEFAULT 0,
    sum_liq_lots      BIGINT NOT NULL DEFAULT 0,
    positions_count   BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (asset_id, side)
);

CREATE OR REPLACE FUNCTION exposure_apply(p positions, sign BIGINT)
RETURNS VOID AS $$
BEGIN
    INSERT INTO exposure_agg AS e
        (asset_id, side, sum_lots, sum_entry_x6_lots, sum_leverage_lots,
         sum_liq_x6_lots, sum_liq_lots, positions_count)
    VALUES
        (p.asset_id, p.long_side,
         sign * p.lots,
         sign * p.entry_x6 * p.lots,
         sign * p.leverage_x * p.lots,
         sign * (CASE WHEN p.liq_x6 > 0 THEN p.liq_x6 * p.lots ELSE 0 END),
         sign * (CASE WHEN p.liq_x6 > 0 THEN p.lots ELSE 0 END),
         sign)
    ON CONFLICT (asset_id, side) DO UPDATE SET
        sum_lots          = e.sum_lots          + EXCLUDED.sum_lots,
        sum_entry_x6_lots = e.sum_entry_x6_lots + EXCLUDED.sum_entry_x6_lots,
        sum_leverage_lots = e.sum_leverage_lots + EXCLUDED.sum_leverage_lots,
        sum_liq_x6_lots   = e.sum_liq_x6_lots   + EXCLUDED.sum_liq_x6_lots,
        sum_liq_lots      = e.sum_liq_lots      + EXCLUDED.sum_liq_lots,
        positions_count   = e.positions_count   + EXCLUDED.positions_count;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION positions_exposure_trigger()
RETURNS TRIGGER AS $$
BEGIN
    IF TG_OP IN ('UPDATE', 'DELETE') AND OLD.state = 'OPEN' THEN
        PERFORM exposure_apply(OLD, -1);
    END IF;
    IF TG_OP IN ('INSERT', 'UPDATE') AND NEW.state = 'OPEN' THEN
        PERFORM exposure_apply(NEW, 1);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_positions_exposure ON positions;
CREATE TRIGGER trg_positions_exposure
    AFTER INSERT OR UPDATE OR DELETE ON positions
    FOR EACH ROW EXECUTE FUNCTION positions_exposure_trigger();
`

// Migrate applies the schema. Safe to run at every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
