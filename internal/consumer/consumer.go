// Package consumer runs the four long-lived subscriber tasks, one per
// chain event topic. Each consumer is an independent failure domain: a
// stuck subscription restarts on its own without disturbing the other
// three, and the backfill controller closes whatever gap the outage
// left.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/metrics"
	"github.com/atmx/perp-indexer/internal/projection"
)

const (
	// DefaultDedupSize and DefaultDedupTTL bound the per-process
	// duplicate set.
	DefaultDedupSize = 5000
	DefaultDedupTTL  = 5 * time.Minute

	// DefaultRetryBudget bounds retries of transient store errors for
	// one event before it is dropped for the reconciler to repair.
	DefaultRetryBudget = 3

	defaultRestartWait = time.Second

	// backfillStride: the Opened consumer triggers a sliding-window
	// backfill whenever it sees an id divisible by this.
	backfillStride = 10
)

// Streamer delivers decoded events for one topic until the
// subscription dies (the chain gateway in production).
type Streamer interface {
	Stream(ctx context.Context, kind chain.EventKind, handler func(chain.Event)) error
}

// Applier folds one event into the projection (the state machine).
type Applier interface {
	Apply(ctx context.Context, ev chain.Event) error
}

// Backfiller reconciles an inclusive id window against the chain.
type Backfiller interface {
	Window(ctx context.Context, from, to uint32)
}

// Config tunes one consumer. Zero values take the defaults above.
type Config struct {
	RetryBudget int
	RestartWait time.Duration
	DedupSize   int
	DedupTTL    time.Duration

	// Backfill enables the sliding-window policy; only wired on the
	// Opened consumer.
	Backfill Backfiller
}

// Consumer is one subscriber task.
type Consumer struct {
	kind        chain.EventKind
	stream      Streamer
	machine     Applier
	dedup       *Dedup
	backfill    Backfiller
	retryBudget int
	restartWait time.Duration
}

// New creates a consumer for one topic.
func New(kind chain.EventKind, stream Streamer, machine Applier, cfg Config) *Consumer {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.RestartWait <= 0 {
		cfg.RestartWait = defaultRestartWait
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	return &Consumer{
		kind:        kind,
		stream:      stream,
		machine:     machine,
		dedup:       NewDedup(cfg.DedupSize, cfg.DedupTTL),
		backfill:    cfg.Backfill,
		retryBudget: cfg.RetryBudget,
		restartWait: cfg.RestartWait,
	}
}

// Run subscribes and re-subscribes until ctx is cancelled. The stream
// ending for any reason other than cancellation (transport close,
// watchdog) is counted and retried after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.stream.Stream(ctx, c.kind, func(ev chain.Event) { c.handle(ctx, ev) })
		if ctx.Err() != nil {
			return nil
		}

		metrics.StreamRestarts.WithLabelValues(c.kind.String()).Inc()
		slog.Warn("event stream ended, restarting",
			"kind", c.kind.String(), "err", err, "wait", c.restartWait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.restartWait):
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev chain.Event) {
	key := c.kind.String() + ":" + ev.Meta().DedupKey()
	if c.dedup.Seen(key) {
		metrics.DedupHits.WithLabelValues(c.kind.String()).Inc()
		return
	}

	var err error
	for attempt := 0; attempt <= c.retryBudget; attempt++ {
		if err = c.machine.Apply(ctx, ev); err == nil {
			break
		}
		if !retryableStoreErr(err) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}

	switch {
	case err == nil:
		metrics.EventsTotal.WithLabelValues(c.kind.String()).Inc()
	case errors.Is(err, projection.ErrUnknownPosition):
		// Missing predecessor: the reconciler fetches and inserts it.
		metrics.EventErrors.WithLabelValues(c.kind.String(), "violation").Inc()
		slog.Warn("event out of order, leaving for reconciler",
			"kind", c.kind.String(), "id", ev.PositionID(), "key", key, "err", err)
	case retryableStoreErr(err):
		metrics.EventErrors.WithLabelValues(c.kind.String(), "transient").Inc()
		slog.Error("event dropped after retry budget",
			"kind", c.kind.String(), "id", ev.PositionID(), "key", key, "err", err)
	default:
		metrics.EventErrors.WithLabelValues(c.kind.String(), "permanent").Inc()
		slog.Error("event rejected",
			"kind", c.kind.String(), "id", ev.PositionID(), "key", key, "err", err)
	}

	if opened, ok := ev.(chain.Opened); ok && c.backfill != nil && opened.ID%backfillStride == 0 {
		from := uint32(1)
		if opened.ID > backfillStride {
			from = opened.ID - (backfillStride - 1)
		}
		go c.backfill.Window(ctx, from, opened.ID)
	}
}

// retryableStoreErr classifies store failures worth another attempt:
// connection-level pgx errors and timeouts. Constraint violations and
// the like are permanent.
func retryableStoreErr(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; 40001/40P01: serialization
		// and deadlock.
		return pgErr.Code == "40001" || pgErr.Code == "40P01" ||
			(len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08")
	}
	return false
}
