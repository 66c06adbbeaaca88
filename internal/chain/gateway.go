package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultIdleTimeout is the watchdog τ: a subscription that delivers
// nothing for this long is assumed dead and torn down so the consumer
// loop can re-establish it. Gap-filling after a restart is the backfill
// controller's job, not the gateway's.
const DefaultIdleTimeout = 15 * time.Second

// ErrStreamIdle is returned when the watchdog fires.
var ErrStreamIdle = errors.New("subscription idle past watchdog timeout")

// Gateway opens one websocket log subscription per logical event topic
// and delivers decoded events in log order. Streams are at-least-once:
// a restarted consumer may observe events it has already applied.
type Gateway struct {
	wsURL       string
	contract    string
	dialer      *websocket.Dialer
	idleTimeout time.Duration
}

// NewGateway creates a gateway for the contract at addr. idleTimeout 0
// means DefaultIdleTimeout.
func NewGateway(wsURL, contract string, idleTimeout time.Duration) *Gateway {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Gateway{
		wsURL:       wsURL,
		contract:    strings.ToLower(contract),
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		idleTimeout: idleTimeout,
	}
}

// subscription frames per the eth_subscribe protocol.
type wsSubConfirm struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Stream subscribes to one topic and invokes handler for every decoded
// event until the subscription dies. A nil return means ctx was
// cancelled; any other return is an abnormal termination (transport
// close, watchdog) and the caller is expected to restart.
//
// Decode failures are logged and skipped — a malformed log must not
// wedge the stream; the reconciler repairs whatever the event would
// have changed.
func (g *Gateway) Stream(ctx context.Context, kind EventKind, handler func(Event)) error {
	conn, _, err := g.dialer.DialContext(ctx, g.wsURL, nil)
	if err != nil {
		return transientErr("subscribe "+kind.String(), err)
	}
	defer conn.Close()

	// Cooperative cancellation: closing the conn unblocks ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sub := rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		ID:      1,
		Params: []any{"logs", map[string]any{
			"address": g.contract,
			"topics":  []any{[]string{TopicFor(kind)}},
		}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return transientErr("subscribe "+kind.String(), err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
	_, confirmRaw, err := conn.ReadMessage()
	if err != nil {
		return g.streamErr(ctx, kind, err)
	}
	var confirm wsSubConfirm
	if err := json.Unmarshal(confirmRaw, &confirm); err != nil {
		return transientErr("subscribe "+kind.String(), err)
	}
	if confirm.Error != nil {
		return permanentErr("subscribe "+kind.String(),
			fmt.Errorf("rpc %d: %s", confirm.Error.Code, confirm.Error.Message))
	}

	slog.Info("subscribed to event stream", "kind", kind.String(), "contract", g.contract)

	for {
		// The read deadline is the watchdog: no frame within τ kills
		// the stream.
		_ = conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return g.streamErr(ctx, kind, err)
		}

		var note wsNotification
		if err := json.Unmarshal(msg, &note); err != nil || note.Method != "eth_subscription" {
			continue // ping replies, stray frames
		}

		var lg Log
		if err := json.Unmarshal(note.Params.Result, &lg); err != nil {
			slog.Warn("unparseable log frame", "kind", kind.String(), "err", err)
			continue
		}
		if lg.Removed {
			// Reorged-out log; the reconciler restores consistency.
			slog.Warn("dropping removed log", "kind", kind.String(), "tx", lg.TxHash)
			continue
		}

		ev, err := DecodeLog(lg)
		if err != nil {
			slog.Error("log decode failed", "kind", kind.String(), "tx", lg.TxHash, "err", err)
			continue
		}
		handler(ev)
	}
}

func (g *Gateway) streamErr(ctx context.Context, kind EventKind, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transientErr("stream "+kind.String(), ErrStreamIdle)
	}
	return transientErr("stream "+kind.String(), err)
}
