package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Function selectors for the contract's read surface.
const (
	fnGetTrade = "getTrade(uint32)"
	fnStateOf  = "stateOf(uint32)"
	fnNextID   = "nextId()"
)

var (
	selGetTrade = selector(fnGetTrade)
	selStateOf  = selector(fnStateOf)
	selNextID   = selector(fnNextID)
)

func selector(sig string) string {
	return "0x" + hex.EncodeToString(keccak([]byte(sig))[:4])
}

const zeroAddr = "0x0000000000000000000000000000000000000000"

// Trade is the contract's authoritative position struct as returned by
// getTrade. Flags bit 0 encodes the long side.
type Trade struct {
	Owner     string
	AssetID   uint32
	Flags     uint64
	Lots      int32
	LeverageX int32
	EntryX6   int64
	TargetX6  int64
	SLX6      int64
	TPX6      int64
	LiqX6     int64
}

// LongSide is flags bit 0. This is the only authoritative source of the
// side when reconstructing a position from chain state.
func (t *Trade) LongSide() bool { return t.Flags&1 == 1 }

// Empty reports the contract's "no such position" sentinel: zero owner
// and all numeric fields zero.
func (t *Trade) Empty() bool {
	return t.Owner == zeroAddr &&
		t.AssetID == 0 && t.Flags == 0 && t.Lots == 0 && t.LeverageX == 0 &&
		t.EntryX6 == 0 && t.TargetX6 == 0 && t.SLX6 == 0 && t.TPX6 == 0 && t.LiqX6 == 0
}

// Client reads authoritative position state over HTTP JSON-RPC with a
// process-wide bound on in-flight calls. It never retries on
// application-level errors; transport failures surface as transient
// RPCErrors for the caller to handle.
type Client struct {
	endpoint string
	contract string
	hc       *http.Client
	inflight *semaphore.Weighted
	reqID    atomic.Int64
}

// NewClient creates a read client for the contract at addr. maxInflight
// bounds concurrent calls (the RPC_CONC knob).
func NewClient(endpoint, contract string, maxInflight int64) *Client {
	if maxInflight <= 0 {
		maxInflight = 100
	}
	return &Client{
		endpoint: endpoint,
		contract: strings.ToLower(contract),
		hc:       &http.Client{Timeout: 10 * time.Second},
		inflight: semaphore.NewWeighted(maxInflight),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return nil, transientErr(method, err)
	}
	defer c.inflight.Release(1)

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return nil, permanentErr(method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanentErr(method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, transientErr(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, transientErr(method, fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, permanentErr(method, fmt.Errorf("http %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, transientErr(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, permanentErr(method, fmt.Errorf("rpc %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

// ethCall performs eth_call against the contract and returns the raw
// return words.
func (c *Client) ethCall(ctx context.Context, data string) ([][]byte, error) {
	raw, err := c.call(ctx, "eth_call", []any{
		map[string]string{"to": c.contract, "data": data},
		"latest",
	})
	if err != nil {
		return nil, err
	}

	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, permanentErr("eth_call", fmt.Errorf("result: %w", err))
	}
	words, err := dataWords(out)
	if err != nil {
		return nil, permanentErr("eth_call", err)
	}
	return words, nil
}

func encodeUint32Arg(sel string, v uint32) string {
	var w [32]byte
	binary.BigEndian.PutUint32(w[28:], v)
	return sel + hex.EncodeToString(w[:])
}

// GetTrade reads the full position struct. The zero-owner sentinel is
// returned as-is; callers check Trade.Empty.
func (c *Client) GetTrade(ctx context.Context, id uint32) (*Trade, error) {
	words, err := c.ethCall(ctx, encodeUint32Arg(selGetTrade, id))
	if err != nil {
		return nil, err
	}
	if len(words) != 10 {
		return nil, permanentErr("getTrade", fmt.Errorf("%d return words, want 10", len(words)))
	}

	asset, err := wordUint(words[1], 32)
	if err != nil {
		return nil, permanentErr("getTrade", fmt.Errorf("asset: %w", err))
	}
	flags, err := wordUint(words[2], 64)
	if err != nil {
		return nil, permanentErr("getTrade", fmt.Errorf("flags: %w", err))
	}
	lots, err := wordUint(words[3], 16)
	if err != nil {
		return nil, permanentErr("getTrade", fmt.Errorf("lots: %w", err))
	}
	lev, err := wordUint(words[4], 16)
	if err != nil {
		return nil, permanentErr("getTrade", fmt.Errorf("leverageX: %w", err))
	}

	t := &Trade{
		Owner:     wordAddr(words[0]),
		AssetID:   uint32(asset),
		Flags:     flags,
		Lots:      int32(lots),
		LeverageX: int32(lev),
	}
	for i, dst := range []*int64{&t.EntryX6, &t.TargetX6, &t.SLX6, &t.TPX6, &t.LiqX6} {
		v, err := wordInt64(words[5+i])
		if err != nil {
			return nil, permanentErr("getTrade", fmt.Errorf("price word %d: %w", 5+i, err))
		}
		*dst = v
	}
	return t, nil
}

// StateOf reads the position's numeric lifecycle state
// (0=ORDER, 1=OPEN, 2=CLOSED, 3=CANCELLED).
func (c *Client) StateOf(ctx context.Context, id uint32) (uint8, error) {
	words, err := c.ethCall(ctx, encodeUint32Arg(selStateOf, id))
	if err != nil {
		return 0, err
	}
	if len(words) != 1 {
		return 0, permanentErr("stateOf", fmt.Errorf("%d return words, want 1", len(words)))
	}
	v, err := wordUint(words[0], 8)
	if err != nil {
		return 0, permanentErr("stateOf", err)
	}
	return uint8(v), nil
}

// NextID reads the next id the contract will assign; the highest
// existing id is NextID()-1.
func (c *Client) NextID(ctx context.Context) (uint32, error) {
	words, err := c.ethCall(ctx, selNextID)
	if err != nil {
		return 0, err
	}
	if len(words) != 1 {
		return 0, permanentErr("nextId", fmt.Errorf("%d return words, want 1", len(words)))
	}
	v, err := wordUint(words[0], 32)
	if err != nil {
		return 0, permanentErr("nextId", err)
	}
	return uint32(v), nil
}
