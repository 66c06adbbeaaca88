package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-indexer/internal/api"
	"github.com/atmx/perp-indexer/internal/chain"
	"github.com/atmx/perp-indexer/internal/model"
	"github.com/atmx/perp-indexer/internal/reconcile"
	"github.com/atmx/perp-indexer/internal/store"
)

const trader = "0xAabbCCddEeFf00112233445566778899aAbBcCdD"

func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	asset := &model.Asset{ID: 0, Symbol: "BTC-PERP", TickX6: 10_000, LotNum: 1, LotDen: 1}
	if err := ms.UpsertAsset(context.Background(), asset); err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	srv := api.NewServer(ms, nil, nil)
	return ms, srv.Router()
}

func seedOrder(t *testing.T, ms *store.MemoryStore, id uint32, target int64, long bool) {
	t.Helper()
	_, err := ms.IngestOpened(context.Background(), store.OpenedParams{
		ID: id, State: model.StateOrder, AssetID: 0, LongSide: long,
		Lots: 3, LeverageX: 10, EntryOrTargetX6: target, Trader: trader,
	})
	if err != nil {
		t.Fatalf("seed order %d: %v", id, err)
	}
}

func seedOpen(t *testing.T, ms *store.MemoryStore, id uint32) {
	t.Helper()
	_, err := ms.IngestOpened(context.Background(), store.OpenedParams{
		ID: id, State: model.StateOpen, AssetID: 0, LongSide: false,
		Lots: 2, LeverageX: 5, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, TPX6: 101_000_000, LiqX6: 98_500_000, Trader: trader,
	})
	if err != nil {
		t.Fatalf("seed open %d: %v", id, err)
	}
}

func get(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad error body %q: %v", w.Body.String(), err)
	}
	return body["error"]
}

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	w := get(t, router, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var body map[string]bool
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if !body["ok"] {
		t.Errorf("expected ok=true: %s", w.Body.String())
	}
}

func TestGetAsset(t *testing.T) {
	_, router := newTestEnv(t)

	w := get(t, router, "/assets/0")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var a model.Asset
	_ = json.Unmarshal(w.Body.Bytes(), &a)
	if a.Symbol != "BTC-PERP" || a.TickX6 != 10_000 {
		t.Errorf("bad asset: %+v", a)
	}

	if w := get(t, router, "/assets/999"); w.Code != http.StatusNotFound || decodeErr(t, w) != "asset_not_found" {
		t.Errorf("missing asset: %d %s", w.Code, w.Body.String())
	}
	if w := get(t, router, "/assets/abc"); w.Code != http.StatusBadRequest || decodeErr(t, w) != "asset_id_invalid" {
		t.Errorf("invalid asset id: %d %s", w.Code, w.Body.String())
	}
}

func TestGetPosition(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOrder(t, ms, 42, 108_910_010_000, true)

	w := get(t, router, "/position/42")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var p model.Position
	_ = json.Unmarshal(w.Body.Bytes(), &p)
	if p.ID != 42 || p.TargetBucket != 10_891_001 {
		t.Errorf("bad position body: %+v", p)
	}

	if w := get(t, router, "/position/999"); w.Code != http.StatusNotFound || decodeErr(t, w) != "position_not_found" {
		t.Errorf("missing position: %d %s", w.Code, w.Body.String())
	}
	if w := get(t, router, "/position/xyz"); w.Code != http.StatusBadRequest || decodeErr(t, w) != "bad_request" {
		t.Errorf("invalid id: %d %s", w.Code, w.Body.String())
	}
}

func TestTrader_GroupsAndCase(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOrder(t, ms, 1, 100_000_000, true)
	seedOpen(t, ms, 2)

	// Uppercase address must match case-insensitively.
	w := get(t, router, "/trader/0xAABBCCDDEEFF00112233445566778899AABBCCDD")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var tp store.TraderPositions
	_ = json.Unmarshal(w.Body.Bytes(), &tp)
	if len(tp.Orders) != 1 || tp.Orders[0] != 1 || len(tp.Open) != 1 || tp.Open[0] != 2 {
		t.Errorf("bad grouping: %+v", tp)
	}

	if w := get(t, router, "/trader/nothex"); w.Code != http.StatusBadRequest || decodeErr(t, w) != "invalid_address" {
		t.Errorf("invalid address: %d %s", w.Code, w.Body.String())
	}
}

func TestBucketOrders(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOrder(t, ms, 1, 108_910_010_000, true)

	// By explicit bucket.
	w := get(t, router, "/bucket/orders?asset=0&bucket=10891001")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Items []model.OrderLevel `json:"items"`
		Count int                `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 || body.Items[0].PositionID != 1 {
		t.Errorf("bad body: %s", w.Body.String())
	}

	// By price (quantized with the asset tick).
	w = get(t, router, "/bucket/orders?asset=0&price=108910.01")
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || body.Count != 1 {
		t.Errorf("price lookup failed: %d %s", w.Code, w.Body.String())
	}

	// Side filter excludes the long order.
	w = get(t, router, "/bucket/orders?asset=0&bucket=10891001&side=short")
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 0 {
		t.Errorf("side filter leaked: %s", w.Body.String())
	}
}

func TestBucketOrders_ErrorSet(t *testing.T) {
	_, router := newTestEnv(t)

	if w := get(t, router, "/bucket/orders?price=1"); decodeErr(t, w) != "asset_required" {
		t.Errorf("missing asset: %s", w.Body.String())
	}
	if w := get(t, router, "/bucket/orders?asset=0"); decodeErr(t, w) != "price_or_bucket_required" {
		t.Errorf("missing selector: %s", w.Body.String())
	}
	if w := get(t, router, "/bucket/orders?asset=zz&price=1"); decodeErr(t, w) != "asset_id_invalid" {
		t.Errorf("bad asset id: %s", w.Body.String())
	}
	if w := get(t, router, "/bucket/orders?asset=7&price=1"); decodeErr(t, w) != "asset_not_found" {
		t.Errorf("unknown asset: %s", w.Body.String())
	}
	if w := get(t, router, "/bucket/orders?asset=0&price=1&side=diagonal"); decodeErr(t, w) != "bad_request" {
		t.Errorf("bad side: %s", w.Body.String())
	}
}

func TestBucketStopsAndRange(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOpen(t, ms, 7)

	w := get(t, router, "/bucket/stops?asset=0&bucket=9900")
	var body struct {
		Items []model.StopLevel `json:"items"`
		Count int               `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 1 || body.Items[0].StopType != model.StopSL || !body.Items[0].Side {
		t.Errorf("bad stop bucket: %s", w.Body.String())
	}

	// Range sweeps all three stops in one query.
	w = get(t, router, "/bucket/stops-range?asset=0&from_bucket=9000&to_bucket=11000")
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Count != 3 {
		t.Errorf("expected 3 stops in range: %s", w.Body.String())
	}

	// Descending order puts TP (10100) first.
	w = get(t, router, "/bucket/stops-range?asset=0&from_bucket=9000&to_bucket=11000&order=desc")
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Items[0].StopType != model.StopTP {
		t.Errorf("descending sort broken: %s", w.Body.String())
	}
}

func TestCombinedRange(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOrder(t, ms, 1, 99_500_000, true) // bucket 9950
	seedOpen(t, ms, 7)

	w := get(t, router, "/bucket/range?asset=0&from=98&to=102")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Orders []model.OrderLevel `json:"orders"`
		Stops  []model.StopLevel  `json:"stops"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Orders) != 1 || len(body.Stops) != 3 {
		t.Errorf("combined range: %d orders / %d stops", len(body.Orders), len(body.Stops))
	}
}

func TestExposure(t *testing.T) {
	ms, router := newTestEnv(t)
	seedOpen(t, ms, 7)

	w := get(t, router, "/exposure/0")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var views []model.ExposureView
	_ = json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 || views[0].SumLots != 2 || views[0].AvgEntryX6 != 100_000_000 {
		t.Errorf("bad exposure: %s", w.Body.String())
	}

	if w := get(t, router, "/exposure/404"); w.Code != http.StatusNotFound || decodeErr(t, w) != "asset_not_found" {
		t.Errorf("unknown asset exposure: %d %s", w.Code, w.Body.String())
	}
}

func TestVerify_Disabled(t *testing.T) {
	_, router := newTestEnv(t)
	// No reconciler wired: endpoint degrades to internal_error.
	if w := get(t, router, "/verify/1,2"); w.Code != http.StatusInternalServerError || decodeErr(t, w) != "internal_error" {
		t.Errorf("verify without reconciler: %d %s", w.Code, w.Body.String())
	}
}

// stubChain answers every stateOf with a fixed value.
type stubChain struct {
	state uint8
	err   error
}

func (s *stubChain) StateOf(context.Context, uint32) (uint8, error) { return s.state, s.err }
func (s *stubChain) GetTrade(context.Context, uint32) (*chain.Trade, error) {
	return nil, errors.New("not used")
}
func (s *stubChain) NextID(context.Context) (uint32, error) { return 0, errors.New("not used") }

func newVerifyEnv(t *testing.T, ch reconcile.ChainReader) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	asset := &model.Asset{ID: 0, Symbol: "BTC-PERP", TickX6: 10_000, LotNum: 1, LotDen: 1}
	if err := ms.UpsertAsset(context.Background(), asset); err != nil {
		t.Fatal(err)
	}
	srv := api.NewServer(ms, reconcile.New(ms, ch, 2, 2), nil)
	return ms, srv.Router()
}

func TestVerify_BadIDs(t *testing.T) {
	_, router := newVerifyEnv(t, &stubChain{})
	if w := get(t, router, "/verify/1,x"); w.Code != http.StatusBadRequest || decodeErr(t, w) != "bad_request" {
		t.Errorf("bad csv ids: %d %s", w.Code, w.Body.String())
	}
}

func TestVerify_RepairsDrift(t *testing.T) {
	ms, router := newVerifyEnv(t, &stubChain{state: 3}) // chain: CANCELLED
	seedOpen(t, ms, 99)

	w := get(t, router, "/verify/99")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Checked    int64 `json:"checked"`
		Updated    int64 `json:"updated"`
		Mismatches int64 `json:"mismatches"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Checked != 1 || resp.Updated != 1 || resp.Mismatches != 1 {
		t.Errorf("bad verify response: %s", w.Body.String())
	}

	p, _ := ms.GetPosition(context.Background(), 99)
	if p.State != model.StateCancelled {
		t.Errorf("drift not repaired: %v", p.State)
	}
}

func TestVerify_ChainDown(t *testing.T) {
	ms, router := newVerifyEnv(t, &stubChain{err: errors.New("rpc down")})
	seedOpen(t, ms, 1)

	w := get(t, router, "/verify/1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Summary struct {
			RPCFailed int64 `json:"rpc_failed"`
		} `json:"summary"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Summary.RPCFailed != 1 {
		t.Errorf("rpc_failed missing from summary: %s", w.Body.String())
	}
}
