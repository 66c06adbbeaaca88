package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newRPCServer serves eth_call by dispatching on the 4-byte selector.
func newRPCServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad rpc request: %v", err)
		}
		params, _ := req.Params.([]any)
		callObj, _ := params[0].(map[string]any)
		data, _ := callObj["data"].(string)

		var result string
		for sel, res := range results {
			if strings.HasPrefix(data, sel) {
				result = res
				break
			}
		}
		if result == "" {
			t.Fatalf("no fixture for call data %s", data)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		})
	}))
}

func TestClient_GetTrade(t *testing.T) {
	ret := "0x" + addrWord(trader) +
		word(0) + // asset
		word(1) + // flags: long
		word(2) + // lots
		word(5) + // leverage
		word(100_000_000) + // entry
		word(0) + // target
		word(99_000_000) + // sl
		word(101_000_000) + // tp
		word(98_500_000) // liq

	srv := newRPCServer(t, map[string]string{selGetTrade: ret})
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	tr, err := c.GetTrade(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Owner != trader || tr.AssetID != 0 || tr.Lots != 2 || tr.LeverageX != 5 {
		t.Errorf("bad trade: %+v", tr)
	}
	if !tr.LongSide() {
		t.Error("flags bit 0 set, expected long side")
	}
	if tr.EntryX6 != 100_000_000 || tr.SLX6 != 99_000_000 || tr.TPX6 != 101_000_000 || tr.LiqX6 != 98_500_000 {
		t.Errorf("bad prices: %+v", tr)
	}
	if tr.Empty() {
		t.Error("trade should not be empty")
	}
}

func TestClient_GetTrade_Empty(t *testing.T) {
	words := make([]string, 10)
	for i := range words {
		words[i] = word(0)
	}
	srv := newRPCServer(t, map[string]string{selGetTrade: "0x" + strings.Join(words, "")})
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	tr, err := c.GetTrade(context.Background(), 9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Empty() {
		t.Errorf("expected empty trade, got %+v", tr)
	}
}

func TestClient_StateOf(t *testing.T) {
	srv := newRPCServer(t, map[string]string{selStateOf: "0x" + word(3)})
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	st, err := c.StateOf(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != 3 {
		t.Errorf("expected state 3, got %d", st)
	}
}

func TestClient_NextID(t *testing.T) {
	srv := newRPCServer(t, map[string]string{selNextID: "0x" + word(1001)})
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	next, err := c.NextID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != 1001 {
		t.Errorf("expected 1001, got %d", next)
	}
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	_, err := c.StateOf(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient classification, got %v", err)
	}
}

func TestClient_RPCErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"execution reverted"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "0x1234", 10)
	_, err := c.StateOf(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("expected permanent classification, got %v", err)
	}
}
