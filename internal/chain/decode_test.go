package chain

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/atmx/perp-indexer/internal/model"
)

// word renders a signed value as a 32-byte two's-complement hex word.
func word(v int64) string {
	b := new(big.Int).SetInt64(v)
	if v < 0 {
		b.Add(b, wordModulus)
	}
	raw := make([]byte, 32)
	b.FillBytes(raw)
	return hex.EncodeToString(raw)
}

func boolWord(v bool) string {
	if v {
		return word(1)
	}
	return word(0)
}

func addrWord(addr string) string {
	raw := make([]byte, 32)
	a, _ := hex.DecodeString(strings.TrimPrefix(addr, "0x"))
	copy(raw[12:], a)
	return hex.EncodeToString(raw)
}

func idTopic(id uint32) string {
	var raw [32]byte
	binary.BigEndian.PutUint32(raw[28:], id)
	return "0x" + hex.EncodeToString(raw[:])
}

func testLog(topic string, id uint32, dataWords ...string) Log {
	return Log{
		Topics:      []string{topic, idTopic(id)},
		Data:        "0x" + strings.Join(dataWords, ""),
		BlockNumber: "0x64",
		TxHash:      "0xABCDEF",
		LogIndex:    "0x2",
	}
}

const trader = "0xaabbccddeeff00112233445566778899aabbccdd"

func TestDecodeLog_Opened(t *testing.T) {
	lg := testLog(TopicOpened, 42,
		word(0),                   // state ORDER
		word(0),                   // asset
		boolWord(true),            // longSide
		word(3),                   // lots
		word(108_910_010_000),     // entryOrTargetX6
		word(0), word(0), word(0), // sl, tp, liq
		addrWord(trader),
		word(10), // leverageX
	)

	ev, err := DecodeLog(lg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opened, ok := ev.(Opened)
	if !ok {
		t.Fatalf("expected Opened, got %T", ev)
	}
	if opened.ID != 42 || opened.InitialState != model.StateOrder {
		t.Errorf("bad id/state: %+v", opened)
	}
	if !opened.LongSide || opened.Lots != 3 || opened.LeverageX != 10 {
		t.Errorf("bad side/lots/leverage: %+v", opened)
	}
	if opened.EntryOrTargetX6 != 108_910_010_000 {
		t.Errorf("bad entryOrTarget: %d", opened.EntryOrTargetX6)
	}
	if opened.Trader != trader {
		t.Errorf("bad trader: %s", opened.Trader)
	}
	if opened.Block != 100 || opened.LogIndex != 2 || opened.TxHash != "0xabcdef" {
		t.Errorf("bad observed meta: %+v", opened.Observed)
	}
}

func TestDecodeLog_Executed(t *testing.T) {
	ev, err := DecodeLog(testLog(TopicExecuted, 7, word(100_000_000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	executed := ev.(Executed)
	if executed.ID != 7 || executed.EntryX6 != 100_000_000 {
		t.Errorf("bad executed: %+v", executed)
	}
}

func TestDecodeLog_StopsUpdated_Negative(t *testing.T) {
	ev, err := DecodeLog(testLog(TopicStopsUpdated, 7, word(-500_000), word(101_500_000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stops := ev.(StopsUpdated)
	if stops.SLX6 != -500_000 || stops.TPX6 != 101_500_000 {
		t.Errorf("bad stops: %+v", stops)
	}
}

func TestDecodeLog_Removed(t *testing.T) {
	ev, err := DecodeLog(testLog(TopicRemoved, 7, word(2), word(99_000_000), word(-2_000_000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	removed := ev.(Removed)
	if removed.Reason != model.ReasonSL {
		t.Errorf("expected reason SL, got %v", removed.Reason)
	}
	if removed.ExecX6 != 99_000_000 {
		t.Errorf("bad execX6: %d", removed.ExecX6)
	}
	if removed.PnlUsd6.Cmp(big.NewInt(-2_000_000)) != 0 {
		t.Errorf("bad pnl: %s", removed.PnlUsd6)
	}
}

func TestDecodeLog_UnknownReason(t *testing.T) {
	if _, err := DecodeLog(testLog(TopicRemoved, 7, word(5), word(0), word(0))); err == nil {
		t.Error("expected error for reason 5")
	}
}

func TestDecodeLog_WrongWordCount(t *testing.T) {
	if _, err := DecodeLog(testLog(TopicExecuted, 7)); err == nil {
		t.Error("expected error for missing data words")
	}
}

func TestDecodeLog_UnknownTopic(t *testing.T) {
	lg := testLog("0x"+strings.Repeat("11", 32), 1, word(0))
	if _, err := DecodeLog(lg); err == nil {
		t.Error("expected error for unknown topic")
	}
}

func TestDecodeLog_MissingIDTopic(t *testing.T) {
	lg := Log{Topics: []string{TopicExecuted}, Data: "0x" + word(1)}
	if _, err := DecodeLog(lg); err == nil {
		t.Error("expected error for missing id topic")
	}
}

func TestWordInt64_Bounds(t *testing.T) {
	raw, _ := hex.DecodeString(word(1 << 62))
	if _, err := wordInt64(raw); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// 2^64 does not fit int64.
	big64 := new(big.Int).Lsh(big.NewInt(1), 64)
	over := make([]byte, 32)
	big64.FillBytes(over)
	if _, err := wordInt64(over); err == nil {
		t.Error("expected overflow error")
	}
}

func TestHexQuantity(t *testing.T) {
	v, err := hexQuantity("0x1a4")
	if err != nil || v != 420 {
		t.Errorf("expected 420, got %d (%v)", v, err)
	}
	v, err = hexQuantity("420")
	if err != nil || v != 420 {
		t.Errorf("expected 420 from decimal, got %d (%v)", v, err)
	}
	if _, err := hexQuantity(""); err == nil {
		t.Error("expected error for empty quantity")
	}
}
