package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/atmx/perp-indexer/internal/model"
)

// Event signatures. topics[0] carries the keccak-256 of the canonical
// signature; topics[1] carries the indexed position id.
const (
	sigOpened       = "PositionOpened(uint32,uint8,uint32,bool,uint16,int64,int64,int64,int64,address,uint16)"
	sigExecuted     = "PositionExecuted(uint32,int64)"
	sigStopsUpdated = "StopsUpdated(uint32,int64,int64)"
	sigRemoved      = "PositionRemoved(uint32,uint8,int64,int256)"
)

var (
	TopicOpened       = eventTopic(sigOpened)
	TopicExecuted     = eventTopic(sigExecuted)
	TopicStopsUpdated = eventTopic(sigStopsUpdated)
	TopicRemoved      = eventTopic(sigRemoved)
)

// TopicFor returns the subscription topic hash for a kind.
func TopicFor(kind EventKind) string {
	switch kind {
	case KindOpened:
		return TopicOpened
	case KindExecuted:
		return TopicExecuted
	case KindStopsUpdated:
		return TopicStopsUpdated
	case KindRemoved:
		return TopicRemoved
	}
	return ""
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func eventTopic(sig string) string {
	return "0x" + hex.EncodeToString(keccak([]byte(sig)))
}

// Log is the raw JSON-RPC log entry as delivered by eth_subscribe or
// eth_getLogs. Quantities are hex strings per the Ethereum wire format.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// DecodeLog turns a raw log into a typed event. All failures here are
// permanent: a malformed log will not become well-formed on retry.
func DecodeLog(lg Log) (Event, error) {
	if len(lg.Topics) < 2 {
		return nil, permanentErr("decode", fmt.Errorf("log has %d topics, need 2", len(lg.Topics)))
	}

	obs, err := decodeObserved(lg)
	if err != nil {
		return nil, permanentErr("decode", err)
	}

	idWord, err := hexWord(lg.Topics[1])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("id topic: %w", err))
	}
	id64, err := wordUint(idWord, 32)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("id topic: %w", err))
	}
	id := uint32(id64)

	words, err := dataWords(lg.Data)
	if err != nil {
		return nil, permanentErr("decode", err)
	}

	switch strings.ToLower(lg.Topics[0]) {
	case TopicOpened:
		return decodeOpened(id, obs, words)
	case TopicExecuted:
		return decodeExecuted(id, obs, words)
	case TopicStopsUpdated:
		return decodeStopsUpdated(id, obs, words)
	case TopicRemoved:
		return decodeRemoved(id, obs, words)
	}
	return nil, permanentErr("decode", fmt.Errorf("unknown topic %s", lg.Topics[0]))
}

func decodeOpened(id uint32, obs Observed, words [][]byte) (Event, error) {
	if len(words) != 10 {
		return nil, permanentErr("decode", fmt.Errorf("opened: %d data words, want 10", len(words)))
	}
	state, err := wordUint(words[0], 8)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened state: %w", err))
	}
	if state > 1 {
		return nil, permanentErr("decode", fmt.Errorf("opened state %d not in {0,1}", state))
	}
	asset, err := wordUint(words[1], 32)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened asset: %w", err))
	}
	long, err := wordBool(words[2])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened longSide: %w", err))
	}
	lots, err := wordUint(words[3], 16)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened lots: %w", err))
	}
	entryOrTarget, err := wordInt64(words[4])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened entryOrTargetX6: %w", err))
	}
	sl, err := wordInt64(words[5])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened slX6: %w", err))
	}
	tp, err := wordInt64(words[6])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened tpX6: %w", err))
	}
	liq, err := wordInt64(words[7])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened liqX6: %w", err))
	}
	trader := wordAddr(words[8])
	lev, err := wordUint(words[9], 16)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("opened leverageX: %w", err))
	}

	return Opened{
		Observed:        obs,
		ID:              id,
		InitialState:    model.PositionState(state),
		AssetID:         uint32(asset),
		LongSide:        long,
		Lots:            int32(lots),
		LeverageX:       int32(lev),
		EntryOrTargetX6: entryOrTarget,
		SLX6:            sl,
		TPX6:            tp,
		LiqX6:           liq,
		Trader:          trader,
	}, nil
}

func decodeExecuted(id uint32, obs Observed, words [][]byte) (Event, error) {
	if len(words) != 1 {
		return nil, permanentErr("decode", fmt.Errorf("executed: %d data words, want 1", len(words)))
	}
	entry, err := wordInt64(words[0])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("executed entryX6: %w", err))
	}
	return Executed{Observed: obs, ID: id, EntryX6: entry}, nil
}

func decodeStopsUpdated(id uint32, obs Observed, words [][]byte) (Event, error) {
	if len(words) != 2 {
		return nil, permanentErr("decode", fmt.Errorf("stops_updated: %d data words, want 2", len(words)))
	}
	sl, err := wordInt64(words[0])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("stops_updated slX6: %w", err))
	}
	tp, err := wordInt64(words[1])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("stops_updated tpX6: %w", err))
	}
	return StopsUpdated{Observed: obs, ID: id, SLX6: sl, TPX6: tp}, nil
}

func decodeRemoved(id uint32, obs Observed, words [][]byte) (Event, error) {
	if len(words) != 3 {
		return nil, permanentErr("decode", fmt.Errorf("removed: %d data words, want 3", len(words)))
	}
	reasonRaw, err := wordUint(words[0], 8)
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("removed reason: %w", err))
	}
	reason, err := model.ParseCloseReason(uint8(reasonRaw))
	if err != nil {
		return nil, permanentErr("decode", err)
	}
	exec, err := wordInt64(words[1])
	if err != nil {
		return nil, permanentErr("decode", fmt.Errorf("removed execX6: %w", err))
	}
	pnl := wordBig(words[2])
	return Removed{Observed: obs, ID: id, Reason: reason, ExecX6: exec, PnlUsd6: pnl}, nil
}

func decodeObserved(lg Log) (Observed, error) {
	block, err := hexQuantity(lg.BlockNumber)
	if err != nil {
		return Observed{}, fmt.Errorf("blockNumber: %w", err)
	}
	logIdx, err := hexQuantity(lg.LogIndex)
	if err != nil {
		return Observed{}, fmt.Errorf("logIndex: %w", err)
	}
	return Observed{
		Block:    block,
		TxHash:   strings.ToLower(lg.TxHash),
		LogIndex: uint32(logIdx),
	}, nil
}

// --- ABI word helpers ---

// dataWords splits hex calldata/log data into 32-byte words.
func dataWords(data string) ([][]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("data is not hex: %w", err)
	}
	if len(raw)%32 != 0 {
		return nil, fmt.Errorf("data length %d is not word-aligned", len(raw))
	}
	words := make([][]byte, 0, len(raw)/32)
	for i := 0; i < len(raw); i += 32 {
		words = append(words, raw[i:i+32])
	}
	return words, nil
}

func hexWord(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("word length %d, want 32", len(raw))
	}
	return raw, nil
}

// wordUint decodes an unsigned value that must fit in bits.
func wordUint(w []byte, bits uint) (uint64, error) {
	v := new(big.Int).SetBytes(w)
	if v.BitLen() > int(bits) {
		return 0, fmt.Errorf("value %s exceeds uint%d", v, bits)
	}
	return v.Uint64(), nil
}

// wordInt64 decodes a two's-complement signed word that must fit in 64
// bits.
func wordInt64(w []byte) (int64, error) {
	v := wordBig(w)
	if !v.IsInt64() {
		return 0, fmt.Errorf("value %s exceeds int64", v)
	}
	return v.Int64(), nil
}

var wordModulus = new(big.Int).Lsh(big.NewInt(1), 256)

// wordBig decodes a two's-complement signed 256-bit word.
func wordBig(w []byte) *big.Int {
	v := new(big.Int).SetBytes(w)
	if len(w) == 32 && w[0]&0x80 != 0 {
		v.Sub(v, wordModulus)
	}
	return v
}

func wordBool(w []byte) (bool, error) {
	v, err := wordUint(w, 8)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("bool word value %d", v)
	}
	return v == 1, nil
}

// wordAddr extracts the 20-byte address from a word, lowercased hex.
func wordAddr(w []byte) string {
	return "0x" + hex.EncodeToString(w[12:32])
}

// hexQuantity parses an Ethereum hex quantity ("0x1a4") or a bare
// decimal (some RPC providers are sloppy).
func hexQuantity(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}
