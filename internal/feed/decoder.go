package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/levibot/core/internal/domain"
)

// wireTick is the generic exchange tick frame this core expects: a JSON
// object carrying last price, top-of-book, and a millisecond timestamp.
type wireTick struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	BidSize     float64 `json:"bid_size"`
	AskSize     float64 `json:"ask_size"`
	VolumeDelta float64 `json:"volume_delta"`
	TimestampMs int64   `json:"ts_ms"`
}

// JSONDecoder decodes the generic wire tick frame above into a domain.Tick.
// It performs no symbol normalization; callers apply symbol.Registry
// afterward.
type JSONDecoder struct{}

func (JSONDecoder) Decode(raw []byte) (domain.Tick, error) {
	var w wireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.Tick{}, fmt.Errorf("feed: malformed frame: %w", err)
	}
	if w.Symbol == "" {
		return domain.Tick{}, fmt.Errorf("feed: frame missing symbol")
	}
	ts := time.Now()
	if w.TimestampMs > 0 {
		ts = time.UnixMilli(w.TimestampMs)
	}
	return domain.Tick{
		Symbol:           w.Symbol,
		Timestamp:        ts,
		LastPrice:        w.Price,
		Bid:              w.Bid,
		Ask:              w.Ask,
		BidSize:          w.BidSize,
		AskSize:          w.AskSize,
		TradeVolumeDelta: w.VolumeDelta,
	}, nil
}
