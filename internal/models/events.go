// Package models holds the canonical event model every venue adapter
// normalizes into. All timestamps are milliseconds since the Unix epoch.
package models

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Side is the normalized order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// NormalizeSide maps venue side spellings ("Buy", "SELL", "bid", ...) onto
// the canonical lowercase values. Unknown spellings map to sell, matching the
// aggressor classification of venues that omit the taker side.
func NormalizeSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid", "b":
		return SideBuy
	default:
		return SideSell
	}
}

// PriceLevel is one (price, size) rung of a book ladder. It marshals as the
// two-element array form used on the wire: [price, size].
type PriceLevel struct {
	Price float64
	Size  float64
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Size})
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 2 {
		return fmt.Errorf("price level needs 2 elements, got %d", len(arr))
	}
	l.Price, l.Size = arr[0], arr[1]
	return nil
}

// BookUpdate is a venue book snapshot or delta after normalization. The
// venue sequence ids are surfaced untouched for the ingestor to validate.
type BookUpdate struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	Type         string       `json:"type"` // "snapshot" | "delta"
	Ts           int64        `json:"ts"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	UpdateID     int64        `json:"update_id"`
	PrevUpdateID int64        `json:"prev_update_id,omitempty"`
}

// DOM is a depth-of-market snapshot: bids descending, asks ascending.
type DOM struct {
	Ts   int64        `json:"ts"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// BestBid returns the top bid price, or false when the side is empty.
func (d *DOM) BestBid() (float64, bool) {
	if len(d.Bids) == 0 {
		return 0, false
	}
	return d.Bids[0].Price, true
}

// BestAsk returns the top ask price, or false when the side is empty.
func (d *DOM) BestAsk() (float64, bool) {
	if len(d.Asks) == 0 {
		return 0, false
	}
	return d.Asks[0].Price, true
}

// Trade is an aggressor-classified trade. TradeID is unique within
// (exchange, symbol); ties order by (ts, trade_id).
type Trade struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Ts       int64   `json:"ts"`
	TradeID  string  `json:"trade_id"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
}

// Kline is one candle. A non-confirmed candle may be overwritten by later
// updates sharing Start; confirmed candles are immutable.
type Kline struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Start    int64   `json:"start"`
	End      int64   `json:"end"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Confirm  bool    `json:"confirm"`
}

// OpenInterest is one open-interest observation.
type OpenInterest struct {
	Exchange          string   `json:"exchange"`
	Symbol            string   `json:"symbol"`
	Ts                int64    `json:"ts"`
	OpenInterest      float64  `json:"open_interest"`
	OpenInterestValue *float64 `json:"open_interest_value,omitempty"`
}

// Liquidation is one forced-order fill.
type Liquidation struct {
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	Ts       int64   `json:"ts"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// EventKind discriminates the adapter event union.
type EventKind string

const (
	KindSnapshot     EventKind = "snapshot"
	KindDelta        EventKind = "delta"
	KindTrade        EventKind = "trade"
	KindKline        EventKind = "kline"
	KindOpenInterest EventKind = "open_interest"
	KindLiquidation  EventKind = "liquidation"
)

// MarketEvent is the tagged union adapters emit; exactly one payload field is
// set, matching Kind.
type MarketEvent struct {
	Kind         EventKind
	Book         *BookUpdate
	Trade        *Trade
	Kline        *Kline
	OpenInterest *OpenInterest
	Liquidation  *Liquidation
}
