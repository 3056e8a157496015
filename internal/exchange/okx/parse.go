package okx

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"orderflow/internal/errs"
	"orderflow/internal/exchange"
	"orderflow/internal/models"
	"orderflow/internal/symbols"
)

// InstID maps a canonical symbol onto the venue instrument id:
// BTCUSDT -> BTC-USDT-SWAP. Nothing outside this package sees venue ids.
func InstID(symbol string) string {
	return symbols.ToVenue(Name, symbol)
}

// CanonicalSymbol is the inverse of InstID: BTC-USDT-SWAP -> BTCUSDT.
func CanonicalSymbol(instID string) string {
	return symbols.ToCanonical(Name, instID)
}

type wsEnvelope struct {
	Event  string          `json:"event"`
	Action string          `json:"action"`
	Arg    wsArg           `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsBook struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type wsTrade struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type wsOpenInterest struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	Ts     string `json:"ts"`
}

type wsLiquidation struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		BkPx string `json:"bkPx"`
		Sz   string `json:"sz"`
		Ts   string `json:"ts"`
	} `json:"details"`
}

func parseMessage(raw []byte) ([]models.MarketEvent, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx frame")
	}
	if env.Event != "" || env.Arg.Channel == "" || len(env.Data) == 0 {
		// Subscription acks and errors carry an event field.
		return nil, nil
	}
	switch {
	case env.Arg.Channel == "books":
		return parseBooks(&env)
	case env.Arg.Channel == "trades":
		return parseTrades(&env)
	case strings.HasPrefix(env.Arg.Channel, "candle"):
		return parseCandles(&env)
	case env.Arg.Channel == "open-interest":
		return parseOpenInterest(&env)
	case env.Arg.Channel == "liquidation-orders":
		return parseLiquidations(&env)
	}
	return nil, nil
}

func parseBooks(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsBook
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx books")
	}
	sym := CanonicalSymbol(env.Arg.InstID)
	events := make([]models.MarketEvent, 0, len(rows))
	for _, b := range rows {
		update := &models.BookUpdate{
			Exchange:     Name,
			Symbol:       sym,
			Ts:           parseI(b.Ts),
			Bids:         exchange.ParseLevels(b.Bids),
			Asks:         exchange.ParseLevels(b.Asks),
			UpdateID:     b.SeqID,
			PrevUpdateID: b.PrevSeqID,
		}
		kind := models.KindDelta
		update.Type = "delta"
		if env.Action == "snapshot" {
			kind = models.KindSnapshot
			update.Type = "snapshot"
			update.PrevUpdateID = 0
		}
		events = append(events, models.MarketEvent{Kind: kind, Book: update})
	}
	return events, nil
}

func parseTrades(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsTrade
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx trades")
	}
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		px, err1 := strconv.ParseFloat(r.Px, 64)
		sz, err2 := strconv.ParseFloat(r.Sz, 64)
		if err1 != nil || err2 != nil || sz <= 0 {
			continue
		}
		events = append(events, models.MarketEvent{Kind: models.KindTrade, Trade: &models.Trade{
			Exchange: Name,
			Symbol:   CanonicalSymbol(r.InstID),
			Ts:       parseI(r.Ts),
			TradeID:  r.TradeID,
			Side:     models.NormalizeSide(r.Side),
			Price:    px,
			Size:     sz,
		}})
	}
	return events, nil
}

// Candle rows are positional arrays:
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
func parseCandles(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows [][]string
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx candle")
	}
	sym := CanonicalSymbol(env.Arg.InstID)
	interval := strings.TrimPrefix(env.Arg.Channel, "candle")
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		if len(r) < 9 {
			continue
		}
		start := parseI(r[0])
		events = append(events, models.MarketEvent{Kind: models.KindKline, Kline: &models.Kline{
			Exchange: Name,
			Symbol:   sym,
			Interval: interval,
			Start:    start,
			End:      start + 60_000,
			Open:     parseF(r[1]),
			High:     parseF(r[2]),
			Low:      parseF(r[3]),
			Close:    parseF(r[4]),
			Volume:   parseF(r[5]),
			Confirm:  r[8] == "1",
		}})
	}
	return events, nil
}

func parseOpenInterest(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsOpenInterest
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx open-interest")
	}
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, models.MarketEvent{Kind: models.KindOpenInterest, OpenInterest: &models.OpenInterest{
			Exchange:     Name,
			Symbol:       CanonicalSymbol(r.InstID),
			Ts:           parseI(r.Ts),
			OpenInterest: parseF(r.OI),
		}})
	}
	return events, nil
}

func parseLiquidations(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsLiquidation
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx liquidation-orders")
	}
	var events []models.MarketEvent
	for _, r := range rows {
		sym := CanonicalSymbol(r.InstID)
		for _, d := range r.Details {
			events = append(events, models.MarketEvent{Kind: models.KindLiquidation, Liquidation: &models.Liquidation{
				Exchange: Name,
				Symbol:   sym,
				Ts:       parseI(d.Ts),
				Side:     models.NormalizeSide(d.Side),
				Price:    parseF(d.BkPx),
				Quantity: parseF(d.Sz),
			}})
		}
	}
	return events, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseI(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
