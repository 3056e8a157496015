package bybit

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"orderflow/internal/errs"
	"orderflow/internal/exchange"
	"orderflow/internal/models"
)

// wire envelope of the v5 public stream
type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type wsOrderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	U      int64      `json:"u"`
	Seq    int64      `json:"seq"`
}

type wsTrade struct {
	T     int64  `json:"T"`
	Sym   string `json:"s"`
	Side  string `json:"S"`
	Vol   string `json:"v"`
	Price string `json:"p"`
	ID    string `json:"i"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

type wsTicker struct {
	Symbol            string `json:"symbol"`
	OpenInterest      string `json:"openInterest"`
	OpenInterestValue string `json:"openInterestValue"`
}

type wsLiquidation struct {
	T     int64  `json:"T"`
	Sym   string `json:"s"`
	Side  string `json:"S"`
	Vol   string `json:"v"`
	Price string `json:"p"`
}

// parseMessage translates one raw frame into canonical events. Frames that
// are not data pushes (subscription acks, pongs) yield nil, nil.
func parseMessage(raw []byte) ([]models.MarketEvent, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit frame")
	}
	if env.Topic == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(env.Topic, "orderbook."):
		return parseOrderbook(&env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return parseTrades(&env)
	case strings.HasPrefix(env.Topic, "kline."):
		return parseKlines(&env)
	case strings.HasPrefix(env.Topic, "tickers."):
		return parseTicker(&env)
	case strings.HasPrefix(env.Topic, "allLiquidation."):
		return parseLiquidations(&env)
	}
	return nil, nil
}

func parseOrderbook(env *wsEnvelope) ([]models.MarketEvent, error) {
	var ob wsOrderbook
	if err := json.Unmarshal(env.Data, &ob); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit orderbook %s", env.Topic)
	}
	update := &models.BookUpdate{
		Exchange: Name,
		Symbol:   ob.Symbol,
		Ts:       env.Ts,
		Bids:     exchange.ParseLevels(ob.Bids),
		Asks:     exchange.ParseLevels(ob.Asks),
		UpdateID: ob.U,
	}
	kind := models.KindDelta
	if env.Type == "snapshot" || ob.U == 1 {
		// u == 1 marks a service-restart snapshot per venue docs.
		update.Type = "snapshot"
		kind = models.KindSnapshot
	} else {
		update.Type = "delta"
		// The venue increments u by one per book message, so the
		// predecessor id is implicit.
		update.PrevUpdateID = ob.U - 1
	}
	return []models.MarketEvent{{Kind: kind, Book: update}}, nil
}

func parseTrades(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsTrade
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit trades %s", env.Topic)
	}
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		price, err1 := strconv.ParseFloat(r.Price, 64)
		size, err2 := strconv.ParseFloat(r.Vol, 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		events = append(events, models.MarketEvent{Kind: models.KindTrade, Trade: &models.Trade{
			Exchange: Name,
			Symbol:   r.Sym,
			Ts:       r.T,
			TradeID:  r.ID,
			Side:     models.NormalizeSide(r.Side),
			Price:    price,
			Size:     size,
		}})
	}
	return events, nil
}

func parseKlines(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsKline
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit kline %s", env.Topic)
	}
	sym := topicSymbol(env.Topic)
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, models.MarketEvent{Kind: models.KindKline, Kline: &models.Kline{
			Exchange: Name,
			Symbol:   sym,
			Interval: r.Interval,
			Start:    r.Start,
			End:      r.End,
			Open:     parseF(r.Open),
			High:     parseF(r.High),
			Low:      parseF(r.Low),
			Close:    parseF(r.Close),
			Volume:   parseF(r.Volume),
			Confirm:  r.Confirm,
		}})
	}
	return events, nil
}

func parseTicker(env *wsEnvelope) ([]models.MarketEvent, error) {
	var tk wsTicker
	if err := json.Unmarshal(env.Data, &tk); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit ticker %s", env.Topic)
	}
	if tk.OpenInterest == "" {
		// Ticker deltas omit unchanged fields.
		return nil, nil
	}
	oi := &models.OpenInterest{
		Exchange:     Name,
		Symbol:       tk.Symbol,
		Ts:           env.Ts,
		OpenInterest: parseF(tk.OpenInterest),
	}
	if tk.OpenInterestValue != "" {
		v := parseF(tk.OpenInterestValue)
		oi.OpenInterestValue = &v
	}
	if oi.Symbol == "" {
		oi.Symbol = topicSymbol(env.Topic)
	}
	return []models.MarketEvent{{Kind: models.KindOpenInterest, OpenInterest: oi}}, nil
}

func parseLiquidations(env *wsEnvelope) ([]models.MarketEvent, error) {
	var rows []wsLiquidation
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit liquidation %s", env.Topic)
	}
	events := make([]models.MarketEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, models.MarketEvent{Kind: models.KindLiquidation, Liquidation: &models.Liquidation{
			Exchange: Name,
			Symbol:   r.Sym,
			Ts:       r.T,
			Side:     models.NormalizeSide(r.Side),
			Price:    parseF(r.Price),
			Quantity: parseF(r.Vol),
		}})
	}
	return events, nil
}

// topicSymbol extracts the symbol from "kline.1.BTCUSDT"-style topics.
func topicSymbol(topic string) string {
	parts := strings.Split(topic, ".")
	return parts[len(parts)-1]
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
