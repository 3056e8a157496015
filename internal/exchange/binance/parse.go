package binance

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"orderflow/internal/errs"
	"orderflow/internal/exchange"
	"orderflow/internal/models"
)

// Combined-stream envelope: {"stream":"btcusdt@depth@100ms","data":{...}}.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type wsDepthUpdate struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	TradeTime int64      `json:"T"`
	Symbol    string     `json:"s"`
	First     int64      `json:"U"`
	Final     int64      `json:"u"`
	PrevFinal int64      `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type wsAggTrade struct {
	Symbol     string `json:"s"`
	AggID      int64  `json:"a"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
}

type wsKlineWrap struct {
	Symbol string  `json:"s"`
	K      wsKline `json:"k"`
}

type wsKline struct {
	Start    int64  `json:"t"`
	End      int64  `json:"T"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Closed   bool   `json:"x"`
}

type wsForceOrderWrap struct {
	Order wsForceOrder `json:"o"`
}

type wsForceOrder struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Quantity  string `json:"q"`
	AvgPrice  string `json:"ap"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// parseMessage translates one combined-stream frame. Non-data frames
// (subscription replies) yield nil, nil.
func parseMessage(raw []byte) ([]models.MarketEvent, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "binance frame")
	}
	if env.Stream == "" || len(env.Data) == 0 {
		return nil, nil
	}
	switch {
	case strings.Contains(env.Stream, "@depth"):
		return parseDepth(env.Data)
	case strings.Contains(env.Stream, "@aggTrade"):
		return parseAggTrade(env.Data)
	case strings.Contains(env.Stream, "@kline"):
		return parseKline(env.Data)
	case strings.Contains(env.Stream, "@forceOrder"):
		return parseForceOrder(env.Data)
	}
	return nil, nil
}

func parseDepth(data json.RawMessage) ([]models.MarketEvent, error) {
	var d wsDepthUpdate
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "binance depth")
	}
	return []models.MarketEvent{{Kind: models.KindDelta, Book: &models.BookUpdate{
		Exchange:     Name,
		Symbol:       d.Symbol,
		Type:         "delta",
		Ts:           d.TradeTime,
		Bids:         exchange.ParseLevels(d.Bids),
		Asks:         exchange.ParseLevels(d.Asks),
		UpdateID:     d.Final,
		PrevUpdateID: d.PrevFinal,
	}}}, nil
}

func parseAggTrade(data json.RawMessage) ([]models.MarketEvent, error) {
	var t wsAggTrade
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "binance aggTrade")
	}
	price, err1 := strconv.ParseFloat(t.Price, 64)
	size, err2 := strconv.ParseFloat(t.Quantity, 64)
	if err1 != nil || err2 != nil {
		return nil, errs.New(errs.KindProtocol, "binance aggTrade numbers %q/%q", t.Price, t.Quantity)
	}
	// The aggressor takes the opposite side of the maker.
	side := models.SideBuy
	if t.BuyerMaker {
		side = models.SideSell
	}
	return []models.MarketEvent{{Kind: models.KindTrade, Trade: &models.Trade{
		Exchange: Name,
		Symbol:   t.Symbol,
		Ts:       t.TradeTime,
		TradeID:  strconv.FormatInt(t.AggID, 10),
		Side:     side,
		Price:    price,
		Size:     size,
	}}}, nil
}

func parseKline(data json.RawMessage) ([]models.MarketEvent, error) {
	var w wsKlineWrap
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "binance kline")
	}
	k := w.K
	return []models.MarketEvent{{Kind: models.KindKline, Kline: &models.Kline{
		Exchange: Name,
		Symbol:   w.Symbol,
		Interval: k.Interval,
		Start:    k.Start,
		End:      k.End,
		Open:     parseF(k.Open),
		High:     parseF(k.High),
		Low:      parseF(k.Low),
		Close:    parseF(k.Close),
		Volume:   parseF(k.Volume),
		Confirm:  k.Closed,
	}}}, nil
}

func parseForceOrder(data json.RawMessage) ([]models.MarketEvent, error) {
	var w wsForceOrderWrap
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "binance forceOrder")
	}
	o := w.Order
	price := parseF(o.AvgPrice)
	if price == 0 {
		price = parseF(o.Price)
	}
	return []models.MarketEvent{{Kind: models.KindLiquidation, Liquidation: &models.Liquidation{
		Exchange: Name,
		Symbol:   o.Symbol,
		Ts:       o.TradeTime,
		Side:     models.NormalizeSide(o.Side),
		Price:    price,
		Quantity: parseF(o.Quantity),
	}}}, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
