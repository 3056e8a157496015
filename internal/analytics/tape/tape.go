// Package tape aggregates the trade flow over sliding windows and emits one
// aggregate per tick.
package tape

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/models"
)

// The emitted windows; the configured window bounds the retained history.
var windows = map[string]int64{"1s": 1000, "5s": 5000, "1m": 60000}

const largeTradeMult = 3.0

// Aggregator is the pure sliding-window core. Cold start yields empty
// buckets; the window is a function of the retained trades only.
type Aggregator struct {
	exchange string
	symbol   string
	window   int64 // ms
	maxCount int

	trades []models.Trade
	last   *models.TapeTrade
}

func NewAggregator(exchange, symbol string, window time.Duration, maxCount int) *Aggregator {
	if maxCount <= 0 {
		maxCount = 5000
	}
	return &Aggregator{
		exchange: exchange,
		symbol:   symbol,
		window:   window.Milliseconds(),
		maxCount: maxCount,
	}
}

// Observe records one trade and flags it when it dwarfs the rolling average.
func (a *Aggregator) Observe(t models.Trade) {
	a.trades = append(a.trades, t)
	if len(a.trades) > a.maxCount {
		a.trades = a.trades[len(a.trades)-a.maxCount:]
	}

	n := len(a.trades)
	lookback := a.trades
	if n > 100 {
		lookback = a.trades[n-100:]
	}
	var sum float64
	for _, x := range lookback {
		sum += x.Size
	}
	avg := sum / float64(len(lookback))
	a.last = &models.TapeTrade{
		Price: t.Price,
		Size:  t.Size,
		Side:  t.Side,
		Large: avg > 0 && t.Size >= avg*largeTradeMult,
	}
}

// Aggregate sums buy/sell volume per window as of now (ms).
func (a *Aggregator) Aggregate(now int64) models.TapeAggregate {
	a.evict(now)
	out := models.TapeAggregate{
		Exchange:  a.exchange,
		Symbol:    a.symbol,
		Ts:        now,
		Windows:   make(map[string]models.TapeWindow, len(windows)),
		LastTrade: a.last,
	}
	for label, span := range windows {
		var w models.TapeWindow
		for _, t := range a.trades {
			if now-t.Ts > span {
				continue
			}
			if t.Side == models.SideBuy {
				w.BuyVol += t.Size
			} else {
				w.SellVol += t.Size
			}
		}
		w.Delta = w.BuyVol - w.SellVol
		out.Windows[label] = w
	}
	return out
}

func (a *Aggregator) evict(now int64) {
	cutoff := now - a.window
	i := 0
	for i < len(a.trades) && a.trades[i].Ts < cutoff {
		i++
	}
	if i > 0 {
		a.trades = a.trades[i:]
	}
}

// NewWorker wires the aggregator to the trades stream of one instrument.
func NewWorker(brk broker.Broker, cfg config.TapeConfig, brokerCfg config.BrokerConfig, exchange, symbol string) *analytics.Worker {
	agg := NewAggregator(exchange, symbol, cfg.Window.Std(), cfg.MaxCount)
	stream := broker.StreamTrades(exchange, symbol)
	out := broker.StreamTape(exchange, symbol)
	var lastTs int64

	return &analytics.Worker{
		Name:      "tape:" + exchange + ":" + symbol,
		Group:     "tape",
		Streams:   []string{stream},
		TickEvery: time.Second,
		OnMessage: func(ctx context.Context, m broker.Message) error {
			if m.Record.Kind != "trade" {
				return nil
			}
			var t models.Trade
			if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
				return err
			}
			agg.Observe(t)
			if t.Ts > lastTs {
				lastTs = t.Ts
			}
			return nil
		},
		OnTick: func(ctx context.Context, now time.Time) error {
			ts := now.UnixMilli()
			if lastTs > ts {
				ts = lastTs
			}
			payload, err := json.Marshal(agg.Aggregate(ts))
			if err != nil {
				return err
			}
			rec := broker.Record{Kind: "tape", Payload: payload}
			if _, err := brk.StreamAppend(ctx, out, rec, brokerCfg.StreamMaxLen); err != nil {
				return err
			}
			return brk.Publish(ctx, out, rec)
		},
	}
}
