// Package footprint builds per-bar, per-price aggregates of aggressor
// volume. Closed bars are immutable; late trades are counted and dropped.
package footprint

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
)

// Builder accumulates trades into the current bar. It is a pure state
// machine over event time; the worker supplies the clock.
type Builder struct {
	exchange       string
	symbol         string
	barMs          int64
	imbalanceRatio float64

	barStart int64
	levels   map[float64]*models.FootprintLevel

	// LateTrades counts drops past a closed bar.
	LateTrades int64
}

func NewBuilder(exchange, symbol string, barMs int64, imbalanceRatio float64) *Builder {
	if imbalanceRatio <= 0 {
		imbalanceRatio = 3
	}
	return &Builder{
		exchange:       exchange,
		symbol:         symbol,
		barMs:          barMs,
		imbalanceRatio: imbalanceRatio,
		barStart:       -1,
		levels:         make(map[float64]*models.FootprintLevel),
	}
}

// Observe folds one trade in. When the trade opens a later bar, the current
// bar closes and is returned. Trades belonging to any bar before the current
// one are dropped and counted, never mutating published bars.
func (b *Builder) Observe(t *models.Trade) *models.FootprintBar {
	start := t.Ts / b.barMs * b.barMs
	if b.barStart < 0 {
		b.barStart = start
	}
	if start < b.barStart {
		b.LateTrades++
		return nil
	}
	var closed *models.FootprintBar
	if start > b.barStart {
		closed = b.close()
		b.barStart = start
	}
	b.add(t)
	return closed
}

// CloseIfElapsed closes the current bar once event time now has crossed its
// end, returning the bar or nil.
func (b *Builder) CloseIfElapsed(now int64) *models.FootprintBar {
	if b.barStart < 0 || now < b.barStart+b.barMs {
		return nil
	}
	bar := b.close()
	b.barStart = now / b.barMs * b.barMs
	return bar
}

func (b *Builder) add(t *models.Trade) {
	lv, ok := b.levels[t.Price]
	if !ok {
		lv = &models.FootprintLevel{Price: t.Price}
		b.levels[t.Price] = lv
	}
	// Buy aggressors lift the ask, sell aggressors hit the bid.
	if t.Side == models.SideBuy {
		lv.VolAsk += t.Size
	} else {
		lv.VolBid += t.Size
	}
	lv.Delta = lv.VolAsk - lv.VolBid
}

func (b *Builder) close() *models.FootprintBar {
	if len(b.levels) == 0 {
		return nil
	}
	bar := &models.FootprintBar{
		Exchange: b.exchange,
		Symbol:   b.symbol,
		Start:    b.barStart,
		End:      b.barStart + b.barMs,
		Levels:   make([]models.FootprintLevel, 0, len(b.levels)),
	}
	for _, lv := range b.levels {
		bar.Levels = append(bar.Levels, *lv)
	}
	sort.Slice(bar.Levels, func(i, j int) bool { return bar.Levels[i].Price < bar.Levels[j].Price })

	var poc float64
	var pocVol float64 = -1
	for _, lv := range bar.Levels {
		total := lv.VolBid + lv.VolAsk
		if total > pocVol {
			pocVol = total
			poc = lv.Price
		}
		hi, lo := lv.VolBid, lv.VolAsk
		side := models.SideSell
		if lv.VolAsk > lv.VolBid {
			hi, lo = lv.VolAsk, lv.VolBid
			side = models.SideBuy
		}
		if lo > 0 && hi/lo >= b.imbalanceRatio {
			bar.ImbalanceLevels = append(bar.ImbalanceLevels, models.ImbalanceLevel{
				Price: lv.Price,
				Side:  side,
				Ratio: hi / lo,
			})
		}
	}
	bar.POCPrice = &poc

	b.levels = make(map[float64]*models.FootprintLevel)
	return bar
}

// NewWorker wires the builder to the trades stream of one instrument.
func NewWorker(brk broker.Broker, cfg config.FootprintConfig, brokerCfg config.BrokerConfig, exchange, symbol string) *analytics.Worker {
	builder := NewBuilder(exchange, symbol, cfg.BarMs, cfg.ImbalanceRatio)
	out := broker.StreamFootprint(exchange, symbol)
	var lastEventTs int64

	emit := func(ctx context.Context, bar *models.FootprintBar) error {
		if bar == nil {
			return nil
		}
		payload, err := json.Marshal(bar)
		if err != nil {
			return err
		}
		rec := broker.Record{Kind: "footprint", Payload: payload}
		if _, err := brk.StreamAppend(ctx, out, rec, brokerCfg.StreamMaxLen); err != nil {
			return err
		}
		return brk.Publish(ctx, out, rec)
	}

	return &analytics.Worker{
		Name:      "footprint:" + exchange + ":" + symbol,
		Group:     "footprint",
		Streams:   []string{broker.StreamTrades(exchange, symbol)},
		TickEvery: time.Second,
		OnMessage: func(ctx context.Context, m broker.Message) error {
			if m.Record.Kind != "trade" {
				return nil
			}
			var t models.Trade
			if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
				return err
			}
			if t.Ts > lastEventTs {
				lastEventTs = t.Ts
			}
			before := builder.LateTrades
			closed := builder.Observe(&t)
			if builder.LateTrades > before {
				metrics.IncLateTrade(exchange, symbol)
			}
			return emit(ctx, closed)
		},
		OnTick: func(ctx context.Context, now time.Time) error {
			// Quiet markets close bars on the wall clock once event time
			// has gone stale past a full bar.
			if lastEventTs == 0 {
				return nil
			}
			if now.UnixMilli()-lastEventTs > cfg.BarMs {
				return emit(ctx, builder.CloseIfElapsed(lastEventTs+cfg.BarMs))
			}
			return nil
		},
	}
}
