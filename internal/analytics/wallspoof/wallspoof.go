// Package wallspoof flags abnormally large resting orders (walls) and walls
// that vanish untouched (spoofs).
package wallspoof

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
)

const shrinkFraction = 0.2 // spoof: remaining size <= 20% of the wall

type levelKey struct {
	side  models.Side
	price float64
}

type levelTrack struct {
	firstSeen   int64
	lastSeen    int64
	maxSize     float64
	lastSize    float64
	wallSize    bool  // met the size threshold at least once
	wallSizeTs  int64 // last observation at threshold size
	wallEmitted bool
}

// Detector tracks per-level residency on one instrument. Event-time driven.
type Detector struct {
	exchange    string
	symbol      string
	medianMult  float64 // X
	residencyMs int64   // T1
	spoofMs     int64   // T2
	bandLevels  int

	levels map[levelKey]*levelTrack
	trades []models.Trade
}

func NewDetector(exchange, symbol string, cfg config.WallConfig) *Detector {
	band := cfg.BandLevels
	if band <= 0 {
		band = 20
	}
	return &Detector{
		exchange:    exchange,
		symbol:      symbol,
		medianMult:  cfg.MedianMult,
		residencyMs: cfg.MinResidency.Std().Milliseconds(),
		spoofMs:     cfg.SpoofWindow.Std().Milliseconds(),
		bandLevels:  band,
		levels:      make(map[levelKey]*levelTrack),
	}
}

// ObserveTrade records the trade for the no-fill check behind spoofs.
func (d *Detector) ObserveTrade(t *models.Trade) {
	d.trades = append(d.trades, *t)
	cutoff := t.Ts - 2*d.spoofMs
	i := 0
	for i < len(d.trades) && d.trades[i].Ts < cutoff {
		i++
	}
	if i > 0 {
		d.trades = d.trades[i:]
	}
}

// ObserveDOM updates residency state and returns any WALL/SPOOF events.
func (d *Detector) ObserveDOM(dom *models.DOM) []*models.Event {
	var out []*models.Event
	out = append(out, d.observeSide(models.SideBuy, dom.Bids, dom.Ts)...)
	out = append(out, d.observeSide(models.SideSell, dom.Asks, dom.Ts)...)
	return out
}

func (d *Detector) observeSide(side models.Side, ladder []models.PriceLevel, ts int64) []*models.Event {
	band := ladder
	if len(band) > d.bandLevels {
		band = band[:d.bandLevels]
	}
	med := medianSize(band)

	present := make(map[float64]float64, len(band))
	var out []*models.Event

	for _, l := range band {
		present[l.Price] = l.Size
		key := levelKey{side: side, price: l.Price}
		tr, ok := d.levels[key]
		if !ok {
			tr = &levelTrack{firstSeen: ts}
			d.levels[key] = tr
		}
		tr.lastSeen = ts
		tr.lastSize = l.Size
		if l.Size > tr.maxSize {
			tr.maxSize = l.Size
		}
		if med > 0 && l.Size >= d.medianMult*med {
			tr.wallSize = true
			tr.wallSizeTs = ts
			if !tr.wallEmitted && ts-tr.firstSeen >= d.residencyMs {
				tr.wallEmitted = true
				out = append(out, &models.Event{
					Type: models.EventWall, Exchange: d.exchange, Symbol: d.symbol,
					Ts: ts, Side: side, Price: l.Price,
					Payload: map[string]any{"size": l.Size, "band_median": med},
				})
			}
		}
	}

	// Shrunk or vanished walls become spoof candidates.
	for key, tr := range d.levels {
		if key.side != side {
			continue
		}
		size, here := present[key.price]
		if !here {
			size = 0
		}
		if tr.wallSize && size <= tr.maxSize*shrinkFraction {
			if ts-tr.wallSizeTs <= d.spoofMs && !d.tradedThrough(key.side, key.price, tr.wallSizeTs, ts) {
				out = append(out, &models.Event{
					Type: models.EventSpoof, Exchange: d.exchange, Symbol: d.symbol,
					Ts: ts, Side: key.side, Price: key.price,
					Payload: map[string]any{"size": tr.maxSize, "remaining": size},
				})
			}
			delete(d.levels, key)
			continue
		}
		if !here && ts-tr.lastSeen > d.spoofMs {
			delete(d.levels, key)
		}
	}
	return out
}

// tradedThrough reports whether any trade in (from, to] printed at or
// through the level: at or below a bid, at or above an ask.
func (d *Detector) tradedThrough(side models.Side, price float64, from, to int64) bool {
	for _, t := range d.trades {
		if t.Ts <= from || t.Ts > to {
			continue
		}
		if side == models.SideBuy && t.Price <= price {
			return true
		}
		if side == models.SideSell && t.Price >= price {
			return true
		}
	}
	return false
}

func medianSize(levels []models.PriceLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	sizes := make([]float64, len(levels))
	for i, l := range levels {
		sizes[i] = l.Size
	}
	sort.Float64s(sizes)
	return sizes[len(sizes)/2]
}

// NewWorker wires the detector to the DOM channel and trades stream of one
// instrument.
func NewWorker(brk broker.Broker, cfg config.WallConfig, brokerCfg config.BrokerConfig, exchange, symbol string) *analytics.Worker {
	det := NewDetector(exchange, symbol, cfg)
	out := broker.StreamEvents(exchange, symbol)

	emit := func(ctx context.Context, events []*models.Event) error {
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			rec := broker.Record{Kind: "event", Payload: payload}
			if _, err := brk.StreamAppend(ctx, out, rec, brokerCfg.StreamMaxLen); err != nil {
				return err
			}
			if err := brk.Publish(ctx, out, rec); err != nil {
				return err
			}
			metrics.IncEventEmitted(string(ev.Type), exchange, symbol)
		}
		return nil
	}

	return &analytics.Worker{
		Name:     "wallspoof:" + exchange + ":" + symbol,
		Group:    "wallspoof",
		Streams:  []string{broker.StreamTrades(exchange, symbol)},
		Channels: []string{broker.StreamDOM(exchange, symbol)},
		OnMessage: func(ctx context.Context, m broker.Message) error {
			switch m.Record.Kind {
			case "trade":
				var t models.Trade
				if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
					return err
				}
				det.ObserveTrade(&t)
			case "dom":
				var dom models.DOM
				if err := json.Unmarshal(m.Record.Payload, &dom); err != nil {
					return err
				}
				return emit(ctx, det.ObserveDOM(&dom))
			}
			return nil
		},
	}
}
