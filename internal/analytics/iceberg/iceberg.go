// Package iceberg infers replenishing hidden orders: a price level whose
// consumed volume dwarfs the visible size while the ladder keeps refilling.
package iceberg

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
)

const epsilon = 1e-9

type stateKey struct {
	side  models.Side // side of the resting order
	price float64
}

type levelState struct {
	visibleSeen float64 // max visible size observed
	lastVisible float64
	observed    bool
	consumed    float64
	firstTs     int64
	lastTs      int64
	replenishes int
}

// Detector holds per-(side, price) accumulation state. Event-time driven;
// the caller feeds trades and DOM snapshots in stream order.
type Detector struct {
	exchange string
	symbol   string
	ratio    float64 // K
	minRepl  int     // R
	windowMs int64   // W

	state map[stateKey]*levelState
}

func NewDetector(exchange, symbol string, cfg config.IcebergConfig) *Detector {
	return &Detector{
		exchange: exchange,
		symbol:   symbol,
		ratio:    cfg.ConsumedRatio,
		minRepl:  cfg.MinReplenishes,
		windowMs: cfg.Window.Std().Milliseconds(),
		state:    make(map[stateKey]*levelState),
	}
}

// ObserveTrade accumulates consumed volume at the trade price against the
// resting side the aggressor consumed. Returns an event when the heuristic
// trips.
func (d *Detector) ObserveTrade(t *models.Trade) *models.Event {
	resting := models.SideBuy // sell aggressor consumes resting bids
	if t.Side == models.SideBuy {
		resting = models.SideSell
	}
	key := stateKey{side: resting, price: t.Price}
	st, ok := d.state[key]
	if !ok {
		st = &levelState{firstTs: t.Ts}
		d.state[key] = st
	}
	if t.Ts-st.firstTs > d.windowMs {
		// Window rolled over; start a fresh episode at this level.
		*st = levelState{firstTs: t.Ts}
	}
	st.consumed += t.Size
	st.lastTs = t.Ts
	return d.check(key, st)
}

// ObserveDOM updates visible sizes and replenish counts for tracked levels.
func (d *Detector) ObserveDOM(dom *models.DOM) []*models.Event {
	var out []*models.Event
	for key, st := range d.state {
		var ladder []models.PriceLevel
		if key.side == models.SideBuy {
			ladder = dom.Bids
		} else {
			ladder = dom.Asks
		}
		visible := 0.0
		for _, l := range ladder {
			if l.Price == key.price {
				visible = l.Size
				break
			}
		}
		if st.observed && visible > st.lastVisible {
			st.replenishes++
		}
		st.observed = true
		st.lastVisible = visible
		if visible > st.visibleSeen {
			st.visibleSeen = visible
		}
		if dom.Ts > st.lastTs {
			st.lastTs = dom.Ts
		}
		if ev := d.check(key, st); ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

func (d *Detector) check(key stateKey, st *levelState) *models.Event {
	if st.replenishes < d.minRepl {
		return nil
	}
	visible := st.visibleSeen
	if visible < epsilon {
		visible = epsilon
	}
	if st.consumed/visible < d.ratio {
		return nil
	}
	if st.lastTs-st.firstTs > d.windowMs {
		return nil
	}
	ev := &models.Event{
		Type:     models.EventIceberg,
		Exchange: d.exchange,
		Symbol:   d.symbol,
		Ts:       st.lastTs,
		Side:     key.side,
		Price:    key.price,
		Payload: map[string]any{
			"consumed":    st.consumed,
			"visible_max": st.visibleSeen,
			"replenishes": st.replenishes,
		},
	}
	// One event per episode.
	delete(d.state, key)
	return ev
}

// GC drops levels idle past the window.
func (d *Detector) GC(now int64) {
	for key, st := range d.state {
		if now-st.lastTs > d.windowMs {
			delete(d.state, key)
		}
	}
}

// Tracked reports the live state size, for tests and debugging.
func (d *Detector) Tracked() int { return len(d.state) }

// NewWorker wires the detector to the trades stream and DOM channel of one
// instrument.
func NewWorker(brk broker.Broker, cfg config.IcebergConfig, brokerCfg config.BrokerConfig, exchange, symbol string) *analytics.Worker {
	det := NewDetector(exchange, symbol, cfg)
	out := broker.StreamEvents(exchange, symbol)
	var lastTs int64

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
		Name:      "iceberg:" + exchange + ":" + symbol,
		Group:     "iceberg",
		Streams:   []string{broker.StreamTrades(exchange, symbol)},
		Channels:  []string{broker.StreamDOM(exchange, symbol)},
		TickEvery: 5 * time.Second,
		OnMessage: func(ctx context.Context, m broker.Message) error {
			switch m.Record.Kind {
			case "trade":
				var t models.Trade
				if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
					return err
				}
				if t.Ts > lastTs {
					lastTs = t.Ts
				}
				if ev := det.ObserveTrade(&t); ev != nil {
					return emit(ctx, []*models.Event{ev})
				}
			case "dom":
				var dom models.DOM
				if err := json.Unmarshal(m.Record.Payload, &dom); err != nil {
					return err
				}
				if dom.Ts > lastTs {
					lastTs = dom.Ts
				}
				return emit(ctx, det.ObserveDOM(&dom))
			}
			return nil
		},
		OnTick: func(ctx context.Context, now time.Time) error {
			det.GC(lastTs)
			return nil
		},
	}
}
