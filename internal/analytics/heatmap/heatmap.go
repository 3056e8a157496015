// Package heatmap samples the live DOM and bins ladder volume by price.
// Binning runs on decimal arithmetic so the same book and bin size always
// produce byte-identical rows.
package heatmap

import (
	"context"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/models"
)

// Binner folds price levels into fixed-size bins. The bin size is derived
// in exactly one place: instrument tick size times the configured
// multiplier.
type Binner struct {
	binSize decimal.Decimal
}

func NewBinner(tickSize, multiplier float64) *Binner {
	bin := decimal.NewFromFloat(tickSize).Mul(decimal.NewFromFloat(multiplier))
	if bin.Sign() <= 0 {
		bin = decimal.NewFromFloat(0.1)
	}
	return &Binner{binSize: bin}
}

// BinSize reports the derived bin width.
func (b *Binner) BinSize() float64 { return b.binSize.InexactFloat64() }

// Slice bins one DOM snapshot: bin = round(price/binSize) * binSize, rows
// ascending by bin.
func (b *Binner) Slice(exchange, symbol string, dom *models.DOM) models.HeatmapSlice {
	type vols struct{ bid, ask float64 }
	bins := make(map[string]*vols)
	keys := make(map[string]decimal.Decimal)

	add := func(levels []models.PriceLevel, ask bool) {
		for _, l := range levels {
			bin := decimal.NewFromFloat(l.Price).Div(b.binSize).Round(0).Mul(b.binSize)
			k := bin.String()
			v, ok := bins[k]
			if !ok {
				v = &vols{}
				bins[k] = v
				keys[k] = bin
			}
			if ask {
				v.ask += l.Size
			} else {
				v.bid += l.Size
			}
		}
	}
	add(dom.Bids, false)
	add(dom.Asks, true)

	ordered := make([]string, 0, len(bins))
	for k := range bins {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return keys[ordered[i]].LessThan(keys[ordered[j]])
	})

	slice := models.HeatmapSlice{
		Exchange: exchange,
		Symbol:   symbol,
		Ts:       dom.Ts,
		BinSize:  b.BinSize(),
		Rows:     make([]models.HeatmapRow, 0, len(ordered)),
	}
	for _, k := range ordered {
		v := bins[k]
		slice.Rows = append(slice.Rows, models.HeatmapRow{
			Bin:    keys[k].InexactFloat64(),
			VolBid: v.bid,
			VolAsk: v.ask,
		})
	}
	return slice
}

// NewWorker samples the DOM channel of one instrument every SampleInterval
// and appends a slice to the rolling heatmap stream.
func NewWorker(brk broker.Broker, cfg config.HeatmapConfig, brokerCfg config.BrokerConfig, tickSize float64, exchange, symbol string) *analytics.Worker {
	binner := NewBinner(tickSize, cfg.BinMultiplier)
	out := broker.StreamHeatmap(exchange, symbol)

	// The rolling window bounds the stream length.
	maxLen := int64(cfg.History.Std() / cfg.SampleInterval.Std())
	if maxLen <= 0 {
		maxLen = 600
	}

	var latest *models.DOM
	var lastSlicedTs int64

	return &analytics.Worker{
		Name:      "heatmap:" + exchange + ":" + symbol,
		Group:     "heatmap",
		Channels:  []string{broker.StreamDOM(exchange, symbol)},
		TickEvery: cfg.SampleInterval.Std(),
		OnMessage: func(ctx context.Context, m broker.Message) error {
			if m.Record.Kind != "dom" {
				return nil
			}
			var dom models.DOM
			if err := json.Unmarshal(m.Record.Payload, &dom); err != nil {
				return err
			}
			latest = &dom
			return nil
		},
		OnTick: func(ctx context.Context, now time.Time) error {
			if latest == nil || latest.Ts == lastSlicedTs {
				return nil
			}
			slice := binner.Slice(exchange, symbol, latest)
			if len(slice.Rows) == 0 {
				return nil
			}
			lastSlicedTs = latest.Ts
			payload, err := json.Marshal(slice)
			if err != nil {
				return err
			}
			rec := broker.Record{Kind: "heatmap", Payload: payload}
			if _, err := brk.StreamAppend(ctx, out, rec, maxLen); err != nil {
				return err
			}
			return brk.Publish(ctx, out, rec)
		},
	}
}
