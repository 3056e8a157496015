package footprint

import (
	"testing"

	"orderflow/internal/models"
)

// t0 is a multiple of barMs, so the first bar starts exactly at t0.
const (
	t0    = int64(1_700_000_040_000)
	barMs = int64(60_000)
)

func trade(ts int64, side models.Side, price, size float64) *models.Trade {
	return &models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: ts, Side: side, Price: price, Size: size}
}

func TestBarAggregationPOCAndDelta(t *testing.T) {
	b := NewBuilder("bybit", "BTCUSDT", barMs, 3)

	if closed := b.Observe(trade(t0+5, models.SideBuy, 100.0, 2)); closed != nil {
		t.Fatalf("bar closed early")
	}
	b.Observe(trade(t0+6, models.SideSell, 100.0, 1))
	b.Observe(trade(t0+100, models.SideBuy, 100.5, 4))

	// The first trade of the next bar closes the current one.
	closed := b.Observe(trade(t0+barMs+1, models.SideBuy, 101.0, 1))
	if closed == nil {
		t.Fatalf("bar did not close")
	}
	if closed.Start != t0 || closed.End != t0+barMs {
		t.Fatalf("bar bounds = %d..%d", closed.Start, closed.End)
	}
	if len(closed.Levels) != 2 {
		t.Fatalf("levels = %+v", closed.Levels)
	}
	l0 := closed.Levels[0]
	if l0.Price != 100.0 || l0.VolBid != 1 || l0.VolAsk != 2 || l0.Delta != 1 {
		t.Fatalf("level 100.0 = %+v", l0)
	}
	l1 := closed.Levels[1]
	if l1.Price != 100.5 || l1.VolBid != 0 || l1.VolAsk != 4 || l1.Delta != 4 {
		t.Fatalf("level 100.5 = %+v", l1)
	}
	if closed.POCPrice == nil || *closed.POCPrice != 100.5 {
		t.Fatalf("poc = %v", closed.POCPrice)
	}
}

func TestLateTradesDroppedWithCounter(t *testing.T) {
	b := NewBuilder("bybit", "BTCUSDT", barMs, 3)
	b.Observe(trade(t0+5, models.SideBuy, 100.0, 2))
	closed := b.Observe(trade(t0+barMs+5, models.SideBuy, 100.0, 1))
	if closed == nil {
		t.Fatalf("bar did not close")
	}
	want := *closed

	// A trade belonging to the already-closed bar: dropped, counted, and
	// the published bar is untouched.
	if late := b.Observe(trade(t0+10, models.SideSell, 100.0, 9)); late != nil {
		t.Fatalf("late trade closed a bar")
	}
	if b.LateTrades != 1 {
		t.Fatalf("late counter = %d", b.LateTrades)
	}
	if len(want.Levels) != 1 || want.Levels[0].VolAsk != 2 || want.Levels[0].VolBid != 0 {
		t.Fatalf("closed bar mutated: %+v", want.Levels)
	}
}

func TestImbalanceLevels(t *testing.T) {
	b := NewBuilder("bybit", "BTCUSDT", barMs, 3)
	// 6 buy vs 1 sell at the same level: ratio 6 >= 3, buy side.
	b.Observe(trade(t0+1, models.SideBuy, 100.0, 6))
	b.Observe(trade(t0+2, models.SideSell, 100.0, 1))
	// Balanced level: no imbalance.
	b.Observe(trade(t0+3, models.SideBuy, 100.5, 2))
	b.Observe(trade(t0+4, models.SideSell, 100.5, 2))

	closed := b.Observe(trade(t0+barMs+1, models.SideBuy, 100.0, 1))
	if closed == nil {
		t.Fatalf("bar did not close")
	}
	if len(closed.ImbalanceLevels) != 1 {
		t.Fatalf("imbalance levels = %+v", closed.ImbalanceLevels)
	}
	im := closed.ImbalanceLevels[0]
	if im.Price != 100.0 || im.Side != models.SideBuy || im.Ratio != 6 {
		t.Fatalf("imbalance = %+v", im)
	}
}

func TestCloseIfElapsed(t *testing.T) {
	b := NewBuilder("bybit", "BTCUSDT", barMs, 3)
	b.Observe(trade(t0+5, models.SideBuy, 100.0, 2))
	if bar := b.CloseIfElapsed(t0 + barMs - 1); bar != nil {
		t.Fatalf("closed before the bar elapsed")
	}
	bar := b.CloseIfElapsed(t0 + barMs)
	if bar == nil || bar.Start != t0 {
		t.Fatalf("elapsed close = %+v", bar)
	}
	// One-side-only level: zero divisor, no imbalance emitted.
	if len(bar.ImbalanceLevels) != 0 {
		t.Fatalf("imbalance on one-sided level: %+v", bar.ImbalanceLevels)
	}
}
