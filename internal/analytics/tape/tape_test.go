package tape

import (
	"testing"
	"time"

	"orderflow/internal/models"
)

func trade(ts int64, side models.Side, size float64) models.Trade {
	return models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: ts, Side: side, Price: 100, Size: size}
}

func TestColdStartEmptyBuckets(t *testing.T) {
	a := NewAggregator("bybit", "BTCUSDT", time.Minute, 0)
	agg := a.Aggregate(1_700_000_000_000)
	for label, w := range agg.Windows {
		if w.BuyVol != 0 || w.SellVol != 0 || w.Delta != 0 {
			t.Fatalf("window %s not empty: %+v", label, w)
		}
	}
	if agg.LastTrade != nil {
		t.Fatalf("cold start has a last trade")
	}
}

func TestWindowSums(t *testing.T) {
	a := NewAggregator("bybit", "BTCUSDT", time.Minute, 0)
	t0 := int64(1_700_000_000_000)
	a.Observe(trade(t0, models.SideBuy, 2))
	a.Observe(trade(t0+500, models.SideSell, 1))
	a.Observe(trade(t0+6000, models.SideBuy, 4))

	agg := a.Aggregate(t0 + 6500)
	m1 := agg.Windows["1m"]
	if m1.BuyVol != 6 || m1.SellVol != 1 || m1.Delta != 5 {
		t.Fatalf("1m window = %+v", m1)
	}
	s1 := agg.Windows["1s"]
	if s1.BuyVol != 4 || s1.SellVol != 0 {
		t.Fatalf("1s window = %+v", s1)
	}
}

func TestEvictionBeyondWindow(t *testing.T) {
	a := NewAggregator("bybit", "BTCUSDT", time.Minute, 0)
	t0 := int64(1_700_000_000_000)
	a.Observe(trade(t0, models.SideBuy, 2))
	agg := a.Aggregate(t0 + 61_000)
	if w := agg.Windows["1m"]; w.BuyVol != 0 {
		t.Fatalf("stale trade survived eviction: %+v", w)
	}
}

func TestLargeTradeFlag(t *testing.T) {
	a := NewAggregator("bybit", "BTCUSDT", time.Minute, 0)
	t0 := int64(1_700_000_000_000)
	for i := 0; i < 10; i++ {
		a.Observe(trade(t0+int64(i), models.SideBuy, 1))
	}
	a.Observe(trade(t0+100, models.SideBuy, 50))
	agg := a.Aggregate(t0 + 200)
	if agg.LastTrade == nil || !agg.LastTrade.Large {
		t.Fatalf("large trade not flagged: %+v", agg.LastTrade)
	}
}
