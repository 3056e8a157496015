package iceberg

import (
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/models"
)

func cfg() config.IcebergConfig {
	return config.IcebergConfig{ConsumedRatio: 5, MinReplenishes: 3, Window: config.Duration(60 * time.Second)}
}

func bidDOM(ts int64, size float64) *models.DOM {
	return &models.DOM{
		Ts:   ts,
		Bids: []models.PriceLevel{{Price: 100.0, Size: size}},
		Asks: []models.PriceLevel{{Price: 100.5, Size: 3}},
	}
}

// Visible size stays around 5 across 10 samples while sell aggressors
// consume 120 at the level: one ICEBERG for the resting bid.
func TestIcebergDetected(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)

	var events []*models.Event
	sizes := []float64{5, 3, 5, 3, 5, 3, 5, 3, 5, 5}
	for i := 0; i < 10; i++ {
		ts := t0 + int64(i)*4000
		if ev := d.ObserveTrade(&models.Trade{
			Exchange: "bybit", Symbol: "BTCUSDT", Ts: ts,
			Side: models.SideSell, Price: 100.0, Size: 12,
		}); ev != nil {
			events = append(events, ev)
		}
		events = append(events, d.ObserveDOM(bidDOM(ts+1, sizes[i]))...)
	}

	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(events))
	}
	ev := events[0]
	if ev.Type != models.EventIceberg || ev.Side != models.SideBuy || ev.Price != 100.0 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestNoEventWithoutReplenishment(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	// Plenty of consumed volume but the level only shrinks.
	sizes := []float64{50, 40, 30, 20, 10}
	for i := 0; i < 5; i++ {
		ts := t0 + int64(i)*1000
		d.ObserveTrade(&models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: ts, Side: models.SideSell, Price: 100.0, Size: 100})
		if evs := d.ObserveDOM(bidDOM(ts+1, sizes[i])); len(evs) != 0 {
			t.Fatalf("unexpected event: %+v", evs)
		}
	}
}

func TestNoEventBelowConsumedRatio(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	sizes := []float64{5, 3, 5, 3, 5, 3, 5}
	for i := 0; i < 7; i++ {
		ts := t0 + int64(i)*1000
		// Consumed stays tiny relative to visible size.
		d.ObserveTrade(&models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: ts, Side: models.SideSell, Price: 100.0, Size: 0.5})
		if evs := d.ObserveDOM(bidDOM(ts+1, sizes[i])); len(evs) != 0 {
			t.Fatalf("unexpected event: %+v", evs)
		}
	}
}

func TestStateGC(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	d.ObserveTrade(&models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: t0, Side: models.SideBuy, Price: 100.5, Size: 1})
	if d.Tracked() != 1 {
		t.Fatalf("tracked = %d", d.Tracked())
	}
	d.GC(t0 + 61_000)
	if d.Tracked() != 0 {
		t.Fatalf("idle state not collected")
	}
}
