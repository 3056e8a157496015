package wallspoof

import (
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/models"
)

func cfg() config.WallConfig {
	return config.WallConfig{
		MedianMult:   10,
		MinResidency: config.Duration(2 * time.Second),
		SpoofWindow:  config.Duration(time.Second),
		BandLevels:   20,
	}
}

// ladder builds a bid side of uniform size 20 with one outlier at 99.0.
func ladder(outlier float64) []models.PriceLevel {
	levels := []models.PriceLevel{{Price: 99.0, Size: outlier}}
	p := 98.9
	for i := 0; i < 14; i++ {
		levels = append(levels, models.PriceLevel{Price: p, Size: 20})
		p -= 0.1
	}
	return levels
}

func asks() []models.PriceLevel {
	var out []models.PriceLevel
	p := 100.0
	for i := 0; i < 15; i++ {
		out = append(out, models.PriceLevel{Price: p, Size: 20})
		p += 0.1
	}
	return out
}

func TestSpoofDetected(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)

	// Wall-sized level appears: 500 >= 10 x median(20).
	evs := d.ObserveDOM(&models.DOM{Ts: t0, Bids: ladder(500), Asks: asks()})
	if len(evs) != 0 {
		t.Fatalf("no event expected at appearance (residency unmet): %+v", evs)
	}

	// 400 ms later it shrinks to 10 (>= 80% gone) with no trade at or
	// below 99.0 in between.
	evs = d.ObserveDOM(&models.DOM{Ts: t0 + 400, Bids: ladder(10), Asks: asks()})
	if len(evs) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	ev := evs[0]
	if ev.Type != models.EventSpoof || ev.Side != models.SideBuy || ev.Price != 99.0 {
		t.Fatalf("event = %+v", ev)
	}

	// The episode is closed: no repeat emission.
	if evs = d.ObserveDOM(&models.DOM{Ts: t0 + 500, Bids: ladder(10), Asks: asks()}); len(evs) != 0 {
		t.Fatalf("spoof re-emitted: %+v", evs)
	}
}

func TestNoSpoofWhenTradedThrough(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)

	d.ObserveDOM(&models.DOM{Ts: t0, Bids: ladder(500), Asks: asks()})
	// A sell prints at the level before it vanishes: consumed, not spoofed.
	d.ObserveTrade(&models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: t0 + 200, Side: models.SideSell, Price: 99.0, Size: 490})
	evs := d.ObserveDOM(&models.DOM{Ts: t0 + 400, Bids: ladder(10), Asks: asks()})
	for _, ev := range evs {
		if ev.Type == models.EventSpoof {
			t.Fatalf("spoof emitted despite fill: %+v", ev)
		}
	}
}

func TestNoSpoofOutsideWindow(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)

	d.ObserveDOM(&models.DOM{Ts: t0, Bids: ladder(500), Asks: asks()})
	// Shrinks only after T2 has long passed.
	evs := d.ObserveDOM(&models.DOM{Ts: t0 + 5000, Bids: ladder(500), Asks: asks()})
	// Residency satisfied by now: the wall itself is reported.
	foundWall := false
	for _, ev := range evs {
		if ev.Type == models.EventWall && ev.Price == 99.0 {
			foundWall = true
		}
	}
	if !foundWall {
		t.Fatalf("wall not reported after residency: %+v", evs)
	}
	evs = d.ObserveDOM(&models.DOM{Ts: t0 + 10_000, Bids: ladder(10), Asks: asks()})
	for _, ev := range evs {
		if ev.Type == models.EventSpoof {
			t.Fatalf("spoof outside T2 window: %+v", ev)
		}
	}
}

func TestWallRequiresResidency(t *testing.T) {
	d := NewDetector("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	d.ObserveDOM(&models.DOM{Ts: t0, Bids: ladder(500), Asks: asks()})
	evs := d.ObserveDOM(&models.DOM{Ts: t0 + 2500, Bids: ladder(500), Asks: asks()})
	if len(evs) != 1 || evs[0].Type != models.EventWall {
		t.Fatalf("wall after residency = %+v", evs)
	}
	// Emitted once per episode.
	if evs = d.ObserveDOM(&models.DOM{Ts: t0 + 3000, Bids: ladder(500), Asks: asks()}); len(evs) != 0 {
		t.Fatalf("wall re-emitted: %+v", evs)
	}
}
