package trend

import (
	"testing"

	"orderflow/config"
	"orderflow/internal/models"
)

func cfg() config.TrendConfig {
	return config.TrendConfig{Window: 50, WeightDelta: 1, WeightVolume: 1, WeightBook: 1}
}

func bar(start int64, levels ...models.FootprintLevel) *models.FootprintBar {
	return &models.FootprintBar{
		Exchange: "bybit", Symbol: "BTCUSDT",
		Start: start, End: start + 60_000,
		Levels: levels,
	}
}

func buyBar(start int64, vol float64) *models.FootprintBar {
	return bar(start, models.FootprintLevel{Price: 100, VolAsk: vol, Delta: vol})
}

func sellBar(start int64, vol float64) *models.FootprintBar {
	return bar(start, models.FootprintLevel{Price: 100, VolBid: vol, Delta: -vol})
}

func TestImpulseFollowsDelta(t *testing.T) {
	s := NewScorer("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)

	up, _, _ := s.ObserveBar(buyBar(t0, 10))
	if up.ScoreImpulse <= 0 {
		t.Fatalf("buy bar impulse = %v", up.ScoreImpulse)
	}
	down, _, _ := s.ObserveBar(sellBar(t0+60_000, 10))
	if down.ScoreImpulse >= 0 {
		t.Fatalf("sell bar impulse = %v", down.ScoreImpulse)
	}
	if down.TrendPowerDelta >= 0 {
		t.Fatalf("trend power should fall on a flip: %+v", down)
	}
}

func TestTrendPowerAccumulates(t *testing.T) {
	s := NewScorer("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	var last models.TrendScore
	for i := 0; i < 5; i++ {
		last, _, _ = s.ObserveBar(buyBar(t0+int64(i)*60_000, 10))
	}
	if last.TrendPower <= last.ScoreImpulse {
		t.Fatalf("power did not accumulate: %+v", last)
	}
}

func TestExhaustionOnFlipAfterLargeDelta(t *testing.T) {
	s := NewScorer("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	// Establish a modest baseline, then a huge buy bar, then a flip.
	for i := 0; i < 3; i++ {
		s.ObserveBar(buyBar(t0+int64(i)*60_000, 5))
	}
	s.ObserveBar(buyBar(t0+3*60_000, 100))
	_, exh, sig := s.ObserveBar(sellBar(t0+4*60_000, 5))
	if exh.ExhaustionScore <= 0 {
		t.Fatalf("exhaustion = %v", exh.ExhaustionScore)
	}
	if sig.ProbReversal <= 0 || sig.HorizonBars != 5 {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestAbsorptionOnBalancedHeavyBar(t *testing.T) {
	s := NewScorer("bybit", "BTCUSDT", cfg())
	t0 := int64(1_700_000_000_000)
	for i := 0; i < 3; i++ {
		s.ObserveBar(buyBar(t0+int64(i)*60_000, 10))
	}
	// Heavy, balanced bar: 50 each way.
	balanced := bar(t0+3*60_000, models.FootprintLevel{Price: 100, VolBid: 50, VolAsk: 50, Delta: 0})
	_, exh, _ := s.ObserveBar(balanced)
	if exh.AbsorptionScore <= 0 {
		t.Fatalf("absorption = %v", exh.AbsorptionScore)
	}
}

func TestBookPressureFromTape(t *testing.T) {
	s := NewScorer("bybit", "BTCUSDT", cfg())
	s.ObserveTape(&models.TapeAggregate{
		Exchange: "bybit", Symbol: "BTCUSDT", Ts: 1,
		Windows: map[string]models.TapeWindow{"1m": {BuyVol: 30, SellVol: 10, Delta: 20}},
	})
	if p := s.bookPressure(); p != 0.5 {
		t.Fatalf("book pressure = %v", p)
	}
}
