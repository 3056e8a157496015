// Package trend derives continuous trend, exhaustion and rule-reversal
// series from footprint bars and tape aggregates. The emitted field set is
// the contract; the weights are tunable configuration.
package trend

import (
	"context"
	"math"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/analytics"
	"orderflow/internal/broker"
	"orderflow/internal/models"
)

const (
	horizonBars   = 5
	statsWindow   = 20 // bars retained for averages
	exhaustionHi  = 1.5
	absorptionCut = 0.2
)

type barStat struct {
	delta      float64
	totalVol   float64
	priceRange float64
}

// Scorer is the pure scoring core; one instance per instrument.
type Scorer struct {
	exchange string
	symbol   string
	window   int
	wDelta   float64
	wVolume  float64
	wBook    float64

	bars      []barStat
	history   []float64
	lastPower float64
	lastTape  *models.TapeAggregate
}

func NewScorer(exchange, symbol string, cfg config.TrendConfig) *Scorer {
	window := cfg.Window
	if window <= 0 {
		window = 50
	}
	wd, wv, wb := cfg.WeightDelta, cfg.WeightVolume, cfg.WeightBook
	if wd+wv+wb <= 0 {
		wd, wv, wb = 1, 1, 1
	}
	return &Scorer{
		exchange: exchange,
		symbol:   symbol,
		window:   window,
		wDelta:   wd,
		wVolume:  wv,
		wBook:    wb,
	}
}

// ObserveTape keeps the latest tape aggregate as the book-pressure input.
func (s *Scorer) ObserveTape(t *models.TapeAggregate) { s.lastTape = t }

// ObserveBar folds one closed footprint bar and produces the three series.
func (s *Scorer) ObserveBar(bar *models.FootprintBar) (models.TrendScore, models.ExhaustionScore, models.RuleReversalSignal) {
	cur := summarize(bar)
	avgVol, avgAbsDelta, avgRange := s.averages()

	scoreDelta := 0.0
	if cur.totalVol > 0 {
		scoreDelta = cur.delta / cur.totalVol
	}
	scoreVolume := 0.0
	if avgVol > 0 {
		scoreVolume = math.Min(cur.totalVol/avgVol, 3) / 3
	}
	scoreBook := s.bookPressure()

	direction := 1.0
	if cur.delta < 0 {
		direction = -1
	}
	total := s.wDelta + s.wVolume + s.wBook
	impulse := 100 * (s.wDelta*scoreDelta + s.wVolume*scoreVolume*direction + s.wBook*scoreBook) / total
	impulse = clamp(impulse, -100, 100)

	s.history = append(s.history, impulse)
	if len(s.history) > s.window {
		s.history = s.history[len(s.history)-s.window:]
	}
	power := 0.0
	for _, v := range s.history {
		power += v
	}
	powerDelta := power - s.lastPower
	s.lastPower = power

	trend := models.TrendScore{
		Exchange:        s.exchange,
		Symbol:          s.symbol,
		Ts:              bar.End,
		ScoreDelta:      round3(scoreDelta),
		ScoreVolume:     round3(scoreVolume),
		ScoreBook:       round3(scoreBook),
		ScoreImpulse:    round3(impulse),
		TrendPower:      round3(power),
		TrendPowerDelta: round3(powerDelta),
	}

	// Exhaustion: a large delta immediately followed by a flip.
	exhaustion := 0.0
	if n := len(s.bars); n > 0 && avgAbsDelta > 0 {
		prev := s.bars[n-1]
		if math.Abs(prev.delta) > avgAbsDelta*exhaustionHi && prev.delta*cur.delta < 0 {
			exhaustion = clamp(math.Abs(prev.delta)/(avgAbsDelta*exhaustionHi)*50, 0, 100)
		}
	}
	// Absorption: heavy volume with the delta pinned near zero.
	absorption := 0.0
	if cur.totalVol > 0 && avgVol > 0 {
		deltaShare := math.Abs(cur.delta) / cur.totalVol
		if deltaShare < absorptionCut && cur.totalVol > avgVol*exhaustionHi {
			absorption = clamp((1-deltaShare)*math.Min(cur.totalVol/avgVol, 3)/3*100, 0, 100)
		}
	}
	exh := models.ExhaustionScore{
		Exchange:        s.exchange,
		Symbol:          s.symbol,
		Ts:              bar.End,
		ExhaustionScore: round3(exhaustion),
		AbsorptionScore: round3(absorption),
	}

	// Rule reversal: exhaustion and absorption against the running trend.
	prob := clamp(0.5*exhaustion/100+0.3*absorption/100+0.2*opposes(powerDelta, cur.delta), 0, 1)
	expectedMove := avgRange
	if expectedMove == 0 {
		expectedMove = cur.priceRange
	}
	signal := models.RuleReversalSignal{
		Exchange:          s.exchange,
		Symbol:            s.symbol,
		Ts:                bar.End,
		ProbReversal:      round3(prob),
		HorizonBars:       horizonBars,
		ExpectedMoveRange: [2]float64{round3(expectedMove * 0.5), round3(expectedMove)},
	}

	s.bars = append(s.bars, cur)
	if len(s.bars) > statsWindow {
		s.bars = s.bars[len(s.bars)-statsWindow:]
	}
	return trend, exh, signal
}

func (s *Scorer) bookPressure() float64 {
	if s.lastTape == nil {
		return 0
	}
	w, ok := s.lastTape.Windows["1m"]
	if !ok {
		return 0
	}
	total := w.BuyVol + w.SellVol
	if total == 0 {
		return 0
	}
	return w.Delta / total
}

func (s *Scorer) averages() (vol, absDelta, priceRange float64) {
	if len(s.bars) == 0 {
		return 0, 0, 0
	}
	for _, b := range s.bars {
		vol += b.totalVol
		absDelta += math.Abs(b.delta)
		priceRange += b.priceRange
	}
	n := float64(len(s.bars))
	return vol / n, absDelta / n, priceRange / n
}

func summarize(bar *models.FootprintBar) barStat {
	var st barStat
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, l := range bar.Levels {
		st.delta += l.Delta
		st.totalVol += l.VolBid + l.VolAsk
		if l.Price < lo {
			lo = l.Price
		}
		if l.Price > hi {
			hi = l.Price
		}
	}
	if hi >= lo {
		st.priceRange = hi - lo
	}
	return st
}

func opposes(powerDelta, delta float64) float64 {
	if powerDelta*delta < 0 {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// NewWorker consumes the footprint and tape streams of one instrument and
// emits the three score/signal streams.
func NewWorker(brk broker.Broker, cfg config.TrendConfig, brokerCfg config.BrokerConfig, exchange, symbol string) *analytics.Worker {
	scorer := NewScorer(exchange, symbol, cfg)
	trendOut := broker.StreamScoresTrend(exchange, symbol)
	exhOut := broker.StreamScoresExhaustion(exchange, symbol)
	sigOut := broker.StreamSignalsReversal(exchange, symbol)

	emit := func(ctx context.Context, stream, kind string, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		rec := broker.Record{Kind: kind, Payload: payload}
		if _, err := brk.StreamAppend(ctx, stream, rec, brokerCfg.StreamMaxLen); err != nil {
			return err
		}
		return brk.Publish(ctx, stream, rec)
	}

	return &analytics.Worker{
		Name:    "trend:" + exchange + ":" + symbol,
		Group:   "trend",
		Streams: []string{broker.StreamFootprint(exchange, symbol), broker.StreamTape(exchange, symbol)},
		OnMessage: func(ctx context.Context, m broker.Message) error {
			switch m.Record.Kind {
			case "tape":
				var t models.TapeAggregate
				if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
					return err
				}
				scorer.ObserveTape(&t)
				return nil
			case "footprint":
				var bar models.FootprintBar
				if err := json.Unmarshal(m.Record.Payload, &bar); err != nil {
					return err
				}
				trend, exh, sig := scorer.ObserveBar(&bar)
				if err := emit(ctx, trendOut, "trend", trend); err != nil {
					return err
				}
				if err := emit(ctx, exhOut, "exhaustion", exh); err != nil {
					return err
				}
				return emit(ctx, sigOut, "rule_reversal", sig)
			}
			return nil
		},
	}
}
