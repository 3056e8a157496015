package hotstore

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"orderflow/config"
	"orderflow/internal/broker"
	"orderflow/internal/models"
)

type nopBeater struct{}

func (nopBeater) Beat(string)             {}
func (nopBeater) SetState(string, string) {}

func level(p, s float64) models.PriceLevel { return models.PriceLevel{Price: p, Size: s} }

func startStore(t *testing.T) (*Store, *broker.Memory, context.CancelFunc) {
	t.Helper()
	mem := broker.NewMemory()
	cfg := config.BrokerConfig{ReadBlock: config.Duration(20 * time.Millisecond), StreamMaxLen: 1000, TradesMaxLen: 100, DOMTTL: config.Duration(time.Minute)}
	s := New(mem, cfg, 200, []Instrument{{"bybit", "BTCUSDT"}}, nopBeater{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	// Let EnsureGroup register before producers append.
	time.Sleep(20 * time.Millisecond)
	return s, mem, cancel
}

func appendBook(t *testing.T, mem *broker.Memory, kind string, u *models.BookUpdate) {
	t.Helper()
	payload, _ := json.Marshal(u)
	if _, err := mem.StreamAppend(context.Background(), broker.StreamDOM(u.Exchange, u.Symbol), broker.Record{Kind: kind, Payload: payload}, 1000); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func appendTrade(t *testing.T, mem *broker.Memory, tr *models.Trade) {
	t.Helper()
	payload, _ := json.Marshal(tr)
	if _, err := mem.StreamAppend(context.Background(), broker.StreamTrades(tr.Exchange, tr.Symbol), broker.Record{Kind: "trade", Payload: payload}, 1000); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestBookFoldAndKV(t *testing.T) {
	s, mem, cancel := startStore(t)
	defer cancel()

	appendBook(t, mem, "snapshot", &models.BookUpdate{
		Exchange: "bybit", Symbol: "BTCUSDT", Type: "snapshot", Ts: 1, UpdateID: 10,
		Bids: []models.PriceLevel{level(100, 5), level(99, 3)},
		Asks: []models.PriceLevel{level(101, 2)},
	})
	appendBook(t, mem, "delta", &models.BookUpdate{
		Exchange: "bybit", Symbol: "BTCUSDT", Type: "delta", Ts: 2, UpdateID: 11, PrevUpdateID: 10,
		Bids: []models.PriceLevel{level(99, 0), level(98, 7)},
	})

	waitFor(t, func() bool {
		dom, ok := s.GetDOM("bybit", "BTCUSDT")
		return ok && dom.Ts == 2
	}, "dom folded")

	dom, _ := s.GetDOM("bybit", "BTCUSDT")
	if len(dom.Bids) != 2 || dom.Bids[1].Price != 98 {
		t.Fatalf("dom = %+v", dom.Bids)
	}

	rec, ok, err := mem.KVGet(context.Background(), broker.KeyDOM("bybit", "BTCUSDT"))
	if err != nil || !ok {
		t.Fatalf("kv dom missing: %v", err)
	}
	var kvDom models.DOM
	if err := json.Unmarshal(rec.Payload, &kvDom); err != nil {
		t.Fatalf("decode kv: %v", err)
	}
	if kvDom.Ts != 2 {
		t.Fatalf("kv dom ts = %d", kvDom.Ts)
	}
}

func TestDOMPublishedOnChange(t *testing.T) {
	_, mem, cancel := startStore(t)
	defer cancel()

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	ch, stop, err := mem.Subscribe(subCtx, broker.StreamDOM("bybit", "BTCUSDT"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	appendBook(t, mem, "snapshot", &models.BookUpdate{
		Exchange: "bybit", Symbol: "BTCUSDT", Type: "snapshot", Ts: 3, UpdateID: 12,
		Bids: []models.PriceLevel{level(100, 1)},
	})

	select {
	case m := <-ch:
		if m.Record.Kind != "dom" {
			t.Fatalf("published kind = %s", m.Record.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no dom publish")
	}
}

func TestTradeDedupeAndOrdering(t *testing.T) {
	s, mem, cancel := startStore(t)
	defer cancel()

	// Duplicate id t1 redelivered; ordering follows stream order.
	appendTrade(t, mem, &models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: 10, TradeID: "t1", Side: models.SideBuy, Price: 100, Size: 1})
	appendTrade(t, mem, &models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: 10, TradeID: "t1", Side: models.SideBuy, Price: 100, Size: 1})
	appendTrade(t, mem, &models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: 11, TradeID: "t2", Side: models.SideSell, Price: 99, Size: 2})

	waitFor(t, func() bool { return len(s.RecentTrades("bybit", "BTCUSDT", 10)) == 2 }, "trades deduped")

	got := s.RecentTrades("bybit", "BTCUSDT", 10)
	if got[0].TradeID != "t2" || got[1].TradeID != "t1" {
		t.Fatalf("newest-first order wrong: %+v", got)
	}
}

func TestUnknownKindCountedNotFatal(t *testing.T) {
	s, mem, cancel := startStore(t)
	defer cancel()

	_, _ = mem.StreamAppend(context.Background(), broker.StreamDOM("bybit", "BTCUSDT"), broker.Record{Kind: "mystery", Payload: []byte("{}")}, 1000)
	appendTrade(t, mem, &models.Trade{Exchange: "bybit", Symbol: "BTCUSDT", Ts: 12, TradeID: "t3", Side: models.SideBuy, Price: 100, Size: 1})

	waitFor(t, func() bool { return len(s.RecentTrades("bybit", "BTCUSDT", 10)) == 1 }, "store continued past unknown kind")
}
