package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"orderflow/config"
	"orderflow/internal/broker"
	"orderflow/internal/models"
	"orderflow/internal/supervisor"
)

type fakeState struct {
	dom    models.DOM
	hasDOM bool
	trades []models.Trade
}

func (f *fakeState) GetDOM(string, string) (models.DOM, bool) { return f.dom, f.hasDOM }
func (f *fakeState) RecentTrades(_, _ string, n int) []models.Trade {
	if n > len(f.trades) {
		n = len(f.trades)
	}
	return f.trades[:n]
}

func testServer(t *testing.T, state *fakeState, mem *broker.Memory) (*httptest.Server, context.CancelFunc) {
	t.Helper()
	cfg := config.GatewayConfig{
		SendQueue:    64,
		LowWater:     32,
		PingInterval: config.Duration(20 * time.Second),
		TradesLimit:  1000,
	}
	reg := supervisor.NewRegistry()
	reg.Register("ingestor:bybit:BTCUSDT")
	reg.SetState("ingestor:bybit:BTCUSDT", "live")
	srv := NewServer(cfg, mem, state, reg)
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(srv.router(ctx))
	return ts, cancel
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
}

func TestWSSnapshotThenStream(t *testing.T) {
	mem := broker.NewMemory()
	state := &fakeState{
		dom: models.DOM{Ts: 100, Bids: []models.PriceLevel{{Price: 100, Size: 5}}, Asks: []models.PriceLevel{{Price: 101, Size: 2}}},
		hasDOM: true,
	}
	ts, cancel := testServer(t, state, mem)
	defer ts.Close()
	defer cancel()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "exchange=bybit&symbol=BTCUSDT&channels=orderbook_realtime"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the DOM snapshot.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var first struct {
		Type string     `json:"type"`
		Data models.DOM `json:"data"`
	}
	if err := json.Unmarshal(raw, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != "dom" || first.Data.Ts != 100 {
		t.Fatalf("first frame = %s", raw)
	}

	// A stale publish (ts <= snapshot) is discarded; a fresh one arrives.
	stale, _ := json.Marshal(models.DOM{Ts: 100})
	fresh, _ := json.Marshal(models.DOM{Ts: 200, Bids: []models.PriceLevel{{Price: 100, Size: 6}}})
	// The subscription registers asynchronously after the upgrade.
	time.Sleep(50 * time.Millisecond)
	_ = mem.Publish(context.Background(), broker.StreamDOM("bybit", "BTCUSDT"), broker.Record{Kind: "dom", Payload: stale})
	_ = mem.Publish(context.Background(), broker.StreamDOM("bybit", "BTCUSDT"), broker.Record{Kind: "dom", Payload: fresh})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read update: %v", err)
	}
	var env struct {
		Stream string     `json:"stream"`
		Data   models.DOM `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if env.Stream != "orderbook_realtime" || env.Data.Ts != 200 {
		t.Fatalf("update frame = %s", raw)
	}
}

func TestWSUnknownChannelClosed4400(t *testing.T) {
	mem := broker.NewMemory()
	ts, cancel := testServer(t, &fakeState{}, mem)
	defer ts.Close()
	defer cancel()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "channels=nope"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok || ce.Code != closeBadChannel {
		t.Fatalf("close err = %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mem := broker.NewMemory()
	ts, cancel := testServer(t, &fakeState{}, mem)
	defer ts.Close()
	defer cancel()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
		Tasks  []struct {
			Name        string `json:"name"`
			State       string `json:"state"`
			LastHbMsAgo int64  `json:"last_hb_ms_ago"`
		} `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || len(out.Tasks) != 1 || out.Tasks[0].State != "live" {
		t.Fatalf("health = %+v", out)
	}
}

func TestDOMEndpoint404(t *testing.T) {
	mem := broker.NewMemory()
	ts, cancel := testServer(t, &fakeState{}, mem)
	defer ts.Close()
	defer cancel()

	resp, err := http.Get(ts.URL + "/dom/bybit/NEVERSEEN")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestTradesEndpointNewestFirst(t *testing.T) {
	mem := broker.NewMemory()
	state := &fakeState{trades: []models.Trade{
		{TradeID: "t3", Ts: 3}, {TradeID: "t2", Ts: 2},
	}}
	ts, cancel := testServer(t, state, mem)
	defer ts.Close()
	defer cancel()

	resp, err := http.Get(ts.URL + "/trades/bybit/BTCUSDT?limit=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out []models.Trade
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].TradeID != "t3" {
		t.Fatalf("trades = %+v", out)
	}
}
