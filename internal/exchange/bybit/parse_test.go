package bybit

import (
	"testing"

	"orderflow/internal/models"
)

const snapshotFrame = `{"topic":"orderbook.200.BTCUSDT","type":"snapshot","ts":1700000000100,
"data":{"s":"BTCUSDT","b":[["100","5"],["99","3"]],"a":[["101","2"],["102","4"]],"u":10,"seq":555}}`

const deltaFrame = `{"topic":"orderbook.200.BTCUSDT","type":"delta","ts":1700000000200,
"data":{"s":"BTCUSDT","b":[["99","0"],["98","7"]],"a":[],"u":11,"seq":556}}`

const tradeFrame = `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000300,
"data":[{"T":1700000000305,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"100.5","i":"trade-1"},
{"T":1700000000306,"s":"BTCUSDT","S":"Sell","v":"0","p":"100.5","i":"trade-2"}]}`

func TestParseOrderbookSnapshot(t *testing.T) {
	evs, err := parseMessage([]byte(snapshotFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(evs) != 1 || evs[0].Kind != models.KindSnapshot {
		t.Fatalf("events = %+v", evs)
	}
	b := evs[0].Book
	if b.UpdateID != 10 || len(b.Bids) != 2 || b.Bids[0].Price != 100 {
		t.Fatalf("book = %+v", b)
	}
	if b.Exchange != "bybit" || b.Symbol != "BTCUSDT" {
		t.Fatalf("scope = %s %s", b.Exchange, b.Symbol)
	}
}

func TestParseOrderbookDelta(t *testing.T) {
	evs, err := parseMessage([]byte(deltaFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := evs[0].Book
	if evs[0].Kind != models.KindDelta || b.UpdateID != 11 || b.PrevUpdateID != 10 {
		t.Fatalf("delta ids = %d prev %d", b.UpdateID, b.PrevUpdateID)
	}
	if b.Bids[0].Size != 0 {
		t.Fatalf("zero-size removal lost: %+v", b.Bids)
	}
}

func TestParseTradesNormalizesAndFilters(t *testing.T) {
	evs, err := parseMessage([]byte(tradeFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// Second row has zero volume and is filtered out.
	if len(evs) != 1 {
		t.Fatalf("trades = %+v", evs)
	}
	tr := evs[0].Trade
	if tr.Side != models.SideBuy || tr.Price != 100.5 || tr.TradeID != "trade-1" {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestParseIgnoresAcks(t *testing.T) {
	evs, err := parseMessage([]byte(`{"success":true,"op":"subscribe"}`))
	if err != nil || evs != nil {
		t.Fatalf("ack should be ignored, got %v %v", evs, err)
	}
}

func TestParseMalformedFrame(t *testing.T) {
	if _, err := parseMessage([]byte(`{"topic":"orderbook.200.X","data":"notanobject"}`)); err == nil {
		t.Fatalf("expected protocol error")
	}
}
