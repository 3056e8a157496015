package binance

import (
	"testing"

	"orderflow/internal/models"
)

const depthFrame = `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1700000000100,
"T":1700000000095,"s":"BTCUSDT","U":157,"u":160,"pu":149,
"b":[["100.0","5"],["99.0","0"]],"a":[["101.0","2"]]}}`

const aggTradeFrame = `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000200,
"s":"BTCUSDT","a":26129,"p":"100.5","q":"4","f":100,"l":105,"T":1700000000199,"m":true}}`

const klineFrame = `{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1700000000300,"s":"BTCUSDT",
"k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"99.0","h":"101.0","l":"98.5","c":"100.0","v":"123.4","x":true}}}`

const forceOrderFrame = `{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","E":1700000000400,
"o":{"s":"BTCUSDT","S":"SELL","q":"0.014","p":"99.5","ap":"99.4","T":1700000000395}}}`

func TestParseDepthSurfacesSequenceIDs(t *testing.T) {
	evs, err := parseMessage([]byte(depthFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b := evs[0].Book
	if evs[0].Kind != models.KindDelta || b.UpdateID != 160 || b.PrevUpdateID != 149 {
		t.Fatalf("ids = u%d pu%d", b.UpdateID, b.PrevUpdateID)
	}
	if len(b.Bids) != 2 || b.Bids[1].Size != 0 {
		t.Fatalf("levels = %+v", b.Bids)
	}
}

func TestParseAggTradeAggressor(t *testing.T) {
	evs, err := parseMessage([]byte(aggTradeFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tr := evs[0].Trade
	// m=true means the buyer was the maker, so the aggressor sold.
	if tr.Side != models.SideSell {
		t.Fatalf("side = %s", tr.Side)
	}
	if tr.TradeID != "26129" || tr.Ts != 1700000000199 {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestParseKlineConfirm(t *testing.T) {
	evs, err := parseMessage([]byte(klineFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	k := evs[0].Kline
	if !k.Confirm || k.Interval != "1m" || k.High != 101 {
		t.Fatalf("kline = %+v", k)
	}
	if k.Low > k.Open || k.Open > k.High {
		t.Fatalf("ohlc invariant broken: %+v", k)
	}
}

func TestParseForceOrderPrefersAvgPrice(t *testing.T) {
	evs, err := parseMessage([]byte(forceOrderFrame))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l := evs[0].Liquidation
	if l.Side != models.SideSell || l.Price != 99.4 || l.Quantity != 0.014 {
		t.Fatalf("liquidation = %+v", l)
	}
}

func TestParseUnknownStreamIgnored(t *testing.T) {
	evs, err := parseMessage([]byte(`{"stream":"btcusdt@markPrice","data":{"p":"1"}}`))
	if err != nil || evs != nil {
		t.Fatalf("unknown stream should be ignored: %v %v", evs, err)
	}
}

func TestSnapLimit(t *testing.T) {
	if snapLimit(200) != 500 || snapLimit(1000) != 1000 || snapLimit(3) != 5 || snapLimit(5000) != 1000 {
		t.Fatalf("snapLimit mapping wrong")
	}
}
