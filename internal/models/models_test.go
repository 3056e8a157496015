package models

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestPriceLevelWireForm(t *testing.T) {
	b, err := json.Marshal(PriceLevel{Price: 100.5, Size: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "[100.5,3]" {
		t.Fatalf("wire form = %s", b)
	}
	var l PriceLevel
	if err := json.Unmarshal([]byte("[99.0,7]"), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if l.Price != 99 || l.Size != 7 {
		t.Fatalf("roundtrip = %+v", l)
	}
	if err := json.Unmarshal([]byte("[99.0]"), &l); err == nil {
		t.Fatalf("expected error for short level")
	}
}

func TestNormalizeSide(t *testing.T) {
	cases := map[string]Side{
		"Buy": SideBuy, "SELL": SideSell, "bid": SideBuy, "ask": SideSell, "": SideSell,
	}
	for in, want := range cases {
		if got := NormalizeSide(in); got != want {
			t.Fatalf("NormalizeSide(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEventKeyStable(t *testing.T) {
	e1 := Event{Type: EventSpoof, Exchange: "bybit", Symbol: "BTCUSDT", Side: SideBuy, Price: 99.0, Ts: 1700000000400}
	e2 := e1
	if e1.Key() != e2.Key() {
		t.Fatalf("identical events produced different keys")
	}
	e2.Price = 99.5
	if e1.Key() == e2.Key() {
		t.Fatalf("different prices collided: %s", e1.Key())
	}
}

func TestDOMBest(t *testing.T) {
	d := DOM{Bids: []PriceLevel{{100, 5}}, Asks: []PriceLevel{{101, 2}}}
	if bb, ok := d.BestBid(); !ok || bb != 100 {
		t.Fatalf("best bid = %v %v", bb, ok)
	}
	empty := DOM{}
	if _, ok := empty.BestAsk(); ok {
		t.Fatalf("empty book reported a best ask")
	}
}
