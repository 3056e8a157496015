package gateway

import (
	"fmt"
	"testing"
)

func dataFrame(i int) frame { return frame{data: []byte(fmt.Sprintf("msg-%d", i))} }

func TestQueueShedsOldestNonDOM(t *testing.T) {
	q := newSendQueue(8, 4, "c1")
	dom := frame{isDOM: true, data: []byte("dom-1")}
	q.push(dom)
	for i := 0; i < 10; i++ {
		q.push(dataFrame(i))
	}
	if q.len() > 8 {
		t.Fatalf("queue above capacity: %d", q.len())
	}
	if q.dropped() == 0 {
		t.Fatalf("no drops recorded")
	}
	// The DOM frame survived shedding.
	found := false
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		if f.isDOM {
			found = true
		}
	}
	if !found {
		t.Fatalf("DOM frame was shed")
	}
}

func TestNewestDOMSupersedes(t *testing.T) {
	q := newSendQueue(8, 4, "c1")
	q.push(frame{isDOM: true, data: []byte("dom-old")})
	q.push(dataFrame(1))
	q.push(frame{isDOM: true, data: []byte("dom-new")})

	var doms [][]byte
	for {
		f, ok := q.pop()
		if !ok {
			break
		}
		if f.isDOM {
			doms = append(doms, f.data)
		}
	}
	if len(doms) != 1 || string(doms[0]) != "dom-new" {
		t.Fatalf("doms = %q", doms)
	}
}

func TestQueueOrderPreserved(t *testing.T) {
	q := newSendQueue(16, 8, "c1")
	for i := 0; i < 5; i++ {
		q.push(dataFrame(i))
	}
	for i := 0; i < 5; i++ {
		f, ok := q.pop()
		if !ok || string(f.data) != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("frame %d = %q ok=%v", i, f.data, ok)
		}
	}
}

func TestCloseUnblocksAndDiscards(t *testing.T) {
	q := newSendQueue(8, 4, "c1")
	q.push(dataFrame(1))
	q.close()
	if _, ok := q.pop(); ok {
		t.Fatalf("pop after close returned a frame")
	}
	// Pushes after close are no-ops.
	q.push(dataFrame(2))
	if q.len() != 0 {
		t.Fatalf("push after close enqueued")
	}
}

func TestResolveChannels(t *testing.T) {
	chans, unknown := resolveChannels([]string{"orderbook_realtime", "scores.trend", "bogus"}, "bybit", "BTCUSDT")
	if len(unknown) != 1 || unknown[0] != "bogus" {
		t.Fatalf("unknown = %v", unknown)
	}
	if chans["dom:bybit:BTCUSDT"] != "orderbook_realtime" {
		t.Fatalf("chans = %v", chans)
	}
	if chans["scores.trend:bybit:BTCUSDT"] != "scores.trend" {
		t.Fatalf("chans = %v", chans)
	}
}
