// Package channel provides the buffered hand-off between a venue adapter
// and its ingestor, with drop accounting when the consumer falls behind.
package channel

import (
	"context"
	"sync/atomic"

	"orderflow/internal/models"
)

// Events is a bounded event channel. Book events are never dropped: a full
// buffer blocks the adapter until the ingestor drains, preserving delta
// order. Non-book events (trades, klines, OI, liquidations) are dropped
// under pressure and counted.
type Events struct {
	C chan models.MarketEvent

	sent    atomic.Int64
	dropped atomic.Int64
}

func NewEvents(buffer int) *Events {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Events{C: make(chan models.MarketEvent, buffer)}
}

// Send blocks until the event is enqueued or ctx is done. Used for book
// events where ordering and completeness are mandatory.
func (e *Events) Send(ctx context.Context, ev models.MarketEvent) bool {
	select {
	case e.C <- ev:
		e.sent.Add(1)
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySend enqueues without blocking; a full buffer drops the event.
func (e *Events) TrySend(ev models.MarketEvent) bool {
	select {
	case e.C <- ev:
		e.sent.Add(1)
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *Events) Stats() (sent, dropped int64) {
	return e.sent.Load(), e.dropped.Load()
}

func (e *Events) Close() { close(e.C) }
