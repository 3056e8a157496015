// Package analytics hosts the derived-stream workers. Each worker is
// single-threaded per (exchange, symbol): one loop owns the consumer-group
// reads, the pub/sub tail and the periodic tick.
package analytics

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/logger"
)

// Beater receives liveness ticks; satisfied by the supervisor registry.
type Beater interface {
	Beat(name string)
	SetState(name, state string)
}

// Worker is one analytics loop. Streams are read through the named consumer
// group so restarts do not reprocess and instances partition work; Channels
// are pub/sub tails for state that only needs the latest value.
type Worker struct {
	Name      string
	Group     string
	Streams   []string
	Channels  []string
	TickEvery time.Duration

	// OnMessage handles one stream or pub/sub message. Errors are logged,
	// counted and acked; the loop continues.
	OnMessage func(ctx context.Context, m broker.Message) error
	// OnTick fires every TickEvery when set.
	OnTick func(ctx context.Context, now time.Time) error
}

// Run drives the worker until ctx is done. Stream reads block for readBlock
// (1 s by default) and a liveness heartbeat lands in KV with a 10 s TTL.
func Run(ctx context.Context, brk broker.Broker, w *Worker, readBlock time.Duration, beater Beater) error {
	log := logger.GetLogger().WithComponent("analytics").WithFields(logger.Fields{"worker": w.Name})
	if readBlock <= 0 {
		readBlock = time.Second
	}
	consumer := w.Name + "-" + uuid.NewString()[:8]

	for _, st := range w.Streams {
		if err := brk.EnsureGroup(ctx, st, w.Group); err != nil {
			return err
		}
	}

	var pubsub <-chan broker.Message
	if len(w.Channels) > 0 {
		ch, stop, err := brk.Subscribe(ctx, w.Channels...)
		if err != nil {
			return err
		}
		defer stop()
		pubsub = ch
	}

	beater.SetState(w.Name, "running")
	var nextTick time.Time
	if w.TickEvery > 0 {
		nextTick = time.Now().Add(w.TickEvery)
	}
	lastBeat := time.Time{}

	handle := func(m broker.Message) {
		if err := w.OnMessage(ctx, m); err != nil {
			metrics.IncDroppedFrame(w.Name)
			log.WithError(err).Warn("unhandled message")
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := time.Now(); now.Sub(lastBeat) >= 2*time.Second {
			hb := broker.Record{Kind: "hb", Payload: []byte(strconv.FormatInt(now.UnixMilli(), 10))}
			_ = brk.KVSet(ctx, broker.KeyWorkerHeartbeat(w.Name), hb, 10*time.Second)
			beater.Beat(w.Name)
			lastBeat = now
		}

		// Drain whatever the pub/sub tail buffered.
		for pubsub != nil {
			select {
			case m, ok := <-pubsub:
				if !ok {
					pubsub = nil
					continue
				}
				handle(m)
				continue
			default:
			}
			break
		}

		block := readBlock
		if w.TickEvery > 0 {
			if until := time.Until(nextTick); until < block {
				block = until
			}
		}

		if len(w.Streams) > 0 {
			if block > 0 {
				msgs, err := brk.ReadGroup(ctx, w.Group, consumer, w.Streams, block, 100)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.WithError(err).Warn("group read failed, retrying")
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				for _, m := range msgs {
					handle(m)
					_ = brk.Ack(ctx, m.Stream, w.Group, m.ID)
				}
			}
		} else if block > 0 {
			// No streams: wait on the pub/sub tail or the tick.
			select {
			case <-ctx.Done():
				return nil
			case m, ok := <-pubsub:
				if ok {
					handle(m)
				} else {
					pubsub = nil
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(block):
					}
				}
			case <-time.After(block):
			}
		}

		if w.TickEvery > 0 && !time.Now().Before(nextTick) {
			if err := w.OnTick(ctx, time.Now()); err != nil {
				log.WithError(err).Warn("tick failed")
			}
			nextTick = nextTick.Add(w.TickEvery)
			if nextTick.Before(time.Now()) {
				nextTick = time.Now().Add(w.TickEvery)
			}
		}
	}
}
