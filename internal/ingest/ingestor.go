// Package ingest runs one state machine per (exchange, symbol) order-book
// feed: snapshot sync, buffered-delta seam, live apply with gap detection
// and resnapshot.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jpillora/backoff"

	"orderflow/config"
	"orderflow/internal/book"
	"orderflow/internal/broker"
	"orderflow/internal/channel"
	"orderflow/internal/errs"
	"orderflow/internal/exchange"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
	"orderflow/logger"
)

// State names the machine states surfaced in health reports.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateAwaitSnap    State = "await_snap"
	StateLive         State = "live"
)

// errResync restarts the sync protocol on the current stream.
var errResync = errors.New("resync required")

// Status is the externally visible ingestor condition.
type Status struct {
	State       State
	LastEventTs int64
	Resnapshots int64
	Unstable    bool
}

// Beater receives task liveness ticks; satisfied by the supervisor registry.
type Beater interface {
	Beat(name string)
	SetState(name, state string)
}

type Ingestor struct {
	adapter  exchange.Adapter
	brk      broker.Broker
	cfg      config.IngestConfig
	brokerCf config.BrokerConfig
	symbol   string
	feeds    []exchange.Feed
	taskName string
	beater   Beater
	log      *logger.Entry

	bk *book.Book

	mu          sync.Mutex
	status      Status
	resnapTimes []time.Time
}

func New(adapter exchange.Adapter, brk broker.Broker, cfg config.IngestConfig, brokerCfg config.BrokerConfig, symbol string, feeds []exchange.Feed, beater Beater) *Ingestor {
	name := "ingestor:" + adapter.Name() + ":" + symbol
	return &Ingestor{
		adapter:  adapter,
		brk:      brk,
		cfg:      cfg,
		brokerCf: brokerCfg,
		symbol:   symbol,
		feeds:    feeds,
		taskName: name,
		beater:   beater,
		log: logger.GetLogger().WithComponent("ingestor").WithFields(logger.Fields{
			"exchange": adapter.Name(),
			"symbol":   symbol,
		}),
		bk: book.New(),
	}
}

func (i *Ingestor) Name() string { return i.taskName }

func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Run blocks until ctx is cancelled or snapshot retries are exhausted.
func (i *Ingestor) Run(ctx context.Context) error {
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	for {
		if ctx.Err() != nil {
			return nil
		}
		i.setState(StateDisconnected)

		subCtx, cancel := context.WithCancel(ctx)
		events, err := i.adapter.Subscribe(subCtx, i.symbol, i.feeds)
		if err != nil {
			cancel()
			return err
		}
		i.setState(StateConnected)
		bo.Reset()

		err = i.session(subCtx, events)
		cancel()
		drain(events)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && errs.IsKind(err, errs.KindTransport) {
			// Snapshot retries exhausted; escalate to the supervisor.
			return err
		}
		i.log.WithError(err).Warn("session ended, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.Duration()):
		}
	}
}

// session drives one subscription until it needs a fresh one.
func (i *Ingestor) session(ctx context.Context, events *channel.Events) error {
	for {
		var err error
		if i.adapter.SupportsRESTSync() {
			err = i.syncViaREST(ctx, events)
		} else {
			err = i.awaitStreamSnapshot(ctx, events)
		}
		if err == errResync {
			i.noteResnapshot()
			continue
		}
		if err != nil {
			return err
		}

		err = i.live(ctx, events)
		if err == errResync {
			i.noteResnapshot()
			if !i.adapter.SupportsRESTSync() {
				// This venue resyncs by resubscribing.
				return errs.New(errs.KindSequenceGap, "resubscribe for fresh snapshot")
			}
			continue
		}
		return err
	}
}

// syncViaREST implements the buffered-delta seam: subscribe first, buffer
// every delta, fetch the REST snapshot, drop stale deltas and verify the
// first kept delta bridges the snapshot id.
func (i *Ingestor) syncViaREST(ctx context.Context, events *channel.Events) error {
	i.setState(StateAwaitSnap)

	snap, err := i.fetchSnapshotRetry(ctx)
	if err != nil {
		return err
	}

	var buffered []*models.BookUpdate
	collect := func(ev models.MarketEvent) *models.BookUpdate {
		switch ev.Kind {
		case models.KindDelta:
			buffered = append(buffered, ev.Book)
		case models.KindSnapshot:
			// The venue pushed its own snapshot mid-sync; it supersedes
			// the REST one.
			return ev.Book
		default:
			i.forwardSideEvent(ctx, ev)
		}
		return nil
	}

	// Drain deltas already queued behind the snapshot response, then wait
	// until the buffer covers the seam.
	deadline := time.NewTimer(i.cfg.SnapshotTimeout.Std())
	defer deadline.Stop()
	for len(buffered) == 0 || buffered[len(buffered)-1].UpdateID <= snap.UpdateID {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errResync
		case ev, ok := <-events.C:
			if !ok {
				return errs.New(errs.KindDisconnect, "stream closed during sync")
			}
			if ws := collect(ev); ws != nil {
				i.applySnapshot(ctx, ws)
				return nil
			}
		}
	}

	// Drop buffered deltas at or before the snapshot.
	kept := buffered[:0]
	for _, d := range buffered {
		if d.UpdateID > snap.UpdateID {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return errResync
	}
	// Seam check: the first kept delta must straddle snapshot_id + 1.
	if kept[0].PrevUpdateID > snap.UpdateID {
		i.log.WithFields(logger.Fields{
			"snapshot_id": snap.UpdateID,
			"first_prev":  kept[0].PrevUpdateID,
		}).Warn("buffered deltas do not reach back to snapshot, resyncing")
		return errResync
	}

	i.applySnapshot(ctx, snap)
	for idx, d := range kept {
		// Only the first buffered delta may straddle the snapshot id;
		// the rest must chain normally.
		if err := i.applyDelta(ctx, d, idx == 0); err != nil {
			return errResync
		}
	}
	return nil
}

// awaitStreamSnapshot waits for the venue's in-stream snapshot, forwarding
// side events meanwhile.
func (i *Ingestor) awaitStreamSnapshot(ctx context.Context, events *channel.Events) error {
	i.setState(StateAwaitSnap)
	deadline := time.NewTimer(i.cfg.SnapshotTimeout.Std())
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errs.New(errs.KindDisconnect, "no snapshot within %s", i.cfg.SnapshotTimeout.Std())
		case ev, ok := <-events.C:
			if !ok {
				return errs.New(errs.KindDisconnect, "stream closed before snapshot")
			}
			switch ev.Kind {
			case models.KindSnapshot:
				i.applySnapshot(ctx, ev.Book)
				return nil
			case models.KindDelta:
				// Pre-snapshot deltas are unusable on this venue.
			default:
				i.forwardSideEvent(ctx, ev)
			}
		}
	}
}

// live applies deltas until a gap, invariant violation or stream end.
func (i *Ingestor) live(ctx context.Context, events *channel.Events) error {
	i.setState(StateLive)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events.C:
			if !ok {
				return errs.New(errs.KindDisconnect, "stream closed")
			}
			i.beater.Beat(i.taskName)
			switch ev.Kind {
			case models.KindSnapshot:
				// Authoritative venue reset.
				i.applySnapshot(ctx, ev.Book)
			case models.KindDelta:
				if err := i.applyDelta(ctx, ev.Book, false); err != nil {
					return errResync
				}
			default:
				i.forwardSideEvent(ctx, ev)
			}
		}
	}
}

func (i *Ingestor) applySnapshot(ctx context.Context, u *models.BookUpdate) {
	i.bk.ApplySnapshot(u)
	i.publishBook(ctx, "snapshot", u)
	i.markEvent(u.Ts)
	i.setState(StateLive)
}

// applyDelta validates continuity, applies and publishes. seamPhase skips
// the continuity check for the first buffered delta straddling a snapshot.
func (i *Ingestor) applyDelta(ctx context.Context, u *models.BookUpdate, seamPhase bool) error {
	last := i.bk.LastUpdateID()
	if !seamPhase && u.PrevUpdateID != last {
		metrics.IncSequenceGap(u.Exchange, u.Symbol)
		i.log.WithFields(logger.Fields{
			"last_applied": last,
			"delta_prev":   u.PrevUpdateID,
			"delta_id":     u.UpdateID,
		}).Warn("sequence gap, resnapshotting")
		return errs.New(errs.KindSequenceGap, "prev %d != last %d", u.PrevUpdateID, last)
	}
	if seamPhase && u.UpdateID <= last {
		return nil
	}
	if err := i.bk.ApplyDelta(u); err != nil {
		i.log.WithError(err).WithFields(logger.Fields{"delta_id": u.UpdateID}).Error("book invariant violated, resnapshotting")
		return err
	}
	i.publishBook(ctx, "delta", u)
	i.markEvent(u.Ts)
	return nil
}

// publishBook appends the validated update to the raw DOM stream.
// Snapshots are truncated to the configured top-N before they hit the wire.
func (i *Ingestor) publishBook(ctx context.Context, kind string, u *models.BookUpdate) {
	out := u
	if kind == "snapshot" {
		dom := i.bk.Snapshot(i.cfg.TopLevels)
		out = &models.BookUpdate{
			Exchange: u.Exchange, Symbol: u.Symbol, Type: "snapshot",
			Ts: u.Ts, Bids: dom.Bids, Asks: dom.Asks, UpdateID: u.UpdateID,
		}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return
	}
	i.appendWithRetry(ctx, broker.StreamDOM(u.Exchange, u.Symbol), broker.Record{Kind: kind, Payload: payload}, i.brokerCf.StreamMaxLen)
	bids, asks := i.bk.Depth()
	metrics.SetBookDepth(u.Exchange, u.Symbol, bids, asks)
}

// forwardSideEvent appends trades/klines/OI/liquidations to their streams,
// independent of book state.
func (i *Ingestor) forwardSideEvent(ctx context.Context, ev models.MarketEvent) {
	var (
		stream string
		kind   string
		v      any
		maxLen = i.brokerCf.StreamMaxLen
	)
	switch ev.Kind {
	case models.KindTrade:
		stream, kind, v = broker.StreamTrades(ev.Trade.Exchange, ev.Trade.Symbol), "trade", ev.Trade
		maxLen = i.brokerCf.TradesMaxLen
		i.markEvent(ev.Trade.Ts)
	case models.KindKline:
		stream, kind, v = broker.StreamKline(ev.Kline.Exchange, ev.Kline.Symbol), "kline", ev.Kline
	case models.KindOpenInterest:
		stream, kind, v = broker.StreamOI(ev.OpenInterest.Exchange, ev.OpenInterest.Symbol), "open_interest", ev.OpenInterest
	case models.KindLiquidation:
		stream, kind, v = broker.StreamLiq(ev.Liquidation.Exchange, ev.Liquidation.Symbol), "liquidation", ev.Liquidation
	default:
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	i.appendWithRetry(ctx, stream, broker.Record{Kind: kind, Payload: payload}, maxLen)
}

// appendWithRetry retries transient broker failures with short backoff and
// drops the record after the attempts are spent.
func (i *Ingestor) appendWithRetry(ctx context.Context, stream string, rec broker.Record, maxLen int64) {
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := i.brk.StreamAppend(ctx, stream, rec, maxLen); err == nil {
			return
		} else if !errs.IsKind(err, errs.KindTransport) {
			i.log.WithError(err).Error("stream append rejected")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	metrics.IncDroppedFrame("ingestor_append")
	i.log.WithFields(logger.Fields{"stream": stream}).Error("broker unreachable, record dropped")
}

// fetchSnapshotRetry issues the REST snapshot with bounded retries. Deltas
// arriving during the request queue in the adapter channel and are drained
// by syncViaREST once the snapshot lands.
func (i *Ingestor) fetchSnapshotRetry(ctx context.Context) (*models.BookUpdate, error) {
	var lastErr error
	delay := time.Second
	for attempt := 0; attempt < i.cfg.SnapshotRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, i.cfg.SnapshotTimeout.Std())
		snap, err := i.adapter.FetchSnapshot(reqCtx, i.symbol, i.cfg.BookDepth)
		cancel()
		if err == nil {
			return snap, nil
		}
		lastErr = err
		i.log.WithError(err).WithFields(logger.Fields{"attempt": attempt + 1}).Warn("snapshot fetch failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
	return nil, errs.Wrap(errs.KindTransport, lastErr, "snapshot retries exhausted")
}

func (i *Ingestor) noteResnapshot() {
	metrics.IncResnapshot(i.adapter.Name(), i.symbol)
	now := time.Now()
	i.mu.Lock()
	i.status.Resnapshots++
	cutoff := now.Add(-time.Minute)
	times := i.resnapTimes[:0]
	for _, t := range i.resnapTimes {
		if t.After(cutoff) {
			times = append(times, t)
		}
	}
	i.resnapTimes = append(times, now)
	i.status.Unstable = len(i.resnapTimes) > i.cfg.MaxResnapshotsPerM
	unstable := i.status.Unstable
	i.mu.Unlock()
	if unstable {
		i.log.Warn("venue unstable: resnapshot rate above threshold")
	}
}

func (i *Ingestor) setState(s State) {
	i.mu.Lock()
	i.status.State = s
	i.mu.Unlock()
	i.beater.SetState(i.taskName, string(s))
}

func (i *Ingestor) markEvent(ts int64) {
	i.mu.Lock()
	if ts > i.status.LastEventTs {
		i.status.LastEventTs = ts
	}
	i.mu.Unlock()
}

func drain(events *channel.Events) {
	for {
		select {
		case _, ok := <-events.C:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
