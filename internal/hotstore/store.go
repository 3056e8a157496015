// Package hotstore folds the raw streams into the authoritative in-process
// DOM table and fans current state out through broker KV and pub/sub.
package hotstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"orderflow/config"
	"orderflow/internal/book"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
	"orderflow/logger"
)

const (
	group        = "hotstore"
	taskName     = "hotstore"
	dedupeWindow = 8192
)

// Instrument identifies one (exchange, symbol) pair the store follows.
type Instrument struct {
	Exchange string
	Symbol   string
}

type Beater interface {
	Beat(name string)
	SetState(name, state string)
}

type Store struct {
	brk         broker.Broker
	cfg         config.BrokerConfig
	topLevels   int
	instruments []Instrument
	consumer    string
	beater      Beater
	log         *logger.Entry

	books map[string]*book.Book

	mu     sync.RWMutex
	doms   map[string]models.DOM
	trades map[string][]models.Trade
	seen   map[string]*tradeDedupe
}

func New(brk broker.Broker, cfg config.BrokerConfig, topLevels int, instruments []Instrument, beater Beater) *Store {
	return &Store{
		brk:         brk,
		cfg:         cfg,
		topLevels:   topLevels,
		instruments: instruments,
		consumer:    "hotstore-" + uuid.NewString()[:8],
		beater:      beater,
		log:         logger.GetLogger().WithComponent("hotstore"),
		books:       make(map[string]*book.Book),
		doms:        make(map[string]models.DOM),
		trades:      make(map[string][]models.Trade),
		seen:        make(map[string]*tradeDedupe),
	}
}

func (s *Store) Name() string { return taskName }

// GetDOM is the gateway's bootstrap read view.
func (s *Store) GetDOM(exchange, symbol string) (models.DOM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dom, ok := s.doms[exchange+":"+symbol]
	return dom, ok
}

// RecentTrades returns up to n trades, newest first.
func (s *Store) RecentTrades(exchange, symbol string, n int) []models.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.trades[exchange+":"+symbol]
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]models.Trade, n)
	for i := 0; i < n; i++ {
		out[i] = all[len(all)-1-i]
	}
	return out
}

// Run consumes the raw dom/trades/kline/oi/liq streams through the
// consumer group until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	streams := s.streamNames()
	for _, st := range streams {
		if err := s.brk.EnsureGroup(ctx, st, group); err != nil {
			return err
		}
	}
	s.beater.SetState(taskName, "running")

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.heartbeat(ctx)
		msgs, err := s.brk.ReadGroup(ctx, group, s.consumer, streams, s.cfg.ReadBlock.Std(), 100)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("group read failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			if err := s.handle(ctx, m); err != nil {
				metrics.IncDroppedFrame("hotstore")
				s.log.WithError(err).WithFields(logger.Fields{"stream": m.Stream}).Warn("unhandled message")
			}
			_ = s.brk.Ack(ctx, m.Stream, group, m.ID)
		}
		s.beater.Beat(taskName)
	}
}

func (s *Store) handle(ctx context.Context, m broker.Message) error {
	switch m.Record.Kind {
	case "snapshot", "delta":
		var u models.BookUpdate
		if err := json.Unmarshal(m.Record.Payload, &u); err != nil {
			return err
		}
		return s.applyBook(ctx, &u)
	case "trade":
		var t models.Trade
		if err := json.Unmarshal(m.Record.Payload, &t); err != nil {
			return err
		}
		return s.applyTrade(ctx, &t)
	case "kline", "open_interest", "liquidation":
		// Validated upstream; forward to the mirroring pub/sub channel.
		return s.brk.Publish(ctx, m.Stream, m.Record)
	default:
		return errUnknownKind(m.Record.Kind)
	}
}

// applyBook trusts ingestor ordering: the update-id chain was validated
// before the record hit the stream.
func (s *Store) applyBook(ctx context.Context, u *models.BookUpdate) error {
	key := u.Exchange + ":" + u.Symbol
	bk, ok := s.books[key]
	if ok && bk == nil && u.Type != "snapshot" {
		// Book dropped after a crossed delta; deltas wait for a snapshot.
		return nil
	}
	if bk == nil {
		bk = book.New()
		s.books[key] = bk
	}
	if u.Type == "snapshot" {
		bk.ApplySnapshot(u)
	} else if err := bk.ApplyDelta(u); err != nil {
		// A crossed book here means a damaged stream; drop current state
		// and wait for the ingestor's next snapshot.
		s.books[key] = nil
		return err
	}

	dom := bk.Snapshot(s.topLevels)
	s.mu.Lock()
	s.doms[key] = dom
	s.mu.Unlock()

	payload, err := json.Marshal(dom)
	if err != nil {
		return err
	}
	rec := broker.Record{Kind: "dom", Payload: payload}
	if err := s.brk.KVSet(ctx, broker.KeyDOM(u.Exchange, u.Symbol), rec, s.cfg.DOMTTL.Std()); err != nil {
		return err
	}
	return s.brk.Publish(ctx, broker.StreamDOM(u.Exchange, u.Symbol), rec)
}

func (s *Store) applyTrade(ctx context.Context, t *models.Trade) error {
	key := t.Exchange + ":" + t.Symbol
	s.mu.Lock()
	dd, ok := s.seen[key]
	if !ok {
		dd = newTradeDedupe(dedupeWindow)
		s.seen[key] = dd
	}
	if !dd.add(t.TradeID) {
		// Redelivered or duplicate id; consumers see each id once.
		s.mu.Unlock()
		return nil
	}
	list := append(s.trades[key], *t)
	if max := int(s.cfg.TradesMaxLen); max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	s.trades[key] = list
	s.mu.Unlock()

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.brk.Publish(ctx, broker.StreamTrades(t.Exchange, t.Symbol), broker.Record{Kind: "trade", Payload: payload})
}

func (s *Store) heartbeat(ctx context.Context) {
	rec := broker.Record{Kind: "hb", Payload: []byte(strconv.FormatInt(time.Now().UnixMilli(), 10))}
	_ = s.brk.KVSet(ctx, broker.KeyWorkerHeartbeat(taskName), rec, 10*time.Second)
}

func (s *Store) streamNames() []string {
	var out []string
	for _, in := range s.instruments {
		out = append(out,
			broker.StreamDOM(in.Exchange, in.Symbol),
			broker.StreamTrades(in.Exchange, in.Symbol),
			broker.StreamKline(in.Exchange, in.Symbol),
			broker.StreamOI(in.Exchange, in.Symbol),
			broker.StreamLiq(in.Exchange, in.Symbol),
		)
	}
	return out
}

type errUnknownKind string

func (e errUnknownKind) Error() string { return "unknown record kind " + string(e) }

// tradeDedupe is a fixed-size id window: membership test plus FIFO eviction.
type tradeDedupe struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newTradeDedupe(size int) *tradeDedupe {
	return &tradeDedupe{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add returns false when the id was already present.
func (d *tradeDedupe) add(id string) bool {
	if _, dup := d.ids[id]; dup {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.ids[id] = struct{}{}
	return true
}
