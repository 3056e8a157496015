// Package binance streams the USD-M futures combined streams and fetches
// REST depth snapshots through the exchange SDK.
package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/errs"
	"orderflow/internal/exchange"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
	"orderflow/logger"
)

const Name = "binance"

const oiPollInterval = 15 * time.Second

type Reader struct {
	cfg         config.ExchangeConfig
	buffer      int
	idleTimeout time.Duration
	log         *logger.Log
	rest        *futures.Client
	limiter     *rate.Limiter
}

func NewReader(cfg config.ExchangeConfig, eventBuffer int, restTimeout, idleTimeout time.Duration) *Reader {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	rest := futures.NewClient("", "")
	rest.HTTPClient.Timeout = restTimeout
	if cfg.RestURL != "" {
		rest.BaseURL = cfg.RestURL
	}
	return &Reader{
		cfg:         cfg,
		buffer:      eventBuffer,
		idleTimeout: idleTimeout,
		log:         logger.GetLogger(),
		rest:        rest,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *Reader) Name() string { return Name }

func (r *Reader) SupportsRESTSync() bool { return true }

func (r *Reader) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (*channel.Events, error) {
	streams := streamsFor(symbol, feeds)
	if len(streams) == 0 && !exchange.HasFeed(feeds, exchange.FeedOpenInterest) {
		return nil, errs.New(errs.KindConfiguration, "binance: no feeds for %s", symbol)
	}
	events := channel.NewEvents(r.buffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if len(streams) > 0 {
			r.stream(ctx, symbol, streams, events)
		} else {
			<-ctx.Done()
		}
	}()
	if exchange.HasFeed(feeds, exchange.FeedOpenInterest) {
		// Open interest has no futures stream at delta granularity; poll
		// REST like the venue dashboard does.
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pollOpenInterest(ctx, symbol, events)
		}()
	}
	go func() {
		wg.Wait()
		events.Close()
	}()
	return events, nil
}

func (r *Reader) stream(ctx context.Context, symbol string, streams []string, events *channel.Events) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"symbol": symbol})
	wsURL := r.cfg.WSURL + "?streams=" + strings.Join(streams, "/")
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("dial failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}
		log.Info("binance stream connected")
		bo.Reset()

		closeOnCancel := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-closeOnCancel:
			}
		}()

		r.readLoop(ctx, conn, symbol, events, log)
		close(closeOnCancel)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

func (r *Reader) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, events *channel.Events, log *logger.Entry) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(r.idleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("stream closed, reconnecting")
			}
			return
		}
		evs, err := parseMessage(raw)
		if err != nil {
			metrics.IncProtocolError(Name, symbol)
			log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		for _, ev := range evs {
			if ev.Kind == models.KindDelta || ev.Kind == models.KindSnapshot {
				if !events.Send(ctx, ev) {
					return
				}
			} else if !events.TrySend(ev) {
				metrics.IncDroppedFrame("binance_reader")
			}
		}
	}
}

func (r *Reader) pollOpenInterest(ctx context.Context, symbol string, events *channel.Events) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"symbol": symbol, "worker": "oi_poll"})
	ticker := time.NewTicker(oiPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			res, err := r.rest.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
			if err != nil {
				log.WithError(err).Warn("open interest poll failed")
				continue
			}
			oi, err := strconv.ParseFloat(res.OpenInterest, 64)
			if err != nil {
				metrics.IncProtocolError(Name, symbol)
				continue
			}
			events.TrySend(models.MarketEvent{Kind: models.KindOpenInterest, OpenInterest: &models.OpenInterest{
				Exchange:     Name,
				Symbol:       symbol,
				Ts:           res.Time,
				OpenInterest: oi,
			}})
		}
	}
}

func (r *Reader) FetchSnapshot(ctx context.Context, symbol string, depth int) (*models.BookUpdate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "binance rate limit")
	}
	res, err := r.rest.NewDepthService().Symbol(symbol).Limit(snapLimit(depth)).Do(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "binance snapshot")
	}
	update := &models.BookUpdate{
		Exchange: Name,
		Symbol:   symbol,
		Type:     "snapshot",
		Ts:       time.Now().UnixMilli(),
		UpdateID: res.LastUpdateID,
	}
	for _, b := range res.Bids {
		p, err1 := strconv.ParseFloat(b.Price, 64)
		s, err2 := strconv.ParseFloat(b.Quantity, 64)
		if err1 == nil && err2 == nil {
			update.Bids = append(update.Bids, models.PriceLevel{Price: p, Size: s})
		}
	}
	for _, a := range res.Asks {
		p, err1 := strconv.ParseFloat(a.Price, 64)
		s, err2 := strconv.ParseFloat(a.Quantity, 64)
		if err1 == nil && err2 == nil {
			update.Asks = append(update.Asks, models.PriceLevel{Price: p, Size: s})
		}
	}
	return update, nil
}

// snapLimit maps the requested depth onto a valid venue limit.
func snapLimit(depth int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if depth <= l {
			return l
		}
	}
	return 1000
}

func streamsFor(symbol string, feeds []exchange.Feed) []string {
	sym := strings.ToLower(symbol)
	var out []string
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderbook:
			out = append(out, sym+"@depth@100ms")
		case exchange.FeedTrades:
			out = append(out, sym+"@aggTrade")
		case exchange.FeedKline:
			out = append(out, sym+"@kline_1m")
		case exchange.FeedLiquidations:
			out = append(out, sym+"@forceOrder")
		}
	}
	return out
}
