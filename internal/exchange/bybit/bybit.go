// Package bybit streams the v5 public linear feeds and translates them into
// the canonical event model.
package bybit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	bybitws "github.com/bybit-exchange/bybit.go.api"
	"github.com/goccy/go-json"
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

const Name = "bybit"

const idleReconnect = 45 * time.Second

type Reader struct {
	cfg     config.ExchangeConfig
	buffer  int
	log     *logger.Log
	client  *http.Client
	limiter *rate.Limiter
}

func NewReader(cfg config.ExchangeConfig, eventBuffer int, restTimeout time.Duration) *Reader {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Reader{
		cfg:     cfg,
		buffer:  eventBuffer,
		log:     logger.GetLogger(),
		client:  &http.Client{Timeout: restTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *Reader) Name() string { return Name }

func (r *Reader) SupportsRESTSync() bool { return true }

// Subscribe opens one public websocket per symbol: a handler callback plus
// an idle watchdog that forces a reconnect when the venue goes quiet.
func (r *Reader) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (*channel.Events, error) {
	events := channel.NewEvents(r.buffer)
	args := topicsFor(symbol, feeds)
	if len(args) == 0 {
		return nil, errs.New(errs.KindConfiguration, "bybit: no feeds for %s", symbol)
	}
	go r.stream(ctx, symbol, args, events)
	return events, nil
}

func (r *Reader) stream(ctx context.Context, symbol string, args []string, events *channel.Events) {
	// The SDK invokes the handler from its own goroutine, so the event
	// channel is never closed here; consumers stop through ctx instead.
	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{"symbol": symbol})

	var lastMsgMs int64
	updateLast := func() { atomic.StoreInt64(&lastMsgMs, time.Now().UnixMilli()) }

	handler := func(message string) error {
		updateLast()
		evs, err := parseMessage([]byte(message))
		if err != nil {
			metrics.IncProtocolError(Name, symbol)
			log.WithError(err).Warn("dropping malformed frame")
			return nil
		}
		for _, ev := range evs {
			r.forward(ctx, events, ev, log)
		}
		return nil
	}

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}

		updateLast()
		reconnect := make(chan struct{}, 1)

		ws := bybitws.NewBybitPublicWebSocket(r.cfg.WSURL, handler)
		ws.Connect().SendSubscription(args)
		log.Info("bybit stream connected")
		bo.Reset()

		watch := time.NewTicker(15 * time.Second)
		go func() {
			defer watch.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-watch.C:
					if time.Since(time.UnixMilli(atomic.LoadInt64(&lastMsgMs))) > idleReconnect {
						select {
						case reconnect <- struct{}{}:
						default:
						}
						return
					}
				}
			}
		}()

		select {
		case <-ctx.Done():
			ws.Disconnect()
			return
		case <-reconnect:
			ws.Disconnect()
			log.Warn("idle stream, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

// forward pushes one event: book events block to preserve order, the rest
// drop under pressure.
func (r *Reader) forward(ctx context.Context, events *channel.Events, ev models.MarketEvent, log *logger.Entry) {
	if ev.Kind == models.KindSnapshot || ev.Kind == models.KindDelta {
		events.Send(ctx, ev)
		return
	}
	if !events.TrySend(ev) {
		metrics.IncDroppedFrame("bybit_reader")
		log.Debug("event buffer full, dropping")
	}
}

// restOrderbook is the /v5/market/orderbook response envelope.
type restOrderbook struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
		Ts     int64      `json:"ts"`
		U      int64      `json:"u"`
	} `json:"result"`
}

func (r *Reader) FetchSnapshot(ctx context.Context, symbol string, depth int) (*models.BookUpdate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "bybit rate limit")
	}
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("limit", fmt.Sprintf("%d", depth))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.RestURL+"/v5/market/orderbook?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "bybit snapshot request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "bybit snapshot")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "bybit snapshot body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransport, "bybit snapshot status %d", resp.StatusCode)
	}
	var ob restOrderbook
	if err := json.Unmarshal(body, &ob); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "bybit snapshot decode")
	}
	if ob.RetCode != 0 {
		return nil, errs.New(errs.KindProtocol, "bybit snapshot retCode %d: %s", ob.RetCode, ob.RetMsg)
	}
	return &models.BookUpdate{
		Exchange: Name,
		Symbol:   symbol,
		Type:     "snapshot",
		Ts:       ob.Result.Ts,
		Bids:     exchange.ParseLevels(ob.Result.Bids),
		Asks:     exchange.ParseLevels(ob.Result.Asks),
		UpdateID: ob.Result.U,
	}, nil
}

func topicsFor(symbol string, feeds []exchange.Feed) []string {
	var args []string
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderbook:
			args = append(args, fmt.Sprintf("orderbook.200.%s", symbol))
		case exchange.FeedTrades:
			args = append(args, fmt.Sprintf("publicTrade.%s", symbol))
		case exchange.FeedKline:
			args = append(args, fmt.Sprintf("kline.1.%s", symbol))
		case exchange.FeedOpenInterest:
			args = append(args, fmt.Sprintf("tickers.%s", symbol))
		case exchange.FeedLiquidations:
			args = append(args, fmt.Sprintf("allLiquidation.%s", symbol))
		}
	}
	return args
}
