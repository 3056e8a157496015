// Package okx streams the v5 public websocket. The venue delivers its book
// snapshot in-stream on subscribe, so resyncs are driven by resubscribing
// rather than by the REST seam protocol.
package okx

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
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

const Name = "okx"

const pingInterval = 20 * time.Second

type Reader struct {
	cfg         config.ExchangeConfig
	buffer      int
	idleTimeout time.Duration
	log         *logger.Log
	client      *http.Client
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
	return &Reader{
		cfg:         cfg,
		buffer:      eventBuffer,
		idleTimeout: idleTimeout,
		log:         logger.GetLogger(),
		client:      &http.Client{Timeout: restTimeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *Reader) Name() string { return Name }

func (r *Reader) SupportsRESTSync() bool { return false }

func (r *Reader) Subscribe(ctx context.Context, symbol string, feeds []exchange.Feed) (*channel.Events, error) {
	sub, err := subscribeFrame(symbol, feeds)
	if err != nil {
		return nil, err
	}
	events := channel.NewEvents(r.buffer)
	go r.stream(ctx, symbol, sub, events)
	return events, nil
}

func (r *Reader) stream(ctx context.Context, symbol string, sub []byte, events *channel.Events) {
	defer events.Close()
	log := r.log.WithComponent("okx_reader").WithFields(logger.Fields{"symbol": symbol})
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.WSURL, nil)
		if err != nil {
			log.WithError(err).Warn("dial failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.Duration()):
			}
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
			_ = conn.Close()
			continue
		}
		log.Info("okx stream connected")
		bo.Reset()

		stopPing := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					_ = conn.Close()
					return
				case <-stopPing:
					return
				case <-ticker.C:
					// Venue expects a literal "ping" text frame.
					if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
						return
					}
				}
			}
		}()

		r.readLoop(ctx, conn, symbol, events, log)
		close(stopPing)
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
				metrics.IncDroppedFrame("okx_reader")
			}
		}
	}
}

type restBooks struct {
	Code string `json:"code"`
	Data []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		Ts   string     `json:"ts"`
	} `json:"data"`
}

// FetchSnapshot serves warm-up reads. The REST book carries no sequence id,
// which is why SupportsRESTSync is false; UpdateID is the book timestamp.
func (r *Reader) FetchSnapshot(ctx context.Context, symbol string, depth int) (*models.BookUpdate, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "okx rate limit")
	}
	q := url.Values{}
	q.Set("instId", InstID(symbol))
	q.Set("sz", strconv.Itoa(depth))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.RestURL+"/api/v5/market/books?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "okx snapshot request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "okx snapshot")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "okx snapshot body")
	}
	var out restBooks
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Wrap(errs.KindProtocol, err, "okx snapshot decode")
	}
	if out.Code != "0" || len(out.Data) == 0 {
		return nil, errs.New(errs.KindProtocol, "okx snapshot code %s", out.Code)
	}
	d := out.Data[0]
	ts := parseI(d.Ts)
	return &models.BookUpdate{
		Exchange: Name,
		Symbol:   symbol,
		Type:     "snapshot",
		Ts:       ts,
		Bids:     exchange.ParseLevels(d.Bids),
		Asks:     exchange.ParseLevels(d.Asks),
		UpdateID: ts,
	}, nil
}

func subscribeFrame(symbol string, feeds []exchange.Feed) ([]byte, error) {
	instID := InstID(symbol)
	var args []map[string]string
	for _, f := range feeds {
		switch f {
		case exchange.FeedOrderbook:
			args = append(args, map[string]string{"channel": "books", "instId": instID})
		case exchange.FeedTrades:
			args = append(args, map[string]string{"channel": "trades", "instId": instID})
		case exchange.FeedKline:
			args = append(args, map[string]string{"channel": "candle1m", "instId": instID})
		case exchange.FeedOpenInterest:
			args = append(args, map[string]string{"channel": "open-interest", "instId": instID})
		case exchange.FeedLiquidations:
			args = append(args, map[string]string{"channel": "liquidation-orders", "instId": instID})
		}
	}
	if len(args) == 0 {
		return nil, errs.New(errs.KindConfiguration, "okx: no feeds for %s", symbol)
	}
	return json.Marshal(map[string]any{"op": "subscribe", "args": args})
}
