// Package gateway is the websocket fan-out and REST surface: one
// subscription per client, multiplexed across the broker's pub/sub
// channels with per-client backpressure.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"orderflow/config"
	"orderflow/internal/broker"
	"orderflow/internal/metrics"
	"orderflow/internal/models"
	"orderflow/internal/supervisor"
	"orderflow/logger"
)

const (
	closeBadChannel = 4400
	pongMissLimit   = 2
	writeTimeout    = 10 * time.Second
)

// StateReader is the hot store's bootstrap view.
type StateReader interface {
	GetDOM(exchange, symbol string) (models.DOM, bool)
	RecentTrades(exchange, symbol string, n int) []models.Trade
}

// Server hosts the gin-powered gateway.
type Server struct {
	cfg      config.GatewayConfig
	brk      broker.Broker
	state    StateReader
	reg      *supervisor.Registry
	log      *logger.Entry
	upgrader websocket.Upgrader

	runCtx context.Context
}

func NewServer(cfg config.GatewayConfig, brk broker.Broker, state StateReader, reg *supervisor.Registry) *Server {
	return &Server{
		cfg:   cfg,
		brk:   brk,
		state: state,
		reg:   reg,
		log:   logger.GetLogger().WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Name() string { return "gateway" }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	router := s.router(ctx)

	srv := &http.Server{Addr: s.cfg.Address, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("gateway listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) router(ctx context.Context) *gin.Engine {
	s.runCtx = ctx
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", s.handleWS)
	router.GET("/dom/:exchange/:symbol", s.handleDOM)
	router.GET("/trades/:exchange/:symbol", s.handleTrades)
	router.GET("/kline/:exchange/:symbol", s.handleKline)
	router.GET("/oi/:exchange/:symbol", s.streamHandler(broker.StreamOI, 500))
	router.GET("/liquidations/:exchange/:symbol", s.streamHandler(broker.StreamLiq, 500))
	router.GET("/heatmap/:exchange/:symbol", s.streamHandler(broker.StreamHeatmap, 200))
	router.GET("/footprint/:exchange/:symbol", s.streamHandler(broker.StreamFootprint, 200))
	router.GET("/events/:exchange/:symbol", s.streamHandler(broker.StreamEvents, 200))
	router.GET("/tape/:exchange/:symbol", s.streamHandler(broker.StreamTape, 200))
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	type taskHealth struct {
		Name        string `json:"name"`
		State       string `json:"state"`
		LastHbMsAgo int64  `json:"last_hb_ms_ago"`
	}
	infos := s.reg.Tasks()
	tasks := make([]taskHealth, 0, len(infos))
	now := time.Now()
	for _, t := range infos {
		tasks = append(tasks, taskHealth{
			Name:        t.Name,
			State:       t.State,
			LastHbMsAgo: now.Sub(t.LastBeat).Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": tasks})
}

func (s *Server) handleDOM(c *gin.Context) {
	ex, sym := c.Param("exchange"), c.Param("symbol")
	if dom, ok := s.state.GetDOM(ex, sym); ok {
		c.JSON(http.StatusOK, dom)
		return
	}
	// Fall back to the broker for DOMs owned by another instance.
	rec, ok, err := s.brk.KVGet(c.Request.Context(), broker.KeyDOM(ex, sym))
	if err == nil && ok {
		c.Data(http.StatusOK, "application/json", rec.Payload)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "dom not found"})
}

func (s *Server) handleTrades(c *gin.Context) {
	ex, sym := c.Param("exchange"), c.Param("symbol")
	limit := queryLimit(c, 100, s.cfg.TradesLimit)
	trades := s.state.RecentTrades(ex, sym, limit)
	if trades == nil {
		trades = []models.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleKline(c *gin.Context) {
	ex, sym := c.Param("exchange"), c.Param("symbol")
	limit := queryLimit(c, 200, 1000)
	wantMin := int64(1)
	if v := c.Query("interval"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			wantMin = n
		}
	}
	msgs, err := s.brk.StreamRevRange(c.Request.Context(), broker.StreamKline(ex, sym), int64(limit)*4)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker unavailable"})
		return
	}
	out := make([]models.Kline, 0, limit)
	for _, m := range msgs {
		var k models.Kline
		if err := json.Unmarshal(m.Record.Payload, &k); err != nil {
			continue
		}
		if intervalMinutes(k.Interval) != wantMin {
			continue
		}
		out = append(out, k)
		if len(out) >= limit {
			break
		}
	}
	c.JSON(http.StatusOK, out)
}

// streamHandler serves a newest-first read-back of one derived stream.
func (s *Server) streamHandler(name func(ex, sym string) string, maxLimit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ex, sym := c.Param("exchange"), c.Param("symbol")
		limit := queryLimit(c, 100, maxLimit)
		msgs, err := s.brk.StreamRevRange(c.Request.Context(), name(ex, sym), int64(limit))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "broker unavailable"})
			return
		}
		out := make([]json.RawMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, json.RawMessage(m.Record.Payload))
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleWS(c *gin.Context) {
	ex := c.DefaultQuery("exchange", "bybit")
	sym := c.DefaultQuery("symbol", "BTCUSDT")
	requested := splitChannels(c.DefaultQuery("channels", "orderbook_realtime,trades_realtime"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	chans, unknown := resolveChannels(requested, ex, sym)
	if len(unknown) > 0 {
		msg := websocket.FormatCloseMessage(closeBadChannel, "unknown channels: "+strings.Join(unknown, ","))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	clientID := uuid.NewString()[:8]
	log := s.log.WithFields(logger.Fields{"client": clientID, "exchange": ex, "symbol": sym})

	ctx, cancel := context.WithCancel(s.runCtx)
	defer cancel()

	channelKeys := make([]string, 0, len(chans))
	for k := range chans {
		channelKeys = append(channelKeys, k)
	}
	// Subscribe before the snapshot read so no update is lost on the seam.
	msgs, stop, err := s.brk.Subscribe(ctx, channelKeys...)
	if err != nil {
		log.WithError(err).Error("subscribe failed")
		_ = conn.Close()
		return
	}
	defer stop()

	queue := newSendQueue(s.cfg.SendQueue, s.cfg.LowWater, clientID)
	defer queue.close()

	var snapTs int64
	if _, wantsBook := hasChannel(chans, "orderbook_realtime"); wantsBook {
		if dom, ok := s.bootstrapDOM(ctx, ex, sym); ok {
			snapTs = dom.Ts
			if payload, err := json.Marshal(gin.H{"type": "dom", "data": dom}); err == nil {
				queue.push(frame{isDOM: true, data: payload})
			}
		}
	}

	var missedPongs atomic.Int64
	conn.SetPongHandler(func(string) error {
		missedPongs.Store(0)
		return nil
	})

	go s.writePump(ctx, cancel, conn, queue, &missedPongs, log)
	go s.readPump(cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			name, known := chans[m.Stream]
			if !known {
				continue
			}
			isDOM := name == "orderbook_realtime"
			if isDOM && snapTs > 0 {
				// Drop seam duplicates older than the bootstrap snapshot.
				var dom models.DOM
				if err := json.Unmarshal(m.Record.Payload, &dom); err != nil || dom.Ts <= snapTs {
					continue
				}
			}
			payload, err := json.Marshal(gin.H{"stream": name, "data": json.RawMessage(m.Record.Payload)})
			if err != nil {
				continue
			}
			queue.push(frame{isDOM: isDOM, data: payload})
		}
	}
}

// bootstrapDOM prefers the in-process hot store and falls back to KV.
func (s *Server) bootstrapDOM(ctx context.Context, ex, sym string) (models.DOM, bool) {
	if dom, ok := s.state.GetDOM(ex, sym); ok {
		return dom, true
	}
	rec, ok, err := s.brk.KVGet(ctx, broker.KeyDOM(ex, sym))
	if err != nil || !ok {
		return models.DOM{}, false
	}
	var dom models.DOM
	if err := json.Unmarshal(rec.Payload, &dom); err != nil {
		return models.DOM{}, false
	}
	return dom, true
}

// writePump drains the queue and owns all writes, including pings. Two
// consecutive missed pongs close the connection with 1011.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, queue *sendQueue, missed *atomic.Int64, log *logger.Entry) {
	defer cancel()
	defer conn.Close()

	ping := time.NewTicker(s.cfg.PingInterval.Std())
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if missed.Load() >= pongMissLimit {
				msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "pong timeout")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
				log.Warn("closing unresponsive client")
				return
			}
			missed.Add(1)
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-queue.wake:
			for {
				f, ok := queue.pop()
				if !ok {
					break
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return
				}
			}
		}
	}
}

// readPump consumes client frames (pongs, subscription keep-alives) until
// the connection drops.
func (s *Server) readPump(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func hasChannel(chans map[string]string, name string) (string, bool) {
	for key, n := range chans {
		if n == name {
			return key, true
		}
	}
	return "", false
}

func splitChannels(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func queryLimit(c *gin.Context, def, max int) int {
	limit := def
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

// intervalMinutes normalizes venue interval spellings ("1", "1m", "60") to
// minutes.
func intervalMinutes(s string) int64 {
	s = strings.TrimSuffix(strings.ToLower(s), "m")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
