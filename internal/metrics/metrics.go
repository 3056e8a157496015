// Registers:
//
//	#orderflow_protocol_errors_total
//	#orderflow_sequence_gaps_total
//	#orderflow_resnapshots_total
//	#orderflow_dropped_frames_total
//	#orderflow_late_trades_total
//	#orderflow_queue_drops_total
//	#orderflow_events_emitted_total
//	#orderflow_book_depth_levels
//	#orderflow_task_state
//	#go_* and process_* system metrics
//
// Exposed through Handler() on the gateway mux at /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	protocolErrors *prometheus.CounterVec
	sequenceGaps   *prometheus.CounterVec
	resnapshots    *prometheus.CounterVec
	droppedFrames  *prometheus.CounterVec
	lateTrades     *prometheus.CounterVec
	queueDrops     *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	bookDepth      *prometheus.GaugeVec
	taskState      *prometheus.GaugeVec

	registry *prometheus.Registry
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		protocolErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_protocol_errors_total",
				Help: "Malformed wire frames dropped",
			},
			[]string{"exchange", "symbol"},
		)
		sequenceGaps = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_sequence_gaps_total",
				Help: "Order book update-id discontinuities",
			},
			[]string{"exchange", "symbol"},
		)
		resnapshots = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_resnapshots_total",
				Help: "Snapshot resynchronizations",
			},
			[]string{"exchange", "symbol"},
		)
		droppedFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_dropped_frames_total",
				Help: "Frames dropped on full channels or queues",
			},
			[]string{"component"},
		)
		lateTrades = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_late_trades_total",
				Help: "Trades arriving after their footprint bar closed",
			},
			[]string{"exchange", "symbol"},
		)
		queueDrops = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_queue_drops_total",
				Help: "Gateway client queue messages dropped under backpressure",
			},
			[]string{"client"},
		)
		eventsEmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderflow_events_emitted_total",
				Help: "Detector events emitted",
			},
			[]string{"type", "exchange", "symbol"},
		)
		bookDepth = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderflow_book_depth_levels",
				Help: "Live order book depth per side",
			},
			[]string{"exchange", "symbol", "side"},
		)
		taskState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderflow_task_state",
				Help: "Supervised task state (0 stopped, 1 running, 2 backoff, 3 parked)",
			},
			[]string{"task"},
		)

		registry.MustRegister(
			protocolErrors, sequenceGaps, resnapshots, droppedFrames,
			lateTrades, queueDrops, eventsEmitted, bookDepth, taskState,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry; mounted on the gateway mux.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncProtocolError(exchange, symbol string) {
	if protocolErrors != nil {
		protocolErrors.WithLabelValues(exchange, symbol).Inc()
	}
}

func IncSequenceGap(exchange, symbol string) {
	if sequenceGaps != nil {
		sequenceGaps.WithLabelValues(exchange, symbol).Inc()
	}
}

func IncResnapshot(exchange, symbol string) {
	if resnapshots != nil {
		resnapshots.WithLabelValues(exchange, symbol).Inc()
	}
}

func IncDroppedFrame(component string) {
	if droppedFrames != nil {
		droppedFrames.WithLabelValues(component).Inc()
	}
}

func IncLateTrade(exchange, symbol string) {
	if lateTrades != nil {
		lateTrades.WithLabelValues(exchange, symbol).Inc()
	}
}

func IncQueueDrop(client string) {
	if queueDrops != nil {
		queueDrops.WithLabelValues(client).Inc()
	}
}

func IncEventEmitted(eventType, exchange, symbol string) {
	if eventsEmitted != nil {
		eventsEmitted.WithLabelValues(eventType, exchange, symbol).Inc()
	}
}

func SetBookDepth(exchange, symbol string, bids, asks int) {
	if bookDepth != nil {
		bookDepth.WithLabelValues(exchange, symbol, "bid").Set(float64(bids))
		bookDepth.WithLabelValues(exchange, symbol, "ask").Set(float64(asks))
	}
}

func SetTaskState(task string, state int) {
	if taskState != nil {
		taskState.WithLabelValues(task).Set(float64(state))
	}
}
