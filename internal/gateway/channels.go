package gateway

import "orderflow/internal/broker"

// Client-facing channel names and their broker pub/sub sources.
var channelNames = map[string]func(ex, sym string) string{
	"orderbook_realtime":    broker.StreamDOM,
	"trades_realtime":       broker.StreamTrades,
	"kline":                 broker.StreamKline,
	"open_interest":         broker.StreamOI,
	"liquidations":          broker.StreamLiq,
	"heatmap_stream":        broker.StreamHeatmap,
	"footprint_stream":      broker.StreamFootprint,
	"events_stream":         broker.StreamEvents,
	"scores.trend":          broker.StreamScoresTrend,
	"scores.exhaustion":     broker.StreamScoresExhaustion,
	"signals.rule_reversal": broker.StreamSignalsReversal,
	"ai_response":           func(ex, sym string) string { return "ai_response:" + ex + ":" + sym },
}

// resolveChannels maps the requested set onto broker channels. The second
// return lists unknown names.
func resolveChannels(requested []string, ex, sym string) (map[string]string, []string) {
	out := make(map[string]string, len(requested))
	var unknown []string
	for _, name := range requested {
		fn, ok := channelNames[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		out[fn(ex, sym)] = name
	}
	return out, unknown
}
