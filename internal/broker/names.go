package broker

// Canonical stream, channel and key names. Pub/sub channels mirror stream
// names; KV keys reuse the dom prefix for the latest snapshot.

func StreamDOM(ex, sym string) string { return "dom:" + ex + ":" + sym }
func StreamTrades(ex, sym string) string { return "trades:" + ex + ":" + sym }
func StreamKline(ex, sym string) string { return "kline:" + ex + ":" + sym }
func StreamOI(ex, sym string) string { return "oi:" + ex + ":" + sym }
func StreamLiq(ex, sym string) string { return "liq:" + ex + ":" + sym }
func StreamHeatmap(ex, sym string) string { return "heatmap:" + ex + ":" + sym }
func StreamFootprint(ex, sym string) string { return "footprint:" + ex + ":" + sym }
func StreamEvents(ex, sym string) string { return "events:" + ex + ":" + sym }
func StreamTape(ex, sym string) string { return "tape:" + ex + ":" + sym }

func StreamScoresTrend(ex, sym string) string { return "scores.trend:" + ex + ":" + sym }
func StreamScoresExhaustion(ex, sym string) string { return "scores.exhaustion:" + ex + ":" + sym }
func StreamSignalsReversal(ex, sym string) string { return "signals.rule_reversal:" + ex + ":" + sym }

func KeyDOM(ex, sym string) string { return "dom:" + ex + ":" + sym }

func KeyWorkerHeartbeat(name string) string { return "worker:" + name + ":hb" }
