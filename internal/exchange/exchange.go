// Package exchange defines the venue adapter contract: each venue package
// translates its wire protocol into the canonical event model and owns URL
// construction, subscription framing, heartbeats and reconnection.
package exchange

import (
	"context"
	"strconv"

	"orderflow/internal/channel"
	"orderflow/internal/models"
)

// Feed names one market-data subscription of an instrument.
type Feed string

const (
	FeedOrderbook    Feed = "orderbook"
	FeedTrades       Feed = "trades"
	FeedKline        Feed = "kline"
	FeedOpenInterest Feed = "open_interest"
	FeedLiquidations Feed = "liquidations"
)

// ParseFeeds maps config strings onto feeds, ignoring unknown names.
func ParseFeeds(names []string) []Feed {
	var out []Feed
	for _, n := range names {
		switch Feed(n) {
		case FeedOrderbook, FeedTrades, FeedKline, FeedOpenInterest, FeedLiquidations:
			out = append(out, Feed(n))
		}
	}
	return out
}

// HasFeed reports whether fs contains f.
func HasFeed(fs []Feed, f Feed) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Adapter is one venue. Subscribe returns the event channel owned by the
// adapter; it reconnects internally with jittered exponential backoff and
// keeps emitting until ctx is done. FetchSnapshot issues the venue REST
// book request with the recommended depth.
type Adapter interface {
	Name() string

	// Subscribe opens the venue stream for one canonical symbol. Book
	// events preserve venue order; other feeds may drop under pressure.
	Subscribe(ctx context.Context, symbol string, feeds []Feed) (*channel.Events, error)

	// FetchSnapshot fetches a REST book snapshot carrying the venue
	// update id. Venues without a sequenced REST book return their
	// snapshot in-stream instead; see SupportsRESTSync.
	FetchSnapshot(ctx context.Context, symbol string, depth int) (*models.BookUpdate, error)

	// SupportsRESTSync reports whether the REST snapshot participates in
	// the buffered-delta seam protocol. When false the ingestor resyncs
	// by resubscribing and waiting for the in-stream snapshot.
	SupportsRESTSync() bool
}

// ParseLevels converts the venue [["price","size"], ...] string-array form.
// Malformed entries are skipped.
func ParseLevels(raw [][]string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, e := range raw {
		if len(e) < 2 {
			continue
		}
		p, err1 := strconv.ParseFloat(e[0], 64)
		s, err2 := strconv.ParseFloat(e[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.PriceLevel{Price: p, Size: s})
	}
	return out
}
