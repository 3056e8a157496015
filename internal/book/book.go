// Package book maintains one depth-of-market ladder per instrument. Both
// sides are kept as price-sorted slices; every per-delta operation is
// O(log N) search plus slice edit over the live book size.
package book

import (
	"sort"

	"orderflow/internal/errs"
	"orderflow/internal/models"
)

// Book is a single instrument's order book. Not safe for concurrent use; it
// is owned by exactly one goroutine.
type Book struct {
	bids side // descending by price
	asks side // ascending by price

	lastUpdateID int64
	ts           int64
}

type side struct {
	levels []models.PriceLevel
	desc   bool
}

func New() *Book {
	return &Book{bids: side{desc: true}, asks: side{desc: false}}
}

// LastUpdateID reports the update id of the last applied snapshot or delta.
func (b *Book) LastUpdateID() int64 { return b.lastUpdateID }

// Ts reports the timestamp of the last applied update.
func (b *Book) Ts() int64 { return b.ts }

// ApplySnapshot replaces the whole book. Zero-size entries are discarded.
func (b *Book) ApplySnapshot(u *models.BookUpdate) {
	b.bids.levels = b.bids.levels[:0]
	b.asks.levels = b.asks.levels[:0]
	for _, l := range u.Bids {
		if l.Size > 0 {
			b.bids.upsert(l.Price, l.Size)
		}
	}
	for _, l := range u.Asks {
		if l.Size > 0 {
			b.asks.upsert(l.Price, l.Size)
		}
	}
	b.lastUpdateID = u.UpdateID
	b.ts = u.Ts
}

// ApplyDelta applies one incremental update: size 0 removes the level,
// anything else upserts it. The caller has already validated sequence
// continuity; ApplyDelta only checks the resulting book invariants.
func (b *Book) ApplyDelta(u *models.BookUpdate) error {
	for _, l := range u.Bids {
		if l.Size == 0 {
			b.bids.remove(l.Price)
		} else {
			b.bids.upsert(l.Price, l.Size)
		}
	}
	for _, l := range u.Asks {
		if l.Size == 0 {
			b.asks.remove(l.Price)
		} else {
			b.asks.upsert(l.Price, l.Size)
		}
	}
	b.lastUpdateID = u.UpdateID
	b.ts = u.Ts

	if len(b.bids.levels) > 0 && len(b.asks.levels) > 0 {
		if bb, ba := b.bids.levels[0].Price, b.asks.levels[0].Price; bb >= ba {
			return errs.New(errs.KindInvariant, "crossed book: best_bid %v >= best_ask %v", bb, ba)
		}
	}
	return nil
}

// Snapshot copies out the top n levels of each side (n <= 0 means all),
// bids descending and asks ascending.
func (b *Book) Snapshot(n int) models.DOM {
	return models.DOM{
		Ts:   b.ts,
		Bids: b.bids.top(n),
		Asks: b.asks.top(n),
	}
}

// Depth reports (bid levels, ask levels).
func (b *Book) Depth() (int, int) {
	return len(b.bids.levels), len(b.asks.levels)
}

// search returns the index where price lives or would be inserted.
func (s *side) search(price float64) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		if s.desc {
			return s.levels[i].Price <= price
		}
		return s.levels[i].Price >= price
	})
	found := i < len(s.levels) && s.levels[i].Price == price
	return i, found
}

func (s *side) upsert(price, size float64) {
	i, found := s.search(price)
	if found {
		s.levels[i].Size = size
		return
	}
	s.levels = append(s.levels, models.PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = models.PriceLevel{Price: price, Size: size}
}

func (s *side) remove(price float64) {
	i, found := s.search(price)
	if !found {
		return
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
}

func (s *side) top(n int) []models.PriceLevel {
	if n <= 0 || n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]models.PriceLevel, n)
	copy(out, s.levels[:n])
	return out
}
