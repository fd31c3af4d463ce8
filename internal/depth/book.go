package depth

import (
	"sort"

	"chimera/internal/schema"
)

// Top is the best level of each side.
type Top struct {
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

// Valid reports whether both sides have a level.
func (t Top) Valid() bool {
	return t.BidQty > 0 && t.AskQty > 0
}

// Book is a price-level order book. Bids are kept descending, asks ascending.
type Book struct {
	lastUpdateID uint64
	bids         []schema.Level
	asks         []schema.Level
}

func NewBook() *Book {
	return &Book{}
}

// ApplySnapshot replaces the book content.
func (b *Book) ApplySnapshot(s schema.Snapshot) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range s.Bids {
		b.bids = setLevel(b.bids, l, true)
	}
	for _, l := range s.Asks {
		b.asks = setLevel(b.asks, l, false)
	}
	b.lastUpdateID = s.LastUpdateID
}

// ApplyDelta upserts levels; zero quantity removes a level.
func (b *Book) ApplyDelta(d schema.DepthDelta) {
	for _, l := range d.Bids {
		b.bids = setLevel(b.bids, l, true)
	}
	for _, l := range d.Asks {
		b.asks = setLevel(b.asks, l, false)
	}
	b.lastUpdateID = d.LastUpdateID
}

func (b *Book) LastUpdateID() uint64 {
	return b.lastUpdateID
}

func (b *Book) Top() Top {
	var t Top
	if len(b.bids) > 0 {
		t.BidPrice, t.BidQty = b.bids[0].Price, b.bids[0].Qty
	}
	if len(b.asks) > 0 {
		t.AskPrice, t.AskQty = b.asks[0].Price, b.asks[0].Qty
	}
	return t
}

// Bids returns up to n best bid levels.
func (b *Book) Bids(n int) []schema.Level {
	return head(b.bids, n)
}

// Asks returns up to n best ask levels.
func (b *Book) Asks(n int) []schema.Level {
	return head(b.asks, n)
}

func head(levels []schema.Level, n int) []schema.Level {
	if n <= 0 || n > len(levels) {
		n = len(levels)
	}
	out := make([]schema.Level, n)
	copy(out, levels[:n])
	return out
}

func setLevel(levels []schema.Level, l schema.Level, desc bool) []schema.Level {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price <= l.Price
		}
		return levels[i].Price >= l.Price
	})
	found := i < len(levels) && levels[i].Price == l.Price

	switch {
	case l.Qty <= 0 && found:
		return append(levels[:i], levels[i+1:]...)
	case l.Qty <= 0:
		return levels
	case found:
		levels[i].Qty = l.Qty
		return levels
	}
	levels = append(levels, schema.Level{})
	copy(levels[i+1:], levels[i:])
	levels[i] = l
	return levels
}
