package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Depth is the maximum number of price levels retained per side.
const Depth = 10

// Side identifies one half of an order book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "offer"
)

// Entry is a single price level. Price and size stay strings end-to-end so
// exchange-supplied decimals never round-trip through binary floats;
// arithmetic parses on demand.
type Entry struct {
	Price    string `json:"price"`
	Size     string `json:"size"`
	Exchange string `json:"exchange,omitempty"`
}

// Book holds one product's depth-limited order book. Bids are sorted by
// price descending, asks ascending, so index 0 is always top of book.
type Book struct {
	Bids        []Entry   `json:"bids"`
	Asks        []Entry   `json:"asks"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Update is one incoming price-level change. A NewSize of "0" removes the
// level at that price.
type Update struct {
	Side     Side
	Price    string
	NewSize  string
	Exchange string
}

// parsePrice returns the numeric price, ok=false on garbage input.
func parsePrice(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// SortEntries orders entries by numeric price, descending for bids and
// ascending for asks. The sort is stable; unparseable prices sink to the end.
func SortEntries(entries []Entry, side Side) []Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)

	sort.SliceStable(sorted, func(i, j int) bool {
		pi, oki := parsePrice(sorted[i].Price)
		pj, okj := parsePrice(sorted[j].Price)
		if !oki || !okj {
			return oki
		}
		if side == SideBid {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})

	return sorted
}

// ApplyUpdates merges a batch of updates into one side of the book and
// returns the new side, re-sorted and truncated to Depth. A zero or
// unparseable size removes the level (no-op when the price is absent), any
// other size replaces the level or appends a new one. Replaying the same
// batch is idempotent, which reconnection-driven resync relies on.
func ApplyUpdates(current []Entry, updates []Update, side Side) []Entry {
	merged := make([]Entry, len(current))
	copy(merged, current)

	for _, u := range updates {
		if u.Side != side {
			continue
		}

		size, err := decimal.NewFromString(u.NewSize)
		remove := err != nil || size.IsZero()

		idx := -1
		for i, e := range merged {
			if e.Price == u.Price {
				idx = i
				break
			}
		}

		if remove {
			if idx >= 0 {
				merged = append(merged[:idx], merged[idx+1:]...)
			}
			continue
		}

		entry := Entry{Price: u.Price, Size: u.NewSize, Exchange: u.Exchange}
		if idx >= 0 {
			merged[idx] = entry
		} else {
			merged = append(merged, entry)
		}
	}

	merged = SortEntries(merged, side)
	if len(merged) > Depth {
		merged = merged[:Depth]
	}
	return merged
}

// BuildSnapshot partitions a full snapshot batch into the two sides, each
// sorted and truncated to Depth. A snapshot supersedes whatever state the
// product had before.
func BuildSnapshot(updates []Update) Book {
	var bids, asks []Entry

	for _, u := range updates {
		size, err := decimal.NewFromString(u.NewSize)
		if err != nil || size.IsZero() {
			continue
		}
		entry := Entry{Price: u.Price, Size: u.NewSize, Exchange: u.Exchange}
		switch u.Side {
		case SideBid:
			bids = append(bids, entry)
		case SideAsk:
			asks = append(asks, entry)
		}
	}

	bids = SortEntries(bids, SideBid)
	if len(bids) > Depth {
		bids = bids[:Depth]
	}
	asks = SortEntries(asks, SideAsk)
	if len(asks) > Depth {
		asks = asks[:Depth]
	}

	return Book{Bids: bids, Asks: asks}
}

// BestBid returns the top bid entry, ok=false when the side is empty.
func (b Book) BestBid() (Entry, bool) {
	if len(b.Bids) == 0 {
		return Entry{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask entry, ok=false when the side is empty.
func (b Book) BestAsk() (Entry, bool) {
	if len(b.Asks) == 0 {
		return Entry{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2 as a float, ok=false whenever either
// side is empty or the top-of-book prices fail to parse.
func (b Book) MidPrice() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}

	bidPrice, okBid := parsePrice(bid.Price)
	askPrice, okAsk := parsePrice(ask.Price)
	if !okBid || !okAsk {
		return 0, false
	}

	mid, _ := bidPrice.Add(askPrice).Div(decimal.NewFromInt(2)).Float64()
	return mid, true
}

// Clone returns a deep copy safe to hand to consumers.
func (b Book) Clone() Book {
	clone := Book{LastUpdated: b.LastUpdated}
	if b.Bids != nil {
		clone.Bids = make([]Entry, len(b.Bids))
		copy(clone.Bids, b.Bids)
	}
	if b.Asks != nil {
		clone.Asks = make([]Entry, len(b.Asks))
		copy(clone.Asks, b.Asks)
	}
	return clone
}
