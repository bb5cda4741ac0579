package aggregation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
)

// maxBuckets caps how many aggregated levels a consumer is handed.
const maxBuckets = 10

// snapPlaces absorbs division drift before flooring/ceiling so a price
// sitting exactly on a bucket boundary lands in its own bucket.
const snapPlaces = 8

// Bucket merges raw order-book entries into coarser price buckets for
// display. The configured increment is denominated in base-currency units;
// the actual bucket width is increment times the best entry's price, which
// converts it into the quote currency. Bid prices floor into their bucket,
// ask prices ceil, so aggregation never narrows the spread. Entries sharing
// a bucket sum their sizes and pool their exchange labels. An increment of
// zero or an empty input returns the input unchanged. The input is never
// mutated; the underlying book state stays raw.
func Bucket(entries []book.Entry, side book.Side, increment float64) []book.Entry {
	if increment == 0 || len(entries) == 0 {
		return entries
	}

	reference, err := decimal.NewFromString(entries[0].Price)
	if err != nil || reference.IsZero() {
		return entries
	}
	actual := decimal.NewFromFloat(increment).Mul(reference)

	type bucket struct {
		size      decimal.Decimal
		exchanges map[string]struct{}
	}
	buckets := make(map[string]*bucket)

	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(e.Size)
		if err != nil {
			continue
		}

		steps := price.Div(actual).Round(snapPlaces)
		if side == book.SideBid {
			steps = steps.Floor()
		} else {
			steps = steps.Ceil()
		}
		snapped := steps.Mul(actual)
		key := snapped.String()

		b, ok := buckets[key]
		if !ok {
			b = &bucket{exchanges: make(map[string]struct{})}
			buckets[key] = b
		}
		b.size = b.size.Add(size)
		if e.Exchange != "" {
			b.exchanges[e.Exchange] = struct{}{}
		}
	}

	merged := make([]book.Entry, 0, len(buckets))
	for price, b := range buckets {
		merged = append(merged, book.Entry{
			Price:    price,
			Size:     b.size.String(),
			Exchange: exchangeLabel(b.exchanges),
		})
	}

	merged = book.SortEntries(merged, side)
	if len(merged) > maxBuckets {
		merged = merged[:maxBuckets]
	}
	return merged
}

// exchangeLabel renders the pooled exchange set: the sole contributor's name,
// or a count when several contributed.
func exchangeLabel(set map[string]struct{}) string {
	switch len(set) {
	case 0:
		return ""
	case 1:
		for name := range set {
			return name
		}
	}
	return fmt.Sprintf("%d exchanges", len(set))
}
