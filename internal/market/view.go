package market

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"marketfeed/internal/book"
)

// View is one consumer's handle on a product: it holds a subscriber
// reference from creation until Release and carries the display-formatting
// helpers for the product's quote currency.
type View struct {
	market    *Market
	productID string
	quote     string
	release   sync.Once
}

// View acquires a per-product handle, taking a subscriber reference.
func (m *Market) View(productID string) *View {
	m.SubscribeToProduct(productID)
	return &View{
		market:    m,
		productID: productID,
		quote:     QuoteCurrency(productID),
	}
}

// Release drops this handle's subscriber reference. Safe to call more than
// once; only the first call counts.
func (v *View) Release() {
	v.release.Do(func() {
		v.market.UnsubscribeFromProduct(v.productID)
	})
}

// ProductID returns the product this view tracks.
func (v *View) ProductID() string { return v.productID }

// QuoteCurrency returns the view's quote currency.
func (v *View) QuoteCurrency() string { return v.quote }

// Book returns a copy of the product's current order book.
func (v *View) Book() (book.Book, bool) {
	return v.market.OrderBook(v.productID)
}

// QuoteCurrency extracts the quote currency from a product id: the part
// after the separator in "BTC-USD", defaulting to USD.
func QuoteCurrency(productID string) string {
	if _, quote, ok := strings.Cut(productID, "-"); ok && quote != "" {
		return quote
	}
	return "USD"
}

// quoteDecimals is how many fractional digits a quote currency displays.
func quoteDecimals(currency string) int32 {
	switch currency {
	case "BTC":
		return 8
	case "ETH":
		return 6
	default:
		// Fiat and fiat-pegged quotes render in cents.
		return 2
	}
}

// sizeDecimals is the fixed display precision for base-currency sizes.
const sizeDecimals = 8

// FormatPrice renders a price string at the quote currency's precision.
// Unparseable input comes back unchanged.
func (v *View) FormatPrice(price string) string {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return price
	}
	return d.StringFixed(quoteDecimals(v.quote))
}

// FormatSize renders a base-currency size.
func (v *View) FormatSize(size string) string {
	d, err := decimal.NewFromString(size)
	if err != nil {
		return size
	}
	return d.StringFixed(sizeDecimals)
}

// FormatTotal renders price times size in the quote currency.
func (v *View) FormatTotal(price, size string) string {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return ""
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return ""
	}
	return p.Mul(s).StringFixed(quoteDecimals(v.quote))
}
