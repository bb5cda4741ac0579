package feed

import "marketfeed/internal/book"

// dataChannel is the inbound channel name carrying order-book events. The
// outbound subscription channel name ("level2") comes from Config; the feed
// answers on this one.
const dataChannel = "l2_data"

// defaultExchange labels entries when the feed omits an exchange field.
const defaultExchange = "coinbase"

// subscribeRequest is the outbound subscribe/unsubscribe message.
type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

// wsEnvelope is the feed's message envelope. Messages on channels other than
// dataChannel carry no events worth processing here.
type wsEnvelope struct {
	Channel   string    `json:"channel"`
	Timestamp string    `json:"timestamp"`
	Events    []wsEvent `json:"events"`
}

// wsEvent is one per-product event inside an envelope.
type wsEvent struct {
	Type      string     `json:"type"` // "snapshot" or "update"
	ProductID string     `json:"product_id"`
	Updates   []wsUpdate `json:"updates"`
}

// wsUpdate is a single price-level change. A NewQuantity of "0" removes the
// level.
type wsUpdate struct {
	Side        string `json:"side"` // "bid" or "offer"
	EventTime   string `json:"event_time"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
	Exchange    string `json:"exchange,omitempty"`
}

// bookUpdates converts the wire updates into processor updates. The feed
// says "offer" for the ask side but "ask" shows up in the wild too.
func (e wsEvent) bookUpdates() []book.Update {
	updates := make([]book.Update, 0, len(e.Updates))
	for _, u := range e.Updates {
		side := book.Side(u.Side)
		if u.Side == "ask" {
			side = book.SideAsk
		}
		exchange := u.Exchange
		if exchange == "" {
			exchange = defaultExchange
		}
		updates = append(updates, book.Update{
			Side:     side,
			Price:    u.PriceLevel,
			NewSize:  u.NewQuantity,
			Exchange: exchange,
		})
	}
	return updates
}
