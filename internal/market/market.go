package market

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"marketfeed/internal/book"
	"marketfeed/internal/feed"
)

// Market wraps the one feed client living for the process lifetime and
// translates its events into externally observable state. Consumers that
// come up before Start has finished may subscribe and register callbacks
// freely: those operations queue and flush once the client is ready, in
// submission order, each exactly once.
type Market struct {
	log    zerolog.Logger
	client *feed.Client

	mu      sync.Mutex
	started bool
	ready   bool
	pending []func()
	state   feed.ConnectionState
	books   map[string]book.Book
}

// Snapshot is a point-in-time read of everything a consumer renders from.
type Snapshot struct {
	IsConnected  bool
	IsConnecting bool
	Err          *feed.ErrorRecord
	OrderBooks   map[string]book.Book
}

// New wraps an explicitly constructed client; the market never builds or
// hides one of its own.
func New(client *feed.Client, logger zerolog.Logger) *Market {
	return &Market{
		log:    logger.With().Str("component", "market").Logger(),
		client: client,
		books:  make(map[string]book.Book),
	}
}

// Start connects the client and flushes any operations queued while the
// market was warming up. Calling it again is a no-op.
func (m *Market) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.client.OnEvent(m.handleEvent)
	err := m.client.Connect(ctx)

	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.ready = true
	m.mu.Unlock()

	for _, op := range pending {
		op()
	}
	return err
}

// Stop tears the client down.
func (m *Market) Stop() {
	m.client.Disconnect()
}

// enqueue runs op now when ready, otherwise holds it for the flush in Start.
func (m *Market) enqueue(op func()) {
	m.mu.Lock()
	if !m.ready {
		m.pending = append(m.pending, op)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	op()
}

// SubscribeToProduct adds one subscriber reference for a product.
func (m *Market) SubscribeToProduct(productID string) {
	m.enqueue(func() { m.client.SubscribeToProduct(productID) })
}

// UnsubscribeFromProduct drops one subscriber reference, pruning the local
// book copy once the client has discarded its state.
func (m *Market) UnsubscribeFromProduct(productID string) {
	m.enqueue(func() {
		m.client.UnsubscribeFromProduct(productID)
		if _, ok := m.client.OrderBook(productID); !ok {
			m.mu.Lock()
			delete(m.books, productID)
			m.mu.Unlock()
		}
	})
}

// OnPriceUpdate registers a mid-price callback and returns its remove
// function. Both registration and removal are safe before Start.
func (m *Market) OnPriceUpdate(cb feed.PriceUpdateCallback) (remove func()) {
	var regMu sync.Mutex
	var inner func()
	removed := false

	m.enqueue(func() {
		regMu.Lock()
		defer regMu.Unlock()
		if removed {
			return
		}
		inner = m.client.AddPriceUpdateCallback(cb)
	})

	return func() {
		regMu.Lock()
		defer regMu.Unlock()
		removed = true
		if inner != nil {
			inner()
		}
	}
}

// Snapshot returns the current connection state and book copies.
func (m *Market) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	books := make(map[string]book.Book, len(m.books))
	for id, b := range m.books {
		books[id] = b.Clone()
	}
	return Snapshot{
		IsConnected:  m.state.IsConnected,
		IsConnecting: m.state.IsConnecting,
		Err:          m.state.Err,
		OrderBooks:   books,
	}
}

// OrderBook returns a copy of one product's book.
func (m *Market) OrderBook(productID string) (book.Book, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[productID]
	if !ok {
		return book.Book{}, false
	}
	return b.Clone(), true
}

func (m *Market) handleEvent(ev feed.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case feed.StateChanged:
		m.state = e.State
	case feed.OrderBookUpdated:
		m.books[e.ProductID] = e.Book
	case feed.ErrorRaised:
		err := e.Err
		m.state.Err = &err
	}
}
