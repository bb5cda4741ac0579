package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketfeed/internal/book"
)

// Config holds the client's build-time constants.
type Config struct {
	URL                  string
	Channel              string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Conn is the subset of *websocket.Conn the client drives; tests substitute
// a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the transport.
type Dialer func(ctx context.Context, url string) (Conn, error)

func defaultDialer(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// PriceUpdateCallback receives a product's new mid-price whenever its book
// changes with both sides populated.
type PriceUpdateCallback func(productID string, midPrice float64)

// EventHandler receives the client's typed events.
type EventHandler func(Event)

// Client owns one persistent feed connection: reconnection policy,
// reference-counted product subscriptions, per-product order-book state and
// event fan-out. All shared state lives behind one mutex; message handling
// runs on a single reader goroutine per connection, so handlers never
// interleave. Events and callbacks fire outside the lock, and handlers must
// not call back into the client synchronously.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	dialer Dialer

	mu             sync.Mutex
	conn           Conn
	gen            int // connection generation; orphans stale read loops
	dialCtx        context.Context
	state          ConnectionState
	books          map[string]*book.Book
	refs           map[string]int
	callbacks      map[int]PriceUpdateCallback
	nextCallbackID int
	handlers       map[int]EventHandler
	nextHandlerID  int
	attempt        int
	retryTimer     *time.Timer
	closing        bool
}

// NewClient builds a disconnected client. The logger is injected; the client
// never reaches for a global one.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		log:       logger.With().Str("component", "feed").Logger(),
		dialer:    defaultDialer,
		books:     make(map[string]*book.Book),
		refs:      make(map[string]int),
		callbacks: make(map[int]PriceUpdateCallback),
		handlers:  make(map[int]EventHandler),
	}
}

// NewClientWithDialer is NewClient with a custom transport dialer; tests
// drive the client through an in-memory transport this way.
func NewClientWithDialer(cfg Config, logger zerolog.Logger, dialer Dialer) *Client {
	c := NewClient(cfg, logger)
	c.dialer = dialer
	return c
}

// Connect opens the transport. A no-op when already open or connecting. The
// context is retained for redials until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.IsConnected || c.state.IsConnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.dialCtx = ctx
	c.state.IsConnecting = true
	st := c.state
	c.mu.Unlock()

	c.emit(StateChanged{State: st})
	return c.dial(ctx)
}

// dial opens a transport connection and, on success, installs it and starts
// the reader. On failure it reports CONNECTION_FAILED and schedules a retry
// out of the remaining budget.
func (c *Client) dial(ctx context.Context) error {
	conn, err := c.dialer(ctx, c.cfg.URL)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}

	if err != nil {
		c.state.IsConnecting = false
		c.state.IsConnected = false
		rec := c.recordErrorLocked(ErrConnectionFailed, fmt.Sprintf("transport open failed: %v", err))
		events := []Event{ErrorRaised{Err: rec}, StateChanged{State: c.state}}
		events = append(events, c.scheduleRetryLocked()...)
		c.mu.Unlock()

		c.emit(events...)
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.gen++
	gen := c.gen
	events := c.handleOpenLocked()
	c.mu.Unlock()

	c.emit(events...)
	go c.readLoop(gen, conn)
	return nil
}

// handleOpenLocked transitions to Open, resets the retry budget and replays
// one subscribe message for every product still holding references. The
// server keeps no subscription memory across connections.
func (c *Client) handleOpenLocked() []Event {
	c.state.IsConnected = true
	c.state.IsConnecting = false
	c.state.Err = nil
	c.attempt = 0

	events := []Event{StateChanged{State: c.state}}

	products := make([]string, 0, len(c.refs))
	for id := range c.refs {
		products = append(products, id)
	}
	if len(products) > 0 {
		c.log.Info().Strs("products", products).Msg("resubscribing after connect")
		if err := c.writeSubscriptionLocked("subscribe", products); err != nil {
			rec := c.recordErrorLocked(ErrSubscription, fmt.Sprintf("resubscribe failed: %v", err))
			events = append(events, ErrorRaised{Err: rec}, StateChanged{State: c.state})
		}
	}

	c.log.Info().Str("url", c.cfg.URL).Msg("feed connected")
	return events
}

// readLoop drains the connection until it dies. Each message is handled to
// completion before the next is read.
func (c *Client) readLoop(gen int, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, closeCode(err))
			return
		}
		c.handleMessage(gen, data)
	}
}

// closeCode extracts the websocket close code from a read error; anything
// that is not a close frame counts as abnormal.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// handleMessage parses one inbound envelope and applies its order-book
// events. Malformed payloads are reported as PARSING_ERROR and dropped; the
// connection stays up.
func (c *Client) handleMessage(gen int, data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.mu.Lock()
		rec := c.recordErrorLocked(ErrParsing, fmt.Sprintf("malformed feed message: %v", err))
		st := c.state
		c.mu.Unlock()
		c.emit(ErrorRaised{Err: rec}, StateChanged{State: st})
		return
	}
	if env.Channel != dataChannel {
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	var events []Event
	var priced []PriceUpdated
	now := time.Now()

	for _, ev := range env.Events {
		if _, subscribed := c.refs[ev.ProductID]; !subscribed {
			continue
		}

		switch ev.Type {
		case "snapshot":
			// A snapshot supersedes whatever the product had.
			b := book.BuildSnapshot(ev.bookUpdates())
			b.LastUpdated = now
			c.books[ev.ProductID] = &b
		case "update":
			b, ok := c.books[ev.ProductID]
			if !ok {
				c.log.Warn().Str("product", ev.ProductID).
					Msg("update for product without order-book state, dropping")
				continue
			}
			updates := ev.bookUpdates()
			b.Bids = book.ApplyUpdates(b.Bids, updates, book.SideBid)
			b.Asks = book.ApplyUpdates(b.Asks, updates, book.SideAsk)
			b.LastUpdated = now
		default:
			continue
		}

		b := c.books[ev.ProductID]
		events = append(events, OrderBookUpdated{ProductID: ev.ProductID, Book: b.Clone()})
		if mid, ok := b.MidPrice(); ok {
			pu := PriceUpdated{ProductID: ev.ProductID, MidPrice: mid}
			events = append(events, pu)
			priced = append(priced, pu)
		}
	}

	callbacks := make([]PriceUpdateCallback, 0, len(c.callbacks))
	if len(priced) > 0 {
		for _, cb := range c.callbacks {
			callbacks = append(callbacks, cb)
		}
	}
	c.mu.Unlock()

	c.emit(events...)
	for _, pu := range priced {
		for _, cb := range callbacks {
			c.invoke(cb, pu.ProductID, pu.MidPrice)
		}
	}
}

// invoke runs one callback isolated: a panic is logged and must not stop the
// remaining callbacks or corrupt client state.
func (c *Client) invoke(cb PriceUpdateCallback, productID string, mid float64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn().Str("product", productID).Interface("panic", r).
				Msg("price-update callback panicked")
		}
	}()
	cb(productID, mid)
}

// handleClose runs when a connection dies. Abnormal closures consume the
// retry budget; a normal closure or an intentional Disconnect stays down.
func (c *Client) handleClose(gen int, code int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state.IsConnected = false
	c.state.IsConnecting = false
	events := []Event{StateChanged{State: c.state}}

	if !c.closing && code != websocket.CloseNormalClosure {
		c.log.Warn().Int("code", code).Msg("feed closed abnormally")
		events = append(events, c.scheduleRetryLocked()...)
	} else {
		c.log.Info().Int("code", code).Msg("feed closed")
	}
	c.mu.Unlock()

	c.emit(events...)
}

// scheduleRetryLocked arms the reconnect timer with exponential backoff, or
// reports MAX_RECONNECT_ATTEMPTS once the budget is spent.
func (c *Client) scheduleRetryLocked() []Event {
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		rec := c.recordErrorLocked(ErrMaxReconnectAttempts,
			fmt.Sprintf("gave up after %d reconnect attempts", c.attempt))
		return []Event{ErrorRaised{Err: rec}, StateChanged{State: c.state}}
	}

	delay := RetryDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, c.attempt)
	c.attempt++
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("scheduling reconnect")
	c.retryTimer = time.AfterFunc(delay, c.redial)
	return nil
}

// RetryDelay returns the backoff before retry number attempt (zero-based):
// base doubled per attempt, capped at max.
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// redial fires from the retry timer as its own event turn.
func (c *Client) redial() {
	c.mu.Lock()
	if c.closing || c.state.IsConnected || c.state.IsConnecting {
		c.mu.Unlock()
		return
	}
	c.state.IsConnecting = true
	st := c.state
	ctx := c.dialCtx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	c.emit(StateChanged{State: st})
	_ = c.dial(ctx)
}

// SubscribeToProduct adds a subscriber reference for a product. The first
// reference initializes empty order-book state and sends the subscribe
// message when the transport is open; otherwise the subscription is
// remembered and flushed on the next open.
func (c *Client) SubscribeToProduct(productID string) {
	c.mu.Lock()
	c.refs[productID]++
	var events []Event
	if c.refs[productID] == 1 {
		c.books[productID] = &book.Book{}
		c.log.Debug().Str("product", productID).Msg("first subscriber, subscribing upstream")
		if c.state.IsConnected && c.conn != nil {
			if err := c.writeSubscriptionLocked("subscribe", []string{productID}); err != nil {
				rec := c.recordErrorLocked(ErrSubscription,
					fmt.Sprintf("subscribe %s failed: %v", productID, err))
				events = append(events, ErrorRaised{Err: rec}, StateChanged{State: c.state})
			}
		}
	}
	c.mu.Unlock()

	c.emit(events...)
}

// UnsubscribeFromProduct drops one subscriber reference. The last reference
// sends the unsubscribe message and discards the product's state. Releasing
// a product with no references is a warning, not an error.
func (c *Client) UnsubscribeFromProduct(productID string) {
	c.mu.Lock()
	count, ok := c.refs[productID]
	if !ok || count == 0 {
		c.mu.Unlock()
		c.log.Warn().Str("product", productID).Msg("unsubscribe without active subscription")
		return
	}

	c.refs[productID] = count - 1
	var events []Event
	if count == 1 {
		delete(c.refs, productID)
		delete(c.books, productID)
		c.log.Debug().Str("product", productID).Msg("last subscriber gone, unsubscribing upstream")
		if c.state.IsConnected && c.conn != nil {
			if err := c.writeSubscriptionLocked("unsubscribe", []string{productID}); err != nil {
				rec := c.recordErrorLocked(ErrSubscription,
					fmt.Sprintf("unsubscribe %s failed: %v", productID, err))
				events = append(events, ErrorRaised{Err: rec}, StateChanged{State: c.state})
			}
		}
	}
	c.mu.Unlock()

	c.emit(events...)
}

// AddPriceUpdateCallback registers a callback and returns its remove
// function. Removal is synchronous: events handled after removal never reach
// the callback, though an emission already in flight may still.
func (c *Client) AddPriceUpdateCallback(cb PriceUpdateCallback) (remove func()) {
	c.mu.Lock()
	id := c.nextCallbackID
	c.nextCallbackID++
	c.callbacks[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.callbacks, id)
		c.mu.Unlock()
	}
}

// OnEvent registers a typed-event handler and returns its remove function.
func (c *Client) OnEvent(h EventHandler) (remove func()) {
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Disconnect cancels any pending reconnect, closes the transport with the
// normal-closure code and reports disconnected state. The one transition
// that must never trigger auto-reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	c.state.IsConnected = false
	c.state.IsConnecting = false
	st := c.state
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	c.log.Info().Msg("feed disconnected")
	c.emit(StateChanged{State: st})
}

// ConnectionState returns the current observable transport state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OrderBook returns a copy of one product's book.
func (c *Client) OrderBook(productID string) (book.Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[productID]
	if !ok {
		return book.Book{}, false
	}
	return b.Clone(), true
}

// OrderBooks returns copies of every subscribed product's book.
func (c *Client) OrderBooks() map[string]book.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]book.Book, len(c.books))
	for id, b := range c.books {
		out[id] = b.Clone()
	}
	return out
}

// writeSubscriptionLocked sends one subscribe/unsubscribe message.
func (c *Client) writeSubscriptionLocked(msgType string, products []string) error {
	return c.conn.WriteJSON(subscribeRequest{
		Type:       msgType,
		ProductIDs: products,
		Channel:    c.cfg.Channel,
	})
}

// recordErrorLocked stores the error in the observable state and logs it.
func (c *Client) recordErrorLocked(kind ErrorKind, message string) ErrorRecord {
	rec := ErrorRecord{Kind: kind, Message: message, Time: time.Now()}
	c.state.Err = &rec
	c.log.Error().Str("kind", string(kind)).Msg(message)
	return rec
}

// emit delivers events to every registered handler, outside the lock.
func (c *Client) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	handlers := make([]EventHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}
