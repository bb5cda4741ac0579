package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/feed"
)

// sentMessage mirrors the feed's outbound subscription message shape.
type sentMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written []sentMessage
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg sentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteMessage(int, []byte) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) deliver(t *testing.T, raw string) {
	t.Helper()
	f.inbound <- []byte(raw)
}

func newTestMarket(t *testing.T) (*Market, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	cfg := feed.Config{
		URL:                  "wss://feed.test",
		Channel:              "level2",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}
	client := feed.NewClientWithDialer(cfg, zerolog.Nop(), func(context.Context, string) (feed.Conn, error) {
		return conn, nil
	})
	return New(client, zerolog.Nop()), conn
}

const btcSnapshot = `{
	"channel": "l2_data",
	"events": [{
		"type": "snapshot",
		"product_id": "BTC-USD",
		"updates": [
			{"side": "bid", "price_level": "100.00", "new_quantity": "1"},
			{"side": "bid", "price_level": "99.50", "new_quantity": "2"},
			{"side": "offer", "price_level": "100.50", "new_quantity": "1"}
		]
	}]
}`

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func TestQueuedOperationsFlushInOrder(t *testing.T) {
	m, conn := newTestMarket(t)
	defer m.Stop()

	var mu sync.Mutex
	var mids []float64

	// All issued before Start: must queue, then run once each, in order.
	m.SubscribeToProduct("BTC-USD")
	m.OnPriceUpdate(func(_ string, mid float64) {
		mu.Lock()
		mids = append(mids, mid)
		mu.Unlock()
	})
	m.SubscribeToProduct("ETH-USD")

	assert.Empty(t, conn.sent(), "nothing may reach the wire before Start")

	require.NoError(t, m.Start(context.Background()))

	sent := conn.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []string{"BTC-USD"}, sent[0].ProductIDs)
	assert.Equal(t, []string{"ETH-USD"}, sent[1].ProductIDs)

	// The queued callback is live.
	conn.deliver(t, btcSnapshot)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(mids) == 1
	}, "queued callback should receive the mid-price")

	mu.Lock()
	assert.InDelta(t, 100.25, mids[0], 1e-9)
	mu.Unlock()
}

func TestCallbackRemovableWhileQueued(t *testing.T) {
	m, conn := newTestMarket(t)
	defer m.Stop()

	calls := 0
	var mu sync.Mutex
	remove := m.OnPriceUpdate(func(string, float64) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	m.SubscribeToProduct("BTC-USD")
	remove() // removed before the queue ever flushed

	require.NoError(t, m.Start(context.Background()))
	conn.deliver(t, btcSnapshot)

	waitFor(t, func() bool {
		b, ok := m.OrderBook("BTC-USD")
		return ok && len(b.Bids) == 2
	}, "snapshot should arrive")

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestSnapshotReflectsFeedState(t *testing.T) {
	m, conn := newTestMarket(t)
	defer m.Stop()
	m.SubscribeToProduct("BTC-USD")
	require.NoError(t, m.Start(context.Background()))

	conn.deliver(t, btcSnapshot)
	waitFor(t, func() bool {
		snap := m.Snapshot()
		b, ok := snap.OrderBooks["BTC-USD"]
		return snap.IsConnected && ok && len(b.Bids) == 2
	}, "snapshot should expose connection state and books")

	snap := m.Snapshot()
	assert.Nil(t, snap.Err)
	assert.False(t, snap.IsConnecting)
	assert.Equal(t, "100.00", snap.OrderBooks["BTC-USD"].Bids[0].Price)
}

func TestStartErrorSurfacesConnectionFailed(t *testing.T) {
	cfg := feed.Config{
		URL:                  "wss://feed.test",
		Channel:              "level2",
		ReconnectBaseDelay:   time.Hour,
		ReconnectMaxDelay:    time.Hour,
		MaxReconnectAttempts: 1,
	}
	client := feed.NewClientWithDialer(cfg, zerolog.Nop(), func(context.Context, string) (feed.Conn, error) {
		return nil, errors.New("no route")
	})
	m := New(client, zerolog.Nop())
	defer m.Stop()

	err := m.Start(context.Background())
	require.Error(t, err)

	snap := m.Snapshot()
	require.NotNil(t, snap.Err)
	assert.Equal(t, feed.ErrConnectionFailed, snap.Err.Kind)
	assert.False(t, snap.IsConnected)
}

func TestViewReferenceCounting(t *testing.T) {
	m, conn := newTestMarket(t)
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))

	v1 := m.View("BTC-USD")
	v2 := m.View("BTC-USD")

	sent := conn.sent()
	require.Len(t, sent, 1, "shared product must subscribe upstream once")
	assert.Equal(t, "subscribe", sent[0].Type)

	v1.Release()
	assert.Len(t, conn.sent(), 1, "remaining view keeps the subscription alive")

	v2.Release()
	sent = conn.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "unsubscribe", sent[1].Type)

	// Double release is inert.
	v2.Release()
	assert.Len(t, conn.sent(), 2)
}

func TestViewReleasePrunesBookCopy(t *testing.T) {
	m, conn := newTestMarket(t)
	defer m.Stop()
	require.NoError(t, m.Start(context.Background()))

	v := m.View("BTC-USD")
	conn.deliver(t, btcSnapshot)
	waitFor(t, func() bool {
		_, ok := m.OrderBook("BTC-USD")
		return ok
	}, "book should appear")

	v.Release()
	_, ok := m.OrderBook("BTC-USD")
	assert.False(t, ok)
}

func TestQuoteCurrency(t *testing.T) {
	tests := []struct {
		productID string
		want      string
	}{
		{"BTC-USD", "USD"},
		{"ETH-BTC", "BTC"},
		{"SOL-EUR", "EUR"},
		{"BTCUSD", "USD"}, // no separator: default
		{"BTC-", "USD"},   // empty quote: default
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuoteCurrency(tt.productID), tt.productID)
	}
}

func TestViewFormatting(t *testing.T) {
	m, _ := newTestMarket(t)
	defer m.Stop()

	usd := m.View("BTC-USD")
	assert.Equal(t, "100.50", usd.FormatPrice("100.5"))
	assert.Equal(t, "0.12345678", usd.FormatSize("0.123456780"))
	assert.Equal(t, "201.00", usd.FormatTotal("100.50", "2"))
	assert.Equal(t, "garbage", usd.FormatPrice("garbage"))

	btcQuoted := m.View("ETH-BTC")
	assert.Equal(t, "0.05230000", btcQuoted.FormatPrice("0.0523"))
	assert.Equal(t, "0.10460000", btcQuoted.FormatTotal("0.0523", "2"))
}
