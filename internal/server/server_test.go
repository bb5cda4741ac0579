package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/internal/candles"
	"marketfeed/internal/feed"
	"marketfeed/internal/market"
)

// fakeFeedConn stands in for the upstream exchange websocket. Outbound
// writes are signalled so tests can wait for a subscription to land before
// delivering events.
type fakeFeedConn struct {
	inbound chan []byte
	writes  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newFakeFeedConn() *fakeFeedConn {
	return &fakeFeedConn{
		inbound: make(chan []byte, 64),
		writes:  make(chan struct{}, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeFeedConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeFeedConn) WriteJSON(any) error {
	select {
	case f.writes <- struct{}{}:
	default:
	}
	return nil
}
func (f *fakeFeedConn) WriteMessage(int, []byte) error { return nil }

func (f *fakeFeedConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeFeedConn) deliver(raw string) { f.inbound <- []byte(raw) }

func newTestStack(t *testing.T, candleURL string) (*Server, *market.Market, *fakeFeedConn) {
	t.Helper()
	upstream := newFakeFeedConn()
	client := feed.NewClientWithDialer(feed.Config{
		URL:                  "wss://feed.test",
		Channel:              "level2",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 1,
	}, zerolog.Nop(), func(context.Context, string) (feed.Conn, error) {
		return upstream, nil
	})
	m := market.New(client, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	candleClient := candles.NewClient(candleURL, time.Second, zerolog.Nop())
	s := New(Config{Addr: ":0", PushInterval: 5 * time.Millisecond}, m, candleClient, zerolog.Nop())
	return s, m, upstream
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

func TestHealthz(t *testing.T) {
	s, _, _ := newTestStack(t, "http://unused.test")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "status", status.Type)
	assert.True(t, status.IsConnected)
}

func TestCandlesProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/BTC-USD/candles", r.URL.Path)
		_, _ = w.Write([]byte(`[[1700000060, 98.0, 100.5, 99.0, 100.0, 8.25]]`))
	}))
	defer upstream.Close()

	s, _, _ := newTestStack(t, upstream.URL)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/candles?product_id=BTC-USD&granularity=60")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []candles.Candle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1700000060), rows[0].Time)
}

func TestCandlesValidation(t *testing.T) {
	s, _, _ := newTestStack(t, "http://unused.test")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/candles")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/candles?product_id=BTC-USD&granularity=banana")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketPush(t *testing.T) {
	s, _, upstream := newTestStack(t, "http://unused.test")
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pushLoop(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "watch", ProductID: "BTC-USD"}))

	// Wait for the subscribe to reach the upstream feed; events for
	// unsubscribed products are dropped.
	select {
	case <-upstream.writes:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe never reached the feed")
	}
	upstream.deliver(btcSnapshot)

	deadline := time.Now().Add(2 * time.Second)
	var sawStatus, sawTicker bool
	var ob orderbookMessage
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &probe))

		switch probe.Type {
		case "status":
			sawStatus = true
		case "ticker":
			var tick tickerMessage
			require.NoError(t, json.Unmarshal(data, &tick))
			assert.Equal(t, "BTC-USD", tick.ProductID)
			assert.InDelta(t, 100.25, tick.MidPrice, 1e-9)
			assert.Equal(t, "100.00", tick.BestBid)
			assert.Equal(t, "100.50", tick.BestAsk)
			sawTicker = true
		case "orderbook":
			require.NoError(t, json.Unmarshal(data, &ob))
		}

		if sawStatus && sawTicker && len(ob.Bids) == 2 {
			break
		}
	}

	require.True(t, sawStatus, "status message expected")
	require.True(t, sawTicker, "ticker message expected")
	require.Len(t, ob.Bids, 2)
	assert.Equal(t, "100.00", ob.Bids[0].Price)
	assert.Equal(t, "1", ob.Bids[0].Cumulative)
	assert.Equal(t, "3", ob.Bids[1].Cumulative)
	require.Len(t, ob.Asks, 1)
	assert.Equal(t, "100.50", ob.Asks[0].Price)
}
