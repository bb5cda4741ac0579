package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"marketfeed/internal/aggregation"
	"marketfeed/internal/book"
	"marketfeed/internal/candles"
	"marketfeed/internal/market"
)

// Config holds the server settings.
type Config struct {
	Addr         string
	PushInterval time.Duration
}

// clientMessage is what a browser consumer sends over the websocket.
type clientMessage struct {
	Type      string  `json:"type"`
	ProductID string  `json:"product_id,omitempty"`
	Increment float64 `json:"increment,omitempty"`
}

// wireLevel is one displayed price level, with a running cumulative size.
type wireLevel struct {
	Price      string `json:"price"`
	Size       string `json:"size"`
	Cumulative string `json:"cumulative"`
	Exchange   string `json:"exchange,omitempty"`
}

type orderbookMessage struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Timestamp int64       `json:"timestamp"`
}

type tickerMessage struct {
	Type      string  `json:"type"`
	ProductID string  `json:"product_id"`
	BestBid   string  `json:"bestBid"`
	BestAsk   string  `json:"bestAsk"`
	MidPrice  float64 `json:"midPrice"`
}

type statusMessage struct {
	Type         string `json:"type"`
	IsConnected  bool   `json:"isConnected"`
	IsConnecting bool   `json:"isConnecting"`
	Error        string `json:"error,omitempty"`
}

// Server pushes live order-book state to browser consumers over a local
// websocket and proxies the historical-candle endpoint for the charting
// widget. It only consumes the market layer's public surface.
type Server struct {
	cfg     Config
	log     zerolog.Logger
	market  *market.Market
	candles *candles.Client

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*clientConn]struct{}
}

// clientConn is one attached browser consumer: which product it watches and
// at what aggregation increment.
type clientConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	view      *market.View
	increment float64
}

// New builds the server on top of the market layer.
func New(cfg Config, m *market.Market, candleClient *candles.Client, logger zerolog.Logger) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 200 * time.Millisecond
	}
	return &Server{
		cfg:     cfg,
		log:     logger.With().Str("component", "server").Logger(),
		market:  m,
		candles: candleClient,
		clients: make(map[*clientConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router wires the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/api/candles", s.handleCandles).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Router()}

	go s.pushLoop(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.market.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusMessage{
		Type:         "status",
		IsConnected:  snap.IsConnected,
		IsConnecting: snap.IsConnecting,
		Error:        errText(snap),
	})
}

func errText(snap market.Snapshot) string {
	if snap.Err == nil {
		return ""
	}
	return snap.Err.Error()
}

// handleCandles proxies the historical-candle REST endpoint for the charting
// widget. Start and end are unix seconds; the window defaults to the last
// six hours at one-minute granularity.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		http.Error(w, "product_id is required", http.StatusBadRequest)
		return
	}

	granularity := 60
	if raw := r.URL.Query().Get("granularity"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "invalid granularity", http.StatusBadRequest)
			return
		}
		granularity = v
	}

	end := time.Now()
	start := end.Add(-6 * time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = time.Unix(v, 0)
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
		end = time.Unix(v, 0)
	}

	rows, err := s.candles.Get(r.Context(), productID, granularity, start, end)
	if err != nil {
		s.log.Error().Err(err).Str("product", productID).Msg("candle fetch failed")
		http.Error(w, "upstream candle fetch failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &clientConn{conn: conn}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("consumer connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()

		c.mu.Lock()
		if c.view != nil {
			c.view.Release()
			c.view = nil
		}
		c.mu.Unlock()

		_ = conn.Close()
		s.log.Info().Str("remote", r.RemoteAddr).Msg("consumer disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn().Err(err).Msg("bad consumer message")
			continue
		}
		s.handleClientMessage(c, msg)
	}
}

func (s *Server) handleClientMessage(c *clientConn, msg clientMessage) {
	switch msg.Type {
	case "watch":
		if msg.ProductID == "" {
			return
		}
		c.mu.Lock()
		old := c.view
		c.view = s.market.View(msg.ProductID)
		c.mu.Unlock()
		if old != nil {
			old.Release()
		}
	case "set_increment":
		if msg.Increment < 0 {
			return
		}
		c.mu.Lock()
		c.increment = msg.Increment
		c.mu.Unlock()
	default:
		s.log.Warn().Str("type", msg.Type).Msg("unknown consumer message type")
	}
}

// pushLoop periodically pushes each consumer its watched product's state.
func (s *Server) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pushAll()
		}
	}
}

func (s *Server) pushAll() {
	s.mu.RLock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	snap := s.market.Snapshot()
	status := statusMessage{
		Type:         "status",
		IsConnected:  snap.IsConnected,
		IsConnecting: snap.IsConnecting,
		Error:        errText(snap),
	}
	now := time.Now().UnixMilli()

	for _, c := range clients {
		if err := s.pushClient(c, snap, status, now); err != nil {
			s.log.Warn().Err(err).Msg("consumer write failed, dropping")
			_ = c.conn.Close()
		}
	}
}

func (s *Server) pushClient(c *clientConn, snap market.Snapshot, status statusMessage, now int64) error {
	c.mu.Lock()
	view := c.view
	increment := c.increment
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(status); err != nil {
		return err
	}
	if view == nil {
		return nil
	}

	b, ok := snap.OrderBooks[view.ProductID()]
	if !ok {
		return nil
	}

	msg := orderbookMessage{
		Type:      "orderbook",
		ProductID: view.ProductID(),
		Bids:      wireLevels(aggregation.Bucket(b.Bids, book.SideBid, increment)),
		Asks:      wireLevels(aggregation.Bucket(b.Asks, book.SideAsk, increment)),
		Timestamp: now,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}

	if mid, ok := b.MidPrice(); ok {
		bestBid, _ := b.BestBid()
		bestAsk, _ := b.BestAsk()
		ticker := tickerMessage{
			Type:      "ticker",
			ProductID: view.ProductID(),
			BestBid:   view.FormatPrice(bestBid.Price),
			BestAsk:   view.FormatPrice(bestAsk.Price),
			MidPrice:  mid,
		}
		if err := c.conn.WriteJSON(ticker); err != nil {
			return err
		}
	}
	return nil
}

// wireLevels converts entries to the wire shape with cumulative sizes.
func wireLevels(entries []book.Entry) []wireLevel {
	out := make([]wireLevel, 0, len(entries))
	cumulative := decimal.Zero
	for _, e := range entries {
		size, err := decimal.NewFromString(e.Size)
		if err != nil {
			continue
		}
		cumulative = cumulative.Add(size)
		out = append(out, wireLevel{
			Price:      e.Price,
			Size:       e.Size,
			Cumulative: cumulative.String(),
			Exchange:   e.Exchange,
		})
	}
	return out
}
