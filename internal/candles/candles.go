package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Candle is one OHLCV bucket. Time is seconds since epoch.
type Candle struct {
	Time   int64   `json:"time"`
	Low    float64 `json:"low"`
	High   float64 `json:"high"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Client fetches historical candles from the exchange REST endpoint. The
// response rows are 6-tuples [time, low, high, open, close, volume].
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a candle client against baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger.With().Str("component", "candles").Logger(),
	}
}

// Get fetches candles for a product at the given granularity (in seconds)
// between start and end, sorted by time ascending.
func (c *Client) Get(ctx context.Context, productID string, granularity int, start, end time.Time) ([]Candle, error) {
	endpoint := fmt.Sprintf("%s/products/%s/candles", c.baseURL, url.PathEscape(productID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("granularity", strconv.Itoa(granularity))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("candles request for %s returned %s", productID, resp.Status)
	}

	var rows [][]float64
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode candles: %w", err)
	}

	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			c.log.Warn().Int("fields", len(row)).Msg("short candle row, skipping")
			continue
		}
		out = append(out, Candle{
			Time:   int64(row[0]),
			Low:    row[1],
			High:   row[2],
			Open:   row[3],
			Close:  row[4],
			Volume: row[5],
		})
	}

	// The endpoint returns newest first; charts consume oldest first.
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}
