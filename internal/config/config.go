package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "500ms" or "30s" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration. Feed-protocol constants live
// in FeedConfig and are fixed by the exchange, not meant to be tuned per
// deployment; the yaml overlay exists for the server address, products and
// logging.
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Server  ServerConfig  `yaml:"server"`
	Candles CandlesConfig `yaml:"candles"`
	Logging LoggingConfig `yaml:"logging"`
}

// FeedConfig holds the upstream streaming-feed settings.
type FeedConfig struct {
	URL                  string   `yaml:"url"`
	Channel              string   `yaml:"channel"`
	Products             []string `yaml:"products"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
}

// ServerConfig holds the consumer-facing HTTP/websocket server settings.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	PushInterval Duration `yaml:"push_interval"`
}

// CandlesConfig holds the historical-candle REST endpoint settings.
type CandlesConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig holds logger settings. Level "off" silences all output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration: the Coinbase Advanced Trade
// level2 feed for a small set of USD pairs.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:                  "wss://advanced-trade-ws.coinbase.com",
			Channel:              "level2",
			Products:             []string{"BTC-USD", "ETH-USD", "LTC-USD"},
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
			MaxReconnectAttempts: 5,
		},
		Server: ServerConfig{
			Addr:         ":8086",
			PushInterval: Duration(200 * time.Millisecond),
		},
		Candles: CandlesConfig{
			BaseURL: "https://api.exchange.coinbase.com",
			Timeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load overlays the yaml file at path onto the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url must not be empty")
	}
	if c.Feed.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("feed.reconnect_base_delay must be positive")
	}
	if c.Feed.ReconnectMaxDelay < c.Feed.ReconnectBaseDelay {
		return fmt.Errorf("feed.reconnect_max_delay must be >= feed.reconnect_base_delay")
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must not be negative")
	}
	return nil
}
