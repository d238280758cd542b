package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/goquant/slipstream/internal/params"
	"github.com/goquant/slipstream/internal/tca"
)

// Config is the full service configuration. Load starts from Default and
// overlays the file, so partial files are valid.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Server   ServerConfig   `yaml:"server"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Models   ModelsConfig   `yaml:"models"`
	Fees     FeesConfig     `yaml:"fees"`
	Publish  PublishConfig  `yaml:"publish"`
	Log      LogConfig      `yaml:"log"`
}

// FeedConfig points the ingestor at one upstream orderbook stream.
type FeedConfig struct {
	URL              string `yaml:"url"`
	ReconnectDelayMS int    `yaml:"reconnect_delay_ms"` // Fixed wait between attempts
	MaxAttempts      int    `yaml:"max_attempts"`       // 0 retries forever
}

// ReconnectDelay returns the retry wait as a time.Duration.
func (f FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(f.ReconnectDelayMS) * time.Millisecond
}

// ServerConfig shapes the HTTP/WS listener.
type ServerConfig struct {
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	ReadTimeoutMS     int      `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int      `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int      `yaml:"shutdown_timeout_ms"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

// DefaultsConfig seeds the parameter store at startup.
type DefaultsConfig struct {
	Exchange   string  `yaml:"exchange"`
	Symbol     string  `yaml:"symbol"`
	OrderType  string  `yaml:"order_type"`
	Quantity   float64 `yaml:"quantity"`
	Volatility float64 `yaml:"volatility"`
	FeeTier    string  `yaml:"fee_tier"`
}

// Parameters converts the section into the store's record.
func (d DefaultsConfig) Parameters() (params.Parameters, error) {
	ot, err := params.ParseOrderType(d.OrderType)
	if err != nil {
		return params.Parameters{}, err
	}
	return params.Parameters{
		Exchange:   d.Exchange,
		Symbol:     d.Symbol,
		OrderType:  ot,
		Quantity:   d.Quantity,
		Volatility: d.Volatility,
		FeeTier:    d.FeeTier,
	}, nil
}

// ModelsConfig tunes the estimators.
type ModelsConfig struct {
	Slippage      tca.SlippageConfig   `yaml:"slippage"`
	Classifier    tca.ClassifierConfig `yaml:"classifier"`
	Impact        tca.ImpactConfig     `yaml:"impact"`
	LatencyWindow int                  `yaml:"latency_window"`
}

// FeesConfig overrides the built-in tier schedule when non-empty. The first
// tier is the fallback for unknown lookups.
type FeesConfig struct {
	Tiers []tca.TierRates `yaml:"tiers"`
}

// PublishConfig wires optional downstream publishers.
type PublishConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig points the analytics publisher at a NATS server. An empty URL
// disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig shapes process logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // Empty logs to stderr only
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:              "wss://ws.gomarket-cpp.goquant.io/ws/l2-orderbook/okx/BTC-USDT-SWAP",
			ReconnectDelayMS: 1000,
			MaxAttempts:      0,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadTimeoutMS:     15000,
			WriteTimeoutMS:    15000,
			ShutdownTimeoutMS: 10000,
			AllowedOrigins:    []string{"*"},
		},
		Defaults: DefaultsConfig{
			Exchange:   "OKX",
			Symbol:     "BTC-USDT-SWAP",
			OrderType:  "market",
			Quantity:   100,
			Volatility: 0.3,
			FeeTier:    "VIP0",
		},
		Models: ModelsConfig{
			Slippage:      tca.DefaultSlippageConfig(),
			Classifier:    tca.DefaultClassifierConfig(),
			Impact:        tca.DefaultImpactConfig(),
			LatencyWindow: tca.DefaultLatencyWindow,
		},
		Publish: PublishConfig{
			NATS: NATSConfig{SubjectPrefix: "slipstream"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates a config file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed url cannot be empty")
	}
	if c.Feed.ReconnectDelayMS < 0 {
		return fmt.Errorf("feed reconnect_delay_ms cannot be negative, got %d", c.Feed.ReconnectDelayMS)
	}
	if c.Feed.MaxAttempts < 0 {
		return fmt.Errorf("feed max_attempts cannot be negative, got %d", c.Feed.MaxAttempts)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutMS < 0 || c.Server.WriteTimeoutMS < 0 || c.Server.ShutdownTimeoutMS < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	if c.Defaults.Quantity <= 0 {
		return fmt.Errorf("defaults quantity must be positive, got %f", c.Defaults.Quantity)
	}
	if c.Defaults.Volatility < 0 {
		return fmt.Errorf("defaults volatility cannot be negative, got %f", c.Defaults.Volatility)
	}
	if _, err := params.ParseOrderType(c.Defaults.OrderType); err != nil {
		return fmt.Errorf("defaults order_type: %w", err)
	}

	if c.Models.LatencyWindow < 0 {
		return fmt.Errorf("models latency_window cannot be negative, got %d", c.Models.LatencyWindow)
	}

	for i, tier := range c.Fees.Tiers {
		if tier.Tier == "" {
			return fmt.Errorf("fees tier %d: name cannot be empty", i)
		}
		if tier.MakerBps < 0 || tier.TakerBps < 0 {
			return fmt.Errorf("fees tier %s: rates cannot be negative", tier.Tier)
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Log.Level, err)
	}

	return nil
}
