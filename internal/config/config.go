package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Server    ServerConfig    `toml:"server"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Decision  DecisionConfig  `toml:"decision"`
	Insight   InsightConfig   `toml:"insight"`
	Source    SourceConfig    `toml:"source"`
	Stream    StreamConfig    `toml:"stream"`
	Redis     RedisConfig     `toml:"redis"`
	Collector CollectorConfig `toml:"collector"`
}

type GeneralConfig struct {
	DBPath   string `toml:"db_path"`
	LogLevel string `toml:"log_level"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type ScheduleConfig struct {
	TickInterval    Duration `toml:"tick_interval"`
	CollectorSpec   string   `toml:"collector_spec"`
	PerformanceSpec string   `toml:"performance_spec"`
}

type LedgerConfig struct {
	InitialBalance float64 `toml:"initial_balance"`
}

type AnalysisConfig struct {
	Lookback        int     `toml:"lookback"`
	MomentumWindow  int     `toml:"momentum_window"`
	HistoryLength   int     `toml:"history_length"`
	TrendWeight     float64 `toml:"trend_weight"`
	MomentumWeight  float64 `toml:"momentum_weight"`
	SentimentWeight float64 `toml:"sentiment_weight"`
	MaxMarkets      int     `toml:"max_markets"`
}

type DecisionConfig struct {
	EntryScore          float64 `toml:"entry_score"`
	NeutralBand         float64 `toml:"neutral_band"`
	TakeProfit          float64 `toml:"take_profit"`
	StopLoss            float64 `toml:"stop_loss"`
	MaxPositionFraction float64 `toml:"max_position_fraction"`
	MaxTradeSize        float64 `toml:"max_trade_size"`
	MinTradeSize        float64 `toml:"min_trade_size"`
	BearishMode         string  `toml:"bearish_mode"`
	MaxTradesPerTick    int     `toml:"max_trades_per_tick"`
}

type InsightConfig struct {
	Enabled   bool     `toml:"enabled"`
	Model     string   `toml:"model"`
	MaxTokens int64    `toml:"max_tokens"`
	Timeout   Duration `toml:"timeout"`
	// APIKey is read from ANTHROPIC_API_KEY, never from the file.
	APIKey string `toml:"-"`
}

type SourceConfig struct {
	Provider   string   `toml:"provider"`
	GammaURL   string   `toml:"gamma_url"`
	Limit      int      `toml:"limit"`
	Timeout    Duration `toml:"timeout"`
	StaleAfter Duration `toml:"stale_after"`
}

type StreamConfig struct {
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	Backlog          int      `toml:"backlog"`
	DedupWindow      Duration `toml:"dedup_window"`
	PingInterval     Duration `toml:"ping_interval"`
	MaxWriteFailures int      `toml:"max_write_failures"`
	ReconnectDelay   Duration `toml:"reconnect_delay"`
}

type RedisConfig struct {
	// URL is read from REDIS_URL when empty. Empty disables the mirror.
	URL     string `toml:"url"`
	Channel string `toml:"channel"`
}

type CollectorConfig struct {
	Enabled      bool    `toml:"enabled"`
	MinLiquidity float64 `toml:"min_liquidity"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error; secrets are taken from the environment afterwards.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Insight.APIKey = key
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if addr := os.Getenv("POLYPULSE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if url := os.Getenv("POLYMARKET_API_URL"); url != "" {
		c.Source.GammaURL = url
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Ledger.InitialBalance <= 0 {
		return fmt.Errorf("ledger.initial_balance must be positive")
	}
	if c.Schedule.TickInterval.Duration <= 0 {
		return fmt.Errorf("schedule.tick_interval must be positive")
	}
	if c.Analysis.Lookback < 2 {
		return fmt.Errorf("analysis.lookback must be at least 2")
	}
	if c.Analysis.MomentumWindow < 1 || c.Analysis.MomentumWindow > c.Analysis.Lookback {
		return fmt.Errorf("analysis.momentum_window must be between 1 and lookback")
	}
	if c.Analysis.HistoryLength <= c.Analysis.Lookback {
		return fmt.Errorf("analysis.history_length must exceed lookback")
	}
	if c.Decision.MaxPositionFraction <= 0 || c.Decision.MaxPositionFraction > 1 {
		return fmt.Errorf("decision.max_position_fraction must be in (0, 1]")
	}
	switch c.Decision.BearishMode {
	case "buy_opposite", "short_primary":
	default:
		return fmt.Errorf("decision.bearish_mode must be buy_opposite or short_primary, got %q", c.Decision.BearishMode)
	}
	switch c.Source.Provider {
	case "polymarket", "manifold":
	default:
		return fmt.Errorf("source.provider must be polymarket or manifold, got %q", c.Source.Provider)
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("stream.subscriber_buffer must be at least 1")
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DBPath:   "./data/polypulse.db",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Schedule: ScheduleConfig{
			TickInterval:    Duration{3 * time.Second},
			CollectorSpec:   "@every 15m",
			PerformanceSpec: "@every 1h",
		},
		Ledger: LedgerConfig{
			InitialBalance: 2000,
		},
		Analysis: AnalysisConfig{
			Lookback:        10,
			MomentumWindow:  3,
			HistoryLength:   120,
			TrendWeight:     0.4,
			MomentumWeight:  0.3,
			SentimentWeight: 0.3,
			MaxMarkets:      30,
		},
		Decision: DecisionConfig{
			EntryScore:          40,
			NeutralBand:         10,
			TakeProfit:          0.10,
			StopLoss:            0.05,
			MaxPositionFraction: 0.05,
			MaxTradeSize:        50,
			MinTradeSize:        10,
			BearishMode:         "buy_opposite",
			MaxTradesPerTick:    20,
		},
		Insight: InsightConfig{
			Enabled:   true,
			Model:     "claude-sonnet-4-5",
			MaxTokens: 512,
			Timeout:   Duration{5 * time.Second},
		},
		Source: SourceConfig{
			Provider:   "polymarket",
			GammaURL:   "https://gamma-api.polymarket.com",
			Limit:      50,
			Timeout:    Duration{5 * time.Second},
			StaleAfter: Duration{10 * time.Minute},
		},
		Stream: StreamConfig{
			SubscriberBuffer: 64,
			Backlog:          50,
			DedupWindow:      Duration{2 * time.Second},
			PingInterval:     Duration{30 * time.Second},
			MaxWriteFailures: 3,
			ReconnectDelay:   Duration{3 * time.Second},
		},
		Redis: RedisConfig{
			Channel: "polypulse:events",
		},
		Collector: CollectorConfig{
			Enabled:      true,
			MinLiquidity: 1000,
		},
	}
}
