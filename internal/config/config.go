// Package config loads and validates the YAML configuration for the
// tradewind engine, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// or "2m". Plain integers are taken as nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("cannot parse %v (%T) as duration", raw, raw)
	}
}

// Config is the top-level configuration for the tradewind engine.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Trading    TradingConfig    `yaml:"trading"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the ops endpoints.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig controls retry, timeout, and rate-limit behaviour for venue
// calls.
type GatewayConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	CallTimeout     Duration `yaml:"call_timeout"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	Cooldown        Duration `yaml:"cooldown"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	QuoteAsset       string  `yaml:"quote_asset"`
	MaxPositionPct   float64 `yaml:"max_position_pct"`
	MaxDailyLossPct  float64 `yaml:"max_daily_loss_pct"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	EquityTradePct   float64 `yaml:"equity_trade_pct"`
	PaperMode        bool    `yaml:"paper_mode"`
}

// ReconcileConfig controls the reconciler's cadence and drift tolerance.
// Both are deliberately tunable rather than hard-coded.
type ReconcileConfig struct {
	Interval     Duration `yaml:"interval"`
	DriftEpsilon float64  `yaml:"drift_epsilon"`
}

// AlertingConfig configures the outbound notification channel.
type AlertingConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// StrategyConfig is the declarative descriptor for one strategy instance.
// Params are opaque to the engine and handed to the strategy factory.
type StrategyConfig struct {
	ID        string             `yaml:"id"`
	Kind      string             `yaml:"kind"`
	Symbols   []string           `yaml:"symbols"`
	Interval  Duration           `yaml:"interval"`
	Window    int                `yaml:"window"`
	Timeframe string             `yaml:"timeframe"`
	Params    map[string]float64 `yaml:"params"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TELEGRAM_API_KEY"); v != "" {
		cfg.Alerting.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Alerting.TelegramChatID = v
	}

	// Standard Alpaca env vars take highest priority; the SDK uses these names.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero values with safe operating defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.MaxAttempts == 0 {
		cfg.Gateway.MaxAttempts = 4
	}
	if cfg.Gateway.BaseDelay == 0 {
		cfg.Gateway.BaseDelay = Duration(500 * time.Millisecond)
	}
	if cfg.Gateway.MaxDelay == 0 {
		cfg.Gateway.MaxDelay = Duration(30 * time.Second)
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = Duration(10 * time.Second)
	}
	if cfg.Gateway.RateLimitPerMin == 0 {
		cfg.Gateway.RateLimitPerMin = 180
	}
	if cfg.Gateway.Cooldown == 0 {
		cfg.Gateway.Cooldown = Duration(5 * time.Second)
	}

	if cfg.Reconcile.Interval == 0 {
		cfg.Reconcile.Interval = Duration(30 * time.Second)
	}
	if cfg.Reconcile.DriftEpsilon == 0 {
		cfg.Reconcile.DriftEpsilon = 1e-9
	}

	if cfg.Trading.QuoteAsset == "" {
		cfg.Trading.QuoteAsset = "USD"
	}
	if cfg.Trading.EquityTradePct == 0 {
		cfg.Trading.EquityTradePct = 100
	}
	if cfg.Trading.MaxOpenPositions == 0 {
		cfg.Trading.MaxOpenPositions = 1
	}

	for i := range cfg.Strategies {
		if cfg.Strategies[i].Interval == 0 {
			cfg.Strategies[i].Interval = Duration(time.Minute)
		}
		if cfg.Strategies[i].Window == 0 {
			cfg.Strategies[i].Window = 200
		}
		if cfg.Strategies[i].Timeframe == "" {
			cfg.Strategies[i].Timeframe = "1h"
		}
	}
}

// validate rejects configurations the engine cannot run with.
func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategy descriptor missing id (kind %q)", sc.Kind)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate strategy id %q", sc.ID)
		}
		seen[sc.ID] = true
		if sc.Kind == "" {
			return fmt.Errorf("strategy %q missing kind", sc.ID)
		}
		if len(sc.Symbols) == 0 {
			return fmt.Errorf("strategy %q declares no symbols", sc.ID)
		}
	}
	if cfg.Trading.MaxPositionPct < 0 || cfg.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct %v out of range [0,1]", cfg.Trading.MaxPositionPct)
	}
	if !cfg.Trading.PaperMode && (cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "") {
		return fmt.Errorf("live mode requires alpaca credentials")
	}
	return nil
}
