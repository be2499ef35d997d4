// Package config loads and validates the marlin configuration from a YAML
// file, with environment variable overrides for credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "15m", or from plain integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && value.Tag != "!!int" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return d.Std().String() }

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marlin trading client.
type Config struct {
	Broker    Broker          `yaml:"broker"`
	Storage   Storage         `yaml:"storage"`
	Trading   TradingConfig   `yaml:"trading"`
	Execution ExecutionConfig `yaml:"execution"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	API       API             `yaml:"api"`
	Logging   Logging         `yaml:"logging"`
}

// API configures the optional read-only status HTTP API. An empty
// listen address disables it.
type API struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Broker holds credentials and endpoints for the brokerage REST API.
type Broker struct {
	Environment    string   `yaml:"environment"` // "SIM" or "LIVE"
	BaseURL        string   `yaml:"base_url"`
	AccessToken    string   `yaml:"access_token"`
	AccountKey     string   `yaml:"account_key"`
	ClientKey      string   `yaml:"client_key"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// WatchlistEntry is one instrument to trade. UIC may be zero, in which case
// it is resolved through instrument search at startup.
type WatchlistEntry struct {
	Symbol    string `yaml:"symbol"`
	AssetType string `yaml:"asset_type"`
	UIC       int    `yaml:"uic"`
}

// TradingConfig defines the watchlist, sizing, and risk limits.
type TradingConfig struct {
	Watchlist       []WatchlistEntry `yaml:"watchlist"`
	DefaultQuantity string           `yaml:"default_quantity"` // decimal string
	MaxPositions    int              `yaml:"max_positions"`
	MaxDailyTrades  int              `yaml:"max_daily_trades"`
	MaxWorkers      int              `yaml:"max_workers"`
	CycleInterval   Duration         `yaml:"cycle_interval"`
	MaxQuoteAge     Duration         `yaml:"max_quote_age"`
	HoursMode       string           `yaml:"hours_mode"` // "always", "fixed", "instrument"
	TradingStart    string           `yaml:"trading_start"`
	TradingEnd      string           `yaml:"trading_end"`
	Timezone        string           `yaml:"timezone"`
}

// ExecutionConfig holds pipeline retry and reconciliation knobs.
type ExecutionConfig struct {
	DryRun                bool     `yaml:"dry_run"`
	PrecheckRetries       int      `yaml:"precheck_retries"`
	PrecheckBackoff       Duration `yaml:"precheck_backoff"`
	ReconcileMaxAttempts  int      `yaml:"reconcile_max_attempts"`
	ReconcilePollInterval Duration `yaml:"reconcile_poll_interval"`
	CycleDeadline         Duration `yaml:"cycle_deadline"`
	DisclaimerCacheTTL    Duration `yaml:"disclaimer_cache_ttl"`
	DuplicateBuyPolicy    string   `yaml:"duplicate_buy_policy"` // "block" or "warn"
	AllowShortCovering    bool     `yaml:"allow_short_covering"`
}

// StrategyConfig selects and parameterizes the signal strategy.
type StrategyConfig struct {
	Name         string `yaml:"name"`
	ShortWindow  int    `yaml:"short_window"`
	LongWindow   int    `yaml:"long_window"`
	ThresholdBps int    `yaml:"threshold_bps"`
	CooldownBars int    `yaml:"cooldown_bars"`
	BarMinutes   int    `yaml:"bar_minutes"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, fills defaults, and
// validates the result. A .env file in the working directory, if present, is
// loaded first so credentials never need to live in the YAML file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MARLIN_ACCESS_TOKEN"); v != "" {
		cfg.Broker.AccessToken = v
	}
	if v := os.Getenv("MARLIN_ACCOUNT_KEY"); v != "" {
		cfg.Broker.AccountKey = v
	}
	if v := os.Getenv("MARLIN_CLIENT_KEY"); v != "" {
		cfg.Broker.ClientKey = v
	}
	if v := os.Getenv("MARLIN_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("MARLIN_ENV"); v != "" {
		cfg.Broker.Environment = v
	}
	if v := os.Getenv("MARLIN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MARLIN_API_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("MARLIN_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Execution.DryRun = b
		}
	}
}

// applyDefaults fills zero-valued fields with workable defaults.
func applyDefaults(cfg *Config) {
	if cfg.Broker.Environment == "" {
		cfg.Broker.Environment = "SIM"
	}
	if cfg.Broker.RequestsPerMin <= 0 {
		cfg.Broker.RequestsPerMin = 120
	}
	if cfg.Broker.RequestTimeout <= 0 {
		cfg.Broker.RequestTimeout = Duration(30 * time.Second)
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/marlin.db"
	}
	if cfg.Trading.DefaultQuantity == "" {
		cfg.Trading.DefaultQuantity = "1"
	}
	if cfg.Trading.MaxPositions <= 0 {
		cfg.Trading.MaxPositions = 5
	}
	if cfg.Trading.MaxDailyTrades <= 0 {
		cfg.Trading.MaxDailyTrades = 10
	}
	if cfg.Trading.MaxWorkers <= 0 {
		cfg.Trading.MaxWorkers = 4
	}
	if cfg.Trading.CycleInterval <= 0 {
		cfg.Trading.CycleInterval = Duration(15 * time.Minute)
	}
	if cfg.Trading.MaxQuoteAge <= 0 {
		cfg.Trading.MaxQuoteAge = Duration(2 * time.Minute)
	}
	if cfg.Trading.HoursMode == "" {
		cfg.Trading.HoursMode = "always"
	}
	if cfg.Execution.PrecheckRetries <= 0 {
		cfg.Execution.PrecheckRetries = 1
	}
	if cfg.Execution.PrecheckBackoff <= 0 {
		cfg.Execution.PrecheckBackoff = Duration(2 * time.Second)
	}
	if cfg.Execution.ReconcileMaxAttempts <= 0 {
		cfg.Execution.ReconcileMaxAttempts = 3
	}
	if cfg.Execution.ReconcilePollInterval <= 0 {
		cfg.Execution.ReconcilePollInterval = Duration(2 * time.Second)
	}
	if cfg.Execution.CycleDeadline <= 0 {
		cfg.Execution.CycleDeadline = Duration(5 * time.Minute)
	}
	if cfg.Execution.DisclaimerCacheTTL <= 0 {
		cfg.Execution.DisclaimerCacheTTL = Duration(5 * time.Minute)
	}
	if cfg.Execution.DuplicateBuyPolicy == "" {
		cfg.Execution.DuplicateBuyPolicy = "block"
	}
	if cfg.Strategy.Name == "" {
		cfg.Strategy.Name = "ma_cross"
	}
	if cfg.Strategy.ShortWindow <= 0 {
		cfg.Strategy.ShortWindow = 5
	}
	if cfg.Strategy.LongWindow <= 0 {
		cfg.Strategy.LongWindow = 20
	}
	if cfg.Strategy.BarMinutes <= 0 {
		cfg.Strategy.BarMinutes = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks configuration values and ranges, failing fast on anything
// that would otherwise surface as a mid-cycle programmer error.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.AccessToken == "" && !c.Execution.DryRun {
		return fmt.Errorf("broker.access_token is required unless execution.dry_run is set")
	}
	if c.Broker.AccountKey == "" {
		return fmt.Errorf("broker.account_key is required")
	}
	if c.Broker.ClientKey == "" {
		return fmt.Errorf("broker.client_key is required")
	}
	if len(c.Trading.Watchlist) == 0 {
		return fmt.Errorf("trading.watchlist must contain at least one instrument")
	}
	for i, w := range c.Trading.Watchlist {
		if w.Symbol == "" {
			return fmt.Errorf("trading.watchlist[%d]: symbol is required", i)
		}
		if w.AssetType == "" {
			return fmt.Errorf("trading.watchlist[%d]: asset_type is required", i)
		}
	}

	qty, err := decimal.NewFromString(c.Trading.DefaultQuantity)
	if err != nil {
		return fmt.Errorf("trading.default_quantity %q is not a valid decimal: %w", c.Trading.DefaultQuantity, err)
	}
	if qty.Sign() <= 0 {
		return fmt.Errorf("trading.default_quantity must be positive, got %s", qty)
	}

	switch c.Trading.HoursMode {
	case "always", "fixed", "instrument":
	default:
		return fmt.Errorf("trading.hours_mode must be one of always, fixed, instrument; got %q", c.Trading.HoursMode)
	}
	if c.Trading.HoursMode == "fixed" {
		if c.Trading.TradingStart == "" || c.Trading.TradingEnd == "" || c.Trading.Timezone == "" {
			return fmt.Errorf("trading_start, trading_end, and timezone are required when hours_mode is fixed")
		}
	}

	switch c.Execution.DuplicateBuyPolicy {
	case "block", "warn":
	default:
		return fmt.Errorf("execution.duplicate_buy_policy must be block or warn; got %q", c.Execution.DuplicateBuyPolicy)
	}

	if c.Strategy.ShortWindow >= c.Strategy.LongWindow {
		return fmt.Errorf("strategy.short_window (%d) must be < strategy.long_window (%d)",
			c.Strategy.ShortWindow, c.Strategy.LongWindow)
	}
	return nil
}

// DefaultQuantityDecimal returns the parsed default order quantity. Validate
// guarantees this parses, so errors here indicate the Config was constructed
// without Load.
func (c *Config) DefaultQuantityDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Trading.DefaultQuantity)
}
