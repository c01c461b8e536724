// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig    `yaml:"system"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Store     StoreConfig     `yaml:"store"`
	Market    MarketConfig    `yaml:"market"`
	Risk      RiskConfig      `yaml:"risk"`
	Grid      GridConfig      `yaml:"grid"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Traders   []TraderConfig  `yaml:"traders"`
	Providers []ProviderConfig `yaml:"providers"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	InitialBalancePerTrader  float64 `yaml:"initial_balance_per_trader"`
	StrictProviderValidation bool    `yaml:"strict_provider_validation"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`
	SecretKey      string `yaml:"secret_key"`
	BaseURL        string `yaml:"base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	Testnet        bool   `yaml:"testnet"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RecvWindowMs   int    `yaml:"recv_window_ms"`
}

// StoreConfig contains record store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MarketConfig contains market data settings
type MarketConfig struct {
	AllowedSymbols  []string `yaml:"allowed_symbols"`
	CacheTTLSeconds int      `yaml:"market_cache_ttl_seconds"`
	KlineInterval   string   `yaml:"kline_interval"`
	KlineLimit      int      `yaml:"kline_limit"`
	EnableStream    bool     `yaml:"enable_stream"`
}

// RiskConfig contains per-trader risk limits
type RiskConfig struct {
	MinTrade              float64 `yaml:"min_trade"`
	MaxTrade              float64 `yaml:"max_trade"`
	MaxOpenPositions      int     `yaml:"max_open_positions"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	MaxLeverage           int     `yaml:"max_leverage"`
	StopLossMinPct        float64 `yaml:"stop_loss_min_pct"`
	StopLossMaxPct        float64 `yaml:"stop_loss_max_pct"`
	TakeProfitMinPct      float64 `yaml:"take_profit_min_pct"`
	TakeProfitMaxPct      float64 `yaml:"take_profit_max_pct"`
}

// GridConfig contains grid engine limits
type GridConfig struct {
	LevelMin      int     `yaml:"grid_level_min"`
	LevelMax      int     `yaml:"grid_level_max"`
	InvestmentMin float64 `yaml:"grid_investment_min"`
	InvestmentMax float64 `yaml:"grid_investment_max"`
	FeeRate       float64 `yaml:"fee_rate"`
}

// SchedulerConfig contains cycle cadence settings
type SchedulerConfig struct {
	DecisionIntervalSeconds  int `yaml:"decision_interval_seconds"`
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	FlushIntervalSeconds     int `yaml:"flush_interval_seconds"`
	MaxConcurrentTraders     int `yaml:"max_concurrent_traders"`
	ShutdownGraceSeconds     int `yaml:"shutdown_grace_seconds"`
}

// TraderConfig binds one trader to a decision provider
type TraderConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Enabled  bool   `yaml:"enabled"`
}

// ProviderConfig describes one decision provider endpoint
type ProviderConfig struct {
	Name           string  `yaml:"name"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	CostPer1kIn    float64 `yaml:"cost_per_1k_in"`
	CostPer1kOut   float64 `yaml:"cost_per_1k_out"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Exchange.TimeoutSeconds == 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Store.Path == "" {
		c.Store.Path = "gridarena.db"
	}
	if c.Market.CacheTTLSeconds == 0 {
		c.Market.CacheTTLSeconds = 30
	}
	if c.Market.KlineInterval == "" {
		c.Market.KlineInterval = "15m"
	}
	if c.Market.KlineLimit == 0 {
		c.Market.KlineLimit = 100
	}
	if c.Scheduler.DecisionIntervalSeconds == 0 {
		c.Scheduler.DecisionIntervalSeconds = 300
	}
	if c.Scheduler.ReconcileIntervalSeconds == 0 {
		c.Scheduler.ReconcileIntervalSeconds = 180
	}
	if c.Scheduler.FlushIntervalSeconds == 0 {
		c.Scheduler.FlushIntervalSeconds = 60
	}
	if c.Scheduler.MaxConcurrentTraders == 0 {
		c.Scheduler.MaxConcurrentTraders = 4
	}
	if c.Scheduler.ShutdownGraceSeconds == 0 {
		c.Scheduler.ShutdownGraceSeconds = 10
	}
	if c.Grid.LevelMin == 0 {
		c.Grid.LevelMin = 5
	}
	if c.Grid.LevelMax == 0 {
		c.Grid.LevelMax = 8
	}
	if c.Grid.FeeRate == 0 {
		c.Grid.FeeRate = 0.0005
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 20
	}
	if c.Risk.MaxOpenPositions == 0 {
		c.Risk.MaxOpenPositions = 3
	}
	if c.Risk.MaxPositionsPerSymbol == 0 {
		c.Risk.MaxPositionsPerSymbol = 1
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMarket(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateGrid(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTraders(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required",
		}
	}
	return nil
}

func (c *Config) validateMarket() error {
	if len(c.Market.AllowedSymbols) == 0 {
		return ValidationError{
			Field:   "market.allowed_symbols",
			Message: "at least one symbol must be allowed",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MinTrade < 0 {
		return ValidationError{
			Field:   "risk.min_trade",
			Value:   c.Risk.MinTrade,
			Message: "must not be negative",
		}
	}
	if c.Risk.MaxTrade > 0 && c.Risk.MaxTrade < c.Risk.MinTrade {
		return ValidationError{
			Field:   "risk.max_trade",
			Value:   c.Risk.MaxTrade,
			Message: "must be >= min_trade",
		}
	}
	if c.Risk.MaxLeverage < 1 {
		return ValidationError{
			Field:   "risk.max_leverage",
			Value:   c.Risk.MaxLeverage,
			Message: "must be at least 1",
		}
	}
	if c.Risk.StopLossMaxPct < c.Risk.StopLossMinPct {
		return ValidationError{
			Field:   "risk.stop_loss_max_pct",
			Value:   c.Risk.StopLossMaxPct,
			Message: "must be >= stop_loss_min_pct",
		}
	}
	if c.Risk.TakeProfitMaxPct < c.Risk.TakeProfitMinPct {
		return ValidationError{
			Field:   "risk.take_profit_max_pct",
			Value:   c.Risk.TakeProfitMaxPct,
			Message: "must be >= take_profit_min_pct",
		}
	}
	return nil
}

func (c *Config) validateGrid() error {
	if c.Grid.LevelMin < 2 {
		return ValidationError{
			Field:   "grid.grid_level_min",
			Value:   c.Grid.LevelMin,
			Message: "must be at least 2",
		}
	}
	if c.Grid.LevelMax < c.Grid.LevelMin {
		return ValidationError{
			Field:   "grid.grid_level_max",
			Value:   c.Grid.LevelMax,
			Message: "must be >= grid_level_min",
		}
	}
	if c.Grid.FeeRate < 0 || c.Grid.FeeRate >= 1 {
		return ValidationError{
			Field:   "grid.fee_rate",
			Value:   c.Grid.FeeRate,
			Message: "must be in [0, 1)",
		}
	}
	if c.Grid.InvestmentMax > 0 && c.Grid.InvestmentMax < c.Grid.InvestmentMin {
		return ValidationError{
			Field:   "grid.grid_investment_max",
			Value:   c.Grid.InvestmentMax,
			Message: "must be >= grid_investment_min",
		}
	}
	return nil
}

func (c *Config) validateTraders() error {
	if len(c.Traders) == 0 {
		return ValidationError{
			Field:   "traders",
			Message: "at least one trader must be configured",
		}
	}

	seen := make(map[string]bool)
	providers := make(map[string]bool)
	for _, p := range c.Providers {
		providers[p.Name] = true
	}

	for i, t := range c.Traders {
		if t.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].id", i),
				Message: "trader id is required",
			}
		}
		if seen[t.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].id", i),
				Value:   t.ID,
				Message: "trader id must be unique",
			}
		}
		seen[t.ID] = true

		if t.Provider == "" {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].provider", i),
				Message: "provider binding is required",
			}
		}
		if c.StrictProviderValidation && !providers[t.Provider] {
			return ValidationError{
				Field:   fmt.Sprintf("traders[%d].provider", i),
				Value:   t.Provider,
				Message: "provider not declared in providers section",
			}
		}
	}

	if c.InitialBalancePerTrader <= 0 {
		return ValidationError{
			Field:   "initial_balance_per_trader",
			Value:   c.InitialBalancePerTrader,
			Message: "must be positive",
		}
	}

	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(configCopy.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(configCopy.Exchange.SecretKey)
	configCopy.Providers = append([]ProviderConfig(nil), c.Providers...)
	for i := range configCopy.Providers {
		configCopy.Providers[i].APIKey = maskString(configCopy.Providers[i].APIKey)
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Exchange: ExchangeConfig{
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
			Testnet:   true,
		},
		Market: MarketConfig{
			AllowedSymbols: []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
		},
		Risk: RiskConfig{
			MinTrade:         10,
			MaxTrade:         500,
			StopLossMinPct:   1,
			StopLossMaxPct:   30,
			TakeProfitMinPct: 1,
			TakeProfitMaxPct: 50,
		},
		Grid: GridConfig{
			InvestmentMin: 50,
			InvestmentMax: 1000,
		},
		Traders: []TraderConfig{
			{ID: "LLM-A", Provider: "primary", Enabled: true},
			{ID: "LLM-B", Provider: "primary", Enabled: true},
			{ID: "LLM-C", Provider: "primary", Enabled: true},
		},
		Providers: []ProviderConfig{
			{Name: "primary", BaseURL: "http://localhost:8080/v1", Model: "test", TimeoutSeconds: 30},
		},
		InitialBalancePerTrader: 1000,
	}
	cfg.applyDefaults()
	return cfg
}
