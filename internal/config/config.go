// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Risk      RiskConfig      `yaml:"risk"`
	Trading   TradingConfig   `yaml:"trading"`
	Fills     FillsConfig     `yaml:"fills"`
	Autonomy  AutonomyConfig  `yaml:"autonomy"`
	Learning  LearningConfig  `yaml:"learning"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// BrokerConfig contains IBKR Client Portal gateway settings
type BrokerConfig struct {
	Mode                 string  `yaml:"mode"` // live, paper, mock
	Host                 string  `yaml:"host"`
	Port                 int     `yaml:"port"`
	AccountID            string  `yaml:"account_id"`
	QuoteTimeoutSeconds  int     `yaml:"quote_timeout_seconds"`
	ChainTimeoutSeconds  int     `yaml:"chain_timeout_seconds"`
	WhatIfTimeoutSeconds int     `yaml:"whatif_timeout_seconds"`
	OrderTimeoutSeconds  int     `yaml:"order_timeout_seconds"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
}

// ReasoningConfig contains LLM reasoning engine settings
type ReasoningConfig struct {
	Model             string  `yaml:"model"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	MinConfidence     float64 `yaml:"min_confidence"`
	DailyCostCapUSD   float64 `yaml:"daily_cost_cap_usd"`
	CostPer1KInput    float64 `yaml:"cost_per_1k_input"`
	CostPer1KOutput   float64 `yaml:"cost_per_1k_output"`
	GroundingTolerance float64 `yaml:"grounding_tolerance"`
}

// RiskConfig contains hard risk limits
type RiskConfig struct {
	MaxOpenPositions       int     `yaml:"max_open_positions"`
	MaxDailyNewPositions   int     `yaml:"max_daily_new_positions"`
	MaxDailyLossPct        float64 `yaml:"max_daily_loss_pct"`
	MaxWeeklyLossPct       float64 `yaml:"max_weekly_loss_pct"`
	MaxDrawdownPct         float64 `yaml:"max_drawdown_pct"`
	MaxSectorConcentration float64 `yaml:"max_sector_concentration"`
	PerTradeMarginCapPct   float64 `yaml:"per_trade_margin_cap_pct"`
	MaxMarginUtilisation   float64 `yaml:"max_margin_utilisation"`
	MinExcessLiquidityPct  float64 `yaml:"min_excess_liquidity_pct"`
	VIXHaltThreshold       float64 `yaml:"vix_halt_threshold"`
	MaxPositionRiskPct     float64 `yaml:"max_position_risk_pct"`
}

// TradingConfig contains strategy parameters
type TradingConfig struct {
	Symbols                []string `yaml:"symbols"`
	AllowPreMarket         bool     `yaml:"allow_pre_market"`
	ScheduledCheckMinutes  int      `yaml:"scheduled_check_minutes"`
	TargetDelta            float64  `yaml:"target_delta"`
	DeltaTolerance         float64  `yaml:"delta_tolerance"`
	MinOTMPct              float64  `yaml:"min_otm_pct"`
	MaxCandidates          int      `yaml:"max_candidates"`
	PremiumFloor           float64  `yaml:"premium_floor"`
	MaxSpreadPct           float64  `yaml:"max_spread_pct"`
	MinVolume              int      `yaml:"min_volume"`
	MinOpenInterest        int      `yaml:"min_open_interest"`
	ProfitTargetPct        float64  `yaml:"profit_target_pct"`
	StopLossMultiple       float64  `yaml:"stop_loss_multiple"`
	MaxRolls               int      `yaml:"max_rolls"`
	StalenessSeconds       int      `yaml:"staleness_seconds"`
	TargetDTE              int      `yaml:"target_dte"`
	PriceDriftAdjustPct    float64  `yaml:"price_drift_adjust_pct"`
	PriceDriftAbandonPct   float64  `yaml:"price_drift_abandon_pct"`
	// Earnings maps symbol to known earnings dates (YYYY-MM-DD).
	// Unparseable dates are skipped.
	Earnings map[string][]string `yaml:"earnings"`
}

// FillsConfig contains fill manager settings
type FillsConfig struct {
	CheckIntervalSeconds      int     `yaml:"check_interval_seconds"`
	AdjustmentIntervalSeconds int     `yaml:"adjustment_interval_seconds"`
	AdjustmentIncrement       float64 `yaml:"adjustment_increment"`
	MaxAdjustments            int     `yaml:"max_adjustments"`
	PartialThreshold          float64 `yaml:"partial_threshold"`
	MonitoringWindowMinutes   int     `yaml:"monitoring_window_minutes"`
	LeaveDayOrders            bool    `yaml:"leave_day_orders"`
}

// AutonomyConfig contains autonomy governor settings
type AutonomyConfig struct {
	InitialLevel      int     `yaml:"initial_level"`
	PromotionDays     int     `yaml:"promotion_days"`
	MinWinRate        float64 `yaml:"min_win_rate"`
	MinSharpe         float64 `yaml:"min_sharpe"`
	DemotionLossStreak int    `yaml:"demotion_loss_streak"`
}

// LearningConfig contains statistical learning settings
type LearningConfig struct {
	MinSamples             int     `yaml:"min_samples"`
	PThreshold             float64 `yaml:"p_threshold"`
	EffectFloor            float64 `yaml:"effect_floor"`
	ExperimentDeadlineDays int     `yaml:"experiment_deadline_days"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level"`
	DBPath    string `yaml:"db_path"`
	SessionID string `yaml:"session_id"`
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

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateBrokerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateReasoningConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateFillsConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAutonomyConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLearningConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateBrokerConfig() error {
	validModes := []string{"live", "paper", "mock"}
	if !contains(validModes, c.Broker.Mode) {
		return ValidationError{
			Field:   "broker.mode",
			Value:   c.Broker.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}

	if c.Broker.Mode != "mock" {
		if c.Broker.Host == "" {
			return ValidationError{
				Field:   "broker.host",
				Message: "gateway host is required",
			}
		}
		if c.Broker.AccountID == "" {
			return ValidationError{
				Field:   "broker.account_id",
				Message: "account id is required",
			}
		}
	}

	if c.Broker.RequestsPerSecond <= 0 {
		return ValidationError{
			Field:   "broker.requests_per_second",
			Value:   c.Broker.RequestsPerSecond,
			Message: "rate limit must be positive",
		}
	}

	return nil
}

func (c *Config) validateReasoningConfig() error {
	if c.Reasoning.Model == "" {
		return ValidationError{
			Field:   "reasoning.model",
			Message: "model name is required",
		}
	}

	if c.Reasoning.MinConfidence < 0 || c.Reasoning.MinConfidence > 1 {
		return ValidationError{
			Field:   "reasoning.min_confidence",
			Value:   c.Reasoning.MinConfidence,
			Message: "must be in [0, 1]",
		}
	}

	if c.Reasoning.DailyCostCapUSD <= 0 {
		return ValidationError{
			Field:   "reasoning.daily_cost_cap_usd",
			Value:   c.Reasoning.DailyCostCapUSD,
			Message: "daily cost cap must be positive",
		}
	}

	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxOpenPositions < 1 {
		return ValidationError{
			Field:   "risk.max_open_positions",
			Value:   c.Risk.MaxOpenPositions,
			Message: "must allow at least one position",
		}
	}

	if c.Risk.MaxMarginUtilisation <= 0 || c.Risk.MaxMarginUtilisation > 1 {
		return ValidationError{
			Field:   "risk.max_margin_utilisation",
			Value:   c.Risk.MaxMarginUtilisation,
			Message: "must be in (0, 1]",
		}
	}

	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 1 {
		return ValidationError{
			Field:   "risk.max_daily_loss_pct",
			Value:   c.Risk.MaxDailyLossPct,
			Message: "must be in (0, 1)",
		}
	}

	if c.Risk.MaxWeeklyLossPct < c.Risk.MaxDailyLossPct {
		return ValidationError{
			Field:   "risk.max_weekly_loss_pct",
			Value:   c.Risk.MaxWeeklyLossPct,
			Message: "weekly loss limit cannot be tighter than daily",
		}
	}

	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{
			Field:   "trading.symbols",
			Message: "at least one underlying symbol is required",
		}
	}

	if c.Trading.TargetDelta <= 0 || c.Trading.TargetDelta >= 0.5 {
		return ValidationError{
			Field:   "trading.target_delta",
			Value:   c.Trading.TargetDelta,
			Message: "target delta must be in (0, 0.5)",
		}
	}

	if c.Trading.PremiumFloor <= 0 {
		return ValidationError{
			Field:   "trading.premium_floor",
			Value:   c.Trading.PremiumFloor,
			Message: "premium floor must be positive",
		}
	}

	if c.Trading.ProfitTargetPct <= 0 || c.Trading.ProfitTargetPct >= 1 {
		return ValidationError{
			Field:   "trading.profit_target_pct",
			Value:   c.Trading.ProfitTargetPct,
			Message: "profit target must be in (0, 1)",
		}
	}

	if c.Trading.PriceDriftAbandonPct <= c.Trading.PriceDriftAdjustPct {
		return ValidationError{
			Field:   "trading.price_drift_abandon_pct",
			Value:   c.Trading.PriceDriftAbandonPct,
			Message: "abandon threshold must exceed the auto-adjust threshold",
		}
	}

	return nil
}

func (c *Config) validateFillsConfig() error {
	if c.Fills.PartialThreshold < 0 || c.Fills.PartialThreshold > 1 {
		return ValidationError{
			Field:   "fills.partial_threshold",
			Value:   c.Fills.PartialThreshold,
			Message: "must be in [0, 1]",
		}
	}

	if c.Fills.MaxAdjustments < 0 {
		return ValidationError{
			Field:   "fills.max_adjustments",
			Value:   c.Fills.MaxAdjustments,
			Message: "cannot be negative",
		}
	}

	if c.Fills.AdjustmentIncrement <= 0 {
		return ValidationError{
			Field:   "fills.adjustment_increment",
			Value:   c.Fills.AdjustmentIncrement,
			Message: "adjustment increment must be positive",
		}
	}

	return nil
}

func (c *Config) validateAutonomyConfig() error {
	if c.Autonomy.InitialLevel < 1 || c.Autonomy.InitialLevel > 4 {
		return ValidationError{
			Field:   "autonomy.initial_level",
			Value:   c.Autonomy.InitialLevel,
			Message: "autonomy level must be 1-4",
		}
	}

	if c.Autonomy.MinWinRate < 0 || c.Autonomy.MinWinRate > 1 {
		return ValidationError{
			Field:   "autonomy.min_win_rate",
			Value:   c.Autonomy.MinWinRate,
			Message: "must be in [0, 1]",
		}
	}

	return nil
}

func (c *Config) validateLearningConfig() error {
	if c.Learning.MinSamples < 2 {
		return ValidationError{
			Field:   "learning.min_samples",
			Value:   c.Learning.MinSamples,
			Message: "need at least 2 samples per group for a t-test",
		}
	}

	if c.Learning.PThreshold <= 0 || c.Learning.PThreshold >= 1 {
		return ValidationError{
			Field:   "learning.p_threshold",
			Value:   c.Learning.PThreshold,
			Message: "must be in (0, 1)",
		}
	}

	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	if c.System.DBPath == "" {
		return ValidationError{
			Field:   "system.db_path",
			Message: "database path is required",
		}
	}

	return nil
}

// Duration helpers

func (b BrokerConfig) QuoteTimeout() time.Duration {
	return time.Duration(b.QuoteTimeoutSeconds) * time.Second
}

func (b BrokerConfig) ChainTimeout() time.Duration {
	return time.Duration(b.ChainTimeoutSeconds) * time.Second
}

func (b BrokerConfig) WhatIfTimeout() time.Duration {
	return time.Duration(b.WhatIfTimeoutSeconds) * time.Second
}

func (b BrokerConfig) OrderTimeout() time.Duration {
	return time.Duration(b.OrderTimeoutSeconds) * time.Second
}

func (r ReasoningConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func (t TradingConfig) StalenessThreshold() time.Duration {
	return time.Duration(t.StalenessSeconds) * time.Second
}

// EarningsDates parses the configured earnings calendar for one symbol.
func (t TradingConfig) EarningsDates(symbol string) []time.Time {
	var out []time.Time
	for _, s := range t.Earnings[symbol] {
		if d, err := time.Parse("2006-01-02", s); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (f FillsConfig) CheckInterval() time.Duration {
	return time.Duration(f.CheckIntervalSeconds) * time.Second
}

func (f FillsConfig) AdjustmentInterval() time.Duration {
	return time.Duration(f.AdjustmentIntervalSeconds) * time.Second
}

func (f FillsConfig) MonitoringWindow() time.Duration {
	return time.Duration(f.MonitoringWindowMinutes) * time.Minute
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Reasoning.APIKey = maskString(configCopy.Reasoning.APIKey)
	configCopy.Broker.AccountID = maskString(configCopy.Broker.AccountID)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

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

// DefaultConfig returns a default configuration; LoadConfig overlays the
// YAML file on top of it, and tests use it directly.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Mode:                 "mock",
			Host:                 "localhost",
			Port:                 5000,
			AccountID:            "DU0000000",
			QuoteTimeoutSeconds:  3,
			ChainTimeoutSeconds:  5,
			WhatIfTimeoutSeconds: 5,
			OrderTimeoutSeconds:  5,
			RequestsPerSecond:    10,
		},
		Reasoning: ReasoningConfig{
			Model:              "gemini-2.0-flash",
			BaseURL:            "https://generativelanguage.googleapis.com/v1beta",
			APIKey:             "test_api_key",
			MaxTokens:          1500,
			Temperature:        0,
			TimeoutSeconds:     30,
			MinConfidence:      0.6,
			DailyCostCapUSD:    10.0,
			CostPer1KInput:     0.00015,
			CostPer1KOutput:    0.0006,
			GroundingTolerance: 0.02,
		},
		Risk: RiskConfig{
			MaxOpenPositions:       5,
			MaxDailyNewPositions:   3,
			MaxDailyLossPct:        0.02,
			MaxWeeklyLossPct:       0.05,
			MaxDrawdownPct:         0.10,
			MaxSectorConcentration: 0.40,
			PerTradeMarginCapPct:   0.15,
			MaxMarginUtilisation:   0.50,
			MinExcessLiquidityPct:  0.30,
			VIXHaltThreshold:       35,
			MaxPositionRiskPct:     0.05,
		},
		Trading: TradingConfig{
			Symbols:               []string{"SPY"},
			AllowPreMarket:        false,
			ScheduledCheckMinutes: 15,
			TargetDelta:           0.065,
			DeltaTolerance:        0.02,
			MinOTMPct:             0.03,
			MaxCandidates:         8,
			PremiumFloor:          0.10,
			MaxSpreadPct:          0.15,
			MinVolume:             10,
			MinOpenInterest:       100,
			ProfitTargetPct:       0.70,
			StopLossMultiple:      2.5,
			MaxRolls:              2,
			StalenessSeconds:      300,
			TargetDTE:             7,
			PriceDriftAdjustPct:   0.05,
			PriceDriftAbandonPct:  0.10,
		},
		Fills: FillsConfig{
			CheckIntervalSeconds:      5,
			AdjustmentIntervalSeconds: 60,
			AdjustmentIncrement:       0.01,
			MaxAdjustments:            3,
			PartialThreshold:          0.5,
			MonitoringWindowMinutes:   10,
			LeaveDayOrders:            true,
		},
		Autonomy: AutonomyConfig{
			InitialLevel:       1,
			PromotionDays:      5,
			MinWinRate:         0.70,
			MinSharpe:          1.0,
			DemotionLossStreak: 3,
		},
		Learning: LearningConfig{
			MinSamples:             30,
			PThreshold:             0.05,
			EffectFloor:            0.005,
			ExperimentDeadlineDays: 45,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:  "INFO",
			DBPath:    "putseller.db",
			SessionID: "",
		},
	}
}
