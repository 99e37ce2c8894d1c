package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	yaml := `
broker:
  mode: paper
  host: localhost
  port: 5001
  account_id: DU1234567
reasoning:
  model: gemini-2.0-flash
  api_key: ${PUTSELLER_TEST_API_KEY}
trading:
  symbols: [SPY, QQQ]
  target_delta: 0.07
system:
  log_level: DEBUG
  db_path: /tmp/putseller-test.db
`
	os.Setenv("PUTSELLER_TEST_API_KEY", "secret-key-value")
	defer os.Unsetenv("PUTSELLER_TEST_API_KEY")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "paper", cfg.Broker.Mode)
	assert.Equal(t, 5001, cfg.Broker.Port)
	assert.Equal(t, "secret-key-value", cfg.Reasoning.APIKey)
	assert.Equal(t, []string{"SPY", "QQQ"}, cfg.Trading.Symbols)
	assert.Equal(t, 0.07, cfg.Trading.TargetDelta)

	// Defaults survive the overlay
	assert.Equal(t, 0.10, cfg.Trading.PremiumFloor)
	assert.Equal(t, 3, cfg.Fills.MaxAdjustments)
	assert.Equal(t, 5*time.Second, cfg.Fills.CheckInterval())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidateBrokerMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Mode = "fix"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.mode")
}

func TestValidateLiveRequiresAccount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Mode = "live"
	cfg.Broker.AccountID = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.account_id")
}

func TestValidateTargetDeltaRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.TargetDelta = 0.6
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.target_delta")
}

func TestValidateDriftThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.PriceDriftAdjustPct = 0.10
	cfg.Trading.PriceDriftAbandonPct = 0.05
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price_drift_abandon_pct")
}

func TestValidateWeeklyLooserThanDaily(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.MaxDailyLossPct = 0.05
	cfg.Risk.MaxWeeklyLossPct = 0.02
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_weekly_loss_pct")
}

func TestValidateAutonomyLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Autonomy.InitialLevel = 5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autonomy.initial_level")
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reasoning.APIKey = "sk-verysecretapikey12345"
	out := cfg.String()
	assert.NotContains(t, out, "verysecretapikey")
	assert.True(t, strings.Contains(out, "*"))
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationError{Field: "risk.max_open_positions", Value: 0, Message: "must allow at least one position"}
	assert.Contains(t, err.Error(), "risk.max_open_positions")
	assert.Contains(t, err.Error(), "must allow at least one position")
}
