package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 300, cfg.Scheduler.DecisionIntervalSeconds)
	assert.Equal(t, 5, cfg.Grid.LevelMin)
	assert.Equal(t, 8, cfg.Grid.LevelMax)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange.api_key")
}

func TestValidateRejectsDuplicateTrader(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Traders = append(cfg.Traders, TraderConfig{ID: "LLM-A", Provider: "primary"})
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be unique")
}

func TestStrictProviderValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Traders[0].Provider = "missing"

	require.NoError(t, cfg.Validate())

	cfg.StrictProviderValidation = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider not declared")
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ARENA_KEY", "expanded-key")

	yaml := `
system:
  log_level: DEBUG
exchange:
  api_key: ${TEST_ARENA_KEY}
  secret_key: s3cret
market:
  allowed_symbols: [BTCUSDT]
risk:
  stop_loss_max_pct: 30
  take_profit_max_pct: 50
traders:
  - id: LLM-A
    provider: primary
    enabled: true
initial_balance_per_trader: 1000
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-key", cfg.Exchange.APIKey)
	assert.Equal(t, "DEBUG", cfg.System.LogLevel)
	// defaults applied
	assert.Equal(t, 5000, cfg.Exchange.RecvWindowMs)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.SecretKey = "super-secret-value-123"
	s := cfg.String()
	assert.NotContains(t, s, "super-secret-value-123")
}
