// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "elementindex", cfg.Logger().ServiceName)
	assert.Equal(t, 500, cfg.Index().MaxCacheSize)
	assert.Equal(t, 16*time.Millisecond, cfg.Budget().OperationBudget)
	assert.Equal(t, 50, cfg.Observer().BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Scan().InitialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Maintenance().Interval)
	assert.Equal(t, 0.7, cfg.Bridge().ShrinkFactor)
	assert.Equal(t, 15360, cfg.Bridge().StrictPayloadBytes)
	assert.False(t, cfg.Bridge().BroadcastResponses)
	assert.Len(t, cfg.Bridge().TrustedPatterns, 2)
	assert.False(t, cfg.Browser().Enabled)
	assert.True(t, cfg.Metrics().Enabled)

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Index Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.IndexCfg.MaxCacheSize = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_cache_size must be a positive integer")

		cfg = NewDefaultConfig()
		cfg.IndexCfg.MinCacheSize = cfg.IndexCfg.MaxCacheSize + 1
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_cache_size")
	})

	t.Run("Budget Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.BudgetCfg.OperationBudget = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "operation_budget")
	})

	t.Run("Observer Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.ObserverCfg.MinBatchSize = 100
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "min_batch_size")
	})

	t.Run("Bridge Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.BridgeCfg.ShrinkFactor = 1.0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shrink_factor")

		cfg = NewDefaultConfig()
		cfg.BridgeCfg.TrustedPatterns = []string{"([a-z"}
		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not compile")
	})
}

// -- Loading Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := []byte(`
index:
  max_cache_size: 250
  min_cache_size: 50
budget:
  operation_budget: 25ms
bridge:
  trusted_origins:
    - https://assistant.example.com
  broadcast_responses: true
`)

	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Index().MaxCacheSize)
	assert.Equal(t, 50, cfg.Index().MinCacheSize)
	assert.Equal(t, 25*time.Millisecond, cfg.Budget().OperationBudget)
	assert.Equal(t, []string{"https://assistant.example.com"}, cfg.Bridge().TrustedOrigins)
	assert.True(t, cfg.Bridge().BroadcastResponses)
	// Untouched values keep their defaults.
	assert.Equal(t, 10, cfg.Index().ResultLimit)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("observer.batch_size", -1)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()

	cfg.SetIndexMaxCacheSize(42)
	cfg.SetIndexResultLimit(3)
	cfg.SetBudgetOperationBudget(time.Second)
	cfg.SetObserverBatchSize(7)
	cfg.SetBridgeHandlerBudget(2 * time.Second)
	cfg.SetBridgeMaxResponseBytes(1024)
	origins := []string{"https://a.example"}
	cfg.SetBridgeTrustedOrigins(origins)
	cfg.SetBrowserEnabled(true)

	assert.Equal(t, 42, cfg.Index().MaxCacheSize)
	assert.Equal(t, 3, cfg.Index().ResultLimit)
	assert.Equal(t, time.Second, cfg.Budget().OperationBudget)
	assert.Equal(t, 7, cfg.Observer().BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Bridge().HandlerBudget)
	assert.Equal(t, 1024, cfg.Bridge().MaxResponseBytes)
	assert.True(t, cfg.Browser().Enabled)

	// The setter copies, so later mutation of the caller's slice is not observed.
	origins[0] = "https://mutated.example"
	assert.Equal(t, []string{"https://a.example"}, cfg.Bridge().TrustedOrigins)
}
