package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/lpkeeper/config"
	"github.com/alejandrodnm/lpkeeper/internal/domain/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "LEDGER_BASE_URL", "OWNER_ADDRESS", "RPC_URL", "DB_DSN"} {
		t.Setenv(k, "")
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Parse([]byte(`ledger: {owner: "0xabc"}`))
	require.NoError(t, err)

	assert.Equal(t, "0xabc", cfg.Ledger.Owner)
	assert.Equal(t, 4, cfg.Ledger.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay())
	assert.Equal(t, "WETH", cfg.Chain.NativeToken)
	assert.Equal(t, "lpkeeper.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval())
	assert.Equal(t, 30*time.Second, cfg.OrderUpdateInterval())
	assert.Equal(t, 5*time.Minute, cfg.ReportInterval())
	assert.Equal(t, 5.0, cfg.Fees.DefaultGasCostUSD)
	assert.Equal(t, 5.0, cfg.Paper.GasUSD, "paper gas follows the default gas cost")
}

func TestParse_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OWNER_ADDRESS", "0xenv")
	t.Setenv("DB_DSN", ":memory:")
	t.Setenv("RPC_URL", "http://rpc.local")

	cfg, err := config.Parse([]byte("ledger:\n  owner: \"0xyaml\"\nlog:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "0xenv", cfg.Ledger.Owner)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
	assert.Equal(t, "http://rpc.local", cfg.Chain.RPCURL)
}

func TestParse_Strategies(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Parse([]byte(`
strategies:
  - preset: conservative
    fee_threshold_usd: 75
    min_benefit_cost_ratio: 0
  - preset: aggressive
    name: fast
    enabled: true
    min_position_age_minutes: 10
  - name: custom
    price_deviation_threshold: 0.02
`))
	require.NoError(t, err)

	reg, err := cfg.StrategyRegistry()
	require.NoError(t, err)

	cons, ok := reg.Get(strategy.ConservativeName)
	require.True(t, ok)
	assert.Equal(t, 75.0, cons.Settings().FeeThresholdUSD)
	assert.Equal(t, 0.10, cons.Settings().PriceDeviationThreshold, "preset values survive")
	assert.Zero(t, cons.Settings().MinBenefitCostRatio)

	fast, ok := reg.Get("fast")
	require.True(t, ok)
	assert.True(t, fast.Settings().Enabled)
	assert.Equal(t, 10*time.Minute, fast.Settings().MinPositionAge)

	custom, ok := reg.Get("custom")
	require.True(t, ok)
	assert.True(t, custom.Settings().Enabled)
	assert.Equal(t, 0.02, custom.Settings().PriceDeviationThreshold)

	assert.Len(t, reg.Enabled(), 3)
}

func TestParse_NoStrategiesUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Parse(nil)
	require.NoError(t, err)

	reg, err := cfg.StrategyRegistry()
	require.NoError(t, err)
	_, ok := reg.Get(strategy.AggressiveName)
	assert.True(t, ok)
}

func TestParse_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown preset", "strategies: [{preset: yolo}]", "unknown preset"},
		{"duplicate", "strategies: [{preset: conservative}, {preset: conservative}]", "defined twice"},
		{"nameless", "strategies: [{fee_threshold_usd: 3}]", "without name"},
		{"slippage", "strategies: [{name: x, slippage_tolerance: 1.5}]", "below 1"},
		{"paper fee", "paper: {pools: [{token0: A, token1: B, fee: 1234, price: 1}]}", "invalid fee tier"},
		{"bad yaml", "ledger: [", "parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paper:
  pools:
    - {token0: WETH, token1: USDC, fee: 3000, price: 2000}
  prices_usd: {WETH: 2000, USDC: 1}
report:
  table: true
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Paper.Pools, 1)
	assert.Equal(t, 2000.0, cfg.Paper.PricesUSD["WETH"])
	assert.True(t, cfg.Report.Table)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
