package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/domain/strategy"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del keeper.
type Config struct {
	Ledger      LedgerConfig     `yaml:"ledger"`
	Chain       ChainConfig      `yaml:"chain"`
	Storage     StorageConfig    `yaml:"storage"`
	Log         LogConfig        `yaml:"log"`
	Registry    RegistryConfig   `yaml:"registry"`
	RangeOrders RangeOrderConfig `yaml:"range_orders"`
	Fees        FeesConfig       `yaml:"fees"`
	Rebalance   RebalanceConfig  `yaml:"rebalance"`
	Strategies  []StrategyConfig `yaml:"strategies"`
	Report      ReportConfig     `yaml:"report"`
	Paper       PaperConfig      `yaml:"paper"`
}

// LedgerConfig apunta al gateway del DEX.
type LedgerConfig struct {
	BaseURL          string  `yaml:"base_url"`
	Owner            string  `yaml:"owner"`
	ReadRatePerSec   float64 `yaml:"read_rate_per_sec"`
	WriteRatePerSec  float64 `yaml:"write_rate_per_sec"`
	RetryAttempts    int     `yaml:"retry_attempts"`
	RetryBaseDelayMs int     `yaml:"retry_base_delay_ms"`
}

// ChainConfig controla la estimación de gas on-chain. Sin RPC se usa el
// coste por defecto de fees.default_gas_cost_usd.
type ChainConfig struct {
	RPCURL      string `yaml:"rpc_url"`
	NativeToken string `yaml:"native_token"`
	GasLimit    uint64 `yaml:"gas_limit"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// RegistryConfig controla el registro de posiciones y la reconciliación.
type RegistryConfig struct {
	DefaultSlippage          float64 `yaml:"default_slippage"`
	DeadlineSeconds          int     `yaml:"deadline_seconds"`
	PageSize                 int     `yaml:"page_size"`
	MaxPages                 int     `yaml:"max_pages"`
	ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
}

// RangeOrderConfig controla las órdenes de rango.
type RangeOrderConfig struct {
	UpdateIntervalSeconds int     `yaml:"update_interval_seconds"`
	RetentionHours        int     `yaml:"retention_hours"`
	MaxOrders             int     `yaml:"max_orders"`
	FillTolerance         float64 `yaml:"fill_tolerance"`
	Slippage              float64 `yaml:"slippage"`
}

// FeesConfig controla el optimizador de fees.
type FeesConfig struct {
	DefaultGasCostUSD float64 `yaml:"default_gas_cost_usd"`
	Workers           int     `yaml:"workers"`
	HistoryCap        int     `yaml:"history_cap"`
}

// RebalanceConfig controla el motor de rebalanceo.
type RebalanceConfig struct {
	ExecutionIntervalSeconds int `yaml:"execution_interval_seconds"`
	QueueCap                 int `yaml:"queue_cap"`
	HistoryCap               int `yaml:"history_cap"`
	SignalRetentionMinutes   int `yaml:"signal_retention_minutes"`
	SignalCap                int `yaml:"signal_cap"`
}

// StrategyConfig starts from a preset and overrides every non-zero field.
type StrategyConfig struct {
	Name                     string   `yaml:"name"`
	Preset                   string   `yaml:"preset"` // conservative | aggressive | ""
	Enabled                  *bool    `yaml:"enabled"`
	PriceDeviationThreshold  float64  `yaml:"price_deviation_threshold"`
	UtilizationThreshold     float64  `yaml:"utilization_threshold"`
	FeeThresholdUSD          float64  `yaml:"fee_threshold_usd"`
	RebalanceIntervalSeconds int      `yaml:"rebalance_interval_seconds"`
	MinPositionAgeMinutes    int      `yaml:"min_position_age_minutes"`
	MinPositionValueUSD      float64  `yaml:"min_position_value_usd"`
	MaxRebalancesPerDay      int      `yaml:"max_rebalances_per_day"`
	SlippageTolerance        float64  `yaml:"slippage_tolerance"`
	MaxGasCostUSD            float64  `yaml:"max_gas_cost_usd"`
	MinBenefitCostRatio      *float64 `yaml:"min_benefit_cost_ratio"`
}

// ReportConfig controla el informe periódico por consola.
type ReportConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	Table           bool `yaml:"table"`
}

// PaperConfig siembra el ledger simulado del modo paper.
type PaperConfig struct {
	Pools     []PaperPool        `yaml:"pools"`
	PricesUSD map[string]float64 `yaml:"prices_usd"`
	GasUSD    float64            `yaml:"gas_usd"`
}

// PaperPool es un pool simulado con precio fijo.
type PaperPool struct {
	Token0 string  `yaml:"token0"`
	Token1 string  `yaml:"token1"`
	Fee    int     `yaml:"fee"`
	Price  float64 `yaml:"price"`
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes, then applies environment overrides
// and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	for _, p := range cfg.Paper.Pools {
		if !domain.FeeTier(p.Fee).Valid() {
			return nil, fmt.Errorf("config.Parse: paper pool %s/%s: invalid fee tier %d", p.Token0, p.Token1, p.Fee)
		}
	}
	if _, err := cfg.StrategyRegistry(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

// ReconcileInterval devuelve el intervalo de reconciliación.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Registry.ReconcileIntervalSeconds) * time.Second
}

// OrderUpdateInterval devuelve el intervalo de evaluación de órdenes.
func (c *Config) OrderUpdateInterval() time.Duration {
	return time.Duration(c.RangeOrders.UpdateIntervalSeconds) * time.Second
}

// ReportInterval devuelve el intervalo del informe.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Report.IntervalSeconds) * time.Second
}

// RetryBaseDelay devuelve la espera base entre reintentos.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Ledger.RetryBaseDelayMs) * time.Millisecond
}

// StrategyRegistry builds the configured strategies. Without a strategies
// section the built-in presets are used.
func (c *Config) StrategyRegistry() (strategy.Registry, error) {
	if len(c.Strategies) == 0 {
		return strategy.Defaults(), nil
	}
	reg := strategy.NewRegistry()
	for _, sc := range c.Strategies {
		s, err := sc.Settings()
		if err != nil {
			return nil, err
		}
		if _, dup := reg.Get(s.Name); dup {
			return nil, fmt.Errorf("strategy %q defined twice", s.Name)
		}
		reg.Register(strategy.NewThreshold(s))
	}
	return reg, nil
}

// Settings resolves the preset and applies the overrides.
func (sc StrategyConfig) Settings() (strategy.Settings, error) {
	var s strategy.Settings
	switch sc.Preset {
	case strategy.ConservativeName:
		s = strategy.Conservative()
	case strategy.AggressiveName:
		s = strategy.Aggressive()
	case "":
		s.Enabled = true
	default:
		return s, fmt.Errorf("strategy %q: unknown preset %q", sc.Name, sc.Preset)
	}

	if sc.Name != "" {
		s.Name = sc.Name
	}
	if s.Name == "" {
		return s, fmt.Errorf("strategy without name or preset")
	}
	if sc.Enabled != nil {
		s.Enabled = *sc.Enabled
	}
	if sc.PriceDeviationThreshold > 0 {
		s.PriceDeviationThreshold = sc.PriceDeviationThreshold
	}
	if sc.UtilizationThreshold > 0 {
		s.UtilizationThreshold = sc.UtilizationThreshold
	}
	if sc.FeeThresholdUSD > 0 {
		s.FeeThresholdUSD = sc.FeeThresholdUSD
	}
	if sc.RebalanceIntervalSeconds > 0 {
		s.RebalanceInterval = time.Duration(sc.RebalanceIntervalSeconds) * time.Second
	}
	if sc.MinPositionAgeMinutes > 0 {
		s.MinPositionAge = time.Duration(sc.MinPositionAgeMinutes) * time.Minute
	}
	if sc.MinPositionValueUSD > 0 {
		s.MinPositionValueUSD = sc.MinPositionValueUSD
	}
	if sc.MaxRebalancesPerDay > 0 {
		s.MaxRebalancesPerDay = sc.MaxRebalancesPerDay
	}
	if sc.SlippageTolerance > 0 {
		s.SlippageTolerance = sc.SlippageTolerance
	}
	if sc.MaxGasCostUSD > 0 {
		s.MaxGasCostUSD = sc.MaxGasCostUSD
	}
	if sc.MinBenefitCostRatio != nil {
		s.MinBenefitCostRatio = *sc.MinBenefitCostRatio
	}
	if s.SlippageTolerance >= 1 || s.UtilizationThreshold > 1 {
		return s, fmt.Errorf("strategy %q: slippage and utilization must be below 1", s.Name)
	}
	return s, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LEDGER_BASE_URL"); v != "" {
		cfg.Ledger.BaseURL = v
	}
	if v := os.Getenv("OWNER_ADDRESS"); v != "" {
		cfg.Ledger.Owner = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Ledger.RetryAttempts <= 0 {
		cfg.Ledger.RetryAttempts = 4
	}
	if cfg.Ledger.RetryBaseDelayMs <= 0 {
		cfg.Ledger.RetryBaseDelayMs = 500
	}
	if cfg.Chain.NativeToken == "" {
		cfg.Chain.NativeToken = "WETH"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "lpkeeper.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Registry.ReconcileIntervalSeconds <= 0 {
		cfg.Registry.ReconcileIntervalSeconds = 60
	}
	if cfg.RangeOrders.UpdateIntervalSeconds <= 0 {
		cfg.RangeOrders.UpdateIntervalSeconds = 30
	}
	if cfg.Fees.DefaultGasCostUSD <= 0 {
		cfg.Fees.DefaultGasCostUSD = 5
	}
	if cfg.Report.IntervalSeconds <= 0 {
		cfg.Report.IntervalSeconds = 300
	}
	if cfg.Paper.GasUSD <= 0 {
		cfg.Paper.GasUSD = cfg.Fees.DefaultGasCostUSD
	}
}
