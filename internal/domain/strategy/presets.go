package strategy

import "time"

// Preset names.
const (
	ConservativeName = "conservative"
	AggressiveName   = "aggressive"
)

// Conservative rebalances only when the price drifts far from the range and
// the position is large enough to amortise gas.
func Conservative() Settings {
	return Settings{
		Name:                    ConservativeName,
		Enabled:                 true,
		PriceDeviationThreshold: 0.10,
		UtilizationThreshold:    0.5,
		FeeThresholdUSD:         50,
		RebalanceInterval:       15 * time.Minute,
		MinPositionAge:          time.Hour,
		MinPositionValueUSD:     1000,
		MaxRebalancesPerDay:     2,
		SlippageTolerance:       0.005,
		MaxGasCostUSD:           50,
		MinBenefitCostRatio:     2,
	}
}

// Aggressive keeps ranges tight around the price and tolerates more gas.
func Aggressive() Settings {
	return Settings{
		Name:                    AggressiveName,
		Enabled:                 false,
		PriceDeviationThreshold: 0.03,
		UtilizationThreshold:    0.8,
		FeeThresholdUSD:         10,
		RebalanceInterval:       5 * time.Minute,
		MinPositionAge:          15 * time.Minute,
		MinPositionValueUSD:     100,
		MaxRebalancesPerDay:     6,
		SlippageTolerance:       0.01,
		MaxGasCostUSD:           100,
		MinBenefitCostRatio:     1.2,
	}
}

// Defaults returns the built-in strategies.
func Defaults() Registry {
	return NewRegistry(NewThreshold(Conservative()), NewThreshold(Aggressive()))
}
