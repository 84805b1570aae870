package ports

import "context"

// PriceOracle supplies USD prices for tokens.
type PriceOracle interface {
	TokenPriceUSD(ctx context.Context, token string) (float64, error)
}

// GasEstimator returns the USD cost of one liquidity transaction.
type GasEstimator interface {
	EstimateGasCostUSD(ctx context.Context) (float64, error)
}
