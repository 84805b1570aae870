package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Recommendation is the collect-now / wait / rebalance-first verdict.
type Recommendation string

const (
	RecommendCollectNow     Recommendation = "collect_now"
	RecommendWait           Recommendation = "wait"
	RecommendRebalanceFirst Recommendation = "rebalance_first"
)

const (
	// CollectNowRatio and WaitRatio bound the cost/benefit decision bands.
	CollectNowRatio = 0.1
	WaitRatio       = 0.5
)

// FeeAnalytics is the accrued-fee picture of one position.
type FeeAnalytics struct {
	PositionID       string
	Uncollected0     decimal.Decimal
	Uncollected1     decimal.Decimal
	TotalFeesUSD     float64
	CollectedUSD     float64
	PositionValueUSD float64
	DailyFeeRateUSD  float64
	EstimatedAPR     float64 // percent
	TimeInRangePct   float64
	InRange          bool
	CalculatedAt     time.Time
}

// CollectionOptimization is the fee-collection recommendation for a position.
type CollectionOptimization struct {
	PositionID               string
	AccruedFeesUSD           float64
	GasCostUSD               float64
	CostBenefitRatio         float64
	Recommendation           Recommendation
	DaysUntilOptimal         float64
	EstimatedAdditionalYield float64
	Reason                   string
}

// CostBenefitRatio returns gasCost / accrued, +Inf when nothing accrued.
func CostBenefitRatio(gasCostUSD, accruedUSD float64) float64 {
	if accruedUSD <= 0 {
		return math.Inf(1)
	}
	return gasCostUSD / accruedUSD
}

// Recommend maps a cost/benefit ratio to a verdict. Between the two bands,
// in-range positions collect and out-of-range positions rebalance first.
func Recommend(ratio float64, inRange bool) Recommendation {
	switch {
	case ratio < CollectNowRatio:
		return RecommendCollectNow
	case ratio > WaitRatio:
		return RecommendWait
	case inRange:
		return RecommendCollectNow
	default:
		return RecommendRebalanceFirst
	}
}

// FeeCollection is one recorded collection.
type FeeCollection struct {
	PositionID  string
	Amount0     decimal.Decimal
	Amount1     decimal.Decimal
	ValueUSD    float64
	GasCostUSD  float64
	CollectedAt time.Time
}

// PortfolioFees aggregates fee analytics over all positions.
type PortfolioFees struct {
	Positions       []FeeAnalytics
	TotalFeesUSD    float64
	TotalValueUSD   float64
	DailyFeeRateUSD float64
	WeightedAPR     float64
	Total           int
	Failed          int
	Errors          map[string]error
}

// Err returns a *PartialBatchError when any position failed, nil otherwise.
func (p PortfolioFees) Err() error {
	if p.Failed == 0 {
		return nil
	}
	return &PartialBatchError{Total: p.Total, Failed: p.Errors}
}

// PortfolioReport is the periodic snapshot handed to notifiers.
type PortfolioReport struct {
	GeneratedAt time.Time
	Positions   []Position
	Fees        PortfolioFees
	Orders      RangeOrderStats
	Rebalance   RebalanceMetrics
	Stranded    []PartialRebalanceError
}
