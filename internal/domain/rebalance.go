package domain

import (
	"math"
	"time"
)

// SignalType classifies why a position may need adjusting.
type SignalType string

const (
	SignalPriceDeviation     SignalType = "price_deviation"
	SignalLowUtilization     SignalType = "low_utilization"
	SignalHighFees           SignalType = "high_fees"
	SignalVolatilityChange   SignalType = "volatility_change"
	SignalPerformanceDecline SignalType = "performance_decline"
)

// Urgency ranks how soon a signal should be acted upon.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Bonus is the priority boost attached to the urgency.
func (u Urgency) Bonus() float64 {
	switch u {
	case UrgencyCritical:
		return 4
	case UrgencyHigh:
		return 2
	case UrgencyMedium:
		return 1
	default:
		return 0
	}
}

// RebalanceSignal is an ephemeral observation about one position.
type RebalanceSignal struct {
	PositionID string
	Strategy   string
	Type       SignalType
	Strength   float64 // 0–1
	Confidence float64 // 0–1
	Urgency    Urgency
	Trigger    SignalTrigger
	Timestamp  time.Time
}

// SignalTrigger carries the observed values that produced the signal.
type SignalTrigger struct {
	CurrentPrice  float64
	MidPrice      float64
	Deviation     float64
	Utilization   float64
	FeesUSD       float64
	Threshold     float64
	OutOfRange    bool
	DailyFeeRate  float64
	PositionValue float64
}

// ActionType is the unit of work derived from a signal.
type ActionType string

const (
	ActionAdjustRange    ActionType = "adjust_range"
	ActionCollectFees    ActionType = "collect_fees"
	ActionClosePosition  ActionType = "close_position"
	ActionSplitPosition  ActionType = "split_position"
	ActionMergePositions ActionType = "merge_positions"
)

// ActionStatus is the lifecycle of a queued action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionScheduled ActionStatus = "scheduled"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionParameters holds the inputs an executor needs.
type ActionParameters struct {
	NewMinPrice       float64
	NewMaxPrice       float64
	SlippageTolerance float64
}

// ActionConstraints gate execution.
type ActionConstraints struct {
	MaxGasCostUSD       float64
	MinBenefitCostRatio float64
	MaxSlippage         float64
}

// RebalanceAction is a prioritized unit of work for one position.
type RebalanceAction struct {
	ID              string
	PositionID      string
	Type            ActionType
	Priority        int // 1–10
	EstimatedCost   float64
	ExpectedBenefit float64
	RiskScore       float64 // 0–1
	Parameters      ActionParameters
	Constraints     ActionConstraints
	Status          ActionStatus
	Signal          RebalanceSignal
	CreatedAt       time.Time
	ExecutedAt      *time.Time
	NewPositionID   string
	Error           string
}

// BenefitCostRatio returns ExpectedBenefit / EstimatedCost (+Inf on zero cost).
func (a RebalanceAction) BenefitCostRatio() float64 {
	if a.EstimatedCost <= 0 {
		return math.Inf(1)
	}
	return a.ExpectedBenefit / a.EstimatedCost
}

// ActionPriority computes round(clamp(strength·5 + urgencyBonus, 1, 10) · confidence),
// kept within [1, 10].
func ActionPriority(strength, confidence float64, urgency Urgency) int {
	base := clamp(strength*5+urgency.Bonus(), 1, 10)
	p := int(math.Round(base * clamp(confidence, 0, 1)))
	return int(clamp(float64(p), 1, 10))
}

// RebalanceMetrics summarises executed actions.
type RebalanceMetrics struct {
	SignalsGenerated       int
	ActionsQueued          int
	ActionsExecuted        int
	ActionsCompleted       int
	ActionsFailed          int
	ActionsCancelled       int
	SuccessRate            float64
	AvgBenefitCostRatio    float64
	PerformanceImprovement float64
	LastCheck              time.Time
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
