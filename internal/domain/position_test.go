package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeeTier(t *testing.T) {
	assert.True(t, FeeTier030.Valid())
	assert.False(t, FeeTier(2500).Valid())
	assert.Equal(t, 60, FeeTier030.TickSpacing())
	assert.Equal(t, 10, FeeTier005.TickSpacing())
	assert.InDelta(t, 0.003, FeeTier030.Rate(), 1e-12)
}

func TestPosition_Track(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Position{}
	p.Track(t0, true)
	assert.Zero(t, p.TrackedTime)
	assert.Equal(t, 100.0, p.TimeInRangePercent(), "no tracked time falls back to the snapshot")

	p.Track(t0.Add(30*time.Minute), false)
	p.Track(t0.Add(2*time.Hour), true)

	assert.Equal(t, 2*time.Hour, p.TrackedTime)
	assert.Equal(t, 30*time.Minute, p.TimeInRange)
	assert.InDelta(t, 0.25, p.Utilization(), 1e-9)

	// Relojes que retroceden no suman tiempo.
	p.Track(t0, true)
	assert.Equal(t, 2*time.Hour, p.TrackedTime)
}

func TestPosition_RangeHelpers(t *testing.T) {
	p := Position{MinPrice: 0.045, MaxPrice: 0.055}
	assert.InDelta(t, 0.05, p.MidPrice(), 1e-12)
	assert.InDelta(t, 0.2, p.RelativeWidth(), 1e-12)
	assert.True(t, p.PriceInRange(0.045))
	assert.True(t, p.PriceInRange(0.055))
	assert.False(t, p.PriceInRange(0.056))
	assert.Equal(t, 0.0, Position{}.RelativeWidth())
}

func TestPosition_Validate(t *testing.T) {
	valid := Position{ID: "pos_1", TickLower: -60, TickUpper: 60, MinPrice: 0.99, MaxPrice: 1.01, Liquidity: decimal.NewFromInt(1)}
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrValidation)

	badTicks := valid
	badTicks.TickLower = 60
	err := badTicks.Validate()
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrInvalidRange)

	negative := valid
	negative.Liquidity = decimal.NewFromInt(-1)
	assert.ErrorIs(t, negative.Validate(), ErrInvalidAmount)
}

func TestDeterministicPositionID(t *testing.T) {
	k := PositionKey{Token0: "WETH", Token1: "USDC", Fee: FeeTier030, TickLower: -600, TickUpper: 600}
	swapped := k
	swapped.Token0, swapped.Token1 = "usdc", "weth"

	id := DeterministicPositionID(k, "0xABCDEF0123456789")
	assert.Equal(t, id, DeterministicPositionID(k, "0xabcdef0123456789"), "owner case does not matter")
	assert.Equal(t, id, DeterministicPositionID(swapped, "0xabcdef0123456789"), "token order does not matter")
	assert.Len(t, id, len("pos_")+16)

	other := k
	other.TickUpper = 660
	assert.NotEqual(t, id, DeterministicPositionID(other, "0xabcdef0123456789"))
	assert.NotEqual(t, id, DeterministicPositionID(k, "0x99999999"))
}

func TestNormalizeToken(t *testing.T) {
	checksum := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	assert.True(t, SameToken(checksum, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"))
	assert.True(t, SameToken(" WETH ", "weth"))
	assert.Equal(t, "abcdef01", OwnerFragment("0xABCDEF0123"))

	a, b := SortTokens("weth", "USDC")
	assert.Equal(t, "USDC", a)
	assert.Equal(t, "weth", b)
}

// --- rebalance ---

func TestActionPriority(t *testing.T) {
	assert.Equal(t, 8, ActionPriority(1, 0.9, UrgencyCritical))
	assert.Equal(t, 6, ActionPriority(1, 0.9, UrgencyHigh))
	assert.Equal(t, 1, ActionPriority(0, 0.1, UrgencyLow), "never below 1")
	assert.Equal(t, 10, ActionPriority(5, 1, UrgencyCritical), "never above 10")
}

func TestBenefitCostRatio(t *testing.T) {
	a := RebalanceAction{EstimatedCost: 10, ExpectedBenefit: 25}
	assert.InDelta(t, 2.5, a.BenefitCostRatio(), 1e-12)
	assert.True(t, RebalanceAction{ExpectedBenefit: 1}.BenefitCostRatio() > 1e300)
}

// --- fees ---

func TestRecommend_Bands(t *testing.T) {
	assert.Equal(t, RecommendCollectNow, Recommend(CostBenefitRatio(5, 100), false))
	assert.Equal(t, RecommendWait, Recommend(CostBenefitRatio(5, 2), true))
	assert.Equal(t, RecommendCollectNow, Recommend(CostBenefitRatio(5, 20), true))
	assert.Equal(t, RecommendRebalanceFirst, Recommend(CostBenefitRatio(5, 20), false))
	assert.Equal(t, RecommendWait, Recommend(CostBenefitRatio(5, 0), true))
}

func TestPortfolioFees_Err(t *testing.T) {
	assert.NoError(t, PortfolioFees{Total: 3}.Err())

	err := PortfolioFees{Total: 3, Failed: 1, Errors: map[string]error{"p2": errors.New("boom")}}.Err()
	var batch *PartialBatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, "1 of 3 failed: p2", err.Error())
}

// --- errors ---

func TestErrorCategories(t *testing.T) {
	assert.ErrorIs(t, ErrPositionNotFound, ErrNotFound)
	assert.ErrorIs(t, &LedgerError{Op: "collect", Err: errors.New("timeout")}, ErrLedger)
	assert.ErrorIs(t, &CollisionError{ID: "a", SafeID: "b"}, ErrCollision)

	cause := errors.New("reverted")
	partial := &PartialRebalanceError{PositionID: "pos_1", Stage: "add_liquidity", Err: cause}
	assert.ErrorIs(t, partial, cause)
	assert.Contains(t, partial.Error(), "add_liquidity")
}

// --- range orders ---

func TestRangeOrder_ClosedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := RangeOrder{CreatedAt: created}
	assert.Equal(t, created, o.ClosedAt())

	o.UpdatedAt = created.Add(time.Hour)
	assert.Equal(t, created.Add(time.Hour), o.ClosedAt())

	filled := created.Add(2 * time.Hour)
	o.FilledAt = &filled
	assert.Equal(t, filled, o.ClosedAt())
	assert.True(t, OrderFilled.Terminal())
	assert.False(t, OrderActive.Terminal())
}
