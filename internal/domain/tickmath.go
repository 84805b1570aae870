package domain

// tickmath.go: conversions between tick index, price, liquidity and token amounts.
//
// price = 1.0001^tick. Amounts follow the three-region concentrated-liquidity
// formula: below range the position is all token0, above range all token1,
// inside the range it holds both.

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// TickBase is the price ratio between two adjacent ticks.
	TickBase = 1.0001

	// MinTick and MaxTick bound every tick accepted by the protocol.
	MinTick = -887272
	MaxTick = 887272
)

var (
	ErrInvalidPrice = errors.New("price must be positive and finite")
	ErrTickBounds   = errors.New("tick outside protocol bounds")
	ErrInvalidRange = errors.New("tickLower must be below tickUpper")
)

var logTickBase = math.Log(TickBase)

// PriceToTick returns round(log(price)/log(1.0001)).
func PriceToTick(price float64) (int, error) {
	if !isFinite(price) || price <= 0 {
		return 0, fmt.Errorf("domain.PriceToTick: %v: %w", price, ErrInvalidPrice)
	}
	tick := int(math.Round(math.Log(price) / logTickBase))
	if tick < MinTick || tick > MaxTick {
		return 0, fmt.Errorf("domain.PriceToTick: tick %d: %w", tick, ErrTickBounds)
	}
	return tick, nil
}

// TickToPrice returns 1.0001^tick.
func TickToPrice(tick int) float64 {
	return math.Pow(TickBase, float64(tick))
}

// ValidateTicks checks the protocol bound and the ordering of a tick pair.
func ValidateTicks(tickLower, tickUpper int) error {
	if tickLower < MinTick || tickLower > MaxTick {
		return fmt.Errorf("tickLower %d: %w", tickLower, ErrTickBounds)
	}
	if tickUpper < MinTick || tickUpper > MaxTick {
		return fmt.Errorf("tickUpper %d: %w", tickUpper, ErrTickBounds)
	}
	if tickLower >= tickUpper {
		return fmt.Errorf("%d >= %d: %w", tickLower, tickUpper, ErrInvalidRange)
	}
	return nil
}

// NearestUsableTick rounds tick to the closest multiple of spacing that stays
// inside the protocol bounds.
func NearestUsableTick(tick, spacing int) int {
	if spacing <= 1 {
		return tick
	}
	rounded := int(math.Round(float64(tick)/float64(spacing))) * spacing
	for rounded < MinTick {
		rounded += spacing
	}
	for rounded > MaxTick {
		rounded -= spacing
	}
	return rounded
}

// AmountsForPosition splits liquidity into token amounts at currentPrice.
//
// Any non-finite or negative intermediate value yields (0, 0) instead of
// propagating NaN/Inf. Out-of-bound ticks are rejected before computing.
func AmountsForPosition(liquidity decimal.Decimal, currentPrice float64, tickLower, tickUpper int) (amount0, amount1 decimal.Decimal, err error) {
	if err := ValidateTicks(tickLower, tickUpper); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("domain.AmountsForPosition: %w", err)
	}
	if liquidity.Sign() <= 0 || !isFinite(currentPrice) || currentPrice <= 0 {
		return decimal.Zero, decimal.Zero, nil
	}

	liq := liquidity.InexactFloat64()
	sqrtLower := math.Sqrt(TickToPrice(tickLower))
	sqrtUpper := math.Sqrt(TickToPrice(tickUpper))
	sqrtPrice := math.Sqrt(currentPrice)

	var a0, a1 float64
	switch {
	case sqrtPrice <= sqrtLower:
		a0 = liq * (1/sqrtLower - 1/sqrtUpper)
	case sqrtPrice >= sqrtUpper:
		a1 = liq * (sqrtUpper - sqrtLower)
	default:
		a0 = liq * (1/sqrtPrice - 1/sqrtUpper)
		a1 = liq * (sqrtPrice - sqrtLower)
	}

	if !safeAmount(a0) || !safeAmount(a1) {
		return decimal.Zero, decimal.Zero, nil
	}
	return decimal.NewFromFloat(a0), decimal.NewFromFloat(a1), nil
}

// LiquidityForAmounts is the inverse of AmountsForPosition: the largest
// liquidity that amount0 and amount1 can back at currentPrice.
func LiquidityForAmounts(amount0, amount1 decimal.Decimal, currentPrice float64, tickLower, tickUpper int) (decimal.Decimal, error) {
	if err := ValidateTicks(tickLower, tickUpper); err != nil {
		return decimal.Zero, fmt.Errorf("domain.LiquidityForAmounts: %w", err)
	}
	if !isFinite(currentPrice) || currentPrice <= 0 {
		return decimal.Zero, fmt.Errorf("domain.LiquidityForAmounts: %w", ErrInvalidPrice)
	}

	a0 := amount0.InexactFloat64()
	a1 := amount1.InexactFloat64()
	sqrtLower := math.Sqrt(TickToPrice(tickLower))
	sqrtUpper := math.Sqrt(TickToPrice(tickUpper))
	sqrtPrice := math.Sqrt(currentPrice)

	liqFrom0 := func(sqrtA float64) float64 {
		return a0 * sqrtA * sqrtUpper / (sqrtUpper - sqrtA)
	}
	liqFrom1 := func(sqrtB float64) float64 {
		return a1 / (sqrtB - sqrtLower)
	}

	var liq float64
	switch {
	case sqrtPrice <= sqrtLower:
		liq = liqFrom0(sqrtLower)
	case sqrtPrice >= sqrtUpper:
		liq = liqFrom1(sqrtUpper)
	default:
		liq = math.Min(liqFrom0(sqrtPrice), liqFrom1(sqrtPrice))
	}

	if !safeAmount(liq) {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(liq), nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func safeAmount(f float64) bool {
	return isFinite(f) && f >= 0
}
