package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/shopspring/decimal"
)

// AddLiquidityRequest mints a new position on the ledger.
type AddLiquidityRequest struct {
	Owner          string
	Token0         string
	Token1         string
	Fee            domain.FeeTier
	TickLower      int
	TickUpper      int
	Amount0Desired decimal.Decimal
	Amount1Desired decimal.Decimal
	Amount0Min     decimal.Decimal
	Amount1Min     decimal.Decimal
	Deadline       time.Time
}

// AddLiquidityResult is the outcome of a successful mint.
type AddLiquidityResult struct {
	PositionID string // ledger id, may be empty
	Liquidity  decimal.Decimal
	Amount0    decimal.Decimal
	Amount1    decimal.Decimal
}

// RemoveLiquidityRequest burns liquidity from an existing position.
type RemoveLiquidityRequest struct {
	PositionID string // ledger id
	Owner      string
	Token0     string
	Token1     string
	Fee        domain.FeeTier
	TickLower  int
	TickUpper  int
	Liquidity  decimal.Decimal
	Amount0Min decimal.Decimal
	Amount1Min decimal.Decimal
	Deadline   time.Time
}

// CollectFeesRequest withdraws owed fees. Zero maxima mean "everything".
type CollectFeesRequest struct {
	PositionID string // ledger id
	Owner      string
	Token0     string
	Token1     string
	Fee        domain.FeeTier
	TickLower  int
	TickUpper  int
	Amount0Max decimal.Decimal
	Amount1Max decimal.Decimal
}

// TokenAmounts is a pair of token amounts returned by the ledger.
type TokenAmounts struct {
	Amount0 decimal.Decimal
	Amount1 decimal.Decimal
}

// LedgerPosition is a position as reported by the ledger.
type LedgerPosition struct {
	ID          string // may be empty
	Owner       string
	Token0      string
	Token1      string
	Fee         domain.FeeTier
	TickLower   int
	TickUpper   int
	Liquidity   decimal.Decimal
	TokensOwed0 decimal.Decimal
	TokensOwed1 decimal.Decimal
}

// PoolData is the pool state needed to derive a spot price.
type PoolData struct {
	Token0    string
	Token1    string
	Fee       domain.FeeTier
	SqrtPrice decimal.Decimal
	Liquidity decimal.Decimal
	Tick      int
}

// LedgerClient executes liquidity operations against the DEX. Every call may
// fail transiently; callers wrap mutating calls with retry.Do.
type LedgerClient interface {
	AddLiquidity(ctx context.Context, req AddLiquidityRequest) (AddLiquidityResult, error)
	RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (TokenAmounts, error)
	CollectFees(ctx context.Context, req CollectFeesRequest) (TokenAmounts, error)

	// GetUserPositions returns one page (1-based) of the owner's positions.
	GetUserPositions(ctx context.Context, owner string, page, pageSize int) ([]LedgerPosition, error)

	GetPoolData(ctx context.Context, token0, token1 string, fee domain.FeeTier) (PoolData, error)

	// CalculateSpotPrice converts a pool sqrt price into the price of token0
	// expressed in token1.
	CalculateSpotPrice(ctx context.Context, token0, token1 string, sqrtPrice decimal.Decimal) (float64, error)
}
