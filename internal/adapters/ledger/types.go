package ledger

import (
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

// Tipos de respuesta del gateway. Solo mapeamos los campos que usamos.

type positionKey struct {
	TokenID   string         `json:"tokenId,omitempty"`
	Owner     string         `json:"owner"`
	Token0    string         `json:"token0"`
	Token1    string         `json:"token1"`
	Fee       domain.FeeTier `json:"fee"`
	TickLower int            `json:"tickLower"`
	TickUpper int            `json:"tickUpper"`
}

type mintRequest struct {
	positionKey
	Amount0Desired decimal.Decimal `json:"amount0Desired"`
	Amount1Desired decimal.Decimal `json:"amount1Desired"`
	Amount0Min     decimal.Decimal `json:"amount0Min"`
	Amount1Min     decimal.Decimal `json:"amount1Min"`
	Deadline       int64           `json:"deadline"`
}

type mintResponse struct {
	TokenID   string          `json:"tokenId"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Amount0   decimal.Decimal `json:"amount0"`
	Amount1   decimal.Decimal `json:"amount1"`
}

type decreaseRequest struct {
	positionKey
	Liquidity  decimal.Decimal `json:"liquidity"`
	Amount0Min decimal.Decimal `json:"amount0Min"`
	Amount1Min decimal.Decimal `json:"amount1Min"`
	Deadline   int64           `json:"deadline"`
}

type collectRequest struct {
	positionKey
	Amount0Max decimal.Decimal `json:"amount0Max"`
	Amount1Max decimal.Decimal `json:"amount1Max"`
}

type amountsResponse struct {
	Amount0 decimal.Decimal `json:"amount0"`
	Amount1 decimal.Decimal `json:"amount1"`
}

type positionDTO struct {
	positionKey
	Liquidity   decimal.Decimal `json:"liquidity"`
	TokensOwed0 decimal.Decimal `json:"tokensOwed0"`
	TokensOwed1 decimal.Decimal `json:"tokensOwed1"`
}

type positionsResponse struct {
	Positions []positionDTO `json:"positions"`
}

type poolResponse struct {
	Token0       string          `json:"token0"`
	Token1       string          `json:"token1"`
	Fee          domain.FeeTier  `json:"fee"`
	SqrtPriceX96 decimal.Decimal `json:"sqrtPriceX96"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	Tick         int             `json:"tick"`
}

type tokenResponse struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Decimals int32   `json:"decimals"`
	PriceUSD float64 `json:"priceUsd,string"`
}

func (p positionDTO) toPort() ports.LedgerPosition {
	return ports.LedgerPosition{
		ID:          p.TokenID,
		Owner:       p.Owner,
		Token0:      p.Token0,
		Token1:      p.Token1,
		Fee:         p.Fee,
		TickLower:   p.TickLower,
		TickUpper:   p.TickUpper,
		Liquidity:   p.Liquidity,
		TokensOwed0: p.TokensOwed0,
		TokensOwed1: p.TokensOwed1,
	}
}
