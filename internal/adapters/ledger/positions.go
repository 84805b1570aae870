package ledger

// positions.go: operaciones de liquidez contra el gateway.
//
// The gateway identifies a position by tokenId when known and by its key
// otherwise, so every request carries both.

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

const (
	mintPath     = "/positions/mint"
	decreasePath = "/positions/decrease"
	collectPath  = "/positions/collect"
	ownerPosPath = "/owners/%s/positions"
	poolPath     = "/pools"
	tokenPath    = "/tokens/%s"
)

// q96 is 2^96, the fixed-point scale of sqrtPriceX96.
var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// AddLiquidity implementa ports.LedgerClient.
func (c *Client) AddLiquidity(ctx context.Context, req ports.AddLiquidityRequest) (ports.AddLiquidityResult, error) {
	body := mintRequest{
		positionKey: positionKey{
			Owner:     req.Owner,
			Token0:    req.Token0,
			Token1:    req.Token1,
			Fee:       req.Fee,
			TickLower: req.TickLower,
			TickUpper: req.TickUpper,
		},
		Amount0Desired: req.Amount0Desired,
		Amount1Desired: req.Amount1Desired,
		Amount0Min:     req.Amount0Min,
		Amount1Min:     req.Amount1Min,
		Deadline:       req.Deadline.Unix(),
	}
	var resp mintResponse
	if err := c.post(ctx, mintPath, body, &resp); err != nil {
		return ports.AddLiquidityResult{}, fmt.Errorf("ledger.AddLiquidity: %w", err)
	}
	return ports.AddLiquidityResult{
		PositionID: resp.TokenID,
		Liquidity:  resp.Liquidity,
		Amount0:    resp.Amount0,
		Amount1:    resp.Amount1,
	}, nil
}

// RemoveLiquidity implementa ports.LedgerClient.
func (c *Client) RemoveLiquidity(ctx context.Context, req ports.RemoveLiquidityRequest) (ports.TokenAmounts, error) {
	body := decreaseRequest{
		positionKey: positionKey{
			TokenID:   req.PositionID,
			Owner:     req.Owner,
			Token0:    req.Token0,
			Token1:    req.Token1,
			Fee:       req.Fee,
			TickLower: req.TickLower,
			TickUpper: req.TickUpper,
		},
		Liquidity:  req.Liquidity,
		Amount0Min: req.Amount0Min,
		Amount1Min: req.Amount1Min,
		Deadline:   req.Deadline.Unix(),
	}
	var resp amountsResponse
	if err := c.post(ctx, decreasePath, body, &resp); err != nil {
		return ports.TokenAmounts{}, fmt.Errorf("ledger.RemoveLiquidity: %w", err)
	}
	return ports.TokenAmounts{Amount0: resp.Amount0, Amount1: resp.Amount1}, nil
}

// CollectFees implementa ports.LedgerClient.
func (c *Client) CollectFees(ctx context.Context, req ports.CollectFeesRequest) (ports.TokenAmounts, error) {
	body := collectRequest{
		positionKey: positionKey{
			TokenID:   req.PositionID,
			Owner:     req.Owner,
			Token0:    req.Token0,
			Token1:    req.Token1,
			Fee:       req.Fee,
			TickLower: req.TickLower,
			TickUpper: req.TickUpper,
		},
		Amount0Max: req.Amount0Max,
		Amount1Max: req.Amount1Max,
	}
	var resp amountsResponse
	if err := c.post(ctx, collectPath, body, &resp); err != nil {
		return ports.TokenAmounts{}, fmt.Errorf("ledger.CollectFees: %w", err)
	}
	return ports.TokenAmounts{Amount0: resp.Amount0, Amount1: resp.Amount1}, nil
}

// GetUserPositions implementa ports.LedgerClient.
func (c *Client) GetUserPositions(ctx context.Context, owner string, page, pageSize int) ([]ports.LedgerPosition, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	path := fmt.Sprintf(ownerPosPath, url.PathEscape(owner)) + "?" + q.Encode()

	var resp positionsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("ledger.GetUserPositions: %w", err)
	}
	out := make([]ports.LedgerPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		out = append(out, p.toPort())
	}
	c.log.Debug("ledger: fetched positions page", "owner", owner, "page", page, "count", len(out))
	return out, nil
}

// GetPoolData implementa ports.LedgerClient. SqrtPrice is the raw
// sqrtPriceX96 reported by the pool.
func (c *Client) GetPoolData(ctx context.Context, token0, token1 string, fee domain.FeeTier) (ports.PoolData, error) {
	q := url.Values{}
	q.Set("token0", token0)
	q.Set("token1", token1)
	q.Set("fee", strconv.Itoa(int(fee)))

	var resp poolResponse
	if err := c.get(ctx, poolPath+"?"+q.Encode(), &resp); err != nil {
		return ports.PoolData{}, fmt.Errorf("ledger.GetPoolData: %w", err)
	}
	return ports.PoolData{
		Token0:    resp.Token0,
		Token1:    resp.Token1,
		Fee:       resp.Fee,
		SqrtPrice: resp.SqrtPriceX96,
		Liquidity: resp.Liquidity,
		Tick:      resp.Tick,
	}, nil
}

// CalculateSpotPrice converts sqrtPriceX96 into the price of token0 in
// token1: (sqrtPriceX96 / 2^96)² · 10^(decimals0 − decimals1).
func (c *Client) CalculateSpotPrice(ctx context.Context, token0, token1 string, sqrtPrice decimal.Decimal) (float64, error) {
	if sqrtPrice.Sign() <= 0 {
		return 0, fmt.Errorf("ledger.CalculateSpotPrice: sqrt price %s: %w", sqrtPrice, domain.ErrInvalidPrice)
	}
	d0, err := c.tokenDecimals(ctx, token0)
	if err != nil {
		return 0, fmt.Errorf("ledger.CalculateSpotPrice: %w", err)
	}
	d1, err := c.tokenDecimals(ctx, token1)
	if err != nil {
		return 0, fmt.Errorf("ledger.CalculateSpotPrice: %w", err)
	}

	ratio := sqrtPrice.DivRound(q96, 36)
	price := ratio.Mul(ratio).Shift(d0 - d1)
	return price.InexactFloat64(), nil
}

// TokenPriceUSD implementa ports.PriceOracle.
func (c *Client) TokenPriceUSD(ctx context.Context, token string) (float64, error) {
	t, err := c.token(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("ledger.TokenPriceUSD: %w", err)
	}
	if t.PriceUSD <= 0 {
		return 0, fmt.Errorf("ledger.TokenPriceUSD: no price for %s", token)
	}
	return t.PriceUSD, nil
}

// tokenDecimals caches decimals per token; they never change.
func (c *Client) tokenDecimals(ctx context.Context, token string) (int32, error) {
	key := domain.NormalizeToken(token)
	c.mu.Lock()
	d, ok := c.decimals[key]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	t, err := c.token(ctx, token)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.decimals[key] = t.Decimals
	c.mu.Unlock()
	return t.Decimals, nil
}

func (c *Client) token(ctx context.Context, token string) (tokenResponse, error) {
	var resp tokenResponse
	if err := c.get(ctx, fmt.Sprintf(tokenPath, url.PathEscape(token)), &resp); err != nil {
		return tokenResponse{}, err
	}
	return resp, nil
}
