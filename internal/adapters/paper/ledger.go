package paper

// ledger.go: in-memory DEX used for paper trading and tests.
//
// Liquidity, amounts and fees follow the same tick math as the live engine,
// so a paper run exercises the registry, range orders and rebalancer end to
// end without touching the chain. Prices move only when SetPrice is called.

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
)

// Operation names accepted by FailNext and Calls.
const (
	OpAddLiquidity    = "add_liquidity"
	OpRemoveLiquidity = "remove_liquidity"
	OpCollectFees     = "collect_fees"
	OpGetPositions    = "get_positions"
	OpGetPoolData     = "get_pool_data"
	OpSpotPrice       = "spot_price"
	OpTokenPrice      = "token_price"
)

type poolKey struct {
	token0 string
	token1 string
	fee    domain.FeeTier
}

func keyFor(token0, token1 string, fee domain.FeeTier) poolKey {
	return poolKey{token0: domain.NormalizeToken(token0), token1: domain.NormalizeToken(token1), fee: fee}
}

type paperPosition struct {
	pos   ports.LedgerPosition
	order int
}

// Ledger implements ports.LedgerClient and ports.PriceOracle in memory.
type Ledger struct {
	mu        sync.Mutex
	pools     map[poolKey]float64
	usd       map[string]float64
	positions map[string]*paperPosition
	nextID    int
	hideIDs   bool
	noZap     bool
	failures  map[string][]error
	calls     map[string]int
}

// NewLedger creates an empty paper ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pools:     make(map[poolKey]float64),
		usd:       make(map[string]float64),
		positions: make(map[string]*paperPosition),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// SetPrice sets the price of token0 in token1 for a pool, creating it if needed.
func (l *Ledger) SetPrice(token0, token1 string, fee domain.FeeTier, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pools[keyFor(token0, token1, fee)] = price
}

// SetTokenPriceUSD sets the USD price returned by TokenPriceUSD.
func (l *Ledger) SetTokenPriceUSD(token string, usd float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.usd[domain.NormalizeToken(token)] = usd
}

// HideIDs makes GetUserPositions omit ledger ids, as some indexers do.
func (l *Ledger) HideIDs(hide bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hideIDs = hide
}

// DisableZap makes AddLiquidity mint only what the desired amounts back
// as-is, like a bare position manager. By default unbalanced amounts are
// swapped at the pool price so the whole value is deployed.
func (l *Ledger) DisableZap() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.noZap = true
}

// FailNext makes the next n calls of op return err.
func (l *Ledger) FailNext(op string, n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures[op] = append(l.failures[op], err)
	}
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// AccrueFees adds owed fees to a position.
func (l *Ledger) AccrueFees(ledgerID string, amount0, amount1 decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[ledgerID]
	if !ok {
		return fmt.Errorf("paper: position %s not found", ledgerID)
	}
	p.pos.TokensOwed0 = p.pos.TokensOwed0.Add(amount0)
	p.pos.TokensOwed1 = p.pos.TokensOwed1.Add(amount1)
	return nil
}

// Inject stores a position created outside this process. An empty ID gets
// the next sequential id.
func (l *Ledger) Inject(pos ports.LedgerPosition) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos.ID == "" {
		l.nextID++
		pos.ID = strconv.Itoa(l.nextID)
	}
	l.positions[pos.ID] = &paperPosition{pos: pos, order: len(l.positions)}
	return pos.ID
}

// Position returns the ledger view of a position.
func (l *Ledger) Position(ledgerID string) (ports.LedgerPosition, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[ledgerID]
	if !ok {
		return ports.LedgerPosition{}, false
	}
	return p.pos, true
}

// AddLiquidity mints a position from the desired amounts. See DisableZap.
func (l *Ledger) AddLiquidity(ctx context.Context, req ports.AddLiquidityRequest) (ports.AddLiquidityResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpAddLiquidity); err != nil {
		return ports.AddLiquidityResult{}, err
	}

	price, err := l.poolPrice(req.Token0, req.Token1, req.Fee)
	if err != nil {
		return ports.AddLiquidityResult{}, err
	}

	var liquidity decimal.Decimal
	if l.noZap {
		liquidity, err = domain.LiquidityForAmounts(req.Amount0Desired, req.Amount1Desired, price, req.TickLower, req.TickUpper)
	} else {
		liquidity, err = zapLiquidity(req.Amount0Desired, req.Amount1Desired, price, req.TickLower, req.TickUpper)
	}
	if err != nil {
		return ports.AddLiquidityResult{}, fmt.Errorf("paper: %w", err)
	}
	if liquidity.Sign() <= 0 {
		return ports.AddLiquidityResult{}, fmt.Errorf("paper: amounts back zero liquidity")
	}
	amount0, amount1, err := domain.AmountsForPosition(liquidity, price, req.TickLower, req.TickUpper)
	if err != nil {
		return ports.AddLiquidityResult{}, fmt.Errorf("paper: %w", err)
	}

	l.nextID++
	id := strconv.Itoa(l.nextID)
	l.positions[id] = &paperPosition{
		order: len(l.positions),
		pos: ports.LedgerPosition{
			ID:          id,
			Owner:       req.Owner,
			Token0:      req.Token0,
			Token1:      req.Token1,
			Fee:         req.Fee,
			TickLower:   req.TickLower,
			TickUpper:   req.TickUpper,
			Liquidity:   liquidity,
			TokensOwed0: decimal.Zero,
			TokensOwed1: decimal.Zero,
		},
	}

	return ports.AddLiquidityResult{
		PositionID: id,
		Liquidity:  liquidity,
		Amount0:    amount0,
		Amount1:    amount1,
	}, nil
}

// RemoveLiquidity burns liquidity and returns the token amounts at the
// current pool price.
func (l *Ledger) RemoveLiquidity(ctx context.Context, req ports.RemoveLiquidityRequest) (ports.TokenAmounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpRemoveLiquidity); err != nil {
		return ports.TokenAmounts{}, err
	}

	p, ok := l.positions[req.PositionID]
	if !ok {
		return ports.TokenAmounts{}, fmt.Errorf("paper: position %s not found", req.PositionID)
	}
	if req.Liquidity.GreaterThan(p.pos.Liquidity) {
		return ports.TokenAmounts{}, fmt.Errorf("paper: remove %s exceeds liquidity %s", req.Liquidity, p.pos.Liquidity)
	}

	price, err := l.poolPrice(p.pos.Token0, p.pos.Token1, p.pos.Fee)
	if err != nil {
		return ports.TokenAmounts{}, err
	}
	amount0, amount1, err := domain.AmountsForPosition(req.Liquidity, price, p.pos.TickLower, p.pos.TickUpper)
	if err != nil {
		return ports.TokenAmounts{}, fmt.Errorf("paper: %w", err)
	}

	p.pos.Liquidity = p.pos.Liquidity.Sub(req.Liquidity)
	return ports.TokenAmounts{Amount0: amount0, Amount1: amount1}, nil
}

// CollectFees pays out owed fees up to the requested maxima.
func (l *Ledger) CollectFees(ctx context.Context, req ports.CollectFeesRequest) (ports.TokenAmounts, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpCollectFees); err != nil {
		return ports.TokenAmounts{}, err
	}

	p, ok := l.positions[req.PositionID]
	if !ok {
		return ports.TokenAmounts{}, fmt.Errorf("paper: position %s not found", req.PositionID)
	}

	amount0 := capAmount(p.pos.TokensOwed0, req.Amount0Max)
	amount1 := capAmount(p.pos.TokensOwed1, req.Amount1Max)
	p.pos.TokensOwed0 = p.pos.TokensOwed0.Sub(amount0)
	p.pos.TokensOwed1 = p.pos.TokensOwed1.Sub(amount1)
	return ports.TokenAmounts{Amount0: amount0, Amount1: amount1}, nil
}

// GetUserPositions pages through the owner's open positions in creation order.
func (l *Ledger) GetUserPositions(ctx context.Context, owner string, page, pageSize int) ([]ports.LedgerPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpGetPositions); err != nil {
		return nil, err
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("paper: invalid page %d/%d", page, pageSize)
	}

	open := make([]*paperPosition, 0, len(l.positions))
	for _, p := range l.positions {
		if p.pos.Liquidity.Sign() <= 0 {
			continue
		}
		if owner != "" && !strings.EqualFold(p.pos.Owner, owner) {
			continue
		}
		open = append(open, p)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].order < open[j].order })

	start := (page - 1) * pageSize
	if start >= len(open) {
		return nil, nil
	}
	end := min(start+pageSize, len(open))

	out := make([]ports.LedgerPosition, 0, end-start)
	for _, p := range open[start:end] {
		pos := p.pos
		if l.hideIDs {
			pos.ID = ""
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetPoolData returns the pool sqrt price.
func (l *Ledger) GetPoolData(ctx context.Context, token0, token1 string, fee domain.FeeTier) (ports.PoolData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpGetPoolData); err != nil {
		return ports.PoolData{}, err
	}
	price, err := l.poolPrice(token0, token1, fee)
	if err != nil {
		return ports.PoolData{}, err
	}
	tick, _ := domain.PriceToTick(price)
	return ports.PoolData{
		Token0:    token0,
		Token1:    token1,
		Fee:       fee,
		SqrtPrice: decimal.NewFromFloat(math.Sqrt(price)),
		Tick:      tick,
	}, nil
}

// CalculateSpotPrice returns the pool price exactly as set, avoiding the
// rounding of squaring the sqrt price. Unknown pools fall back to squaring.
func (l *Ledger) CalculateSpotPrice(ctx context.Context, token0, token1 string, sqrtPrice decimal.Decimal) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpSpotPrice); err != nil {
		return 0, err
	}
	for _, fee := range []domain.FeeTier{domain.FeeTier001, domain.FeeTier005, domain.FeeTier030, domain.FeeTier100} {
		if p, ok := l.pools[keyFor(token0, token1, fee)]; ok {
			s := math.Sqrt(p)
			if math.Abs(s-sqrtPrice.InexactFloat64()) <= s*1e-9 {
				return p, nil
			}
		}
	}
	s := sqrtPrice.InexactFloat64()
	return s * s, nil
}

// TokenPriceUSD implements ports.PriceOracle.
func (l *Ledger) TokenPriceUSD(ctx context.Context, token string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(OpTokenPrice); err != nil {
		return 0, err
	}
	p, ok := l.usd[domain.NormalizeToken(token)]
	if !ok {
		return 0, fmt.Errorf("paper: no USD price for %s", token)
	}
	return p, nil
}

// enter counts the call and pops a queued failure. Caller holds mu.
func (l *Ledger) enter(op string) error {
	l.calls[op]++
	queued := l.failures[op]
	if len(queued) == 0 {
		return nil
	}
	l.failures[op] = queued[1:]
	return queued[0]
}

// poolPrice looks up a pool in either token order. Caller holds mu.
func (l *Ledger) poolPrice(token0, token1 string, fee domain.FeeTier) (float64, error) {
	if p, ok := l.pools[keyFor(token0, token1, fee)]; ok {
		return p, nil
	}
	if p, ok := l.pools[keyFor(token1, token0, fee)]; ok && p > 0 {
		return 1 / p, nil
	}
	return 0, fmt.Errorf("paper: pool %s/%s/%d not found", token0, token1, fee)
}

// zapLiquidity returns the liquidity the total value of both amounts buys
// on the range, valued in token1 at price.
func zapLiquidity(amount0, amount1 decimal.Decimal, price float64, tickLower, tickUpper int) (decimal.Decimal, error) {
	unit0, unit1, err := domain.AmountsForPosition(decimal.NewFromInt(1), price, tickLower, tickUpper)
	if err != nil {
		return decimal.Zero, err
	}
	p := decimal.NewFromFloat(price)
	perUnit := unit0.Mul(p).Add(unit1)
	if perUnit.Sign() <= 0 {
		return decimal.Zero, nil
	}
	value := amount0.Mul(p).Add(amount1)
	return value.DivRound(perUnit, 18), nil
}

func capAmount(owed, maxAmount decimal.Decimal) decimal.Decimal {
	if maxAmount.Sign() > 0 && owed.GreaterThan(maxAmount) {
		return maxAmount
	}
	return owed
}

// FixedGas is a GasEstimator returning a constant USD cost.
type FixedGas float64

// EstimateGasCostUSD implements ports.GasEstimator.
func (g FixedGas) EstimateGasCostUSD(context.Context) (float64, error) {
	return float64(g), nil
}
