// Package rangeorder emulates directional limit orders with narrow
// single-sided liquidity positions.
//
// A buy order parks token0 in a range above the current price. When the price
// climbs through the range the liquidity converts into token1 and the order is
// filled by withdrawing it. A sell order mirrors this below the current price.
package rangeorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/application/registry"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultRetention     = 7 * 24 * time.Hour
	defaultMaxOrders     = 1000
	defaultFillTolerance = 0.001
	maxRangeWidthPercent = 10
)

var (
	// ErrOrderNotActive is returned when a transition needs an active order.
	ErrOrderNotActive = errors.New("order is not active")
	// ErrOrderBusy is returned while the order is being executed.
	ErrOrderBusy = errors.New("order execution in progress")
)

// Positions is the subset of the position registry the engine needs.
type Positions interface {
	AddLiquidityByPrice(ctx context.Context, params registry.AddLiquidityParams) (string, error)
	RemoveLiquidity(ctx context.Context, id string, liquidity decimal.Decimal, slippageTolerance float64) (ports.TokenAmounts, error)
	CollectFees(ctx context.Context, id string, amount0Max, amount1Max decimal.Decimal) (ports.TokenAmounts, error)
	GetPosition(id string) (domain.Position, bool)
	CurrentPrice(ctx context.Context, token0, token1 string, fee domain.FeeTier) (float64, error)
}

// Config holds the engine settings.
type Config struct {
	Retention     time.Duration
	MaxOrders     int
	FillTolerance float64 // relative distance to target that allows execution
	Slippage      float64
	// MinCounterAmount is deposited on the side the order does not trade, so
	// the add-liquidity validation sees two amounts.
	MinCounterAmount decimal.Decimal
}

// PlaceConfig describes a new range order.
type PlaceConfig struct {
	Token0            string
	Token1            string
	Fee               domain.FeeTier
	Direction         domain.OrderDirection
	TargetPrice       float64
	RangeWidthPercent float64 // 0 < w <= 10
	Amount            decimal.Decimal
	AutoExecute       bool
}

// PlaceResult is returned by PlaceRangeOrder.
type PlaceResult struct {
	OrderID    string
	PositionID string
	PriceRange domain.PriceRange
}

// Engine tracks range orders and drives their state machine.
type Engine struct {
	cfg       Config
	positions Positions
	log       *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	orders   map[string]*domain.RangeOrder
	inflight map[string]bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a range order engine on top of positions.
func New(positions Positions, cfg Config, opts ...Option) *Engine {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = defaultMaxOrders
	}
	if cfg.FillTolerance <= 0 {
		cfg.FillTolerance = defaultFillTolerance
	}
	if cfg.MinCounterAmount.Sign() <= 0 {
		cfg.MinCounterAmount = decimal.New(1, -6)
	}
	e := &Engine{
		cfg:       cfg,
		positions: positions,
		log:       slog.Default(),
		now:       time.Now,
		orders:    make(map[string]*domain.RangeOrder),
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlaceRangeOrder validates cfg, opens the backing position and records the
// order as active. Nothing is recorded when placement fails.
func (e *Engine) PlaceRangeOrder(ctx context.Context, pc PlaceConfig) (PlaceResult, error) {
	if err := validatePlace(pc); err != nil {
		return PlaceResult{}, err
	}

	current, err := e.positions.CurrentPrice(ctx, pc.Token0, pc.Token1, pc.Fee)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("rangeorder.Place: current price: %w", err)
	}

	rng, err := orderRange(pc.Direction, pc.TargetPrice, pc.RangeWidthPercent, current)
	if err != nil {
		return PlaceResult{}, err
	}

	params := registry.AddLiquidityParams{
		Token0:            pc.Token0,
		Token1:            pc.Token1,
		Fee:               pc.Fee,
		MinPrice:          rng.Min,
		MaxPrice:          rng.Max,
		SlippageTolerance: e.cfg.Slippage,
	}
	if pc.Direction == domain.DirectionBuy {
		params.Amount0Desired, params.Amount1Desired = pc.Amount, e.cfg.MinCounterAmount
	} else {
		params.Amount0Desired, params.Amount1Desired = e.cfg.MinCounterAmount, pc.Amount
	}

	positionID, err := e.positions.AddLiquidityByPrice(ctx, params)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("rangeorder.Place: %w", err)
	}

	now := e.now()
	order := &domain.RangeOrder{
		ID:                "ro_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		PositionID:        positionID,
		Token0:            pc.Token0,
		Token1:            pc.Token1,
		Fee:               pc.Fee,
		Direction:         pc.Direction,
		TargetPrice:       pc.TargetPrice,
		RangeWidthPercent: pc.RangeWidthPercent,
		MinPrice:          rng.Min,
		MaxPrice:          rng.Max,
		Amount:            pc.Amount,
		AutoExecute:       pc.AutoExecute,
		Status:            domain.OrderActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	e.mu.Lock()
	e.orders[order.ID] = order
	e.mu.Unlock()

	e.log.Info("rangeorder: placed",
		"order_id", order.ID,
		"position_id", positionID,
		"direction", pc.Direction,
		"target", pc.TargetPrice,
		"current", current,
		"range", fmt.Sprintf("[%.8f,%.8f]", rng.Min, rng.Max),
		"amount", pc.Amount.String(),
	)
	return PlaceResult{OrderID: order.ID, PositionID: positionID, PriceRange: rng}, nil
}

func validatePlace(pc PlaceConfig) error {
	switch {
	case strings.TrimSpace(pc.Token0) == "" || strings.TrimSpace(pc.Token1) == "":
		return domain.NewValidationError("token", "token0 and token1 are required")
	case domain.SameToken(pc.Token0, pc.Token1):
		return domain.NewValidationError("token1", "must differ from token0")
	case math.IsNaN(pc.TargetPrice) || math.IsInf(pc.TargetPrice, 0) || pc.TargetPrice <= 0:
		return &domain.ValidationError{Field: "targetPrice", Reason: "must be positive", Err: domain.ErrInvalidPrice}
	case !pc.Fee.Valid():
		return domain.NewValidationError("fee", fmt.Sprintf("unsupported fee tier %d", pc.Fee))
	case pc.RangeWidthPercent <= 0 || pc.RangeWidthPercent > maxRangeWidthPercent:
		return domain.NewValidationError("rangeWidth", "must be in (0, 10] percent")
	case pc.Direction != domain.DirectionBuy && pc.Direction != domain.DirectionSell:
		return domain.NewValidationError("direction", fmt.Sprintf("unknown direction %q", pc.Direction))
	case pc.Amount.Sign() <= 0:
		return &domain.ValidationError{Field: "amount", Reason: "must be positive", Err: domain.ErrInvalidAmount}
	}
	return nil
}

// orderRange centres the range on target and clamps it so it never crosses
// the current price.
func orderRange(dir domain.OrderDirection, target, widthPercent, current float64) (domain.PriceRange, error) {
	half := target * (widthPercent / 100) / 2
	rng := domain.PriceRange{Min: target - half, Max: target + half}

	// One tick away from the current price.
	margin := domain.TickBase - 1

	switch dir {
	case domain.DirectionBuy:
		if target <= current {
			return domain.PriceRange{}, domain.NewValidationError("targetPrice", "Invalid range for buy order")
		}
		if rng.Min <= current {
			rng.Min = current * (1 + margin)
		}
	case domain.DirectionSell:
		if target >= current {
			return domain.PriceRange{}, domain.NewValidationError("targetPrice", "Invalid range for sell order")
		}
		if rng.Max >= current {
			rng.Max = current * (1 - margin)
		}
	}
	if rng.Min <= 0 || rng.Min >= rng.Max {
		return domain.PriceRange{}, domain.NewValidationError("targetPrice", fmt.Sprintf("Invalid range for %s order", dir))
	}
	return rng, nil
}

// CancelRangeOrder withdraws the order's liquidity and marks it cancelled.
// Only active orders can be cancelled; the position is untouched otherwise.
func (e *Engine) CancelRangeOrder(ctx context.Context, orderID string) (ports.TokenAmounts, error) {
	order, err := e.claim(orderID)
	if err != nil {
		return ports.TokenAmounts{}, fmt.Errorf("rangeorder.Cancel: %w", err)
	}
	defer e.release(orderID)

	var amounts ports.TokenAmounts
	if pos, ok := e.positions.GetPosition(order.PositionID); ok && pos.Liquidity.Sign() > 0 {
		amounts, err = e.positions.RemoveLiquidity(ctx, pos.ID, pos.Liquidity, e.cfg.Slippage)
		if err != nil {
			return ports.TokenAmounts{}, fmt.Errorf("rangeorder.Cancel %s: %w", orderID, err)
		}
	}

	e.transition(orderID, func(o *domain.RangeOrder, now time.Time) {
		o.Status = domain.OrderCancelled
		o.UpdatedAt = now
	})
	e.log.Info("rangeorder: cancelled", "order_id", orderID, "position_id", order.PositionID)
	return amounts, nil
}

// UpdateOrderStatuses checks every active order against the current price and
// executes the ones that reached their target. It returns how many orders
// changed state.
func (e *Engine) UpdateOrderStatuses(ctx context.Context) int {
	active := e.activeOrders()
	prices := make(map[string]float64)
	changed := 0

	for _, order := range active {
		if ctx.Err() != nil {
			break
		}
		if !order.AutoExecute {
			continue
		}

		pool := fmt.Sprintf("%s/%s/%d", order.Token0, order.Token1, order.Fee)
		price, ok := prices[pool]
		if !ok {
			p, err := e.positions.CurrentPrice(ctx, order.Token0, order.Token1, order.Fee)
			if err != nil {
				e.log.Warn("rangeorder: price unavailable", "pool", pool, "err", err)
				continue
			}
			prices[pool] = p
			price = p
		}

		rng := domain.PriceRange{Min: order.MinPrice, Max: order.MaxPrice}
		if !rng.Contains(price) || math.Abs(price-order.TargetPrice)/order.TargetPrice > e.cfg.FillTolerance {
			continue
		}
		if e.execute(ctx, order.ID, price) {
			changed++
		}
	}
	return changed
}

// execute withdraws a triggered order. Failures leave the order expired, not
// active.
func (e *Engine) execute(ctx context.Context, orderID string, price float64) bool {
	order, err := e.claim(orderID)
	if err != nil {
		return false
	}
	defer e.release(orderID)

	amounts, err := e.withdraw(ctx, order)
	if err != nil {
		e.transition(orderID, func(o *domain.RangeOrder, now time.Time) {
			o.Status = domain.OrderExpired
			o.FailureReason = err.Error()
			o.UpdatedAt = now
		})
		e.log.Error("rangeorder: execution failed, order expired", "order_id", orderID, "err", err)
		return true
	}

	filled := amounts.Amount1
	if order.Direction == domain.DirectionSell {
		filled = amounts.Amount0
	}
	e.transition(orderID, func(o *domain.RangeOrder, now time.Time) {
		o.Status = domain.OrderFilled
		o.FilledAt = &now
		o.UpdatedAt = now
		o.ExecutionPrice = price
		o.AmountFilled = filled
	})
	e.log.Info("rangeorder: filled",
		"order_id", orderID,
		"direction", order.Direction,
		"execution_price", price,
		"amount_filled", filled.String(),
	)
	return true
}

// withdraw collects fees and removes all liquidity of the order's position.
func (e *Engine) withdraw(ctx context.Context, order domain.RangeOrder) (ports.TokenAmounts, error) {
	pos, ok := e.positions.GetPosition(order.PositionID)
	if !ok {
		return ports.TokenAmounts{}, fmt.Errorf("position %s: %w", order.PositionID, domain.ErrPositionNotFound)
	}

	fees := ports.TokenAmounts{Amount0: decimal.Zero, Amount1: decimal.Zero}
	if pos.HasUncollectedFees() {
		var err error
		fees, err = e.positions.CollectFees(ctx, pos.ID, decimal.Zero, decimal.Zero)
		if err != nil {
			return ports.TokenAmounts{}, fmt.Errorf("collect fees: %w", err)
		}
	}

	amounts, err := e.positions.RemoveLiquidity(ctx, pos.ID, pos.Liquidity, e.cfg.Slippage)
	if err != nil {
		return ports.TokenAmounts{}, fmt.Errorf("remove liquidity: %w", err)
	}
	return ports.TokenAmounts{
		Amount0: amounts.Amount0.Add(fees.Amount0),
		Amount1: amounts.Amount1.Add(fees.Amount1),
	}, nil
}

// claim marks an active order as in flight and returns a copy of it.
func (e *Engine) claim(orderID string) (domain.RangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.RangeOrder{}, fmt.Errorf("%s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.Status != domain.OrderActive {
		return domain.RangeOrder{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrOrderNotActive)
	}
	if e.inflight[orderID] {
		return domain.RangeOrder{}, fmt.Errorf("order %s: %w", orderID, ErrOrderBusy)
	}
	e.inflight[orderID] = true
	return *o, nil
}

func (e *Engine) release(orderID string) {
	e.mu.Lock()
	delete(e.inflight, orderID)
	e.mu.Unlock()
}

func (e *Engine) transition(orderID string, apply func(o *domain.RangeOrder, now time.Time)) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[orderID]; ok {
		apply(o, now)
	}
}

func (e *Engine) activeOrders() []domain.RangeOrder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.RangeOrder, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == domain.OrderActive {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup drops terminal orders older than the retention window, then evicts
// the oldest orders while more than MaxOrders remain. Terminal orders go
// first; evicted active orders keep their position in the registry.
func (e *Engine) Cleanup() int {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, o := range e.orders {
		if o.Status.Terminal() && now.Sub(o.ClosedAt()) > e.cfg.Retention {
			delete(e.orders, id)
			removed++
		}
	}

	excess := len(e.orders) - e.cfg.MaxOrders
	if excess <= 0 {
		if removed > 0 {
			e.log.Debug("rangeorder: cleanup", "removed", removed)
		}
		return removed
	}

	all := make([]*domain.RangeOrder, 0, len(e.orders))
	for _, o := range e.orders {
		if !e.inflight[o.ID] {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].Status.Terminal(), all[j].Status.Terminal()
		if ti != tj {
			return ti
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	for _, o := range all[:min(excess, len(all))] {
		if !o.Status.Terminal() {
			e.log.Warn("rangeorder: evicting active order over capacity",
				"order_id", o.ID,
				"position_id", o.PositionID,
				"max_orders", e.cfg.MaxOrders,
			)
		}
		delete(e.orders, o.ID)
		removed++
	}
	e.log.Debug("rangeorder: cleanup", "removed", removed)
	return removed
}

// GetStatistics aggregates orders per status.
func (e *Engine) GetStatistics() domain.RangeOrderStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := domain.RangeOrderStats{Total: len(e.orders), TotalVolume: decimal.Zero}
	for _, o := range e.orders {
		stats.TotalVolume = stats.TotalVolume.Add(o.Amount)
		switch o.Status {
		case domain.OrderActive:
			stats.Active++
		case domain.OrderFilled:
			stats.Filled++
		case domain.OrderCancelled:
			stats.Cancelled++
		case domain.OrderExpired:
			stats.Expired++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Filled) / float64(stats.Total)
	}
	return stats
}

// GetOrder returns a copy of one order.
func (e *Engine) GetOrder(orderID string) (domain.RangeOrder, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return domain.RangeOrder{}, false
	}
	return *o, true
}

// GetOrders returns copies of all orders, oldest first.
func (e *Engine) GetOrders() []domain.RangeOrder {
	e.mu.RLock()
	out := make([]domain.RangeOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// OwnsPosition reports whether positionID backs an active order. The
// rebalance engine uses it to leave those positions alone.
func (e *Engine) OwnsPosition(positionID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, o := range e.orders {
		if o.PositionID == positionID && o.Status == domain.OrderActive {
			return true
		}
	}
	return false
}

// Run updates statuses and cleans up on every tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.log.Info("rangeorder: monitor starting", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("rangeorder: monitor stopped")
			return nil
		case <-ticker.C:
			if n := e.UpdateOrderStatuses(ctx); n > 0 {
				e.log.Info("rangeorder: statuses updated", "changed", n)
			}
			e.Cleanup()
		}
	}
}
