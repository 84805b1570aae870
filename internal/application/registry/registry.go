package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultSlippage = 0.005
	defaultDeadline = 20 * time.Minute
	defaultPageSize = 100
	defaultMaxPages = 50
)

// Config holds the registry settings.
type Config struct {
	Owner           string
	DefaultSlippage float64
	Deadline        time.Duration
	PageSize        int
	MaxPages        int
	Retry           retry.Policy
}

// AddLiquidityParams describes a new position by price range.
type AddLiquidityParams struct {
	Token0            string
	Token1            string
	Fee               domain.FeeTier
	MinPrice          float64
	MaxPrice          float64
	Amount0Desired    decimal.Decimal
	Amount1Desired    decimal.Decimal
	SlippageTolerance float64 // 0 uses the configured default
}

// Registry owns every locally known position. It is the only component that
// mutates Position records; everyone else works on copies and ids.
type Registry struct {
	cfg      Config
	ledger   ports.LedgerClient
	repo     ports.PositionRepository
	log      *slog.Logger
	now      func() time.Time
	deriveID func(domain.PositionKey, string) string

	mu        sync.RWMutex
	positions map[string]*domain.Position
	locks     *keyedMutex
	// adds hold syncMu shared from the ledger call until the record is
	// stored; Reconcile holds it exclusively while matching and inserting.
	// Order: syncMu before any per-id lock.
	syncMu sync.RWMutex
	counter   atomic.Uint64

	strandedMu sync.Mutex
	stranded   []domain.PartialRebalanceError
}

// Option customises a Registry.
type Option func(*Registry)

// WithRepository enables write-through persistence.
func WithRepository(repo ports.PositionRepository) Option {
	return func(r *Registry) { r.repo = repo }
}

// WithLogger sets the logger (slog.Default otherwise).
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDDeriver overrides the deterministic id used during reconciliation.
func WithIDDeriver(fn func(domain.PositionKey, string) string) Option {
	return func(r *Registry) { r.deriveID = fn }
}

// New creates a registry backed by ledger.
func New(ledger ports.LedgerClient, cfg Config, opts ...Option) *Registry {
	if cfg.DefaultSlippage <= 0 {
		cfg.DefaultSlippage = defaultSlippage
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaultDeadline
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	r := &Registry{
		cfg:       cfg,
		ledger:    ledger,
		log:       slog.Default(),
		now:       time.Now,
		deriveID:  domain.DeterministicPositionID,
		positions: make(map[string]*domain.Position),
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owner returns the ledger account the registry manages.
func (r *Registry) Owner() string {
	return r.cfg.Owner
}

// GetPosition returns a copy of the position with id.
func (r *Registry) GetPosition(id string) (domain.Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// GetAllPositions returns copies of all open positions, oldest first.
func (r *Registry) GetAllPositions() []domain.Position {
	r.mu.RLock()
	out := make([]domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stranded returns rebalances that withdrew liquidity without re-adding it.
func (r *Registry) Stranded() []domain.PartialRebalanceError {
	r.strandedMu.Lock()
	defer r.strandedMu.Unlock()
	out := make([]domain.PartialRebalanceError, len(r.stranded))
	copy(out, r.stranded)
	return out
}

// CurrentPrice returns the spot price of token0 in token1 for the pool.
func (r *Registry) CurrentPrice(ctx context.Context, token0, token1 string, fee domain.FeeTier) (float64, error) {
	pool, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (ports.PoolData, error) {
		return r.ledger.GetPoolData(ctx, token0, token1, fee)
	})
	if err != nil {
		return 0, &domain.LedgerError{Op: "get_pool_data", Err: err}
	}
	price, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (float64, error) {
		return r.ledger.CalculateSpotPrice(ctx, token0, token1, pool.SqrtPrice)
	})
	if err != nil {
		return 0, &domain.LedgerError{Op: "calculate_spot_price", Err: err}
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, &domain.LedgerError{Op: "calculate_spot_price", Err: fmt.Errorf("%v: %w", price, domain.ErrInvalidPrice)}
	}
	return price, nil
}

// AddLiquidityByPrice opens a position on [MinPrice, MaxPrice] and returns
// its local id.
func (r *Registry) AddLiquidityByPrice(ctx context.Context, params AddLiquidityParams) (string, error) {
	r.syncMu.RLock()
	defer r.syncMu.RUnlock()
	pos, err := r.addLiquidity(ctx, params)
	if err != nil {
		return "", err
	}
	return pos.ID, nil
}

// addLiquidity requires syncMu held shared by the caller.
func (r *Registry) addLiquidity(ctx context.Context, params AddLiquidityParams) (domain.Position, error) {
	params, err := r.normalizeAddParams(params)
	if err != nil {
		return domain.Position{}, err
	}

	tickLower, err := domain.PriceToTick(params.MinPrice)
	if err != nil {
		return domain.Position{}, &domain.ValidationError{Field: "minPrice", Reason: err.Error(), Err: err}
	}
	tickUpper, err := domain.PriceToTick(params.MaxPrice)
	if err != nil {
		return domain.Position{}, &domain.ValidationError{Field: "maxPrice", Reason: err.Error(), Err: err}
	}
	if tickLower >= tickUpper {
		return domain.Position{}, domain.NewValidationError("maxPrice", "price range narrower than one tick")
	}

	keep := decimal.NewFromFloat(1 - params.SlippageTolerance)
	req := ports.AddLiquidityRequest{
		Owner:          r.cfg.Owner,
		Token0:         params.Token0,
		Token1:         params.Token1,
		Fee:            params.Fee,
		TickLower:      tickLower,
		TickUpper:      tickUpper,
		Amount0Desired: params.Amount0Desired,
		Amount1Desired: params.Amount1Desired,
		Amount0Min:     params.Amount0Desired.Mul(keep),
		Amount1Min:     params.Amount1Desired.Mul(keep),
		Deadline:       r.now().Add(r.cfg.Deadline),
	}

	res, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (ports.AddLiquidityResult, error) {
		return r.ledger.AddLiquidity(ctx, req)
	})
	if err != nil {
		return domain.Position{}, &domain.LedgerError{Op: "add_liquidity", Err: err}
	}

	now := r.now()
	pos := domain.Position{
		ID:               r.newID(now),
		LedgerID:         res.PositionID,
		Owner:            r.cfg.Owner,
		Token0:           params.Token0,
		Token1:           params.Token1,
		Fee:              params.Fee,
		TickLower:        tickLower,
		TickUpper:        tickUpper,
		MinPrice:         domain.TickToPrice(tickLower),
		MaxPrice:         domain.TickToPrice(tickUpper),
		Liquidity:        res.Liquidity,
		Amount0:          res.Amount0,
		Amount1:          res.Amount1,
		UncollectedFees0: decimal.Zero,
		UncollectedFees1: decimal.Zero,
		CreatedAt:        now,
		LastUpdate:       now,
	}

	// El registro se guarda antes de pedir el precio: la posición ya existe
	// en el ledger y un reconcile tiene que encontrarla por ledger id.
	stored := pos
	r.mu.Lock()
	r.positions[pos.ID] = &stored
	r.mu.Unlock()
	r.save(ctx, pos)

	if price, err := r.CurrentPrice(ctx, pos.Token0, pos.Token1, pos.Fee); err != nil {
		r.log.Warn("registry: price unavailable for new position", "id", pos.ID, "err", err)
	} else {
		r.mu.Lock()
		p, ok := r.positions[pos.ID]
		if ok {
			p.InRange = p.PriceInRange(price)
			pos = *p
		}
		r.mu.Unlock()
		if ok {
			r.update(ctx, pos.ID, ports.PatchFrom(pos))
		}
	}

	r.log.Info("registry: position opened",
		"id", pos.ID,
		"ledger_id", pos.LedgerID,
		"pair", pos.Token0+"/"+pos.Token1,
		"fee", pos.Fee,
		"ticks", fmt.Sprintf("[%d,%d]", tickLower, tickUpper),
		"liquidity", pos.Liquidity.String(),
		"in_range", pos.InRange,
	)
	return pos, nil
}

// normalizeAddParams validates params and puts the pair in canonical order,
// inverting the price range and swapping amounts when tokens are swapped.
func (r *Registry) normalizeAddParams(p AddLiquidityParams) (AddLiquidityParams, error) {
	p.Token0 = strings.TrimSpace(p.Token0)
	p.Token1 = strings.TrimSpace(p.Token1)
	switch {
	case p.Token0 == "":
		return p, domain.NewValidationError("token0", "required")
	case p.Token1 == "":
		return p, domain.NewValidationError("token1", "required")
	case domain.SameToken(p.Token0, p.Token1):
		return p, domain.NewValidationError("token1", "must differ from token0")
	}
	if !finitePositive(p.MinPrice) || !finitePositive(p.MaxPrice) {
		return p, &domain.ValidationError{Field: "price", Reason: "min and max price must be positive", Err: domain.ErrInvalidPrice}
	}
	if p.MinPrice >= p.MaxPrice {
		return p, domain.NewValidationError("price", "minPrice must be below maxPrice")
	}
	if !p.Fee.Valid() {
		return p, domain.NewValidationError("fee", fmt.Sprintf("unsupported fee tier %d", p.Fee))
	}
	if p.Amount0Desired.IsNegative() || p.Amount1Desired.IsNegative() {
		return p, &domain.ValidationError{Field: "amount", Reason: "amounts must not be negative", Err: domain.ErrInvalidAmount}
	}
	if p.Amount0Desired.Sign() <= 0 && p.Amount1Desired.Sign() <= 0 {
		return p, &domain.ValidationError{Field: "amount", Reason: "amount0 or amount1 must be positive", Err: domain.ErrInvalidAmount}
	}
	if p.SlippageTolerance == 0 {
		p.SlippageTolerance = r.cfg.DefaultSlippage
	}
	if p.SlippageTolerance < 0 || p.SlippageTolerance >= 1 {
		return p, domain.NewValidationError("slippageTolerance", "must be in [0, 1)")
	}

	if t0, _ := domain.SortTokens(p.Token0, p.Token1); t0 != p.Token0 {
		p.Token0, p.Token1 = p.Token1, p.Token0
		p.MinPrice, p.MaxPrice = 1/p.MaxPrice, 1/p.MinPrice
		p.Amount0Desired, p.Amount1Desired = p.Amount1Desired, p.Amount0Desired
	}
	return p, nil
}

// RemoveLiquidity burns liquidity from a position. The position is dropped
// from the registry once its liquidity reaches zero.
func (r *Registry) RemoveLiquidity(ctx context.Context, id string, liquidity decimal.Decimal, slippageTolerance float64) (ports.TokenAmounts, error) {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.removeLocked(ctx, id, liquidity, slippageTolerance)
}

func (r *Registry) removeLocked(ctx context.Context, id string, liquidity decimal.Decimal, slippage float64) (ports.TokenAmounts, error) {
	pos, ok := r.GetPosition(id)
	if !ok {
		return ports.TokenAmounts{}, fmt.Errorf("registry.RemoveLiquidity %s: %w", id, domain.ErrPositionNotFound)
	}
	if liquidity.IsNegative() {
		return ports.TokenAmounts{}, &domain.ValidationError{Field: "liquidity", Reason: "must not be negative", Err: domain.ErrInvalidAmount}
	}
	if liquidity.GreaterThan(pos.Liquidity) {
		return ports.TokenAmounts{}, &domain.ValidationError{
			Field:  "liquidity",
			Reason: fmt.Sprintf("%s exceeds position liquidity %s", liquidity, pos.Liquidity),
			Err:    domain.ErrInvalidAmount,
		}
	}
	if liquidity.IsZero() {
		return ports.TokenAmounts{Amount0: decimal.Zero, Amount1: decimal.Zero}, nil
	}
	if slippage <= 0 {
		slippage = r.cfg.DefaultSlippage
	}
	if slippage >= 1 {
		return ports.TokenAmounts{}, domain.NewValidationError("slippageTolerance", "must be in [0, 1)")
	}

	share := liquidity.Div(pos.Liquidity)
	keep := decimal.NewFromFloat(1 - slippage)
	req := ports.RemoveLiquidityRequest{
		PositionID: pos.LedgerID,
		Owner:      pos.Owner,
		Token0:     pos.Token0,
		Token1:     pos.Token1,
		Fee:        pos.Fee,
		TickLower:  pos.TickLower,
		TickUpper:  pos.TickUpper,
		Liquidity:  liquidity,
		Amount0Min: pos.Amount0.Mul(share).Mul(keep),
		Amount1Min: pos.Amount1.Mul(share).Mul(keep),
		Deadline:   r.now().Add(r.cfg.Deadline),
	}

	amounts, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (ports.TokenAmounts, error) {
		return r.ledger.RemoveLiquidity(ctx, req)
	})
	if err != nil {
		return ports.TokenAmounts{}, &domain.LedgerError{Op: "remove_liquidity", Err: err}
	}

	now := r.now()
	remaining := pos.Liquidity.Sub(liquidity)
	closed := remaining.Sign() <= 0

	r.mu.Lock()
	if p, ok := r.positions[id]; ok {
		if closed {
			delete(r.positions, id)
		} else {
			left := decimal.NewFromInt(1).Sub(share)
			p.Liquidity = remaining
			p.Amount0 = p.Amount0.Mul(left)
			p.Amount1 = p.Amount1.Mul(left)
			p.LastUpdate = now
			pos = *p
		}
	}
	r.mu.Unlock()

	if closed {
		zero := decimal.Zero
		r.update(ctx, id, ports.PositionPatch{Liquidity: &zero, ClosedAt: &now, LastUpdate: now})
		r.log.Info("registry: position closed", "id", id, "amount0", amounts.Amount0.String(), "amount1", amounts.Amount1.String())
	} else {
		r.update(ctx, id, ports.PatchFrom(pos))
		r.log.Info("registry: liquidity removed", "id", id, "liquidity", liquidity.String(), "remaining", remaining.String())
	}
	return amounts, nil
}

// CollectFees withdraws owed fees and zeroes the uncollected balances.
// Zero maxima collect everything.
func (r *Registry) CollectFees(ctx context.Context, id string, amount0Max, amount1Max decimal.Decimal) (ports.TokenAmounts, error) {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.collectLocked(ctx, id, amount0Max, amount1Max)
}

func (r *Registry) collectLocked(ctx context.Context, id string, amount0Max, amount1Max decimal.Decimal) (ports.TokenAmounts, error) {
	pos, ok := r.GetPosition(id)
	if !ok {
		return ports.TokenAmounts{}, fmt.Errorf("registry.CollectFees %s: %w", id, domain.ErrPositionNotFound)
	}
	if amount0Max.IsNegative() || amount1Max.IsNegative() {
		return ports.TokenAmounts{}, &domain.ValidationError{Field: "amountMax", Reason: "must not be negative", Err: domain.ErrInvalidAmount}
	}

	req := ports.CollectFeesRequest{
		PositionID: pos.LedgerID,
		Owner:      pos.Owner,
		Token0:     pos.Token0,
		Token1:     pos.Token1,
		Fee:        pos.Fee,
		TickLower:  pos.TickLower,
		TickUpper:  pos.TickUpper,
		Amount0Max: amount0Max,
		Amount1Max: amount1Max,
	}
	amounts, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) (ports.TokenAmounts, error) {
		return r.ledger.CollectFees(ctx, req)
	})
	if err != nil {
		return ports.TokenAmounts{}, &domain.LedgerError{Op: "collect_fees", Err: err}
	}

	now := r.now()
	r.mu.Lock()
	if p, ok := r.positions[id]; ok {
		p.UncollectedFees0 = decimal.Zero
		p.UncollectedFees1 = decimal.Zero
		p.LastCollectedAt = now
		p.LastUpdate = now
		pos = *p
	}
	r.mu.Unlock()

	r.update(ctx, id, ports.PatchFrom(pos))
	r.log.Info("registry: fees collected", "id", id, "amount0", amounts.Amount0.String(), "amount1", amounts.Amount1.String())
	return amounts, nil
}

// RebalancePosition moves a position to a new price range: collect fees (if
// any), remove all liquidity, add the withdrawn amounts on the new range.
//
// The sequence is not atomic. A failure after the removal returns a
// *domain.PartialRebalanceError and the withdrawn amounts are listed by
// Stranded until an operator or a later run re-deploys them.
func (r *Registry) RebalancePosition(ctx context.Context, id string, newMinPrice, newMaxPrice, slippageTolerance float64) (string, error) {
	if !finitePositive(newMinPrice) || !finitePositive(newMaxPrice) || newMinPrice >= newMaxPrice {
		return "", &domain.ValidationError{Field: "price", Reason: "new range must satisfy 0 < min < max", Err: domain.ErrInvalidPrice}
	}

	r.syncMu.RLock()
	defer r.syncMu.RUnlock()
	unlock := r.locks.Lock(id)
	defer unlock()

	pos, ok := r.GetPosition(id)
	if !ok {
		return "", fmt.Errorf("registry.RebalancePosition %s: %w", id, domain.ErrPositionNotFound)
	}

	if pos.HasUncollectedFees() {
		if _, err := r.collectLocked(ctx, id, decimal.Zero, decimal.Zero); err != nil {
			return "", fmt.Errorf("registry.RebalancePosition %s: collect: %w", id, err)
		}
	}

	withdrawn, err := r.removeLocked(ctx, id, pos.Liquidity, slippageTolerance)
	if err != nil {
		return "", fmt.Errorf("registry.RebalancePosition %s: remove: %w", id, err)
	}

	newPos, err := r.addLiquidity(ctx, AddLiquidityParams{
		Token0:            pos.Token0,
		Token1:            pos.Token1,
		Fee:               pos.Fee,
		MinPrice:          newMinPrice,
		MaxPrice:          newMaxPrice,
		Amount0Desired:    withdrawn.Amount0,
		Amount1Desired:    withdrawn.Amount1,
		SlippageTolerance: slippageTolerance,
	})
	if err != nil {
		partial := domain.PartialRebalanceError{
			PositionID: id,
			Stage:      "add_liquidity",
			Amount0:    withdrawn.Amount0,
			Amount1:    withdrawn.Amount1,
			Err:        err,
		}
		r.strandedMu.Lock()
		r.stranded = append(r.stranded, partial)
		r.strandedMu.Unlock()

		r.log.Error("registry: rebalance left capital unparked",
			"id", id,
			"amount0", withdrawn.Amount0.String(),
			"amount1", withdrawn.Amount1.String(),
			"err", err,
		)
		return "", &partial
	}

	r.log.Info("registry: position rebalanced",
		"old_id", id,
		"new_id", newPos.ID,
		"old_range", fmt.Sprintf("[%.6f,%.6f]", pos.MinPrice, pos.MaxPrice),
		"new_range", fmt.Sprintf("[%.6f,%.6f]", newPos.MinPrice, newPos.MaxPrice),
	)
	return newPos.ID, nil
}

// newID returns a collision-resistant id that does not depend on content.
func (r *Registry) newID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("pos_%x_%s_%d", now.UnixMilli(), random, r.counter.Add(1))
}

func (r *Registry) save(ctx context.Context, pos domain.Position) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(ctx, pos); err != nil {
		r.log.Warn("registry: storage save failed", "id", pos.ID, "err", err)
	}
}

func (r *Registry) update(ctx context.Context, id string, patch ports.PositionPatch) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Update(ctx, id, patch); err != nil {
		r.log.Warn("registry: storage update failed", "id", id, "err", err)
	}
}

// Load restores open positions of the configured owner from the repository.
// Records that break position invariants are logged and skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	stored, err := r.repo.Find(ctx, ports.PositionFilter{Owner: r.cfg.Owner, OpenOnly: true})
	if err != nil {
		return 0, fmt.Errorf("registry.Load: %w", err)
	}

	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range stored {
		pos := stored[i]
		if err := pos.Validate(); err != nil {
			r.log.Error("registry: skipping corrupt stored position", "id", pos.ID, "err", err)
			continue
		}
		if pos.IsClosed() {
			continue
		}
		r.positions[pos.ID] = &pos
		loaded++
	}
	r.log.Info("registry: positions restored", "count", loaded)
	return loaded, nil
}

func finitePositive(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

// IsLedgerFailure reports whether err came from the ledger rather than input.
func IsLedgerFailure(err error) bool {
	return errors.Is(err, domain.ErrLedger)
}
