// Package fees computes accrued-fee analytics and decides when collecting
// fees is worth the gas.
package fees

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGasCostUSD = 5.0
	defaultHistoryCap = 1000
	maxDaysUntil      = 365.0
)

// Positions is the subset of the registry the optimizer reads and calls.
type Positions interface {
	GetPosition(id string) (domain.Position, bool)
	GetAllPositions() []domain.Position
	CollectFees(ctx context.Context, id string, amount0Max, amount1Max decimal.Decimal) (ports.TokenAmounts, error)
}

// Config holds the optimizer settings.
type Config struct {
	DefaultGasCostUSD float64
	Workers           int // parallel calculations in PortfolioSummary (0 = NumCPU)
	HistoryCap        int
}

// Optimizer implements the fee cost/benefit model.
type Optimizer struct {
	cfg       Config
	positions Positions
	prices    ports.PriceOracle
	gas       ports.GasEstimator
	log       *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	history      []domain.FeeCollection
	collectedUSD map[string]float64
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithGasEstimator sets the gas cost source. Without one the configured
// default is used.
func WithGasEstimator(g ports.GasEstimator) Option {
	return func(o *Optimizer) { o.gas = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

// New creates an optimizer.
func New(positions Positions, prices ports.PriceOracle, cfg Config, opts ...Option) *Optimizer {
	if cfg.DefaultGasCostUSD <= 0 {
		cfg.DefaultGasCostUSD = defaultGasCostUSD
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = defaultHistoryCap
	}
	o := &Optimizer{
		cfg:          cfg,
		positions:    positions,
		prices:       prices,
		log:          slog.Default(),
		now:          time.Now,
		collectedUSD: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CalculateAccruedFees values the uncollected fees of one position and
// extrapolates a daily rate and an APR from them.
func (o *Optimizer) CalculateAccruedFees(ctx context.Context, positionID string) (domain.FeeAnalytics, error) {
	pos, ok := o.positions.GetPosition(positionID)
	if !ok {
		return domain.FeeAnalytics{}, fmt.Errorf("fees.CalculateAccruedFees %s: %w", positionID, domain.ErrPositionNotFound)
	}

	p0, err := o.prices.TokenPriceUSD(ctx, pos.Token0)
	if err != nil {
		return domain.FeeAnalytics{}, fmt.Errorf("fees.CalculateAccruedFees %s: price %s: %w", positionID, pos.Token0, err)
	}
	p1, err := o.prices.TokenPriceUSD(ctx, pos.Token1)
	if err != nil {
		return domain.FeeAnalytics{}, fmt.Errorf("fees.CalculateAccruedFees %s: price %s: %w", positionID, pos.Token1, err)
	}

	now := o.now()
	feesUSD := usd(pos.UncollectedFees0, p0) + usd(pos.UncollectedFees1, p1)
	valueUSD := usd(pos.Amount0, p0) + usd(pos.Amount1, p1)

	// Las fees pendientes se acumularon desde la última recolección.
	since := pos.CreatedAt
	if pos.LastCollectedAt.After(since) {
		since = pos.LastCollectedAt
	}
	var daily float64
	if days := now.Sub(since).Hours() / 24; days > 0 && !since.IsZero() {
		daily = feesUSD / days
	}
	var apr float64
	if valueUSD > 0 {
		apr = daily * 365 / valueUSD * 100
	}

	o.mu.Lock()
	collected := o.collectedUSD[positionID]
	o.mu.Unlock()

	return domain.FeeAnalytics{
		PositionID:       positionID,
		Uncollected0:     pos.UncollectedFees0,
		Uncollected1:     pos.UncollectedFees1,
		TotalFeesUSD:     feesUSD,
		CollectedUSD:     collected,
		PositionValueUSD: valueUSD,
		DailyFeeRateUSD:  daily,
		EstimatedAPR:     apr,
		TimeInRangePct:   pos.TimeInRangePercent(),
		InRange:          pos.InRange,
		CalculatedAt:     now,
	}, nil
}

// GenerateCollectionOptimization compares the gas cost of collecting with the
// accrued fees and recommends collect_now, wait or rebalance_first.
func (o *Optimizer) GenerateCollectionOptimization(ctx context.Context, positionID string) (domain.CollectionOptimization, error) {
	a, err := o.CalculateAccruedFees(ctx, positionID)
	if err != nil {
		return domain.CollectionOptimization{}, err
	}
	gas := o.GasCostUSD(ctx)
	return optimize(a, gas), nil
}

func optimize(a domain.FeeAnalytics, gas float64) domain.CollectionOptimization {
	ratio := domain.CostBenefitRatio(gas, a.TotalFeesUSD)
	rec := domain.Recommend(ratio, a.InRange)

	opt := domain.CollectionOptimization{
		PositionID:       a.PositionID,
		AccruedFeesUSD:   a.TotalFeesUSD,
		GasCostUSD:       gas,
		CostBenefitRatio: ratio,
		Recommendation:   rec,
	}

	if rec != domain.RecommendCollectNow {
		// Proyección lineal hasta que gas/fees baje del umbral de collect_now.
		target := gas / domain.CollectNowRatio
		days := maxDaysUntil
		if a.DailyFeeRateUSD > 0 {
			days = math.Min(maxDaysUntil, math.Max(0, (target-a.TotalFeesUSD)/a.DailyFeeRateUSD))
		}
		opt.DaysUntilOptimal = days
		opt.EstimatedAdditionalYield = a.DailyFeeRateUSD * days
	}

	switch {
	case rec == domain.RecommendCollectNow && ratio < domain.CollectNowRatio:
		opt.Reason = fmt.Sprintf("gas is %.1f%% of accrued fees", ratio*100)
	case rec == domain.RecommendCollectNow:
		opt.Reason = "position in range, moderate gas share"
	case rec == domain.RecommendWait && math.IsInf(ratio, 1):
		opt.Reason = "no fees accrued"
	case rec == domain.RecommendWait:
		opt.Reason = fmt.Sprintf("gas exceeds %.0f%% of accrued fees", domain.WaitRatio*100)
	default:
		opt.Reason = "position out of range, rebalance before collecting"
	}
	return opt
}

// GasCostUSD returns the estimated USD cost of one collection, falling back
// to the configured default when no estimator is set or it fails.
func (o *Optimizer) GasCostUSD(ctx context.Context) float64 {
	if o.gas == nil {
		return o.cfg.DefaultGasCostUSD
	}
	cost, err := o.gas.EstimateGasCostUSD(ctx)
	if err != nil || cost <= 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		o.log.Warn("fees: gas estimate unavailable, using default", "default_usd", o.cfg.DefaultGasCostUSD, "err", err)
		return o.cfg.DefaultGasCostUSD
	}
	return cost
}

// PortfolioSummary computes analytics for every open position in parallel.
// A failing position is reported in Errors and never aborts the others.
func (o *Optimizer) PortfolioSummary(ctx context.Context) domain.PortfolioFees {
	positions := o.positions.GetAllPositions()
	results := make([]*domain.FeeAnalytics, len(positions))
	errs := make(map[string]error)
	var errMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, pos := range positions {
		g.Go(func() error {
			a, err := o.CalculateAccruedFees(ctx, pos.ID)
			if err != nil {
				errMu.Lock()
				errs[pos.ID] = err
				errMu.Unlock()
				o.log.Warn("fees: position analytics failed", "id", pos.ID, "err", err)
				return nil
			}
			results[i] = &a
			return nil
		})
	}
	_ = g.Wait()

	summary := domain.PortfolioFees{
		Total:  len(positions),
		Failed: len(errs),
		Errors: errs,
	}
	var weighted float64
	for _, a := range results {
		if a == nil {
			continue
		}
		summary.Positions = append(summary.Positions, *a)
		summary.TotalFeesUSD += a.TotalFeesUSD + a.CollectedUSD
		summary.TotalValueUSD += a.PositionValueUSD
		summary.DailyFeeRateUSD += a.DailyFeeRateUSD
		weighted += a.EstimatedAPR * a.PositionValueUSD
	}
	if summary.TotalValueUSD > 0 {
		summary.WeightedAPR = weighted / summary.TotalValueUSD
	}
	return summary
}

// GetTotalFeesCollected returns the USD fees earned across the portfolio,
// accrued plus already collected. The total covers every position that could
// be valued; when some could not, err is a *domain.PartialBatchError and the
// total is still valid for the rest.
func (o *Optimizer) GetTotalFeesCollected(ctx context.Context) (float64, error) {
	summary := o.PortfolioSummary(ctx)
	return summary.TotalFeesUSD, summary.Err()
}

// CollectIfWorthwhile collects the position's fees only when the optimizer
// recommends collect_now. It reports whether a collection happened.
func (o *Optimizer) CollectIfWorthwhile(ctx context.Context, positionID string) (bool, domain.CollectionOptimization, error) {
	opt, err := o.GenerateCollectionOptimization(ctx, positionID)
	if err != nil {
		return false, opt, err
	}
	if opt.Recommendation != domain.RecommendCollectNow {
		o.log.Debug("fees: collection deferred",
			"id", positionID,
			"recommendation", opt.Recommendation,
			"ratio", opt.CostBenefitRatio,
		)
		return false, opt, nil
	}

	amounts, err := o.positions.CollectFees(ctx, positionID, decimal.Zero, decimal.Zero)
	if err != nil {
		return false, opt, fmt.Errorf("fees.CollectIfWorthwhile %s: %w", positionID, err)
	}

	o.RecordCollection(domain.FeeCollection{
		PositionID:  positionID,
		Amount0:     amounts.Amount0,
		Amount1:     amounts.Amount1,
		ValueUSD:    opt.AccruedFeesUSD,
		GasCostUSD:  opt.GasCostUSD,
		CollectedAt: o.now(),
	})
	o.log.Info("fees: collected",
		"id", positionID,
		"value_usd", fmt.Sprintf("%.2f", opt.AccruedFeesUSD),
		"gas_usd", fmt.Sprintf("%.2f", opt.GasCostUSD),
	)
	return true, opt, nil
}

// RecordCollection appends to the capped collection history.
func (o *Optimizer) RecordCollection(c domain.FeeCollection) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, c)
	if over := len(o.history) - o.cfg.HistoryCap; over > 0 {
		o.history = append([]domain.FeeCollection(nil), o.history[over:]...)
	}
	o.collectedUSD[c.PositionID] += c.ValueUSD
}

// Collections returns a copy of the collection history, oldest first.
func (o *Optimizer) Collections() []domain.FeeCollection {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.FeeCollection, len(o.history))
	copy(out, o.history)
	return out
}

func usd(amount decimal.Decimal, price float64) float64 {
	return amount.InexactFloat64() * price
}
