package fees_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/adapters/paper"
	"github.com/alejandrodnm/lpkeeper/internal/application/fees"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	collected []string
}

func (f *fakePositions) GetPosition(id string) (domain.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.positions[id]
	return p, ok
}

func (f *fakePositions) GetAllPositions() []domain.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out
}

func (f *fakePositions) CollectFees(_ context.Context, id string, _, _ decimal.Decimal) (ports.TokenAmounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.positions[id]
	amounts := ports.TokenAmounts{Amount0: p.UncollectedFees0, Amount1: p.UncollectedFees1}
	p.UncollectedFees0, p.UncollectedFees1 = decimal.Zero, decimal.Zero
	f.positions[id] = p
	f.collected = append(f.collected, id)
	return amounts, nil
}

type failingGas struct{}

func (failingGas) EstimateGasCostUSD(context.Context) (float64, error) {
	return 0, errors.New("rpc unavailable")
}

func position(id, token0 string, fees0 float64, inRange bool) domain.Position {
	return domain.Position{
		ID:               id,
		Token0:           token0,
		Token1:           "USDC",
		Fee:              domain.FeeTier030,
		MinPrice:         1,
		MaxPrice:         2,
		Liquidity:        decimal.NewFromInt(1000),
		Amount0:          decimal.NewFromInt(100),
		Amount1:          decimal.NewFromInt(100),
		UncollectedFees0: decimal.NewFromFloat(fees0),
		UncollectedFees1: decimal.Zero,
		InRange:          inRange,
		CreatedAt:        now.Add(-48 * time.Hour),
	}
}

func newOptimizer(positions ...domain.Position) (*fees.Optimizer, *fakePositions, *paper.Ledger) {
	fp := &fakePositions{positions: map[string]domain.Position{}}
	for _, p := range positions {
		fp.positions[p.ID] = p
	}
	oracle := paper.NewLedger()
	oracle.SetTokenPriceUSD("WETH", 1)
	oracle.SetTokenPriceUSD("USDC", 1)
	opt := fees.New(fp, oracle, fees.Config{}, fees.WithClock(func() time.Time { return now }))
	return opt, fp, oracle
}

func TestCalculateAccruedFees(t *testing.T) {
	opt, _, _ := newOptimizer(position("p1", "WETH", 4, true))

	a, err := opt.CalculateAccruedFees(context.Background(), "p1")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, a.TotalFeesUSD, 1e-9)
	assert.InDelta(t, 200.0, a.PositionValueUSD, 1e-9)
	assert.InDelta(t, 2.0, a.DailyFeeRateUSD, 1e-9, "4 USD over two days")
	assert.InDelta(t, 2.0*365/200*100, a.EstimatedAPR, 1e-6)
	assert.Equal(t, 100.0, a.TimeInRangePct)
}

func TestCalculateAccruedFees_Failures(t *testing.T) {
	opt, _, _ := newOptimizer(position("p1", "UNPRICED", 4, true))

	_, err := opt.CalculateAccruedFees(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	_, err = opt.CalculateAccruedFees(context.Background(), "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNPRICED")
}

func TestGenerateCollectionOptimization_WaitExample(t *testing.T) {
	opt, _, _ := newOptimizer(position("p1", "WETH", 2, true))

	o, err := opt.GenerateCollectionOptimization(context.Background(), "p1")
	require.NoError(t, err)
	assert.InDelta(t, 5.0, o.GasCostUSD, 1e-9)
	assert.InDelta(t, 2.5, o.CostBenefitRatio, 1e-9)
	assert.Equal(t, domain.RecommendWait, o.Recommendation)
	// 50 USD needed at 1 USD/day
	assert.InDelta(t, 48.0, o.DaysUntilOptimal, 1e-9)
	assert.InDelta(t, 48.0, o.EstimatedAdditionalYield, 1e-9)
}

func TestGenerateCollectionOptimization_Bands(t *testing.T) {
	cases := []struct {
		name    string
		fees    float64
		inRange bool
		want    domain.Recommendation
	}{
		{"cheap gas", 100, false, domain.RecommendCollectNow},
		{"middle band in range", 20, true, domain.RecommendCollectNow},
		{"middle band out of range", 20, false, domain.RecommendRebalanceFirst},
		{"nothing accrued", 0, true, domain.RecommendWait},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opt, _, _ := newOptimizer(position("p1", "WETH", tc.fees, tc.inRange))
			o, err := opt.GenerateCollectionOptimization(context.Background(), "p1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, o.Recommendation)
			if tc.fees == 0 {
				assert.True(t, math.IsInf(o.CostBenefitRatio, 1))
				assert.Equal(t, 365.0, o.DaysUntilOptimal)
			}
		})
	}
}

func TestGasCost_FallsBackToDefault(t *testing.T) {
	fp := &fakePositions{positions: map[string]domain.Position{}}
	opt := fees.New(fp, paper.NewLedger(), fees.Config{DefaultGasCostUSD: 7}, fees.WithGasEstimator(failingGas{}))
	assert.Equal(t, 7.0, opt.GasCostUSD(context.Background()))

	opt = fees.New(fp, paper.NewLedger(), fees.Config{}, fees.WithGasEstimator(paper.FixedGas(1.5)))
	assert.Equal(t, 1.5, opt.GasCostUSD(context.Background()))
}

func TestGetTotalFeesCollected_PartialFailure(t *testing.T) {
	opt, _, _ := newOptimizer(
		position("p1", "WETH", 2, true),
		position("p2", "WETH", 3, true),
		position("p3", "UNPRICED", 100, true),
		position("p4", "WETH", 5, false),
	)

	total, err := opt.GetTotalFeesCollected(context.Background())
	assert.InDelta(t, 10.0, total, 1e-9)
	require.Error(t, err)

	var batch *domain.PartialBatchError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, 4, batch.Total)
	assert.Len(t, batch.Failed, 1)
	assert.Contains(t, batch.Failed, "p3")
}

func TestPortfolioSummary(t *testing.T) {
	opt, _, _ := newOptimizer(position("p1", "WETH", 2, true), position("p2", "WETH", 6, true))

	s := opt.PortfolioSummary(context.Background())
	assert.NoError(t, s.Err())
	assert.Equal(t, 2, s.Total)
	assert.Len(t, s.Positions, 2)
	assert.InDelta(t, 8.0, s.TotalFeesUSD, 1e-9)
	assert.InDelta(t, 400.0, s.TotalValueUSD, 1e-9)
	assert.InDelta(t, 4.0, s.DailyFeeRateUSD, 1e-9)
	assert.InDelta(t, 4.0*365/400*100, s.WeightedAPR, 1e-6)
}

func TestCollectIfWorthwhile(t *testing.T) {
	ctx := context.Background()
	opt, fp, _ := newOptimizer(position("cheap", "WETH", 100, true), position("dear", "WETH", 2, true))

	collected, o, err := opt.CollectIfWorthwhile(ctx, "dear")
	require.NoError(t, err)
	assert.False(t, collected)
	assert.Equal(t, domain.RecommendWait, o.Recommendation)

	collected, _, err = opt.CollectIfWorthwhile(ctx, "cheap")
	require.NoError(t, err)
	assert.True(t, collected)
	assert.Equal(t, []string{"cheap"}, fp.collected)

	history := opt.Collections()
	require.Len(t, history, 1)
	assert.InDelta(t, 100.0, history[0].ValueUSD, 1e-9)

	a, err := opt.CalculateAccruedFees(ctx, "cheap")
	require.NoError(t, err)
	assert.Zero(t, a.TotalFeesUSD)
	assert.InDelta(t, 100.0, a.CollectedUSD, 1e-9)
}

func TestRecordCollection_Capped(t *testing.T) {
	fp := &fakePositions{positions: map[string]domain.Position{}}
	opt := fees.New(fp, paper.NewLedger(), fees.Config{HistoryCap: 3})
	for i := 0; i < 5; i++ {
		opt.RecordCollection(domain.FeeCollection{PositionID: "p", ValueUSD: float64(i)})
	}
	history := opt.Collections()
	require.Len(t, history, 3)
	assert.Equal(t, 2.0, history[0].ValueUSD)
}
