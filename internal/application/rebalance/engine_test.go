package rebalance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/adapters/paper"
	"github.com/alejandrodnm/lpkeeper/internal/application/fees"
	"github.com/alejandrodnm/lpkeeper/internal/application/rangeorder"
	"github.com/alejandrodnm/lpkeeper/internal/application/rebalance"
	"github.com/alejandrodnm/lpkeeper/internal/application/registry"
	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/domain/strategy"
	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ledger *paper.Ledger
	reg    *registry.Registry
	fees   *fees.Optimizer
	engine *rebalance.Engine
	clock  *fakeClock
}

func testSettings() strategy.Settings {
	return strategy.Settings{
		Name:                    "test",
		Enabled:                 true,
		PriceDeviationThreshold: 0.05,
		FeeThresholdUSD:         10,
		RebalanceInterval:       time.Minute,
		MinPositionAge:          time.Hour,
		MinPositionValueUSD:     100,
		MaxRebalancesPerDay:     1,
		SlippageTolerance:       0.01,
		MaxGasCostUSD:           100,
	}
}

func newFixture(t *testing.T, settings strategy.Settings, cfg rebalance.Config) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	ledger := paper.NewLedger()
	ledger.SetPrice("A", "B", domain.FeeTier030, 0.05)
	ledger.SetTokenPriceUSD("A", 1)
	ledger.SetTokenPriceUSD("B", 20)

	reg := registry.New(ledger, registry.Config{Owner: "0xabc", Retry: retry.Policy{MaxAttempts: 2}}, registry.WithClock(clock.Now))
	opt := fees.New(reg, ledger, fees.Config{}, fees.WithClock(clock.Now))
	engine := rebalance.New(reg, opt, strategy.NewRegistry(strategy.NewThreshold(settings)), cfg, rebalance.WithClock(clock.Now))
	return &fixture{ledger: ledger, reg: reg, fees: opt, engine: engine, clock: clock}
}

func (f *fixture) open(t *testing.T) string {
	t.Helper()
	id, err := f.reg.AddLiquidityByPrice(context.Background(), registry.AddLiquidityParams{
		Token0:         "A",
		Token1:         "B",
		Fee:            domain.FeeTier030,
		MinPrice:       0.045,
		MaxPrice:       0.055,
		Amount0Desired: decimal.NewFromInt(1000),
		Amount1Desired: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	return id
}

func TestPriceDeviation_AdjustsRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	id := f.open(t)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)

	signals, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, domain.SignalPriceDeviation, sig.Type)
	assert.Equal(t, 1.0, sig.Strength)
	assert.Equal(t, domain.UrgencyCritical, sig.Urgency)
	assert.True(t, sig.Trigger.OutOfRange)

	pending := f.engine.PendingActions()
	require.Len(t, pending, 1)
	action := pending[0]
	assert.Equal(t, domain.ActionAdjustRange, action.Type)
	assert.Equal(t, 8, action.Priority)
	assert.InDelta(t, 15.0, action.EstimatedCost, 1e-9)
	assert.Less(t, action.Parameters.NewMinPrice, 0.06)
	assert.Greater(t, action.Parameters.NewMaxPrice, 0.06)

	done, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, done.Status)
	require.NotEmpty(t, done.NewPositionID)

	_, ok = f.reg.GetPosition(id)
	assert.False(t, ok)
	moved, ok := f.reg.GetPosition(done.NewPositionID)
	require.True(t, ok)
	assert.True(t, moved.PriceInRange(0.06))
	assert.InDelta(t, 0.06, moved.MidPrice(), 0.06*0.01)

	m := f.engine.GetMetrics()
	assert.Equal(t, 1, m.SignalsGenerated)
	assert.Equal(t, 1, m.ActionsCompleted)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 100.0, m.PerformanceImprovement)
	assert.Empty(t, f.engine.PendingActions())
}

func TestAdjustRange_SupersedesPendingActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	id := f.open(t)
	pos, _ := f.reg.GetPosition(id)
	require.NoError(t, f.ledger.AccrueFees(pos.LedgerID, decimal.NewFromInt(100), decimal.Zero))
	_, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)
	signals, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	require.Len(t, f.engine.PendingActions(), 2)

	done, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAdjustRange, done.Type)
	assert.Equal(t, domain.ActionCompleted, done.Status)

	assert.Empty(t, f.engine.PendingActions(), "actions on the closed position are dropped")
	_, ok, err = f.engine.ExecuteNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	var superseded []domain.RebalanceAction
	for _, a := range f.engine.History() {
		if a.Type == domain.ActionCollectFees {
			superseded = append(superseded, a)
		}
	}
	require.Len(t, superseded, 1)
	assert.Equal(t, domain.ActionCancelled, superseded[0].Status)
	assert.Contains(t, superseded[0].Error, done.NewPositionID)

	m := f.engine.GetMetrics()
	assert.Equal(t, 1, m.ActionsCompleted)
	assert.Zero(t, m.ActionsFailed)
	assert.Equal(t, 1, m.ActionsCancelled)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 100.0, m.PerformanceImprovement)
}

func TestExclude_SkipsRangeOrderPositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	orders := rangeorder.New(f.reg, rangeorder.Config{}, rangeorder.WithClock(f.clock.Now))

	placed, err := orders.PlaceRangeOrder(ctx, rangeorder.PlaceConfig{
		Token0:            "A",
		Token1:            "B",
		Fee:               domain.FeeTier030,
		Direction:         domain.DirectionBuy,
		TargetPrice:       0.055,
		RangeWidthPercent: 0.1,
		Amount:            decimal.NewFromInt(1000),
		AutoExecute:       true,
	})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	strategies := strategy.NewRegistry(strategy.NewThreshold(testSettings()))
	plain := rebalance.New(f.reg, f.fees, strategies, rebalance.Config{}, rebalance.WithClock(f.clock.Now))
	signals, err := plain.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, signals, "the order range sits away from the price")
	assert.Equal(t, placed.PositionID, signals[0].PositionID)

	guarded := rebalance.New(f.reg, f.fees, strategies, rebalance.Config{},
		rebalance.WithClock(f.clock.Now), rebalance.WithExclude(orders.OwnsPosition))
	signals, err = guarded.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Empty(t, guarded.PendingActions())
}

func TestEligibilityGates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	f.open(t)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)

	signals, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, signals, "position younger than the minimum age")

	f.clock.Advance(2 * time.Hour)
	_, err = f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	_, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.08)
	signals, err = f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, signals, "daily rebalance limit reached")
}

func TestHighFees_CollectsThroughOptimizer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	id := f.open(t)
	pos, _ := f.reg.GetPosition(id)
	require.NoError(t, f.ledger.AccrueFees(pos.LedgerID, decimal.NewFromInt(100), decimal.Zero))
	_, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	signals, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalHighFees, signals[0].Type)

	done, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCollectFees, done.Type)
	assert.Equal(t, domain.ActionCompleted, done.Status)
	assert.Equal(t, 1, f.ledger.Calls(paper.OpCollectFees))
	require.Len(t, f.fees.Collections(), 1)

	after, _ := f.reg.GetPosition(id)
	assert.False(t, after.HasUncollectedFees())
}

func TestConstraintGateCancels(t *testing.T) {
	ctx := context.Background()
	s := testSettings()
	s.MinBenefitCostRatio = 2
	f := newFixture(t, s, rebalance.Config{})
	id := f.open(t)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)
	_, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)

	done, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCancelled, done.Status)
	assert.Contains(t, done.Error, "benefit/cost")

	_, ok = f.reg.GetPosition(id)
	assert.True(t, ok, "a cancelled action never touches the position")
	assert.Equal(t, 1, f.engine.GetMetrics().ActionsCancelled)
}

func TestQueue_PriorityCapAndDedupe(t *testing.T) {
	f := newFixture(t, testSettings(), rebalance.Config{QueueCap: 2})

	for _, p := range []struct {
		pos      string
		priority int
	}{{"p1", 3}, {"p2", 9}, {"p3", 5}} {
		_, err := f.engine.Submit(domain.RebalanceAction{PositionID: p.pos, Type: domain.ActionCollectFees, Priority: p.priority})
		require.NoError(t, err)
	}

	pending := f.engine.PendingActions()
	require.Len(t, pending, 2)
	assert.Equal(t, 9, pending[0].Priority)
	assert.Equal(t, 5, pending[1].Priority)

	_, err := f.engine.Submit(domain.RebalanceAction{PositionID: "p3", Type: domain.ActionCollectFees, Priority: 4})
	assert.Error(t, err, "lower-priority duplicate is rejected")

	_, err = f.engine.Submit(domain.RebalanceAction{PositionID: "p3", Type: domain.ActionCollectFees, Priority: 7})
	require.NoError(t, err)
	pending = f.engine.PendingActions()
	require.Len(t, pending, 2)
	assert.Equal(t, 7, pending[1].Priority)

	_, err = f.engine.Submit(domain.RebalanceAction{PositionID: "p4", Type: domain.ActionAdjustRange})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestExecuteAction_UnsupportedAndMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	id := f.open(t)

	actionID, err := f.engine.Submit(domain.RebalanceAction{PositionID: id, Type: domain.ActionSplitPosition, Priority: 5})
	require.NoError(t, err)

	done, err := f.engine.ExecuteAction(ctx, actionID)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAction)
	assert.Equal(t, domain.ActionFailed, done.Status)

	_, err = f.engine.ExecuteAction(ctx, actionID)
	assert.ErrorIs(t, err, domain.ErrActionNotFound)

	assert.ErrorIs(t, f.engine.CancelAction("act_missing"), domain.ErrActionNotFound)

	m := f.engine.GetMetrics()
	assert.Equal(t, 1, m.ActionsFailed)
	assert.Equal(t, 0.0, m.SuccessRate)
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	id := f.open(t)

	actionID, err := f.engine.Submit(domain.RebalanceAction{PositionID: id, Type: domain.ActionClosePosition, Priority: 10})
	require.NoError(t, err)
	done, err := f.engine.ExecuteAction(ctx, actionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, done.Status)
	_, ok := f.reg.GetPosition(id)
	assert.False(t, ok)
}

func TestCancelAction(t *testing.T) {
	f := newFixture(t, testSettings(), rebalance.Config{})

	actionID, err := f.engine.Submit(domain.RebalanceAction{PositionID: "p1", Type: domain.ActionCollectFees})
	require.NoError(t, err)
	require.NoError(t, f.engine.CancelAction(actionID))

	assert.Empty(t, f.engine.PendingActions())
	history := f.engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, domain.ActionCancelled, history[0].Status)
}

func TestPartialRebalanceFailsAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	f.open(t)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)
	_, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)

	f.ledger.FailNext(paper.OpAddLiquidity, 2, errors.New("out of gas"))
	done, ok, err := f.engine.ExecuteNext(ctx)
	require.True(t, ok)

	var partial *domain.PartialRebalanceError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, domain.ActionFailed, done.Status)
	assert.Len(t, f.reg.Stranded(), 1)
}

func TestSignalRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{SignalRetention: time.Hour})
	f.open(t)
	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)

	_, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	require.Len(t, f.engine.Signals(), 1)

	f.clock.Advance(90 * time.Minute)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.05)
	_, err = f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.engine.Signals())
}

func TestPositionFailureDoesNotAbortCheck(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testSettings(), rebalance.Config{})
	f.open(t)

	f.ledger.SetPrice("C", "D", domain.FeeTier030, 2)
	_, err := f.reg.AddLiquidityByPrice(ctx, registry.AddLiquidityParams{
		Token0: "C", Token1: "D", Fee: domain.FeeTier030,
		MinPrice: 1.5, MaxPrice: 2.5,
		Amount0Desired: decimal.NewFromInt(10), Amount1Desired: decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)
	signals, err := f.engine.CheckRebalanceSignals(ctx)
	require.NoError(t, err)
	assert.Len(t, signals, 1, "the unpriced C/D position is skipped")
}

func TestStartStop(t *testing.T) {
	s := testSettings()
	s.RebalanceInterval = 10 * time.Millisecond
	f := newFixture(t, s, rebalance.Config{ExecutionInterval: 10 * time.Millisecond})
	f.open(t)
	f.clock.Advance(2 * time.Hour)
	f.ledger.SetPrice("A", "B", domain.FeeTier030, 0.06)

	require.NoError(t, f.engine.Start(context.Background()))
	assert.ErrorIs(t, f.engine.Start(context.Background()), rebalance.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return len(f.engine.History()) == 1 }, 2*time.Second, 10*time.Millisecond)
	f.engine.Stop()
	f.engine.Stop()

	assert.Equal(t, domain.ActionCompleted, f.engine.History()[0].Status)
}
