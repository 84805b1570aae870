package rebalance

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/domain/strategy"
	"github.com/google/uuid"
)

// expectedUtilization is the in-range ratio assumed right after recentring.
const expectedUtilization = 0.9

// CheckRebalanceSignals evaluates every enabled strategy against every open
// position, queues the resulting actions and returns the signals.
func (e *Engine) CheckRebalanceSignals(ctx context.Context) ([]domain.RebalanceSignal, error) {
	return e.check(ctx, e.strategies.Enabled())
}

func (e *Engine) check(ctx context.Context, strategies []strategy.Strategy) ([]domain.RebalanceSignal, error) {
	now := e.now()
	positions := e.positions.GetAllPositions()
	prices := make(map[string]float64)

	var signals []domain.RebalanceSignal
	var skipped, excluded int
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return signals, fmt.Errorf("rebalance.check: %w", err)
		}
		if e.exclude != nil && e.exclude(pos.ID) {
			excluded++
			continue
		}

		obs, err := e.observe(ctx, pos, prices, now)
		if err != nil {
			// Un fallo en una posición no aborta el resto.
			e.log.Warn("rebalance: position skipped", "id", pos.ID, "err", err)
			skipped++
			continue
		}

		for _, s := range strategies {
			if ok, reason := s.Eligible(obs); !ok {
				e.log.Debug("rebalance: position not eligible", "id", pos.ID, "strategy", s.Name(), "reason", reason)
				continue
			}
			for _, sig := range s.Evaluate(obs) {
				signals = append(signals, sig)
				e.enqueue(e.buildAction(ctx, sig, obs, s.Settings()))
			}
		}
	}

	e.mu.Lock()
	for _, s := range strategies {
		e.lastRun[s.Name()] = now
	}
	e.counters.signals += len(signals)
	e.counters.lastCheck = now
	e.signals = append(e.signals, signals...)
	e.pruneSignalsLocked(now)
	pending := len(e.queue)
	e.mu.Unlock()

	e.log.Info("rebalance: signals checked",
		"positions", len(positions),
		"skipped", skipped,
		"excluded", excluded,
		"signals", len(signals),
		"pending_actions", pending,
	)
	return signals, nil
}

// observe gathers price and fee figures for one position.
func (e *Engine) observe(ctx context.Context, pos domain.Position, prices map[string]float64, now time.Time) (strategy.Observation, error) {
	pool := strings.Join([]string{domain.NormalizeToken(pos.Token0), domain.NormalizeToken(pos.Token1), fmt.Sprint(pos.Fee)}, "/")
	price, ok := prices[pool]
	if !ok {
		p, err := e.positions.CurrentPrice(ctx, pos.Token0, pos.Token1, pos.Fee)
		if err != nil {
			return strategy.Observation{}, fmt.Errorf("price: %w", err)
		}
		prices[pool] = p
		price = p
	}

	fees, err := e.fees.CalculateAccruedFees(ctx, pos.ID)
	if err != nil {
		return strategy.Observation{}, fmt.Errorf("fees: %w", err)
	}

	return strategy.Observation{
		Position:        pos,
		CurrentPrice:    price,
		ValueUSD:        fees.PositionValueUSD,
		FeesUSD:         fees.TotalFeesUSD,
		DailyFeeRateUSD: fees.DailyFeeRateUSD,
		RebalancesToday: e.rebalancesSince(pos.ID, now.Add(-24*time.Hour)),
		Now:             now,
	}, nil
}

// buildAction converts a signal into exactly one action.
func (e *Engine) buildAction(ctx context.Context, sig domain.RebalanceSignal, obs strategy.Observation, s strategy.Settings) domain.RebalanceAction {
	gas := e.fees.GasCostUSD(ctx)
	a := domain.RebalanceAction{
		ID:         newActionID(),
		PositionID: sig.PositionID,
		Priority:   domain.ActionPriority(sig.Strength, sig.Confidence, sig.Urgency),
		Status:     domain.ActionPending,
		Signal:     sig,
		CreatedAt:  obs.Now,
		Constraints: domain.ActionConstraints{
			MaxGasCostUSD:       s.MaxGasCostUSD,
			MinBenefitCostRatio: s.MinBenefitCostRatio,
			MaxSlippage:         s.SlippageTolerance,
		},
	}

	switch sig.Type {
	case domain.SignalHighFees:
		a.Type = domain.ActionCollectFees
		a.EstimatedCost = gas
		a.ExpectedBenefit = obs.FeesUSD
		a.RiskScore = 0.1
	default:
		// Nuevo rango centrado en el precio actual con el mismo ancho relativo.
		width := obs.Position.RelativeWidth()
		a.Type = domain.ActionAdjustRange
		a.Parameters = domain.ActionParameters{
			NewMinPrice:       obs.CurrentPrice * (1 - width/2),
			NewMaxPrice:       obs.CurrentPrice * (1 + width/2),
			SlippageTolerance: s.SlippageTolerance,
		}
		// collect + remove + add
		a.EstimatedCost = 3 * gas
		improvement := math.Max(0, expectedUtilization-obs.Position.Utilization())
		a.ExpectedBenefit = improvement * obs.DailyFeeRateUSD * 365
		a.RiskScore = math.Min(1, 0.3+0.4*(1-sig.Confidence)+0.2*math.Min(1, width))
	}
	return a
}

// pruneSignalsLocked drops signals past the retention window and caps the
// slice. Caller holds mu.
func (e *Engine) pruneSignalsLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.SignalRetention)
	kept := e.signals[:0]
	for _, s := range e.signals {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if over := len(kept) - e.cfg.SignalCap; over > 0 {
		kept = kept[over:]
	}
	e.signals = kept
}

// Signals returns the retained signals, oldest first.
func (e *Engine) Signals() []domain.RebalanceSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RebalanceSignal, len(e.signals))
	copy(out, e.signals)
	return out
}

func newActionID() string {
	return "act_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (e *Engine) rebalancesSince(positionID string, since time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.rebalances[positionID] {
		if t.After(since) {
			n++
		}
	}
	return n
}
