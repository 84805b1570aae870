package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// ExecuteNext executes the highest-priority pending action. ok is false when
// the queue is empty.
func (e *Engine) ExecuteNext(ctx context.Context) (domain.RebalanceAction, bool, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	a, ok := e.pop("")
	if !ok {
		return domain.RebalanceAction{}, false, nil
	}
	done, err := e.execute(ctx, a)
	return done, true, err
}

// ExecuteAction executes one pending action by id.
func (e *Engine) ExecuteAction(ctx context.Context, actionID string) (domain.RebalanceAction, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	a, ok := e.pop(actionID)
	if !ok {
		return domain.RebalanceAction{}, fmt.Errorf("rebalance.ExecuteAction %s: %w", actionID, domain.ErrActionNotFound)
	}
	return e.execute(ctx, a)
}

// execute runs one action and records it. Caller holds execMu.
func (e *Engine) execute(ctx context.Context, a domain.RebalanceAction) (domain.RebalanceAction, error) {
	start := e.now()
	a.Status = domain.ActionExecuting
	a.ExecutedAt = &start

	if reason := violatedConstraint(a); reason != "" {
		a.Status = domain.ActionCancelled
		a.Error = reason
		e.finish(a)
		e.log.Info("rebalance: action cancelled by constraints",
			"action_id", a.ID,
			"position_id", a.PositionID,
			"type", a.Type,
			"reason", reason,
		)
		return a, nil
	}

	err := e.run(ctx, &a)
	switch {
	case err == nil && a.Status == domain.ActionExecuting:
		a.Status = domain.ActionCompleted
	case err != nil:
		a.Status = domain.ActionFailed
		a.Error = err.Error()
	}
	e.finish(a)

	var partial *domain.PartialRebalanceError
	switch {
	case errors.As(err, &partial):
		e.log.Error("rebalance: range adjustment left capital unparked, manual action required",
			"action_id", a.ID,
			"position_id", a.PositionID,
			"amount0", partial.Amount0.String(),
			"amount1", partial.Amount1.String(),
			"err", err,
		)
	case err != nil:
		e.log.Warn("rebalance: action failed", "action_id", a.ID, "position_id", a.PositionID, "type", a.Type, "err", err)
	default:
		e.log.Info("rebalance: action finished",
			"action_id", a.ID,
			"position_id", a.PositionID,
			"type", a.Type,
			"status", a.Status,
			"priority", a.Priority,
			"new_position_id", a.NewPositionID,
			"duration", e.now().Sub(start).Round(time.Millisecond),
		)
	}
	return a, err
}

// run dispatches on the action type. A nil error with a status other than
// executing means the action was skipped on purpose.
func (e *Engine) run(ctx context.Context, a *domain.RebalanceAction) error {
	pos, ok := e.positions.GetPosition(a.PositionID)
	if !ok {
		return fmt.Errorf("position %s: %w", a.PositionID, domain.ErrPositionNotFound)
	}

	switch a.Type {
	case domain.ActionAdjustRange:
		newID, err := e.positions.RebalancePosition(ctx, pos.ID, a.Parameters.NewMinPrice, a.Parameters.NewMaxPrice, a.Parameters.SlippageTolerance)
		if err != nil {
			return err
		}
		a.NewPositionID = newID
		e.noteRebalance(pos.ID, newID)
		if n := e.supersede(pos.ID, newID); n > 0 {
			e.log.Info("rebalance: pending actions superseded", "position_id", pos.ID, "new_position_id", newID, "count", n)
		}
		return nil

	case domain.ActionCollectFees:
		collected, opt, err := e.fees.CollectIfWorthwhile(ctx, pos.ID)
		if err != nil {
			return err
		}
		if !collected {
			a.Status = domain.ActionCancelled
			a.Error = fmt.Sprintf("fee optimizer recommends %s: %s", opt.Recommendation, opt.Reason)
		}
		return nil

	case domain.ActionClosePosition:
		_, err := e.positions.RemoveLiquidity(ctx, pos.ID, pos.Liquidity, a.Constraints.MaxSlippage)
		return err

	default:
		return fmt.Errorf("%s: %w", a.Type, domain.ErrUnsupportedAction)
	}
}

// violatedConstraint returns why the action may not run, or "".
func violatedConstraint(a domain.RebalanceAction) string {
	c := a.Constraints
	if c.MaxGasCostUSD > 0 && a.EstimatedCost > c.MaxGasCostUSD {
		return fmt.Sprintf("estimated cost %.2f exceeds max gas %.2f USD", a.EstimatedCost, c.MaxGasCostUSD)
	}
	if c.MinBenefitCostRatio > 0 {
		if r := a.BenefitCostRatio(); r < c.MinBenefitCostRatio {
			return fmt.Sprintf("benefit/cost %.2f below %.2f", r, c.MinBenefitCostRatio)
		}
	}
	return ""
}

func (e *Engine) finish(a domain.RebalanceAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(a)
}

// noteRebalance records a range adjustment for the frequency gate. The new
// position inherits the history of the old one.
func (e *Engine) noteRebalance(oldID, newID string) {
	now := e.now()
	cutoff := now.Add(-24 * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	var kept []time.Time
	for _, t := range e.rebalances[oldID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	delete(e.rebalances, oldID)
	e.rebalances[newID] = kept
}

// GetMetrics summarises the execution history.
func (e *Engine) GetMetrics() domain.RebalanceMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := domain.RebalanceMetrics{
		SignalsGenerated: e.counters.signals,
		ActionsQueued:    e.counters.queued,
		ActionsExecuted:  e.counters.executed,
		ActionsCompleted: e.counters.completed,
		ActionsFailed:    e.counters.failed,
		ActionsCancelled: e.counters.cancelled,
		LastCheck:        e.counters.lastCheck,
	}
	if m.ActionsExecuted > 0 {
		m.SuccessRate = float64(m.ActionsCompleted) / float64(m.ActionsExecuted)
	}
	m.PerformanceImprovement = m.SuccessRate * 100

	var sum float64
	var n int
	for _, a := range e.history {
		if a.Status != domain.ActionCompleted {
			continue
		}
		if r := a.BenefitCostRatio(); !math.IsInf(r, 0) && !math.IsNaN(r) {
			sum += r
			n++
		}
	}
	if n > 0 {
		m.AvgBenefitCostRatio = sum / float64(n)
	}
	return m
}
