package rebalance

import (
	"fmt"
	"sort"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// enqueue inserts a pending action keeping the queue sorted by descending
// priority. A pending action of the same type for the same position is
// replaced only by a higher-priority one. Overflow drops the tail.
func (e *Engine) enqueue(a domain.RebalanceAction) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, q := range e.queue {
		if q.PositionID != a.PositionID || q.Type != a.Type {
			continue
		}
		if a.Priority <= q.Priority {
			return false
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		break
	}

	action := a
	e.queue = append(e.queue, &action)
	sort.SliceStable(e.queue, func(i, j int) bool { return e.queue[i].Priority > e.queue[j].Priority })
	e.counters.queued++

	if over := len(e.queue) - e.cfg.QueueCap; over > 0 {
		dropped := e.queue[len(e.queue)-over:]
		e.queue = e.queue[:len(e.queue)-over]
		for _, d := range dropped {
			e.log.Debug("rebalance: queue full, action dropped", "action_id", d.ID, "priority", d.Priority)
		}
		for _, d := range dropped {
			if d.ID == action.ID {
				return false
			}
		}
	}
	return true
}

// Submit queues an action built outside the signal pipeline, e.g. an
// operator closing a position. It returns the action id.
func (e *Engine) Submit(a domain.RebalanceAction) (string, error) {
	if a.PositionID == "" {
		return "", domain.NewValidationError("positionId", "required")
	}
	switch a.Type {
	case domain.ActionAdjustRange:
		p := a.Parameters
		if !(p.NewMinPrice > 0 && p.NewMinPrice < p.NewMaxPrice) {
			return "", &domain.ValidationError{Field: "parameters", Reason: "new range must satisfy 0 < min < max", Err: domain.ErrInvalidPrice}
		}
	case domain.ActionCollectFees, domain.ActionClosePosition, domain.ActionSplitPosition, domain.ActionMergePositions:
	default:
		return "", domain.NewValidationError("type", fmt.Sprintf("unknown action type %q", a.Type))
	}
	if a.ID == "" {
		a.ID = newActionID()
	}
	a.Priority = max(1, min(10, a.Priority))
	a.Status = domain.ActionPending
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}
	if !e.enqueue(a) {
		return "", fmt.Errorf("rebalance.Submit: action for %s not queued (duplicate or queue full)", a.PositionID)
	}
	return a.ID, nil
}

// CancelAction cancels a pending action and moves it to the history.
func (e *Engine) CancelAction(actionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.queue {
		if q.ID != actionID {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		q.Status = domain.ActionCancelled
		q.Error = "cancelled by caller"
		e.recordLocked(*q)
		return nil
	}
	return fmt.Errorf("rebalance.CancelAction %s: %w", actionID, domain.ErrActionNotFound)
}

// supersede cancels every pending action on a position that a range
// adjustment just closed. The new position gets its own signals on the next
// check.
func (e *Engine) supersede(oldID, newID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.queue[:0]
	n := 0
	for _, q := range e.queue {
		if q.PositionID != oldID {
			kept = append(kept, q)
			continue
		}
		q.Status = domain.ActionCancelled
		q.Error = "superseded: position rebalanced into " + newID
		e.recordLocked(*q)
		n++
	}
	e.queue = kept
	return n
}

// PendingActions returns the queue, highest priority first.
func (e *Engine) PendingActions() []domain.RebalanceAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RebalanceAction, 0, len(e.queue))
	for _, q := range e.queue {
		out = append(out, *q)
	}
	return out
}

// History returns finished actions, oldest first.
func (e *Engine) History() []domain.RebalanceAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RebalanceAction, len(e.history))
	copy(out, e.history)
	return out
}

// pop removes the highest-priority action, or the one with id when set.
func (e *Engine) pop(id string) (domain.RebalanceAction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.queue {
		if id != "" && q.ID != id {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		return *q, true
	}
	return domain.RebalanceAction{}, false
}

// recordLocked appends a finished action to the capped history and updates
// the counters. Caller holds mu.
func (e *Engine) recordLocked(a domain.RebalanceAction) {
	switch a.Status {
	case domain.ActionCompleted:
		e.counters.executed++
		e.counters.completed++
	case domain.ActionFailed:
		e.counters.executed++
		e.counters.failed++
	case domain.ActionCancelled:
		e.counters.cancelled++
	}
	e.history = append(e.history, a)
	if over := len(e.history) - e.cfg.HistoryCap; over > 0 {
		e.history = append([]domain.RebalanceAction(nil), e.history[over:]...)
	}
}
