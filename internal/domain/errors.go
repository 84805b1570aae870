package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Error categories. Concrete errors wrap one of these so callers can branch
// with errors.Is regardless of the detail attached.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrLedger     = errors.New("ledger call failed")
	ErrCollision  = errors.New("reconciliation id collision")

	ErrPositionNotFound = fmt.Errorf("position %w", ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("range order %w", ErrNotFound)
	ErrActionNotFound   = fmt.Errorf("action %w", ErrNotFound)

	ErrInvalidAmount     = errors.New("invalid amount")
	ErrUnsupportedAction = errors.New("action type not supported")
)

// ValidationError is a caller-correctable input problem. Never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional underlying cause, e.g. ErrInvalidPrice
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LedgerError reports an external ledger call that failed after retries.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Is(target error) bool { return target == ErrLedger }

func (e *LedgerError) Unwrap() error { return e.Err }

// CollisionError describes a deterministic id that already belonged to a
// position with different core identifiers. The registry mitigates it by
// storing the incoming position under SafeID.
type CollisionError struct {
	ID       string
	SafeID   string
	Existing PositionKey
	Incoming PositionKey
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("id %s already used by %s, stored %s as %s", e.ID, e.Existing, e.Incoming, e.SafeID)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

// PartialRebalanceError means liquidity was withdrawn during a rebalance but
// could not be re-added. Capital is sitting unparked and needs intervention.
type PartialRebalanceError struct {
	PositionID string
	Stage      string
	Amount0    decimal.Decimal
	Amount1    decimal.Decimal
	Err        error
}

func (e *PartialRebalanceError) Error() string {
	return fmt.Sprintf("rebalance of %s stopped at %s with %s/%s withdrawn: %v",
		e.PositionID, e.Stage, e.Amount0, e.Amount1, e.Err)
}

func (e *PartialRebalanceError) Unwrap() error { return e.Err }

// PartialBatchError reports how many sub-operations of a batch failed. The
// batch result itself is still valid for the successful part.
type PartialBatchError struct {
	Total  int
	Failed map[string]error
}

func (e *PartialBatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("%d of %d failed: %s", len(e.Failed), e.Total, strings.Join(ids, ", "))
}
