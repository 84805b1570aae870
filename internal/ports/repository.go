package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/shopspring/decimal"
)

// PositionFilter selects positions. Zero fields are ignored.
type PositionFilter struct {
	ID       string
	LedgerID string
	Owner    string
	Token0   string
	Token1   string
	OpenOnly bool
}

// PositionPatch is a partial update. Nil fields are left untouched.
type PositionPatch struct {
	LedgerID         *string
	Liquidity        *decimal.Decimal
	Amount0          *decimal.Decimal
	Amount1          *decimal.Decimal
	UncollectedFees0 *decimal.Decimal
	UncollectedFees1 *decimal.Decimal
	InRange          *bool
	TimeInRange      *time.Duration
	TrackedTime      *time.Duration
	LastCollectedAt  *time.Time
	ClosedAt         *time.Time
	LastUpdate       time.Time
}

// PatchFrom builds a patch carrying every mutable field of p.
func PatchFrom(p domain.Position) PositionPatch {
	return PositionPatch{
		LedgerID:         &p.LedgerID,
		Liquidity:        &p.Liquidity,
		Amount0:          &p.Amount0,
		Amount1:          &p.Amount1,
		UncollectedFees0: &p.UncollectedFees0,
		UncollectedFees1: &p.UncollectedFees1,
		InRange:          &p.InRange,
		TimeInRange:      &p.TimeInRange,
		TrackedTime:      &p.TrackedTime,
		LastCollectedAt:  &p.LastCollectedAt,
		LastUpdate:       p.LastUpdate,
	}
}

// PositionRepository persists positions. It is the reconciliation source of
// truth on restart.
type PositionRepository interface {
	Find(ctx context.Context, filter PositionFilter) ([]domain.Position, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, filter PositionFilter) (*domain.Position, error)
	Save(ctx context.Context, pos domain.Position) error
	Update(ctx context.Context, id string, patch PositionPatch) error
}
