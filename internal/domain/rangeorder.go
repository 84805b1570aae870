package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderDirection is the side a range order emulates.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "buy"
	DirectionSell OrderDirection = "sell"
)

// RangeOrderStatus is the lifecycle of a range order. Only active is
// non-terminal.
type RangeOrderStatus string

const (
	OrderActive    RangeOrderStatus = "active"
	OrderFilled    RangeOrderStatus = "filled"
	OrderCancelled RangeOrderStatus = "cancelled"
	OrderExpired   RangeOrderStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s RangeOrderStatus) Terminal() bool {
	return s != OrderActive
}

// RangeOrder is a directional limit order emulated by a narrow liquidity
// position. It references its position by id only.
type RangeOrder struct {
	ID                string
	PositionID        string
	Token0            string
	Token1            string
	Fee               FeeTier
	Direction         OrderDirection
	TargetPrice       float64
	RangeWidthPercent float64
	MinPrice          float64
	MaxPrice          float64
	Amount            decimal.Decimal
	AutoExecute       bool
	Status            RangeOrderStatus
	CreatedAt         time.Time

	UpdatedAt      time.Time
	FilledAt       *time.Time
	ExecutionPrice float64
	AmountFilled   decimal.Decimal
	FailureReason  string
}

// ClosedAt returns when the order reached a terminal state. Orders without a
// recorded transition report CreatedAt.
func (o RangeOrder) ClosedAt() time.Time {
	switch {
	case o.FilledAt != nil:
		return *o.FilledAt
	case !o.UpdatedAt.IsZero():
		return o.UpdatedAt
	default:
		return o.CreatedAt
	}
}

// PriceRange is an inclusive [Min, Max] price interval.
type PriceRange struct {
	Min float64
	Max float64
}

// Width returns Max - Min.
func (r PriceRange) Width() float64 {
	return r.Max - r.Min
}

// Contains reports whether price lies in the interval.
func (r PriceRange) Contains(price float64) bool {
	return price >= r.Min && price <= r.Max
}

// RangeOrderStats aggregates range order counts and volume.
type RangeOrderStats struct {
	Total       int
	Active      int
	Filled      int
	Cancelled   int
	Expired     int
	TotalVolume decimal.Decimal
	SuccessRate float64 // filled / total
}
