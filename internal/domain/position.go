package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// FeeTier is the pool fee in hundredths of a basis point (3000 = 0.30%).
type FeeTier int

const (
	FeeTier001 FeeTier = 100
	FeeTier005 FeeTier = 500
	FeeTier030 FeeTier = 3000
	FeeTier100 FeeTier = 10000
)

var tickSpacings = map[FeeTier]int{
	FeeTier001: 1,
	FeeTier005: 10,
	FeeTier030: 60,
	FeeTier100: 200,
}

// Valid reports whether the tier is one of the enumerated pool fees.
func (f FeeTier) Valid() bool {
	_, ok := tickSpacings[f]
	return ok
}

// TickSpacing returns the spacing implied by the tier (0 if invalid).
func (f FeeTier) TickSpacing() int {
	return tickSpacings[f]
}

// Rate returns the fee as a fraction (3000 → 0.003).
func (f FeeTier) Rate() float64 {
	return float64(f) / 1_000_000
}

// Position is a concentrated-liquidity allocation tracked locally.
type Position struct {
	ID       string
	LedgerID string // id assigned by the ledger, empty when unknown
	Owner    string

	Token0    string
	Token1    string
	Fee       FeeTier
	TickLower int
	TickUpper int
	MinPrice  float64
	MaxPrice  float64

	Liquidity        decimal.Decimal
	Amount0          decimal.Decimal
	Amount1          decimal.Decimal
	UncollectedFees0 decimal.Decimal
	UncollectedFees1 decimal.Decimal

	InRange     bool
	TimeInRange time.Duration
	TrackedTime time.Duration

	CreatedAt       time.Time
	LastUpdate      time.Time
	LastCollectedAt time.Time
}

// Key returns the core identifiers of the position.
func (p Position) Key() PositionKey {
	return PositionKey{
		Token0:    p.Token0,
		Token1:    p.Token1,
		Fee:       p.Fee,
		TickLower: p.TickLower,
		TickUpper: p.TickUpper,
	}
}

// IsClosed reports whether all liquidity has been withdrawn.
func (p Position) IsClosed() bool {
	return p.Liquidity.Sign() <= 0
}

// HasUncollectedFees reports whether either fee balance is positive.
func (p Position) HasUncollectedFees() bool {
	return p.UncollectedFees0.Sign() > 0 || p.UncollectedFees1.Sign() > 0
}

// PriceInRange reports whether price lies within [MinPrice, MaxPrice].
func (p Position) PriceInRange(price float64) bool {
	return price >= p.MinPrice && price <= p.MaxPrice
}

// MidPrice is the midpoint of the price range.
func (p Position) MidPrice() float64 {
	return (p.MinPrice + p.MaxPrice) / 2
}

// RelativeWidth is the range width relative to its midpoint.
func (p Position) RelativeWidth() float64 {
	mid := p.MidPrice()
	if mid <= 0 {
		return 0
	}
	return (p.MaxPrice - p.MinPrice) / mid
}

// Age returns how long the position has existed at now.
func (p Position) Age(now time.Time) time.Duration {
	if p.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(p.CreatedAt)
}

// TimeInRangePercent is the tracked in-range share of time (0–100).
func (p Position) TimeInRangePercent() float64 {
	if p.TrackedTime <= 0 {
		if p.InRange {
			return 100
		}
		return 0
	}
	return float64(p.TimeInRange) / float64(p.TrackedTime) * 100
}

// Utilization is the time-weighted in-range ratio (0–1). Positions without
// tracked time fall back to the current in/out-of-range snapshot.
func (p Position) Utilization() float64 {
	return p.TimeInRangePercent() / 100
}

// Track accumulates the time elapsed since LastUpdate into the in-range
// counters and stamps LastUpdate with now.
func (p *Position) Track(now time.Time, inRange bool) {
	if !p.LastUpdate.IsZero() && now.After(p.LastUpdate) {
		elapsed := now.Sub(p.LastUpdate)
		p.TrackedTime += elapsed
		if p.InRange {
			p.TimeInRange += elapsed
		}
	}
	p.InRange = inRange
	p.LastUpdate = now
}

// Validate checks the structural invariants of a stored position.
func (p Position) Validate() error {
	if p.ID == "" {
		return NewValidationError("id", "empty")
	}
	if err := ValidateTicks(p.TickLower, p.TickUpper); err != nil {
		return &ValidationError{Field: "ticks", Reason: err.Error(), Err: err}
	}
	if !(p.MinPrice > 0 && p.MinPrice < p.MaxPrice) {
		return NewValidationError("price", fmt.Sprintf("min %v must be below max %v", p.MinPrice, p.MaxPrice))
	}
	if p.Liquidity.IsNegative() {
		return &ValidationError{Field: "liquidity", Reason: "negative", Err: ErrInvalidAmount}
	}
	return nil
}

// PositionKey holds the identifiers that make two positions the same
// allocation on the ledger.
type PositionKey struct {
	Token0    string
	Token1    string
	Fee       FeeTier
	TickLower int
	TickUpper int
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%d/[%d,%d]", k.Token0, k.Token1, k.Fee, k.TickLower, k.TickUpper)
}

// DeterministicPositionID derives a stable id from the key and the owner, so
// reconciling the same ledger position twice maps to the same local record.
func DeterministicPositionID(k PositionKey, owner string) string {
	t0, t1 := SortTokens(NormalizeToken(k.Token0), NormalizeToken(k.Token1))
	raw := fmt.Sprintf("%s|%s|%d|%d|%d|%s", t0, t1, k.Fee, k.TickLower, k.TickUpper, OwnerFragment(owner))
	hash := crypto.Keccak256Hash([]byte(raw))
	return "pos_" + hash.Hex()[2:18]
}

// OwnerFragment returns the short, case-insensitive owner marker embedded in
// deterministic ids.
func OwnerFragment(owner string) string {
	o := strings.ToLower(strings.TrimPrefix(NormalizeToken(owner), "0x"))
	if len(o) > 8 {
		o = o[:8]
	}
	return o
}

// NormalizeToken lowercases a token identifier. Hex addresses are parsed so
// that checksum and non-checksum spellings compare equal.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if common.IsHexAddress(token) {
		return strings.ToLower(common.HexToAddress(token).Hex())
	}
	return strings.ToLower(token)
}

// SameToken compares two token identifiers case-insensitively.
func SameToken(a, b string) bool {
	return NormalizeToken(a) == NormalizeToken(b)
}

// SortTokens returns the pair in canonical order (token0 < token1).
func SortTokens(a, b string) (string, string) {
	if NormalizeToken(a) <= NormalizeToken(b) {
		return a, b
	}
	return b, a
}
