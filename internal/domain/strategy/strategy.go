// Package strategy defines the rebalancing strategies evaluated by the
// rebalance engine. Strategies are pure: they read an Observation and return
// signals, never touching the ledger.
package strategy

import (
	"sort"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// Strategy define el contrato para evaluar una posición y emitir señales.
type Strategy interface {
	// Name devuelve el identificador único de la estrategia.
	Name() string

	// Settings devuelve los umbrales y gates de la estrategia.
	Settings() Settings

	// Eligible reports whether the position passes the age, value and
	// frequency gates. The reason is empty when eligible.
	Eligible(obs Observation) (bool, string)

	// Evaluate returns zero or more signals for an eligible position.
	Evaluate(obs Observation) []domain.RebalanceSignal
}

// Settings is the named, independently enabled configuration of a strategy.
type Settings struct {
	Name    string
	Enabled bool

	PriceDeviationThreshold float64 // relative distance from range midpoint
	UtilizationThreshold    float64 // 0–1, time-weighted in-range ratio
	FeeThresholdUSD         float64
	RebalanceInterval       time.Duration

	MinPositionAge      time.Duration
	MinPositionValueUSD float64
	MaxRebalancesPerDay int

	SlippageTolerance   float64
	MaxGasCostUSD       float64
	MinBenefitCostRatio float64
}

// Observation is everything measured about one position at evaluation time.
type Observation struct {
	Position        domain.Position
	CurrentPrice    float64
	ValueUSD        float64
	FeesUSD         float64
	DailyFeeRateUSD float64
	RebalancesToday int
	Now             time.Time
}

// Registry mantiene las estrategias disponibles indexadas por nombre.
type Registry map[string]Strategy

// NewRegistry crea un registry con las estrategias dadas.
func NewRegistry(strategies ...Strategy) Registry {
	r := make(Registry, len(strategies))
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Register añade una estrategia al registry.
func (r Registry) Register(s Strategy) {
	r[s.Name()] = s
}

// Get devuelve la estrategia por nombre.
func (r Registry) Get(name string) (Strategy, bool) {
	s, ok := r[name]
	return s, ok
}

// Enabled returns the enabled strategies sorted by name.
func (r Registry) Enabled() []Strategy {
	out := make([]Strategy, 0, len(r))
	for _, s := range r {
		if s.Settings().Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
