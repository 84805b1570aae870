package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
)

// Threshold emits price-deviation, low-utilization and high-fee signals
// when the observed values cross the configured thresholds.
type Threshold struct {
	settings Settings
}

// NewThreshold crea la estrategia con la configuración dada.
func NewThreshold(s Settings) *Threshold {
	if s.RebalanceInterval <= 0 {
		s.RebalanceInterval = 5 * time.Minute
	}
	if s.SlippageTolerance <= 0 {
		s.SlippageTolerance = 0.005
	}
	return &Threshold{settings: s}
}

// Name implementa Strategy.
func (t *Threshold) Name() string { return t.settings.Name }

// Settings implementa Strategy.
func (t *Threshold) Settings() Settings { return t.settings }

// Eligible implementa Strategy.
func (t *Threshold) Eligible(obs Observation) (bool, string) {
	s := t.settings
	if age := obs.Position.Age(obs.Now); age < s.MinPositionAge {
		return false, fmt.Sprintf("age %s below %s", age.Round(time.Second), s.MinPositionAge)
	}
	if obs.ValueUSD < s.MinPositionValueUSD {
		return false, fmt.Sprintf("value %.2f below %.2f USD", obs.ValueUSD, s.MinPositionValueUSD)
	}
	if s.MaxRebalancesPerDay > 0 && obs.RebalancesToday >= s.MaxRebalancesPerDay {
		return false, fmt.Sprintf("%d rebalances in the last 24h", obs.RebalancesToday)
	}
	return true, ""
}

// Evaluate implementa Strategy.
func (t *Threshold) Evaluate(obs Observation) []domain.RebalanceSignal {
	s := t.settings
	pos := obs.Position
	mid := pos.MidPrice()
	if mid <= 0 || obs.CurrentPrice <= 0 {
		return nil
	}

	outOfRange := !pos.PriceInRange(obs.CurrentPrice)
	deviation := math.Abs(obs.CurrentPrice-mid) / mid
	utilization := pos.Utilization()

	trigger := domain.SignalTrigger{
		CurrentPrice:  obs.CurrentPrice,
		MidPrice:      mid,
		Deviation:     deviation,
		Utilization:   utilization,
		FeesUSD:       obs.FeesUSD,
		OutOfRange:    outOfRange,
		DailyFeeRate:  obs.DailyFeeRateUSD,
		PositionValue: obs.ValueUSD,
	}

	var signals []domain.RebalanceSignal
	emit := func(typ domain.SignalType, strength, confidence float64, urgency domain.Urgency, threshold float64) {
		tr := trigger
		tr.Threshold = threshold
		signals = append(signals, domain.RebalanceSignal{
			PositionID: pos.ID,
			Strategy:   s.Name,
			Type:       typ,
			Strength:   math.Min(1, strength),
			Confidence: confidence,
			Urgency:    urgency,
			Trigger:    tr,
			Timestamp:  obs.Now,
		})
	}

	// 1. Desviación del precio respecto al centro del rango.
	if thr := s.PriceDeviationThreshold; thr > 0 && deviation >= thr {
		urgency := domain.UrgencyMedium
		confidence := 0.7
		if outOfRange {
			urgency = domain.UrgencyHigh
			confidence = 0.9
			if deviation >= 2*thr {
				urgency = domain.UrgencyCritical
			}
		}
		emit(domain.SignalPriceDeviation, deviation/thr, confidence, urgency, thr)
	}

	// 2. Utilización ponderada por tiempo.
	if thr := s.UtilizationThreshold; thr > 0 && utilization < thr {
		urgency := domain.UrgencyLow
		if utilization < thr/2 {
			urgency = domain.UrgencyMedium
		}
		confidence := 0.5
		if pos.TrackedTime >= time.Hour {
			confidence = 0.8
		}
		emit(domain.SignalLowUtilization, (thr-utilization)/thr, confidence, urgency, thr)
	}

	// 3. Fees pendientes por encima del umbral.
	if thr := s.FeeThresholdUSD; thr > 0 && obs.FeesUSD > thr {
		urgency := domain.UrgencyMedium
		if obs.FeesUSD >= 3*thr {
			urgency = domain.UrgencyHigh
		}
		emit(domain.SignalHighFees, obs.FeesUSD/(2*thr), 0.9, urgency, thr)
	}

	return signals
}
