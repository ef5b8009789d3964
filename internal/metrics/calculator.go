// Package metrics computes the derived epidemiological indicators for one
// year's validated record set. Missing values are excluded from indicator
// denominators, never imputed; an empty denominator yields a nil indicator,
// which is distinct from a true zero rate.
package metrics

import (
	"time"

	"sragetl/pkg/contracts/domain"
)

// Accumulator folds canonical records into indicator counters. Records are
// streamed from the repository; nothing is buffered.
type Accumulator struct {
	year     int
	accepted int

	deaths     int
	recoveries int

	icuTrue  int
	icuKnown int

	ventilatedTrue  int
	ventilatedKnown int // ICU cohort with a defined ventilation value

	staySumDays float64
	stayCount   int

	vaccinated int
	vaccKnown  int
}

// NewAccumulator starts an empty accumulation for one year.
func NewAccumulator(year int) *Accumulator {
	return &Accumulator{year: year}
}

// Add folds one accepted record into every indicator it contributes a
// defined value to.
func (a *Accumulator) Add(rec *domain.CanonicalRecord) {
	a.accepted++

	switch rec.Outcome {
	case domain.OutcomeDeath:
		a.deaths++
	case domain.OutcomeRecovered:
		a.recoveries++
	}

	if rec.ICUAdmitted != nil {
		a.icuKnown++
		if *rec.ICUAdmitted {
			a.icuTrue++
			// Ventilation rate is defined over the ICU cohort only.
			if rec.Ventilated != nil {
				a.ventilatedKnown++
				if *rec.Ventilated {
					a.ventilatedTrue++
				}
			}
		}
	}

	if rec.OutcomeDate != nil && rec.NotificationDate != nil {
		days := rec.OutcomeDate.Sub(*rec.NotificationDate).Hours() / 24
		// Negative stays are excluded, not clamped.
		if days >= 0 {
			a.staySumDays += days
			a.stayCount++
		}
	}

	if rec.VaccinationStatus != nil {
		a.vaccKnown++
		if *rec.VaccinationStatus == domain.VaccinationComplete {
			a.vaccinated++
		}
	}
}

// Snapshot builds the immutable MetricSnapshot from the accumulated
// counters.
func (a *Accumulator) Snapshot(qualityScore float64, generatedAt time.Time) *domain.MetricSnapshot {
	return &domain.MetricSnapshot{
		Year: a.year,
		Indicators: map[string]*float64{
			domain.IndicatorCaseFatalityRate:    ratio(a.deaths, a.deaths+a.recoveries),
			domain.IndicatorICUAdmissionRate:    ratio(a.icuTrue, a.icuKnown),
			domain.IndicatorVentilationRate:     ratio(a.ventilatedTrue, a.ventilatedKnown),
			domain.IndicatorMeanLengthOfStay:    mean(a.staySumDays, a.stayCount),
			domain.IndicatorVaccinationCoverage: ratio(a.vaccinated, a.vaccKnown),
		},
		RecordCount:  a.accepted,
		QualityScore: qualityScore,
		GeneratedAt:  generatedAt,
	}
}

// ratio returns numerator/denominator, or nil for an empty denominator.
// Never NaN.
func ratio(numerator, denominator int) *float64 {
	if denominator == 0 {
		return nil
	}
	v := float64(numerator) / float64(denominator)
	return &v
}

func mean(sum float64, count int) *float64 {
	if count == 0 {
		return nil
	}
	v := sum / float64(count)
	return &v
}
