package domain

import (
	"time"
)

// QualityReport aggregates validation findings for one year's dataset. A
// reprocessing run supersedes the previous report; it never merges into it.
type QualityReport struct {
	Year              int                `json:"year"`
	TotalRows         int                `json:"total_rows"`
	AcceptedRows      int                `json:"accepted_rows"`
	RejectedRows      int                `json:"rejected_rows"`
	CompletenessScore float64            `json:"completeness_score"`
	DefectCounts      map[DefectCode]int `json:"defect_counts"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

// Indicator names published in a MetricSnapshot.
const (
	IndicatorCaseFatalityRate    = "case_fatality_rate"
	IndicatorICUAdmissionRate    = "icu_admission_rate"
	IndicatorVentilationRate     = "ventilation_rate"
	IndicatorMeanLengthOfStay    = "mean_length_of_stay_days"
	IndicatorVaccinationCoverage = "vaccination_coverage"
)

// MetricSnapshot is the immutable set of computed indicators for one year.
// A nil indicator value means the denominator was empty, which is distinct
// from a true zero rate.
type MetricSnapshot struct {
	Year         int                 `json:"year"`
	Indicators   map[string]*float64 `json:"indicators"`
	RecordCount  int                 `json:"record_count"`
	QualityScore float64             `json:"quality_score"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

// Indicator returns the named indicator value, or nil when it is undefined
// or absent from the snapshot.
func (s *MetricSnapshot) Indicator(name string) *float64 {
	if s == nil || s.Indicators == nil {
		return nil
	}
	return s.Indicators[name]
}
