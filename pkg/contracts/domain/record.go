package domain

import (
	"time"
)

// Outcome is the final evolution of a surveillance case.
type Outcome string

const (
	OutcomeRecovered Outcome = "recovered"
	OutcomeDeath     Outcome = "death"
	OutcomeUnknown   Outcome = "unknown"
)

// VaccinationStatus is the reported vaccination state of a case.
type VaccinationStatus string

const (
	VaccinationComplete VaccinationStatus = "vaccinated"
	VaccinationNone     VaccinationStatus = "unvaccinated"
)

// CanonicalRecord is the normalized, year-independent representation of one
// surveillance case. Nullable fields are pointers; a nil value means the raw
// extract carried nothing usable for that field.
type CanonicalRecord struct {
	RecordID string `json:"record_id"`
	Year     int    `json:"year"`

	NotificationDate *time.Time `json:"notification_date,omitempty"`
	OnsetDate        *time.Time `json:"onset_date,omitempty"`
	HospitalDate     *time.Time `json:"hospital_date,omitempty"`
	OutcomeDate      *time.Time `json:"outcome_date,omitempty"`

	GeoCode *string `json:"geo_code,omitempty"`
	Region  *string `json:"region,omitempty"`
	Sex     *string `json:"sex,omitempty"`

	AgeYears *float64 `json:"age_years,omitempty"`
	AgeBand  *string  `json:"age_band,omitempty"`

	Outcome           Outcome            `json:"outcome"`
	ICUAdmitted       *bool              `json:"icu_admitted,omitempty"`
	Ventilated        *bool              `json:"ventilated,omitempty"`
	VaccinationStatus *VaccinationStatus `json:"vaccination_status,omitempty"`

	// Derived from NotificationDate.
	EpiWeek    *int `json:"epi_week,omitempty"`
	NotifMonth *int `json:"notif_month,omitempty"`

	QualityFlags []DefectCode `json:"quality_flags,omitempty"`
}

// HasFlag reports whether the record carries the given defect code.
func (r *CanonicalRecord) HasFlag(code DefectCode) bool {
	for _, f := range r.QualityFlags {
		if f == code {
			return true
		}
	}
	return false
}

// RecordFilter narrows a repository record query. Zero-value fields are
// ignored.
type RecordFilter struct {
	GeoCode     string   `json:"geo_code,omitempty"`
	Region      string   `json:"region,omitempty"`
	Outcome     Outcome  `json:"outcome,omitempty"`
	ICUAdmitted *bool    `json:"icu_admitted,omitempty"`
	MinAge      *float64 `json:"min_age,omitempty"`
	MaxAge      *float64 `json:"max_age,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}
