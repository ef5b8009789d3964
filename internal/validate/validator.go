// Package validate turns raw extract rows into canonical records. Validation
// never raises for malformed field values: they become null plus a defect
// annotation, and the row is still emitted. A row is dropped only when its
// identity cannot be established at all.
package validate

import (
	"strconv"
	"strings"
	"time"

	"sragetl/internal/errors"
	"sragetl/internal/schema"
	"sragetl/pkg/contracts/domain"
)

const (
	minAgeYears = 0
	maxAgeYears = 130
)

// Result is one validated row: the canonical record plus the defects found
// while cleaning it.
type Result struct {
	Record  *domain.CanonicalRecord
	Defects []domain.DefectAnnotation
}

// Validator applies the field rules for one year's mapping. Validation is
// pure and stateless per row, so one Validator may be shared by any number
// of workers.
type Validator struct {
	mapping *schema.Mapping
}

// New creates a Validator bound to a resolved schema mapping.
func New(mapping *schema.Mapping) *Validator {
	return &Validator{mapping: mapping}
}

// RecordID derives the deterministic record identifier from the source year
// and the 1-based data-row position. Stable across reprocessing.
func RecordID(year, rowIndex int) string {
	return strconv.Itoa(year) + "-" + leftPad(rowIndex)
}

func leftPad(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 7 {
		s = "0" + s
	}
	return s
}

// Validate cleans one raw row. It returns MALFORMED_ROW when the row carries
// no data at all; every other problem is absorbed into defect annotations on
// an emitted record.
func (v *Validator) Validate(row []string, rowIndex int) (*Result, error) {
	if rowIndex <= 0 {
		return nil, errors.NewMalformedRowError(v.mapping.Year, rowIndex, nil)
	}
	if isBlankRow(row) {
		return nil, errors.NewMalformedRowError(v.mapping.Year, rowIndex, nil)
	}

	rec := &domain.CanonicalRecord{
		RecordID: RecordID(v.mapping.Year, rowIndex),
		Year:     v.mapping.Year,
		Outcome:  domain.OutcomeUnknown,
	}
	b := &defectBuilder{recordID: rec.RecordID}

	rec.NotificationDate = v.parseDate(schema.FieldNotificationDate, row, b)
	rec.OnsetDate = v.parseDate(schema.FieldOnsetDate, row, b)
	rec.HospitalDate = v.parseDate(schema.FieldHospitalDate, row, b)
	rec.OutcomeDate = v.parseDate(schema.FieldOutcomeDate, row, b)

	// Outcome before onset corrupts the case timeline; nulling both is
	// preferred over silently swapping them.
	if rec.OutcomeDate != nil && rec.OnsetDate != nil && rec.OutcomeDate.Before(*rec.OnsetDate) {
		rec.OutcomeDate = nil
		rec.OnsetDate = nil
		b.add(domain.DefectDateOrderViolation, domain.SeverityError)
	}

	rec.GeoCode, rec.Region = v.parseGeo(row, b)
	rec.Sex = v.parseSex(row, b)
	rec.AgeYears = v.parseAge(row, rec, b)
	if rec.AgeYears != nil {
		band := ageBand(*rec.AgeYears)
		rec.AgeBand = &band
	}

	rec.Outcome = v.parseOutcome(row, b)
	rec.ICUAdmitted = v.parseBool(schema.FieldICUAdmitted, boolCodes, row, b)
	rec.Ventilated = v.parseBool(schema.FieldVentilated, ventilationCodes, row, b)
	rec.VaccinationStatus = v.parseVaccination(row, b)

	if rec.NotificationDate != nil {
		_, week := rec.NotificationDate.ISOWeek()
		month := int(rec.NotificationDate.Month())
		rec.EpiWeek = &week
		rec.NotifMonth = &month
	}

	rec.QualityFlags = b.flags()
	return &Result{Record: rec, Defects: b.annotations}, nil
}

// parseDate tries the ranked format list; first match wins.
func (v *Validator) parseDate(field string, row []string, b *defectBuilder) *time.Time {
	raw, ok := v.mapping.Value(row, field)
	if !ok || raw == "" {
		return nil
	}
	for _, layout := range v.mapping.DateFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	b.add(domain.DefectBadDate, domain.SeverityWarning)
	return nil
}

func (v *Validator) parseGeo(row []string, b *defectBuilder) (*string, *string) {
	raw, ok := v.mapping.Value(row, schema.FieldGeoCode)
	if !ok || raw == "" {
		return nil, nil
	}
	code := strings.ToUpper(raw)

	if successor, deprecated := legacyUFCodes[code]; deprecated {
		code = successor
		b.add(domain.DefectRemappedGeo, domain.SeverityInfo)
	}

	region, known := ufRegions[code]
	if !known {
		b.add(domain.DefectUnknownGeo, domain.SeverityWarning)
		return nil, nil
	}
	return &code, &region
}

func (v *Validator) parseSex(row []string, b *defectBuilder) *string {
	raw, ok := v.mapping.Value(row, schema.FieldSex)
	if !ok || raw == "" {
		return nil
	}
	sex, recognized := sexCodes[strings.ToUpper(raw)]
	if !recognized {
		b.add(domain.DefectUnrecognizedCode, domain.SeverityWarning)
		return nil
	}
	return sex
}

// parseAge takes the reported age when present, deriving it from the birth
// date otherwise. The reference date is the notification date, falling back
// to the onset date. Values outside [0,130] become null with a defect.
func (v *Validator) parseAge(row []string, rec *domain.CanonicalRecord, b *defectBuilder) *float64 {
	raw, ok := v.mapping.Value(row, schema.FieldAgeYears)
	if ok && raw != "" {
		age, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			b.add(domain.DefectUnrecognizedCode, domain.SeverityWarning)
			return nil
		}
		return v.boundAge(age, b)
	}

	birth := v.parseDate(schema.FieldBirthDate, row, b)
	if birth == nil {
		return nil
	}
	ref := rec.NotificationDate
	if ref == nil {
		ref = rec.OnsetDate
	}
	if ref == nil {
		return nil
	}
	return v.boundAge(yearsBetween(*birth, *ref), b)
}

func (v *Validator) boundAge(age float64, b *defectBuilder) *float64 {
	if age < minAgeYears || age > maxAgeYears {
		b.add(domain.DefectAgeOutOfRange, domain.SeverityWarning)
		return nil
	}
	return &age
}

func (v *Validator) parseOutcome(row []string, b *defectBuilder) domain.Outcome {
	raw, ok := v.mapping.Value(row, schema.FieldOutcome)
	if !ok || raw == "" {
		return domain.OutcomeUnknown
	}
	code := strings.ToUpper(raw)

	if outcome, recognized := outcomeCodes[code]; recognized {
		return outcome
	}
	// Earlier extract years used letter codes; the year's mapping table
	// carries them.
	if legacy, recognized := v.mapping.Layout.LegacyOutcomeCodes[code]; recognized {
		switch legacy {
		case "recovered":
			return domain.OutcomeRecovered
		case "death":
			return domain.OutcomeDeath
		}
	}

	b.add(domain.DefectUnrecognizedCode, domain.SeverityWarning)
	return domain.OutcomeUnknown
}

func (v *Validator) parseBool(field string, codes map[string]*bool, row []string, b *defectBuilder) *bool {
	raw, ok := v.mapping.Value(row, field)
	if !ok || raw == "" {
		return nil
	}
	value, recognized := codes[strings.ToUpper(raw)]
	if !recognized {
		b.add(domain.DefectUnrecognizedCode, domain.SeverityWarning)
		return nil
	}
	return value
}

func (v *Validator) parseVaccination(row []string, b *defectBuilder) *domain.VaccinationStatus {
	raw, ok := v.mapping.Value(row, schema.FieldVaccinationStatus)
	if !ok || raw == "" {
		return nil
	}
	status, recognized := vaccinationCodes[strings.ToUpper(raw)]
	if !recognized {
		b.add(domain.DefectUnrecognizedCode, domain.SeverityWarning)
		return nil
	}
	return status
}

// yearsBetween returns the whole-year difference between birth and ref.
func yearsBetween(birth, ref time.Time) float64 {
	years := ref.Year() - birth.Year()
	anniversary := birth.AddDate(years, 0, 0)
	if anniversary.After(ref) {
		years--
	}
	return float64(years)
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// defectBuilder accumulates annotations and the per-record flag set in
// encounter order, deduplicating flags but not annotations.
type defectBuilder struct {
	recordID    string
	annotations []domain.DefectAnnotation
}

func (b *defectBuilder) add(code domain.DefectCode, severity domain.DefectSeverity) {
	b.annotations = append(b.annotations, domain.DefectAnnotation{
		RecordID: b.recordID,
		Code:     code,
		Severity: severity,
	})
}

func (b *defectBuilder) flags() []domain.DefectCode {
	if len(b.annotations) == 0 {
		return nil
	}
	seen := make(map[domain.DefectCode]bool, len(b.annotations))
	var flags []domain.DefectCode
	for _, a := range b.annotations {
		if !seen[a.Code] {
			seen[a.Code] = true
			flags = append(flags, a.Code)
		}
	}
	return flags
}
