// Package schema maps each year's raw extract layout onto the stable
// canonical field set. The per-year tables are static configuration embedded
// with the binary, never inferred from the data at runtime.
package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"sragetl/internal/errors"
)

//go:embed mappings.yaml
var mappingsYAML []byte

// Canonical field identifiers. These are the only names the validator and
// the quality scorer know about.
const (
	FieldNotificationDate  = "notification_date"
	FieldOnsetDate         = "onset_date"
	FieldHospitalDate      = "hospital_date"
	FieldOutcomeDate       = "outcome_date"
	FieldGeoCode           = "geo_code"
	FieldSex               = "sex"
	FieldAgeYears          = "age_years"
	FieldBirthDate         = "birth_date"
	FieldOutcome           = "outcome"
	FieldICUAdmitted       = "icu_admitted"
	FieldVentilated        = "ventilated"
	FieldVaccinationStatus = "vaccination_status"
)

// FieldSpec describes one canonical field: whether a year must provide a raw
// counterpart for it, its completeness weight, and the fields it may be
// derived from when its own column is absent or empty.
type FieldSpec struct {
	Name       string   `yaml:"name"`
	Required   bool     `yaml:"required"`
	Weight     float64  `yaml:"weight"`
	DeriveFrom []string `yaml:"derive_from"`
}

// YearLayout pins the raw layout of one year's extract.
type YearLayout struct {
	Separator          string            `yaml:"separator"`
	Encoding           string            `yaml:"encoding"`
	Columns            map[string]string `yaml:"columns"`
	LegacyOutcomeCodes map[string]string `yaml:"legacy_outcome_codes"`
}

// Table is the full parsed mapping configuration.
type Table struct {
	CanonicalFields []FieldSpec         `yaml:"canonical_fields"`
	DateFormats     []string            `yaml:"date_formats"`
	Years           map[int]*YearLayout `yaml:"years"`
}

// LoadTable parses the embedded mapping tables.
func LoadTable() (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(mappingsYAML, &t); err != nil {
		return nil, errors.NewConfigError("failed to parse schema mapping tables", err)
	}
	if len(t.CanonicalFields) == 0 || len(t.Years) == 0 {
		return nil, errors.NewConfigError("schema mapping tables are empty", nil)
	}
	return &t, nil
}

// SupportedYears returns the years the table has a layout for, ascending.
func (t *Table) SupportedYears() []int {
	years := make([]int, 0, len(t.Years))
	for y := range t.Years {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// Layout returns the pinned layout for a year.
func (t *Table) Layout(year int) (*YearLayout, error) {
	layout, ok := t.Years[year]
	if !ok {
		return nil, errors.NewUnmappableSchemaError(year, "").
			WithContext("reason", "no layout configured for year")
	}
	return layout, nil
}

// Field looks up a canonical field by name.
func (t *Table) Field(name string) (FieldSpec, bool) {
	for _, f := range t.CanonicalFields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Mapping is the resolved translation from one concrete header row to the
// canonical field set.
type Mapping struct {
	Year        int
	Layout      *YearLayout
	Fields      []FieldSpec
	DateFormats []string

	// canonical field name -> column index in the header
	index map[string]int
}

// Resolve matches a year's header row against the configured layout. Header
// comparison is case-insensitive and whitespace-tolerant; column order is
// never assumed. It fails with UnmappableSchema when a required canonical
// field has no raw column and no derivation rule can supply it.
func (t *Table) Resolve(year int, header []string) (*Mapping, error) {
	layout, err := t.Layout(year)
	if err != nil {
		return nil, err
	}

	position := make(map[string]int, len(header))
	for i, raw := range header {
		position[normalizeHeader(raw)] = i
	}

	index := make(map[string]int, len(layout.Columns))
	for field, rawName := range layout.Columns {
		if i, ok := position[normalizeHeader(rawName)]; ok {
			index[field] = i
		}
	}

	for _, spec := range t.CanonicalFields {
		if !spec.Required {
			continue
		}
		if _, ok := index[spec.Name]; ok {
			continue
		}
		if m := firstMapped(index, spec.DeriveFrom); m != "" {
			continue
		}
		return nil, errors.NewUnmappableSchemaError(year, spec.Name)
	}

	return &Mapping{
		Year:        year,
		Layout:      layout,
		Fields:      t.CanonicalFields,
		DateFormats: t.DateFormats,
		index:       index,
	}, nil
}

// Value extracts the raw value of a canonical field from one data row.
// The second return is false when the year has no column for the field or
// the row is too short to carry it.
func (m *Mapping) Value(row []string, field string) (string, bool) {
	i, ok := m.index[field]
	if !ok || i >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

// Has reports whether the year's layout maps the canonical field at all.
func (m *Mapping) Has(field string) bool {
	_, ok := m.index[field]
	return ok
}

func firstMapped(index map[string]int, fields []string) string {
	for _, f := range fields {
		if _, ok := index[f]; ok {
			return f
		}
	}
	return ""
}

func normalizeHeader(h string) string {
	return strings.ToUpper(strings.TrimSpace(h))
}

// String renders the mapping for logs.
func (m *Mapping) String() string {
	return fmt.Sprintf("schema mapping year=%d columns=%d", m.Year, len(m.index))
}
