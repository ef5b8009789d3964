package domain

// DefectCode identifies a field-level validation finding. Defects never
// reject a record; they are recorded alongside it.
type DefectCode string

const (
	DefectBadDate            DefectCode = "bad_date"
	DefectUnknownGeo         DefectCode = "unknown_geo"
	DefectRemappedGeo        DefectCode = "remapped_geo"
	DefectAgeOutOfRange      DefectCode = "age_out_of_range"
	DefectUnrecognizedCode   DefectCode = "unrecognized_code"
	DefectDateOrderViolation DefectCode = "date_order_violation"
)

// DefectSeverity ranks how much a defect degrades the record.
type DefectSeverity string

const (
	SeverityInfo    DefectSeverity = "info"
	SeverityWarning DefectSeverity = "warning"
	SeverityError   DefectSeverity = "error"
)

// DefectAnnotation is a machine-readable note that one field of one record
// failed validation. Immutable once produced.
type DefectAnnotation struct {
	RecordID string         `json:"record_id"`
	Code     DefectCode     `json:"code"`
	Severity DefectSeverity `json:"severity"`
}
