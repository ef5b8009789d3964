package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sragetl/pkg/contracts/domain"
)

const dateLayout = "2006-01-02"

// Batch is a transactional record writer. A batch either commits fully or
// leaves no rows visible to readers; the validating stage commits one batch
// per row chunk so cancellation never exposes partial writes.
type Batch struct {
	tx         *sql.Tx
	upsert     *sql.Stmt
	addDefect  *sql.Stmt
	store      *Store
	year       int
	committed  bool
	rolledBack bool
}

const upsertRecordSQL = `INSERT INTO records (
		year, record_id, notification_date, onset_date, hospital_date,
		outcome_date, geo_code, region, sex, age_years, age_band, outcome,
		icu_admitted, ventilated, vaccination_status, epi_week, notif_month,
		quality_flags
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(year, record_id) DO UPDATE SET
		notification_date=excluded.notification_date,
		onset_date=excluded.onset_date,
		hospital_date=excluded.hospital_date,
		outcome_date=excluded.outcome_date,
		geo_code=excluded.geo_code,
		region=excluded.region,
		sex=excluded.sex,
		age_years=excluded.age_years,
		age_band=excluded.age_band,
		outcome=excluded.outcome,
		icu_admitted=excluded.icu_admitted,
		ventilated=excluded.ventilated,
		vaccination_status=excluded.vaccination_status,
		epi_week=excluded.epi_week,
		notif_month=excluded.notif_month,
		quality_flags=excluded.quality_flags`

// BeginBatch opens a transactional batch for one year.
func (s *Store) BeginBatch(ctx context.Context, year int) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, serr("failed to begin batch", err)
	}
	upsert, err := tx.PrepareContext(ctx, upsertRecordSQL)
	if err != nil {
		tx.Rollback()
		return nil, serr("failed to prepare record upsert", err)
	}
	addDefect, err := tx.PrepareContext(ctx,
		`INSERT INTO defects (year, record_id, code, severity) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, serr("failed to prepare defect insert", err)
	}
	return &Batch{tx: tx, upsert: upsert, addDefect: addDefect, store: s, year: year}, nil
}

// UpsertRecord writes one record, fully replacing any prior value for its
// (year, record_id) key. No partial-field merge, which keeps reprocessing
// idempotent.
func (b *Batch) UpsertRecord(ctx context.Context, rec *domain.CanonicalRecord) error {
	flags, err := json.Marshal(rec.QualityFlags)
	if err != nil {
		return serr("failed to encode quality flags", err)
	}
	_, err = b.upsert.ExecContext(ctx,
		rec.Year, rec.RecordID,
		nullDate(rec.NotificationDate), nullDate(rec.OnsetDate),
		nullDate(rec.HospitalDate), nullDate(rec.OutcomeDate),
		nullStr(rec.GeoCode), nullStr(rec.Region), nullStr(rec.Sex),
		nullFloat(rec.AgeYears), nullStr(rec.AgeBand), string(rec.Outcome),
		nullBool(rec.ICUAdmitted), nullBool(rec.Ventilated),
		nullVacc(rec.VaccinationStatus),
		nullInt(rec.EpiWeek), nullInt(rec.NotifMonth),
		string(flags),
	)
	if err != nil {
		return serr(fmt.Sprintf("failed to upsert record %s", rec.RecordID), err)
	}
	return nil
}

// AddDefect writes one defect annotation.
func (b *Batch) AddDefect(ctx context.Context, d domain.DefectAnnotation) error {
	if _, err := b.addDefect.ExecContext(ctx, b.year, d.RecordID, string(d.Code), string(d.Severity)); err != nil {
		return serr("failed to insert defect", err)
	}
	return nil
}

// Commit atomically publishes the batch and invalidates the year's cache.
func (b *Batch) Commit() error {
	if b.committed || b.rolledBack {
		return nil
	}
	if err := b.tx.Commit(); err != nil {
		return serr("failed to commit batch", err)
	}
	b.committed = true
	b.store.cache.invalidate(b.year)
	return nil
}

// Rollback discards the batch. Safe to defer after Commit, and on a nil
// receiver left by a failed BeginBatch.
func (b *Batch) Rollback() error {
	if b == nil || b.committed || b.rolledBack {
		return nil
	}
	b.rolledBack = true
	return b.tx.Rollback()
}

// ClearYear removes all records and defects for a year. Used before a fresh
// validation pass so rows absent from a corrected extract do not linger.
func (s *Store) ClearYear(ctx context.Context, year int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serr("failed to begin clear", err)
	}
	for _, stmt := range []string{
		`DELETE FROM records WHERE year = ?`,
		`DELETE FROM defects WHERE year = ?`,
		`DELETE FROM ingest_stats WHERE year = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, year); err != nil {
			tx.Rollback()
			return serr("failed to clear year", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return serr("failed to commit clear", err)
	}
	s.cache.invalidate(year)
	return nil
}

// ForEachRecord streams a year's records through fn in record_id order,
// applying the optional filter. fn returning an error stops the scan.
func (s *Store) ForEachRecord(ctx context.Context, year int, filter *domain.RecordFilter, fn func(*domain.CanonicalRecord) error) error {
	query, args := buildRecordQuery(year, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return serr("failed to query records", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// QueryRecords materializes a filtered record query. The retrieval layer's
// entry point; large scans should prefer ForEachRecord.
func (s *Store) QueryRecords(ctx context.Context, year int, filter *domain.RecordFilter) ([]*domain.CanonicalRecord, error) {
	var records []*domain.CanonicalRecord
	err := s.ForEachRecord(ctx, year, filter, func(rec *domain.CanonicalRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CountRecords returns the number of persisted records for a year.
func (s *Store) CountRecords(ctx context.Context, year int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE year = ?`, year).Scan(&n)
	if err != nil {
		return 0, serr("failed to count records", err)
	}
	return n, nil
}

// DefectCounts aggregates the persisted defect annotations for a year.
func (s *Store) DefectCounts(ctx context.Context, year int) (map[domain.DefectCode]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, COUNT(*) FROM defects WHERE year = ? GROUP BY code`, year)
	if err != nil {
		return nil, serr("failed to aggregate defects", err)
	}
	defer rows.Close()

	counts := make(map[domain.DefectCode]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, serr("failed to scan defect count", err)
		}
		counts[domain.DefectCode(code)] = n
	}
	return counts, rows.Err()
}

const recordColumns = `year, record_id, notification_date, onset_date,
	hospital_date, outcome_date, geo_code, region, sex, age_years, age_band,
	outcome, icu_admitted, ventilated, vaccination_status, epi_week,
	notif_month, quality_flags`

func buildRecordQuery(year int, filter *domain.RecordFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM records WHERE year = ?`)
	args := []interface{}{year}

	if filter != nil {
		if filter.GeoCode != "" {
			sb.WriteString(` AND geo_code = ?`)
			args = append(args, filter.GeoCode)
		}
		if filter.Region != "" {
			sb.WriteString(` AND region = ?`)
			args = append(args, filter.Region)
		}
		if filter.Outcome != "" {
			sb.WriteString(` AND outcome = ?`)
			args = append(args, string(filter.Outcome))
		}
		if filter.ICUAdmitted != nil {
			sb.WriteString(` AND icu_admitted = ?`)
			args = append(args, boolToInt(*filter.ICUAdmitted))
		}
		if filter.MinAge != nil {
			sb.WriteString(` AND age_years >= ?`)
			args = append(args, *filter.MinAge)
		}
		if filter.MaxAge != nil {
			sb.WriteString(` AND age_years <= ?`)
			args = append(args, *filter.MaxAge)
		}
	}

	sb.WriteString(` ORDER BY record_id`)
	if filter != nil && filter.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}
	return sb.String(), args
}

func scanRecord(rows *sql.Rows) (*domain.CanonicalRecord, error) {
	var (
		rec        domain.CanonicalRecord
		notifDate  sql.NullString
		onsetDate  sql.NullString
		hospDate   sql.NullString
		outDate    sql.NullString
		geo        sql.NullString
		region     sql.NullString
		sex        sql.NullString
		age        sql.NullFloat64
		band       sql.NullString
		outcome    string
		icu        sql.NullInt64
		vent       sql.NullInt64
		vacc       sql.NullString
		epiWeek    sql.NullInt64
		notifMonth sql.NullInt64
		flags      sql.NullString
	)
	err := rows.Scan(&rec.Year, &rec.RecordID, &notifDate, &onsetDate,
		&hospDate, &outDate, &geo, &region, &sex, &age, &band, &outcome,
		&icu, &vent, &vacc, &epiWeek, &notifMonth, &flags)
	if err != nil {
		return nil, serr("failed to scan record", err)
	}

	rec.NotificationDate = dateFromNull(notifDate)
	rec.OnsetDate = dateFromNull(onsetDate)
	rec.HospitalDate = dateFromNull(hospDate)
	rec.OutcomeDate = dateFromNull(outDate)
	rec.GeoCode = strFromNull(geo)
	rec.Region = strFromNull(region)
	rec.Sex = strFromNull(sex)
	if age.Valid {
		rec.AgeYears = &age.Float64
	}
	rec.AgeBand = strFromNull(band)
	rec.Outcome = domain.Outcome(outcome)
	rec.ICUAdmitted = boolFromNull(icu)
	rec.Ventilated = boolFromNull(vent)
	if vacc.Valid {
		v := domain.VaccinationStatus(vacc.String)
		rec.VaccinationStatus = &v
	}
	rec.EpiWeek = intFromNull(epiWeek)
	rec.NotifMonth = intFromNull(notifMonth)
	if flags.Valid && flags.String != "" && flags.String != "null" {
		if err := json.Unmarshal([]byte(flags.String), &rec.QualityFlags); err != nil {
			return nil, serr("failed to decode quality flags", err)
		}
	}
	return &rec, nil
}

func nullDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

func nullStr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func nullBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullVacc(v *domain.VaccinationStatus) interface{} {
	if v == nil {
		return nil
	}
	return string(*v)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dateFromNull(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func strFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func boolFromNull(ni sql.NullInt64) *bool {
	if !ni.Valid {
		return nil
	}
	b := ni.Int64 != 0
	return &b
}

func intFromNull(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}
