package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"sragetl/internal/errors"
	"sragetl/pkg/contracts/domain"
)

func serr(message string, cause error) error {
	return errors.NewStorageError(message, cause)
}

// SaveQualityReport writes a new report keyed by (year, generated_at) and
// advances the year's latest pointer. Prior reports stay; reprocessing
// supersedes, it never deletes history.
func (s *Store) SaveQualityReport(ctx context.Context, r *domain.QualityReport) error {
	counts, err := json.Marshal(r.DefectCounts)
	if err != nil {
		return serr("failed to encode defect counts", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serr("failed to begin report write", err)
	}
	defer tx.Rollback()

	at := formatTime(r.GeneratedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quality_reports (year, generated_at, total_rows, accepted_rows,
			rejected_rows, completeness_score, defect_counts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Year, at, r.TotalRows, r.AcceptedRows, r.RejectedRows,
		r.CompletenessScore, string(counts)); err != nil {
		return serr("failed to insert quality report", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO latest (year, report_at) VALUES (?, ?)
		ON CONFLICT(year) DO UPDATE SET report_at=excluded.report_at`,
		r.Year, at); err != nil {
		return serr("failed to advance report pointer", err)
	}
	if err := tx.Commit(); err != nil {
		return serr("failed to commit quality report", err)
	}

	s.cache.invalidate(r.Year)
	return nil
}

// LatestQualityReport returns the year's current report, or nil when the
// year has never been scored.
func (s *Store) LatestQualityReport(ctx context.Context, year int) (*domain.QualityReport, error) {
	if r, ok := s.cache.report(year); ok {
		return r, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT q.year, q.generated_at, q.total_rows, q.accepted_rows,
			q.rejected_rows, q.completeness_score, q.defect_counts
		FROM quality_reports q
		JOIN latest l ON l.year = q.year AND l.report_at = q.generated_at
		WHERE q.year = ?`, year)

	var r domain.QualityReport
	var at, counts string
	err := row.Scan(&r.Year, &at, &r.TotalRows, &r.AcceptedRows,
		&r.RejectedRows, &r.CompletenessScore, &counts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr("failed to read quality report", err)
	}
	if r.GeneratedAt, err = parseTime(at); err != nil {
		return nil, serr("failed to parse report timestamp", err)
	}
	if err := json.Unmarshal([]byte(counts), &r.DefectCounts); err != nil {
		return nil, serr("failed to decode defect counts", err)
	}

	s.cache.putReport(year, &r)
	return &r, nil
}

// SaveMetricSnapshot writes a new immutable snapshot and advances the
// year's latest pointer.
func (s *Store) SaveMetricSnapshot(ctx context.Context, m *domain.MetricSnapshot) error {
	indicators, err := json.Marshal(m.Indicators)
	if err != nil {
		return serr("failed to encode indicators", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return serr("failed to begin snapshot write", err)
	}
	defer tx.Rollback()

	at := formatTime(m.GeneratedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO metric_snapshots (year, generated_at, indicators, record_count, quality_score)
		VALUES (?, ?, ?, ?, ?)`,
		m.Year, at, string(indicators), m.RecordCount, m.QualityScore); err != nil {
		return serr("failed to insert metric snapshot", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO latest (year, snapshot_at) VALUES (?, ?)
		ON CONFLICT(year) DO UPDATE SET snapshot_at=excluded.snapshot_at`,
		m.Year, at); err != nil {
		return serr("failed to advance snapshot pointer", err)
	}
	if err := tx.Commit(); err != nil {
		return serr("failed to commit metric snapshot", err)
	}

	s.cache.invalidate(m.Year)
	return nil
}

// LatestMetricSnapshot returns the year's current snapshot, or nil when the
// year has never been computed.
func (s *Store) LatestMetricSnapshot(ctx context.Context, year int) (*domain.MetricSnapshot, error) {
	if m, ok := s.cache.snapshot(year); ok {
		return m, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT m.year, m.generated_at, m.indicators, m.record_count, m.quality_score
		FROM metric_snapshots m
		JOIN latest l ON l.year = m.year AND l.snapshot_at = m.generated_at
		WHERE m.year = ?`, year)

	var m domain.MetricSnapshot
	var at, indicators string
	err := row.Scan(&m.Year, &at, &indicators, &m.RecordCount, &m.QualityScore)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr("failed to read metric snapshot", err)
	}
	if m.GeneratedAt, err = parseTime(at); err != nil {
		return nil, serr("failed to parse snapshot timestamp", err)
	}
	if err := json.Unmarshal([]byte(indicators), &m.Indicators); err != nil {
		return nil, serr("failed to decode indicators", err)
	}

	s.cache.putSnapshot(year, &m)
	return &m, nil
}

// IngestStats is the row accounting persisted at the end of validation so
// the scoring stage can resume without revalidating.
type IngestStats struct {
	Year         int
	TotalRows    int
	AcceptedRows int
	RejectedRows int
}

// SaveIngestStats records the year's row accounting.
func (s *Store) SaveIngestStats(ctx context.Context, st IngestStats) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_stats (year, total_rows, accepted_rows, rejected_rows)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			total_rows=excluded.total_rows,
			accepted_rows=excluded.accepted_rows,
			rejected_rows=excluded.rejected_rows`,
		st.Year, st.TotalRows, st.AcceptedRows, st.RejectedRows)
	if err != nil {
		return serr("failed to save ingest stats", err)
	}
	return nil
}

// GetIngestStats returns the year's row accounting, or nil when validation
// has never completed for it.
func (s *Store) GetIngestStats(ctx context.Context, year int) (*IngestStats, error) {
	var st IngestStats
	err := s.db.QueryRowContext(ctx,
		`SELECT year, total_rows, accepted_rows, rejected_rows FROM ingest_stats WHERE year = ?`,
		year).Scan(&st.Year, &st.TotalRows, &st.AcceptedRows, &st.RejectedRows)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr("failed to read ingest stats", err)
	}
	return &st, nil
}

// GetRun returns the pipeline run row for a year, or nil when the year has
// never been requested.
func (s *Store) GetRun(ctx context.Context, year int) (*domain.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT year, status, stage, last_error, attempts, started_at, updated_at
		FROM pipeline_runs WHERE year = ?`, year)
	return scanRun(row)
}

// SaveRun upserts the run row. The orchestrator is the only caller.
func (s *Store) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	var lastErr interface{}
	if run.LastError != nil {
		lastErr = *run.LastError
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (year, status, stage, last_error, attempts, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			status=excluded.status,
			stage=excluded.stage,
			last_error=excluded.last_error,
			attempts=excluded.attempts,
			started_at=excluded.started_at,
			updated_at=excluded.updated_at`,
		run.Year, string(run.Status), string(run.Stage), lastErr,
		run.Attempts, formatTime(run.StartedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return serr("failed to save pipeline run", err)
	}
	return nil
}

// ListRuns returns all known pipeline runs ordered by year.
func (s *Store) ListRuns(ctx context.Context) ([]*domain.PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, status, stage, last_error, attempts, started_at, updated_at
		FROM pipeline_runs ORDER BY year`)
	if err != nil {
		return nil, serr("failed to list pipeline runs", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var status, stage, startedAt, updatedAt string
	var lastErr sql.NullString
	err := row.Scan(&run.Year, &status, &stage, &lastErr, &run.Attempts, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, serr("failed to scan pipeline run", err)
	}
	run.Status = domain.RunStatus(status)
	run.Stage = domain.RunStatus(stage)
	if lastErr.Valid {
		run.LastError = &lastErr.String
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, serr("failed to parse run start time", err)
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, serr("failed to parse run update time", err)
	}
	return &run, nil
}

// YearStats summarizes one year for the stats command.
type YearStats struct {
	Year         int
	Records      int
	MinNotifDate *time.Time
	MaxNotifDate *time.Time
	Quality      *float64
	RunStatus    string
}

// DatabaseStats summarizes the whole repository.
type DatabaseStats struct {
	Years        []YearStats
	TotalRecords int
	SizeBytes    int64
}

// Stats builds per-year and whole-database statistics.
func (s *Store) Stats(ctx context.Context, dbPath string) (*DatabaseStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, COUNT(*), MIN(notification_date), MAX(notification_date)
		FROM records GROUP BY year ORDER BY year`)
	if err != nil {
		return nil, serr("failed to aggregate records", err)
	}
	defer rows.Close()

	stats := &DatabaseStats{}
	for rows.Next() {
		var ys YearStats
		var minDate, maxDate sql.NullString
		if err := rows.Scan(&ys.Year, &ys.Records, &minDate, &maxDate); err != nil {
			return nil, serr("failed to scan year stats", err)
		}
		ys.MinNotifDate = dateFromNull(minDate)
		ys.MaxNotifDate = dateFromNull(maxDate)
		stats.Years = append(stats.Years, ys)
		stats.TotalRecords += ys.Records
	}
	if err := rows.Err(); err != nil {
		return nil, serr("failed to iterate year stats", err)
	}

	for i := range stats.Years {
		year := stats.Years[i].Year
		if report, err := s.LatestQualityReport(ctx, year); err == nil && report != nil {
			score := report.CompletenessScore
			stats.Years[i].Quality = &score
		}
		if run, err := s.GetRun(ctx, year); err == nil && run != nil {
			stats.Years[i].RunStatus = string(run.Status)
		}
	}

	if info, err := os.Stat(dbPath); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}
