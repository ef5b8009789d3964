package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sragetl/pkg/contracts/domain"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func intPtr(i int) *int { return &i }

func boolPtrT(b bool) *bool { return &b }

func testRecord(id string) *domain.CanonicalRecord {
	notif := time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)
	onset := time.Date(2021, 3, 10, 0, 0, 0, 0, time.UTC)
	vacc := domain.VaccinationComplete
	return &domain.CanonicalRecord{
		RecordID:          id,
		Year:              2021,
		NotificationDate:  &notif,
		OnsetDate:         &onset,
		GeoCode:           strPtr("SP"),
		Region:            strPtr("Sudeste"),
		Sex:               strPtr("male"),
		AgeYears:          floatPtr(42),
		AgeBand:           strPtr("31-50"),
		Outcome:           domain.OutcomeDeath,
		ICUAdmitted:       boolPtrT(true),
		Ventilated:        boolPtrT(false),
		VaccinationStatus: &vacc,
		EpiWeek:           intPtr(11),
		NotifMonth:        intPtr(3),
		QualityFlags:      []domain.DefectCode{domain.DefectBadDate},
	}
}

func writeRecords(t *testing.T, s *Store, recs ...*domain.CanonicalRecord) {
	t.Helper()
	batch, err := s.BeginBatch(context.Background(), 2021)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, batch.UpsertRecord(context.Background(), rec))
	}
	require.NoError(t, batch.Commit())
}

func TestStore_RecordRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	full := testRecord("2021-0000001")
	sparse := &domain.CanonicalRecord{
		RecordID: "2021-0000002",
		Year:     2021,
		Outcome:  domain.OutcomeUnknown,
	}
	writeRecords(t, s, full, sparse)

	records, err := s.QueryRecords(ctx, 2021, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[0]
	assert.Equal(t, full.RecordID, got.RecordID)
	require.NotNil(t, got.NotificationDate)
	assert.True(t, full.NotificationDate.Equal(*got.NotificationDate))
	require.NotNil(t, got.GeoCode)
	assert.Equal(t, "SP", *got.GeoCode)
	require.NotNil(t, got.AgeYears)
	assert.Equal(t, 42.0, *got.AgeYears)
	assert.Equal(t, domain.OutcomeDeath, got.Outcome)
	require.NotNil(t, got.ICUAdmitted)
	assert.True(t, *got.ICUAdmitted)
	require.NotNil(t, got.Ventilated)
	assert.False(t, *got.Ventilated)
	require.NotNil(t, got.VaccinationStatus)
	assert.Equal(t, domain.VaccinationComplete, *got.VaccinationStatus)
	require.NotNil(t, got.EpiWeek)
	assert.Equal(t, 11, *got.EpiWeek)
	assert.Equal(t, []domain.DefectCode{domain.DefectBadDate}, got.QualityFlags)

	// Sparse record: nulls stay null, they never become zero values.
	got = records[1]
	assert.Nil(t, got.NotificationDate)
	assert.Nil(t, got.GeoCode)
	assert.Nil(t, got.AgeYears)
	assert.Nil(t, got.ICUAdmitted)
	assert.Nil(t, got.VaccinationStatus)
	assert.Empty(t, got.QualityFlags)
}

func TestStore_UpsertFullyReplaces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	writeRecords(t, s, testRecord("2021-0000001"))

	replacement := &domain.CanonicalRecord{
		RecordID: "2021-0000001",
		Year:     2021,
		Outcome:  domain.OutcomeRecovered,
	}
	writeRecords(t, s, replacement)

	n, err := s.CountRecords(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := s.QueryRecords(ctx, 2021, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.OutcomeRecovered, records[0].Outcome)
	assert.Nil(t, records[0].GeoCode, "prior fields do not survive a replace")
}

func TestStore_RollbackLeavesNothingVisible(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	batch, err := s.BeginBatch(ctx, 2021)
	require.NoError(t, err)
	require.NoError(t, batch.UpsertRecord(ctx, testRecord("2021-0000001")))
	require.NoError(t, batch.Rollback())

	n, err := s.CountRecords(ctx, 2021)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Rollback after Commit is a no-op.
	batch, err = s.BeginBatch(ctx, 2021)
	require.NoError(t, err)
	require.NoError(t, batch.UpsertRecord(ctx, testRecord("2021-0000002")))
	require.NoError(t, batch.Commit())
	require.NoError(t, batch.Rollback())

	n, err = s.CountRecords(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_QueryFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sp := testRecord("2021-0000001")
	rj := testRecord("2021-0000002")
	rj.GeoCode = strPtr("RJ")
	rj.Outcome = domain.OutcomeRecovered
	rj.ICUAdmitted = boolPtrT(false)
	rj.AgeYears = floatPtr(8)
	writeRecords(t, s, sp, rj)

	tests := []struct {
		name    string
		filter  *domain.RecordFilter
		wantIDs []string
	}{
		{
			name:    "by geo code",
			filter:  &domain.RecordFilter{GeoCode: "RJ"},
			wantIDs: []string{"2021-0000002"},
		},
		{
			name:    "by outcome",
			filter:  &domain.RecordFilter{Outcome: domain.OutcomeDeath},
			wantIDs: []string{"2021-0000001"},
		},
		{
			name:    "by icu admission",
			filter:  &domain.RecordFilter{ICUAdmitted: boolPtrT(true)},
			wantIDs: []string{"2021-0000001"},
		},
		{
			name:    "by age range",
			filter:  &domain.RecordFilter{MinAge: floatPtr(0), MaxAge: floatPtr(18)},
			wantIDs: []string{"2021-0000002"},
		},
		{
			name:    "limit",
			filter:  &domain.RecordFilter{Limit: 1},
			wantIDs: []string{"2021-0000001"},
		},
		{
			name:    "no filter returns all in record order",
			wantIDs: []string{"2021-0000001", "2021-0000002"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := s.QueryRecords(ctx, 2021, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(records))
			for i, r := range records {
				ids[i] = r.RecordID
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestStore_DefectsAndClearYear(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	batch, err := s.BeginBatch(ctx, 2021)
	require.NoError(t, err)
	require.NoError(t, batch.UpsertRecord(ctx, testRecord("2021-0000001")))
	require.NoError(t, batch.AddDefect(ctx, domain.DefectAnnotation{
		RecordID: "2021-0000001", Code: domain.DefectBadDate, Severity: domain.SeverityWarning,
	}))
	require.NoError(t, batch.AddDefect(ctx, domain.DefectAnnotation{
		RecordID: "2021-0000001", Code: domain.DefectBadDate, Severity: domain.SeverityWarning,
	}))
	require.NoError(t, batch.AddDefect(ctx, domain.DefectAnnotation{
		RecordID: "2021-0000001", Code: domain.DefectUnknownGeo, Severity: domain.SeverityWarning,
	}))
	require.NoError(t, batch.Commit())

	counts, err := s.DefectCounts(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[domain.DefectBadDate])
	assert.Equal(t, 1, counts[domain.DefectUnknownGeo])

	require.NoError(t, s.SaveIngestStats(ctx, IngestStats{Year: 2021, TotalRows: 1, AcceptedRows: 1}))

	require.NoError(t, s.ClearYear(ctx, 2021))

	n, err := s.CountRecords(ctx, 2021)
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err = s.DefectCounts(ctx, 2021)
	require.NoError(t, err)
	assert.Empty(t, counts)

	stats, err := s.GetIngestStats(ctx, 2021)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestStore_QualityReportLatest(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.LatestQualityReport(ctx, 2021)
	require.NoError(t, err)
	assert.Nil(t, got, "unscored year has no report")

	first := &domain.QualityReport{
		Year: 2021, TotalRows: 100, AcceptedRows: 90, RejectedRows: 10,
		CompletenessScore: 0.8,
		DefectCounts:      map[domain.DefectCode]int{domain.DefectBadDate: 4},
		GeneratedAt:       time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveQualityReport(ctx, first))

	got, err = s.LatestQualityReport(ctx, 2021)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 90, got.AcceptedRows)
	assert.Equal(t, 4, got.DefectCounts[domain.DefectBadDate])

	// A newer report supersedes; the old one stays but the pointer moves.
	second := &domain.QualityReport{
		Year: 2021, TotalRows: 100, AcceptedRows: 95, RejectedRows: 5,
		CompletenessScore: 0.9,
		DefectCounts:      map[domain.DefectCode]int{},
		GeneratedAt:       time.Date(2021, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveQualityReport(ctx, second))

	got, err = s.LatestQualityReport(ctx, 2021)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 95, got.AcceptedRows)
	assert.InDelta(t, 0.9, got.CompletenessScore, 1e-9)
}

func TestStore_MetricSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got, err := s.LatestMetricSnapshot(ctx, 2021)
	require.NoError(t, err)
	assert.Nil(t, got)

	cfr := 0.25
	snap := &domain.MetricSnapshot{
		Year: 2021,
		Indicators: map[string]*float64{
			domain.IndicatorCaseFatalityRate:    &cfr,
			domain.IndicatorVaccinationCoverage: nil, // undefined, not zero
		},
		RecordCount:  1000,
		QualityScore: 0.85,
		GeneratedAt:  time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveMetricSnapshot(ctx, snap))

	got, err = s.LatestMetricSnapshot(ctx, 2021)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1000, got.RecordCount)
	require.NotNil(t, got.Indicator(domain.IndicatorCaseFatalityRate))
	assert.InDelta(t, 0.25, *got.Indicator(domain.IndicatorCaseFatalityRate), 1e-9)
	assert.Nil(t, got.Indicator(domain.IndicatorVaccinationCoverage))
	assert.True(t, snap.GeneratedAt.Equal(got.GeneratedAt))

	// Second read hits the cache and must be identical.
	cached, err := s.LatestMetricSnapshot(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, got, cached)
}

func TestStore_Runs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	run, err := s.GetRun(ctx, 2021)
	require.NoError(t, err)
	assert.Nil(t, run, "unrequested year has no run")

	started := time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)
	lastErr := "origin fetch failed"
	require.NoError(t, s.SaveRun(ctx, &domain.PipelineRun{
		Year:      2021,
		Status:    domain.RunStatusFailed,
		Stage:     domain.RunStatusFetching,
		LastError: &lastErr,
		Attempts:  3,
		StartedAt: started,
		UpdatedAt: started.Add(time.Minute),
	}))
	require.NoError(t, s.SaveRun(ctx, &domain.PipelineRun{
		Year:      2020,
		Status:    domain.RunStatusComplete,
		Stage:     domain.RunStatusComputing,
		StartedAt: started,
		UpdatedAt: started,
	}))

	run, err = s.GetRun(ctx, 2021)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.RunStatusFetching, run.Stage)
	require.NotNil(t, run.LastError)
	assert.Equal(t, "origin fetch failed", *run.LastError)
	assert.Equal(t, 3, run.Attempts)
	assert.True(t, started.Equal(run.StartedAt))

	// Upsert: a later save for the same year replaces the row.
	run.Status = domain.RunStatusComplete
	run.LastError = nil
	require.NoError(t, s.SaveRun(ctx, run))

	run, err = s.GetRun(ctx, 2021)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusComplete, run.Status)
	assert.Nil(t, run.LastError)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2020, runs[0].Year)
	assert.Equal(t, 2021, runs[1].Year)
}

func TestStore_Stats(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	writeRecords(t, s, testRecord("2021-0000001"), testRecord("2021-0000002"))
	require.NoError(t, s.SaveQualityReport(ctx, &domain.QualityReport{
		Year: 2021, TotalRows: 2, AcceptedRows: 2,
		CompletenessScore: 0.75,
		DefectCounts:      map[domain.DefectCode]int{},
		GeneratedAt:       time.Now().UTC(),
	}))
	require.NoError(t, s.SaveRun(ctx, &domain.PipelineRun{
		Year: 2021, Status: domain.RunStatusComplete, Stage: domain.RunStatusComputing,
		StartedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	stats, err := s.Stats(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	require.Len(t, stats.Years, 1)

	ys := stats.Years[0]
	assert.Equal(t, 2021, ys.Year)
	assert.Equal(t, 2, ys.Records)
	require.NotNil(t, ys.Quality)
	assert.InDelta(t, 0.75, *ys.Quality, 1e-9)
	assert.Equal(t, string(domain.RunStatusComplete), ys.RunStatus)
	require.NotNil(t, ys.MinNotifDate)
	assert.Equal(t, "2021-03-15", ys.MinNotifDate.Format("2006-01-02"))
}

func TestStore_FailedBeginBatchRollbackIsSafe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := s.BeginBatch(ctx, 2021)
	require.Error(t, err)
	require.Nil(t, batch)

	// The ingest writer defers Rollback before it knows whether a
	// mid-stream BeginBatch succeeded, so a nil batch must not panic.
	assert.NotPanics(t, func() { batch.Rollback() })
}
