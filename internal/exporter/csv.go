package exporter

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"sragetl/pkg/contracts/domain"
)

// indicatorOrder fixes the row order of exported indicators so files for
// different years line up.
var indicatorOrder = []string{
	domain.IndicatorCaseFatalityRate,
	domain.IndicatorICUAdmissionRate,
	domain.IndicatorVentilationRate,
	domain.IndicatorMeanLengthOfStay,
	domain.IndicatorVaccinationCoverage,
}

// Exporter writes analyst-facing report files for a year.
type Exporter struct {
	dir string
}

// New creates an exporter rooted at the export directory.
func New(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// ExportCSV writes the year's indicators and quality summary to a CSV file
// and returns its path. The UTF-8 BOM keeps Excel from mangling the file.
func (e *Exporter) ExportCSV(snapshot *domain.MetricSnapshot, report *domain.QualityReport) (string, error) {
	path := filepath.Join(e.dir, fmt.Sprintf("srag_metrics_%d.csv", snapshot.Year))

	slog.Info("writing metrics CSV",
		slog.Int("year", snapshot.Year),
		slog.String("path", path))

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return "", fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"metric", "value"}); err != nil {
		return "", fmt.Errorf("failed to write headers: %w", err)
	}
	for _, row := range summaryRows(snapshot, report) {
		if err := writer.Write(row); err != nil {
			return "", fmt.Errorf("failed to write record: %w", err)
		}
	}

	writer.Flush()
	return path, writer.Error()
}

// summaryRows flattens a snapshot and its quality report into metric/value
// pairs. Undefined indicators export as "n/a", never as zero.
func summaryRows(snapshot *domain.MetricSnapshot, report *domain.QualityReport) [][]string {
	rows := [][]string{
		{"year", strconv.Itoa(snapshot.Year)},
		{"record_count", strconv.Itoa(snapshot.RecordCount)},
		{"quality_score", formatScore(snapshot.QualityScore)},
	}
	for _, name := range indicatorOrder {
		rows = append(rows, []string{name, formatIndicator(snapshot.Indicator(name))})
	}
	if report != nil {
		rows = append(rows,
			[]string{"total_rows", strconv.Itoa(report.TotalRows)},
			[]string{"accepted_rows", strconv.Itoa(report.AcceptedRows)},
			[]string{"rejected_rows", strconv.Itoa(report.RejectedRows)},
		)
	}
	return rows
}

func formatIndicator(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
