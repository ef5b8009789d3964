package exporter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"

	"sragetl/pkg/contracts/domain"
)

// ExportWorkbook writes the year's indicators and quality report to an xlsx
// workbook with one sheet per concern and returns its path.
func (e *Exporter) ExportWorkbook(snapshot *domain.MetricSnapshot, report *domain.QualityReport) (string, error) {
	path := filepath.Join(e.dir, fmt.Sprintf("srag_report_%d.xlsx", snapshot.Year))

	slog.Info("writing report workbook",
		slog.Int("year", snapshot.Year),
		slog.String("path", path))

	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const indicatorSheet = "Indicators"
	if err := f.SetSheetName("Sheet1", indicatorSheet); err != nil {
		return "", fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := writeIndicatorSheet(f, indicatorSheet, snapshot); err != nil {
		return "", err
	}
	if report != nil {
		if err := writeQualitySheet(f, report); err != nil {
			return "", err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	return path, nil
}

func writeIndicatorSheet(f *excelize.File, sheet string, snapshot *domain.MetricSnapshot) error {
	rows := [][]interface{}{
		{"metric", "value"},
		{"year", snapshot.Year},
		{"record_count", snapshot.RecordCount},
		{"quality_score", snapshot.QualityScore},
	}
	for _, name := range indicatorOrder {
		if v := snapshot.Indicator(name); v != nil {
			rows = append(rows, []interface{}{name, *v})
		} else {
			rows = append(rows, []interface{}{name, "n/a"})
		}
	}
	rows = append(rows, []interface{}{"generated_at", snapshot.GeneratedAt.Format("2006-01-02 15:04:05")})
	return writeRows(f, sheet, rows)
}

func writeQualitySheet(f *excelize.File, report *domain.QualityReport) error {
	const sheet = "Quality"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	rows := [][]interface{}{
		{"metric", "value"},
		{"total_rows", report.TotalRows},
		{"accepted_rows", report.AcceptedRows},
		{"rejected_rows", report.RejectedRows},
		{"completeness_score", report.CompletenessScore},
	}

	codes := make([]string, 0, len(report.DefectCounts))
	for code := range report.DefectCounts {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)
	for _, code := range codes {
		rows = append(rows, []interface{}{
			"defect:" + code,
			report.DefectCounts[domain.DefectCode(code)],
		})
	}
	return writeRows(f, sheet, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to address row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	return nil
}
