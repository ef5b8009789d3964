package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sragetl/internal/errors"
	"sragetl/internal/infrastructure"
	"sragetl/internal/metrics"
	"sragetl/internal/schema"
	"sragetl/internal/store"
	"sragetl/internal/validate"
	"sragetl/pkg/contracts/domain"
)

type indexedRow struct {
	idx int
	row []string
}

// stageValidate streams the extract through a validation worker pool into
// transactional record batches. Rows are independent, so workers share
// nothing but the channels; a single writer keeps batch commits atomic.
func (m *Manager) stageValidate(ctx context.Context, rc *runContext) error {
	if err := m.ensureMapping(ctx, rc); err != nil {
		return err
	}
	// A fresh pass replaces the year wholesale so rows absent from a
	// corrected extract do not linger.
	if err := m.store.ClearYear(ctx, rc.year); err != nil {
		return err
	}

	file, err := os.Open(rc.extractPath)
	if err != nil {
		return errors.NewSourceUnavailableError(rc.year, err)
	}
	defer file.Close()

	extract, err := schema.OpenExtract(file, rc.mapping.Layout)
	if err != nil {
		return errors.NewSourceUnavailableError(rc.year, err)
	}

	validator := validate.New(rc.mapping)
	workers := m.cfg.ValidationWorkers
	if workers < 1 {
		workers = 1
	}
	batchSize := m.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}

	var totalRows, rejectedRows atomic.Int64
	acceptedRows := 0

	rowsCh := make(chan indexedRow, 4*workers)
	resCh := make(chan *validate.Result, 4*workers)

	g, gctx := errgroup.WithContext(ctx)

	// Reader: streams data rows, accounting rows the csv layer cannot
	// split as rejected.
	g.Go(func() error {
		defer close(rowsCh)
		idx := 0
		for {
			row, err := extract.Next()
			if err == io.EOF {
				return nil
			}
			idx++
			totalRows.Add(1)
			if err != nil {
				rejectedRows.Add(1)
				slog.DebugContext(gctx, "unparseable row skipped",
					slog.Int("year", rc.year),
					slog.Int("row", idx),
					slog.String("error", err.Error()))
				continue
			}
			select {
			case rowsCh <- indexedRow{idx: idx, row: row}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var workerWG sync.WaitGroup
	workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			defer workerWG.Done()
			for ir := range rowsCh {
				res, err := validator.Validate(ir.row, ir.idx)
				if err != nil {
					// Malformed row: skipped, accounted, never fatal
					// for the run.
					rejectedRows.Add(1)
					continue
				}
				select {
				case resCh <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workerWG.Wait()
		close(resCh)
	}()

	// Writer: one goroutine owns the batches so each chunk of rows is
	// fully committed or not committed at all.
	g.Go(func() error {
		batch, err := m.store.BeginBatch(gctx, rc.year)
		if err != nil {
			return err
		}
		defer func() { batch.Rollback() }()

		inBatch := 0
		for res := range resCh {
			if err := batch.UpsertRecord(gctx, res.Record); err != nil {
				return err
			}
			for _, d := range res.Defects {
				if err := batch.AddDefect(gctx, d); err != nil {
					return err
				}
			}
			acceptedRows++
			inBatch++
			if inBatch >= batchSize {
				if err := batch.Commit(); err != nil {
					return err
				}
				if batch, err = m.store.BeginBatch(gctx, rc.year); err != nil {
					return err
				}
				inBatch = 0
			}
		}
		return batch.Commit()
	})

	if err := g.Wait(); err != nil {
		return err
	}

	total := int(totalRows.Load())
	rejected := int(rejectedRows.Load())

	infrastructure.LoggerWithContext(ctx).InfoContext(ctx, "validation finished",
		slog.Int("year", rc.year),
		slog.Int("total_rows", total),
		slog.Int("accepted_rows", acceptedRows),
		slog.Int("rejected_rows", rejected))

	if total > 0 && float64(rejected)/float64(total) > m.cfg.MaxRejectedFraction {
		return errors.NewQualityGateError(rc.year, rejected, total, m.cfg.MaxRejectedFraction)
	}

	return m.store.SaveIngestStats(ctx, store.IngestStats{
		Year:         rc.year,
		TotalRows:    total,
		AcceptedRows: acceptedRows,
		RejectedRows: rejected,
	})
}

// stageScore replays the persisted records and defect counts through the
// quality accumulator. Reading back from the repository, rather than from
// in-memory validation output, is what lets a run failed here resume
// without revalidating.
func (m *Manager) stageScore(ctx context.Context, rc *runContext) error {
	stats, err := m.store.GetIngestStats(ctx, rc.year)
	if err != nil {
		return err
	}
	if stats == nil {
		return errors.NewStorageError("no ingest accounting for year; validation has not completed", nil).
			WithContext("year", rc.year)
	}

	acc := m.scorer.NewAccumulator(rc.year)
	err = m.store.ForEachRecord(ctx, rc.year, nil, func(rec *domain.CanonicalRecord) error {
		acc.AddRecord(rec)
		return nil
	})
	if err != nil {
		return err
	}

	counts, err := m.store.DefectCounts(ctx, rc.year)
	if err != nil {
		return err
	}
	for code, n := range counts {
		acc.AddDefectCount(code, n)
	}

	report := acc.Report(stats.TotalRows, stats.AcceptedRows, time.Now())
	return m.store.SaveQualityReport(ctx, report)
}

// stageCompute reads the validated records back and writes a new immutable
// metric snapshot.
func (m *Manager) stageCompute(ctx context.Context, rc *runContext) error {
	report, err := m.store.LatestQualityReport(ctx, rc.year)
	if err != nil {
		return err
	}
	if report == nil {
		return errors.NewStorageError("no quality report for year; scoring has not completed", nil).
			WithContext("year", rc.year)
	}

	acc := metrics.NewAccumulator(rc.year)
	err = m.store.ForEachRecord(ctx, rc.year, nil, func(rec *domain.CanonicalRecord) error {
		acc.Add(rec)
		return nil
	})
	if err != nil {
		return err
	}

	return m.store.SaveMetricSnapshot(ctx, acc.Snapshot(report.CompletenessScore, time.Now()))
}

// ValidationSummary is the result of a validate-only pass: full accounting,
// no writes.
type ValidationSummary struct {
	Year         int
	TotalRows    int
	AcceptedRows int
	RejectedRows int
	DefectCounts map[domain.DefectCode]int
}

// ValidateOnly fetches, maps and validates a year without loading anything
// into the repository.
func (m *Manager) ValidateOnly(ctx context.Context, year int) (*ValidationSummary, error) {
	if err := m.acquire(year); err != nil {
		return nil, err
	}
	defer m.release(year)

	rc := &runContext{year: year}
	if err := m.ensureMapping(ctx, rc); err != nil {
		return nil, err
	}

	file, err := os.Open(rc.extractPath)
	if err != nil {
		return nil, errors.NewSourceUnavailableError(year, err)
	}
	defer file.Close()

	extract, err := schema.OpenExtract(file, rc.mapping.Layout)
	if err != nil {
		return nil, errors.NewSourceUnavailableError(year, err)
	}

	validator := validate.New(rc.mapping)
	summary := &ValidationSummary{
		Year:         year,
		DefectCounts: make(map[domain.DefectCode]int),
	}

	idx := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancellationError(string(domain.RunStatusValidating))
		}
		row, err := extract.Next()
		if err == io.EOF {
			break
		}
		idx++
		summary.TotalRows++
		if err != nil {
			summary.RejectedRows++
			continue
		}
		res, err := validator.Validate(row, idx)
		if err != nil {
			summary.RejectedRows++
			continue
		}
		summary.AcceptedRows++
		for _, d := range res.Defects {
			summary.DefectCounts[d.Code]++
		}
	}
	return summary, nil
}
