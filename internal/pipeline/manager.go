package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sragetl/internal/config"
	"sragetl/internal/errors"
	"sragetl/internal/fetch"
	"sragetl/internal/infrastructure"
	"sragetl/internal/quality"
	"sragetl/internal/schema"
	"sragetl/internal/store"
	"sragetl/pkg/contracts/domain"
)

// Manager orchestrates per-year pipeline runs. It is the single writer of
// PipelineRun state and enforces at-most-one active run per year.
type Manager struct {
	store   *store.Store
	fetcher *fetch.Fetcher
	table   *schema.Table
	scorer  *quality.Scorer
	cfg     config.PipelineConfig

	mu     sync.Mutex
	active map[int]bool
}

// NewManager wires the pipeline over its collaborators.
func NewManager(st *store.Store, fetcher *fetch.Fetcher, table *schema.Table, cfg config.PipelineConfig) *Manager {
	return &Manager{
		store:   st,
		fetcher: fetcher,
		table:   table,
		scorer:  quality.NewScorer(table.CanonicalFields),
		cfg:     cfg,
		active:  make(map[int]bool),
	}
}

// Run executes (or resumes) the pipeline for one year and returns the
// resulting metric snapshot. Re-requesting a complete year without force is
// a no-op returning the existing snapshot. Force resets the run to pending
// and supersedes prior reports and snapshots; it never deletes them.
func (m *Manager) Run(ctx context.Context, year int, force bool) (*domain.MetricSnapshot, error) {
	if err := m.acquire(year); err != nil {
		return nil, err
	}
	defer m.release(year)

	ctx = infrastructure.EnsureTraceID(ctx)
	logger := infrastructure.LoggerWithContext(ctx)

	run, err := m.store.GetRun(ctx, year)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if run == nil {
		run = &domain.PipelineRun{
			Year:      year,
			Status:    domain.RunStatusPending,
			Stage:     domain.RunStatusPending,
			StartedAt: now,
			UpdatedAt: now,
		}
	}

	if run.Status == domain.RunStatusComplete && !force {
		logger.InfoContext(ctx, "year already complete",
			slog.Int("year", year))
		return m.latestSnapshot(ctx, year)
	}

	rc := &runContext{year: year, force: force}
	start := 0
	switch {
	case force:
		run.Status = domain.RunStatusPending
		run.Stage = domain.RunStatusPending
		run.LastError = nil
		run.Attempts = 0
		run.StartedAt = now
		if err := m.fetcher.Invalidate(year); err != nil {
			return nil, errors.NewStorageError("failed to invalidate cached extract", err)
		}
	case run.Status == domain.RunStatusFailed:
		// Resume at the failed stage, not from the start.
		start = stageIndex(run.Stage)
		logger.InfoContext(ctx, "resuming failed run",
			slog.Int("year", year),
			slog.String("stage", string(run.Stage)))
	}

	for i := start; i < len(stageOrder); i++ {
		stage := stageOrder[i]
		if err := m.runStage(ctx, run, rc, stage); err != nil {
			return nil, err
		}
	}

	run.Status = domain.RunStatusComplete
	run.Stage = domain.RunStatusComplete
	run.LastError = nil
	run.UpdatedAt = time.Now()
	if err := m.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "year complete", slog.Int("year", year))
	return m.latestSnapshot(ctx, year)
}

// latestSnapshot reads the year's current snapshot. A complete run with no
// snapshot behind it is reported as not found, never as a nil result.
func (m *Manager) latestSnapshot(ctx context.Context, year int) (*domain.MetricSnapshot, error) {
	snapshot, err := m.store.LatestMetricSnapshot(ctx, year)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("metric snapshot for year %d", year))
	}
	return snapshot, nil
}

// RunYears executes runs for several years concurrently. Years are fully
// independent; the limit bounds parallel runs.
func (m *Manager) RunYears(ctx context.Context, years []int, force bool) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.MaxConcurrentYears
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for _, year := range years {
		year := year
		g.Go(func() error {
			_, err := m.Run(gctx, year, force)
			return err
		})
	}
	return g.Wait()
}

// Status returns the run state for all known years.
func (m *Manager) Status(ctx context.Context) ([]*domain.PipelineRun, error) {
	return m.store.ListRuns(ctx)
}

// runStage drives one stage with in-place retries, persisting every
// transition so the run is resumable after a crash.
func (m *Manager) runStage(ctx context.Context, run *domain.PipelineRun, rc *runContext, stage domain.RunStatus) error {
	logger := infrastructure.LoggerWithContext(ctx)

	run.Status = stage
	run.Stage = stage
	run.UpdatedAt = time.Now()
	if err := m.store.SaveRun(ctx, run); err != nil {
		return err
	}

	attempts := m.cfg.StageAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return m.failRun(ctx, run, stage, errors.NewCancellationError(string(stage)))
		}

		logger.InfoContext(ctx, "stage start",
			slog.Int("year", run.Year),
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempt))

		err := m.execute(ctx, rc, stage)
		if err == nil {
			run.Attempts = 0
			run.UpdatedAt = time.Now()
			return m.store.SaveRun(ctx, run)
		}
		lastErr = err
		run.Attempts = attempt
		run.UpdatedAt = time.Now()
		if serr := m.store.SaveRun(ctx, run); serr != nil {
			return serr
		}

		logger.WarnContext(ctx, "stage attempt failed",
			slog.Int("year", run.Year),
			slog.String("stage", string(stage)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if !retryable(err) {
			break
		}
	}

	return m.failRun(ctx, run, stage, lastErr)
}

func (m *Manager) execute(ctx context.Context, rc *runContext, stage domain.RunStatus) error {
	switch stage {
	case domain.RunStatusFetching:
		return m.stageFetch(ctx, rc)
	case domain.RunStatusMapping:
		return m.stageMap(ctx, rc)
	case domain.RunStatusValidating:
		return m.stageValidate(ctx, rc)
	case domain.RunStatusScoring:
		return m.stageScore(ctx, rc)
	case domain.RunStatusComputing:
		return m.stageCompute(ctx, rc)
	default:
		return errors.NewAppError(errors.ErrTypeConfig, "unknown pipeline stage", nil).
			WithContext("stage", string(stage))
	}
}

// failRun records the failure with enough detail to resume: the stage stays
// on the run row, the status moves to failed.
func (m *Manager) failRun(ctx context.Context, run *domain.PipelineRun, stage domain.RunStatus, cause error) error {
	msg := cause.Error()
	run.Status = domain.RunStatusFailed
	run.Stage = stage
	run.LastError = &msg
	run.UpdatedAt = time.Now()
	if err := m.store.SaveRun(ctx, run); err != nil {
		infrastructure.LoggerWithContext(ctx).ErrorContext(ctx, "failed to persist run failure",
			slog.Int("year", run.Year),
			slog.String("error", err.Error()))
	}
	return cause
}

// retryable reports whether an in-place stage retry can help. Schema and
// quality-gate failures need a configuration or data fix, not a retry; the
// fetcher already retried network errors internally.
func retryable(err error) bool {
	switch errors.TypeOf(err) {
	case errors.ErrTypeUnmappableSchema,
		errors.ErrTypeQualityGate,
		errors.ErrTypeSourceUnavailable,
		errors.ErrTypeCancelled:
		return false
	}
	return true
}

func (m *Manager) acquire(year int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[year] {
		return errors.NewRunActiveError(year)
	}
	m.active[year] = true
	return nil
}

func (m *Manager) release(year int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, year)
}
