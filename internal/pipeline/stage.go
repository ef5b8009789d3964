// Package pipeline sequences the per-year ETL stages and owns the
// orchestration state machine. Stage progress is persisted after every
// transition, so a failed run resumes at the failed stage, never from the
// start.
package pipeline

import (
	"context"
	"os"

	"sragetl/internal/errors"
	"sragetl/internal/schema"
	"sragetl/pkg/contracts/domain"
)

// stageOrder is the forward path of the run state machine. `failed` is
// reachable from any of these; `complete` follows the last.
var stageOrder = []domain.RunStatus{
	domain.RunStatusFetching,
	domain.RunStatusMapping,
	domain.RunStatusValidating,
	domain.RunStatusScoring,
	domain.RunStatusComputing,
}

// stageIndex returns the position of a stage in the forward path, or 0 so
// unknown stages restart from fetching.
func stageIndex(stage domain.RunStatus) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return 0
}

// runContext carries the transient artifacts a run accumulates while moving
// through its stages. Resumed runs start with an empty context; each stage
// re-derives what it needs from the cache and the repository, which is what
// keeps resumption data-driven.
type runContext struct {
	year        int
	force       bool
	extractPath string
	mapping     *schema.Mapping
}

// ensureExtract makes sure the run has a verified local extract. Served
// from cache when the fetching stage already ran; only a missing or corrupt
// cache goes back to the origin.
func (m *Manager) ensureExtract(ctx context.Context, rc *runContext) error {
	if rc.extractPath != "" {
		return nil
	}
	path, err := m.fetcher.Fetch(ctx, rc.year)
	if err != nil {
		return err
	}
	rc.extractPath = path
	return nil
}

// ensureMapping resolves the year's schema mapping from the extract header.
func (m *Manager) ensureMapping(ctx context.Context, rc *runContext) error {
	if rc.mapping != nil {
		return nil
	}
	if err := m.ensureExtract(ctx, rc); err != nil {
		return err
	}

	file, err := os.Open(rc.extractPath)
	if err != nil {
		return errors.NewSourceUnavailableError(rc.year, err)
	}
	defer file.Close()

	layout, err := m.table.Layout(rc.year)
	if err != nil {
		return err
	}
	extract, err := schema.OpenExtract(file, layout)
	if err != nil {
		return errors.NewUnmappableSchemaError(rc.year, "").
			WithContext("cause", err.Error())
	}
	mapping, err := m.table.Resolve(rc.year, extract.Header())
	if err != nil {
		return err
	}
	rc.mapping = mapping
	return nil
}

func (m *Manager) stageFetch(ctx context.Context, rc *runContext) error {
	return m.ensureExtract(ctx, rc)
}

func (m *Manager) stageMap(ctx context.Context, rc *runContext) error {
	return m.ensureMapping(ctx, rc)
}
