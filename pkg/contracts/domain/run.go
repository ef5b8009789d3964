package domain

import (
	"time"
)

// RunStatus is the orchestration state of one year's pipeline run. The
// non-terminal values double as stage identifiers: a failed run records the
// stage it failed at and resumes there on the next invocation.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusFetching   RunStatus = "fetching"
	RunStatusMapping    RunStatus = "mapping"
	RunStatusValidating RunStatus = "validating"
	RunStatusScoring    RunStatus = "scoring"
	RunStatusComputing  RunStatus = "computing"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete
}

// PipelineRun tracks orchestration state for one year. The orchestrator is
// its only writer.
type PipelineRun struct {
	Year      int       `json:"year"`
	Status    RunStatus `json:"status"`
	Stage     RunStatus `json:"stage"`
	LastError *string   `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
