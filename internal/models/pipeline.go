package models

import "time"

// PipelineRun correlates all step results of one pipeline execution.
// Hash is a content hash of the pipeline definition, recorded for
// provenance only; identical hashes never short-circuit re-execution.
type PipelineRun struct {
	RunID     int64
	Name      string
	Hash      string
	CreatedAt time.Time
}

// StepResult is one persisted pipeline step outcome.
type StepResult struct {
	ResultID     int64
	RunID        int64
	StepName     string
	GuardianName string
	Model        string
	Provider     string
	Inputs       map[string]any
	Outputs      any
	CreatedAt    time.Time
}
