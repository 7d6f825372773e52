package models

import (
	"fmt"
	"time"
)

// Mode selects which part of the pipeline a task runs.
type Mode string

const (
	ModeFull         Mode = "full"
	ModeReindex      Mode = "reindex"
	ModeRuleTestOnly Mode = "rule-test-only"
	ModeIOCHuntOnly  Mode = "ioc-hunt-only"
)

// ParseMode validates an operation mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeReindex, ModeRuleTestOnly, ModeIOCHuntOnly:
		return m, nil
	}
	return "", fmt.Errorf("unknown operation mode %q", s)
}

// Task is the queued unit of work: one (file, mode) pair with its task ID.
type Task struct {
	TaskID     string    `json:"task_id"`
	FileID     int64     `json:"file_id"`
	CaseID     int64     `json:"case_id"`
	Mode       Mode      `json:"mode"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Step names reported in results.
const (
	StepClaim     = "claim"
	StepDedup     = "dedup"
	StepIndexing  = "indexing"
	StepRuleTest  = "rule_testing"
	StepIOCHunt   = "ioc_hunting"
	StepFinalize  = "finalize"
	StepPreClear  = "pre_clear"
	StepEnqueue   = "enqueue"
	StepIngestion = "ingestion"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
	StepRefused StepStatus = "refused"
)

// StepResult is one entry of the step-annotated result.
type StepResult struct {
	Name     string           `json:"name"`
	Status   StepStatus       `json:"status"`
	Duration time.Duration    `json:"duration"`
	Counters map[string]int64 `json:"counters,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Outcome summarizes what a dispatch did.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // Pipeline ran to Completed
	OutcomePartial   Outcome = "partial"   // Completed with a failed detection pass
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"  // Duplicate or zero events
	OutcomeRefused   Outcome = "refused"  // Safety valve or precondition refused the run
	OutcomeNoop      Outcome = "noop"     // Stale or duplicate delivery
	OutcomeEnqueued  Outcome = "enqueued" // Coordinator handed the task to the queue
)

// Result is the ordered, step-annotated report of one dispatch.
type Result struct {
	TaskID      string        `json:"task_id,omitempty"`
	FileID      int64         `json:"file_id"`
	Mode        Mode          `json:"mode"`
	Outcome     Outcome       `json:"outcome"`
	FinalStatus FileStatus    `json:"final_status,omitempty"`
	Message     string        `json:"message,omitempty"`
	Steps       []StepResult  `json:"steps"`
	Duration    time.Duration `json:"duration"`
}

// AddStep appends a step result.
func (r *Result) AddStep(s StepResult) {
	r.Steps = append(r.Steps, s)
}

// Step returns the first step with the given name.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}
