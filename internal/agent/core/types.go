package core

import (
	"errors"
)

// PlannedAction is one model-backed decision: which capability to invoke next
// and with what arguments. Produced fresh each planning step and consumed
// immediately by execution.
type PlannedAction struct {
	Capability string                 `json:"capability"`
	Arguments  map[string]interface{} `json:"arguments"`
	Rationale  string                 `json:"rationale,omitempty"`
}

// Step pairs a planned action with the observation produced by executing it.
// The step sequence is owned exclusively by one loop run.
type Step struct {
	Action      PlannedAction `json:"action"`
	Observation string        `json:"observation"`
}

// RunResult is produced once per loop termination.
type RunResult struct {
	ReturnValues map[string]interface{} `json:"return_values"`
	Log          string                 `json:"log"`
	Steps        []Step                 `json:"steps"`
}

// RubricItem is one unit of grading work. Supplied externally; read-only to
// the core. The prompt template contains a {{submission}} placeholder.
type RubricItem struct {
	ID             string  `json:"id"`
	Description    string  `json:"description"`
	MaxScore       float64 `json:"max_score"`
	PromptTemplate string  `json:"prompt_template"`
	Weight         float64 `json:"weight,omitempty"`
}

// Dispatch outcome statuses.
const (
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

// DispatchOutcome records one rubric item's terminal result. Duration is
// wall-clock seconds; raw nanosecond counts are meaningless to API consumers.
type DispatchOutcome struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
	Feedback string  `json:"feedback"`
	Duration float64 `json:"duration"`
	Status   string  `json:"status"` // completed, timeout, error
}

// RubricReport aggregates all dispatch outcomes.
type RubricReport struct {
	Outcomes   []DispatchOutcome `json:"outcomes"`
	TotalScore float64           `json:"total_score"`
	MaxScore   float64           `json:"max_score"`
	Percentage float64           `json:"percentage"`
}

// ErrNoCapabilities indicates planning was attempted against an empty
// capability catalog. The loop fails fast before issuing any model call.
var ErrNoCapabilities = errors.New("no capabilities registered")
