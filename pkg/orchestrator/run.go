// Package orchestrator drives compiled plans through their execution
// lifecycle: validation, the approval gate, capability issuance, tool
// invocation with bounded retries, and receipt emission. Transitions are
// serialized per run; parallelism exists across runs, not within one.
package orchestrator

import (
	"encoding/json"
	"time"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	StatusPending          RunStatus = "Pending"
	StatusValidating       RunStatus = "Validating"
	StatusAwaitingApproval RunStatus = "AwaitingApproval"
	StatusRunning          RunStatus = "Running"
	StatusPaused           RunStatus = "Paused"
	StatusSucceeded        RunStatus = "Succeeded"
	StatusFailed           RunStatus = "Failed"
	StatusCancelled        RunStatus = "Cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// transitions is the full set of legal status edges. Every persisted
// status change goes through canTransition; anything else is a bug.
var transitions = map[RunStatus][]RunStatus{
	StatusPending:          {StatusValidating, StatusCancelled},
	StatusValidating:       {StatusAwaitingApproval, StatusRunning, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:          {StatusPaused, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusPaused:           {StatusRunning, StatusFailed, StatusCancelled},
}

func canTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepResult is the recorded outcome of one executed step.
type StepResult struct {
	Step       string          `json:"step"`
	Tool       string          `json:"tool"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMS int64           `json:"duration_ms"`
}

// Progress tracks step completion for status polling.
type Progress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
}

// Run is one execution of a compiled plan. ApprovalIDs and ReceiptID point
// outward; approvals and receipts never point back into the run.
type Run struct {
	RunID           string         `json:"run_id"`
	TenantID        string         `json:"tenant_id"`
	PlanHash        string         `json:"plan_hash"`
	CapsuleRef      string         `json:"capsule_ref,omitempty"`
	Engine          string         `json:"engine"`
	Status          RunStatus      `json:"status"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	RequireApproval bool           `json:"require_approval,omitempty"`
	ApprovalIDs     []string       `json:"approval_ids,omitempty"`
	ReceiptID       string         `json:"receipt_id,omitempty"`
	TokenID         string         `json:"capability_token_jti,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	Progress        Progress       `json:"progress"`
	Results         []StepResult   `json:"results,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Version         int            `json:"version"`
}

// ExecutionObserver receives lifecycle hooks. Observers run inline on the
// run's actor goroutine and must not block.
type ExecutionObserver interface {
	RunTransitioned(run *Run, from, to RunStatus)
	StepCompleted(run *Run, result StepResult)
}
