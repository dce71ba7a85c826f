// Package ghostrun simulates compiled plans against mock tools without
// external side effects, producing a risk and feasibility report before
// anything real runs.
package ghostrun

import (
	"time"
)

// StepStatus is the simulated outcome of a single step.
type StepStatus string

const (
	StepSimulated StepStatus = "Simulated"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
	StepCancelled StepStatus = "Cancelled"
)

// IssueSeverity grades findings. A Critical issue makes the plan infeasible.
type IssueSeverity string

const (
	SeverityWarning  IssueSeverity = "WARNING"
	SeverityCritical IssueSeverity = "CRITICAL"
)

// Issue is a finding raised during simulation.
type Issue struct {
	Severity IssueSeverity `json:"severity"`
	Step     string        `json:"step,omitempty"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
}

// StepOutcome records one simulated step.
type StepOutcome struct {
	Name      string     `json:"name"`
	Tool      string     `json:"tool"`
	Status    StepStatus `json:"status"`
	Risk      string     `json:"risk,omitempty"`
	LatencyMS int64      `json:"latency_ms"`
	Response  any        `json:"response,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// PreflightReport is the immutable simulation result, bound to exactly one
// plan hash.
type PreflightReport struct {
	ReportID            string        `json:"report_id"`
	RunID               string        `json:"run_id,omitempty"`
	PlanHash            string        `json:"plan_hash"`
	TenantID            string        `json:"tenant_id"`
	OverallRisk         string        `json:"overall_risk"`
	Feasible            bool          `json:"feasible"`
	SuccessProbability  float64       `json:"success_probability"`
	EstimatedDurationMS int64         `json:"estimated_duration_ms"`
	EstimatedCostUnits  float64       `json:"estimated_cost_units"`
	Steps               []StepOutcome `json:"steps"`
	Issues              []Issue       `json:"issues,omitempty"`
	Recommendations     []string      `json:"recommendations,omitempty"`
	SimulatedAt         time.Time     `json:"simulated_at"`
}

// CriticalIssues filters issues at Critical severity.
func (r *PreflightReport) CriticalIssues() []Issue {
	var out []Issue
	for _, iss := range r.Issues {
		if iss.Severity == SeverityCritical {
			out = append(out, iss)
		}
	}
	return out
}
