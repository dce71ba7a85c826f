// Package plancompiler turns a validated Capsule into a deterministic,
// content-addressed ExecutablePlan. The plan hash is the contract between
// preview and execution: identical compiled output hashes identically
// across processes and time.
package plancompiler

import (
	"time"

	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/errs"
)

// ExecutablePlan is the compiled, immutable form of a capsule.
type ExecutablePlan struct {
	PlanHash        string          `json:"plan_hash"`
	TenantID        string          `json:"tenant_id"`
	CapsuleRef      string          `json:"capsule_ref"` // name@version
	Flows           []Wave          `json:"flows"`
	ToolAllowlist   []string        `json:"tool_allowlist"`
	SecurityContext SecurityContext `json:"security_context"`
	CompiledAt      time.Time       `json:"compiled_at"` // excluded from the hash
}

// Wave is a batch of steps with no mutual data dependency; waves execute in
// order, steps within a wave may run in parallel.
type Wave struct {
	Index int            `json:"index"`
	Steps []CompiledStep `json:"steps"`
}

// CompiledStep is an executable step with its resource envelope.
type CompiledStep struct {
	Name             string           `json:"name"`
	Tool             string           `json:"tool"`
	Parameters       map[string]any   `json:"parameters,omitempty"`
	DependsOn        []string         `json:"depends_on,omitempty"`
	RequiresApproval bool             `json:"requires_approval,omitempty"`
	Risk             string           `json:"risk,omitempty"`
	TimeoutSeconds   int              `json:"timeout_seconds,omitempty"`
	MaxRetries       int              `json:"max_retries,omitempty"`
	Envelope         ResourceEnvelope `json:"envelope"`
}

// ResourceEnvelope is the estimated cost of a step.
type ResourceEnvelope struct {
	EstimatedDurationMS int64   `json:"estimated_duration_ms"`
	EstimatedCostUnits  float64 `json:"estimated_cost_units"`
}

// SecurityContext captures the authority the plan executes under.
type SecurityContext struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	RequiresApproval     bool     `json:"requires_approval"`
	MaxRisk              string   `json:"max_risk"`
}

// hashablePlan is the exact payload bound by the plan hash: compiled
// definition + tool allowlist + security context. No timestamps.
type hashablePlan struct {
	CapsuleRef      string          `json:"capsule_ref"`
	Flows           []Wave          `json:"flows"`
	ToolAllowlist   []string        `json:"tool_allowlist"`
	SecurityContext SecurityContext `json:"security_context"`
}

// ComputeHash fills PlanHash from the canonical compiled payload.
func (p *ExecutablePlan) ComputeHash() error {
	sum, err := canonicalize.Hash(hashablePlan{
		CapsuleRef:      p.CapsuleRef,
		Flows:           p.Flows,
		ToolAllowlist:   p.ToolAllowlist,
		SecurityContext: p.SecurityContext,
	})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "PLAN_HASH_FAILED", "plan hash", err)
	}
	p.PlanHash = sum
	return nil
}

// EstimatedDuration is the critical-path duration across waves: the sum of
// each wave's slowest step.
func (p *ExecutablePlan) EstimatedDuration() time.Duration {
	var total int64
	for _, wave := range p.Flows {
		var slowest int64
		for _, step := range wave.Steps {
			if step.Envelope.EstimatedDurationMS > slowest {
				slowest = step.Envelope.EstimatedDurationMS
			}
		}
		total += slowest
	}
	return time.Duration(total) * time.Millisecond
}

// Steps returns all compiled steps in wave order.
func (p *ExecutablePlan) Steps() []CompiledStep {
	var out []CompiledStep
	for _, wave := range p.Flows {
		out = append(out, wave.Steps...)
	}
	return out
}

// AllowsTool reports membership in the tool allowlist.
func (p *ExecutablePlan) AllowsTool(tool string) bool {
	for _, t := range p.ToolAllowlist {
		if t == tool {
			return true
		}
	}
	return false
}

// riskRank orders risk levels for max aggregation.
func riskRank(risk string) int {
	switch risk {
	case "CRITICAL":
		return 4
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	default:
		return 0
	}
}

// maxRisk returns the higher of two risk levels.
func maxRisk(a, b string) string {
	if riskRank(b) > riskRank(a) {
		return b
	}
	return a
}
