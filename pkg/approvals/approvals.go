// Package approvals bridges execution-time clarifications to a human
// approval workflow: quorum policies, deadlines with escalation, delegation
// and a full audit trail per transition.
package approvals

import (
	"time"
)

// Status is the approval step state. Terminal states never change again.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusExpired    Status = "Expired"
	StatusEscalated  Status = "Escalated"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Open reports whether the step still accepts decisions.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusEscalated
}

// Quorum selects how many approvers must agree.
type Quorum string

const (
	QuorumAll Quorum = "all"
	QuorumAny Quorum = "any"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Clarification is the orchestrator's request for a human decision.
type Clarification struct {
	ID             string         `json:"clarification_id"`
	Question       string         `json:"question"`
	Requester      string         `json:"requester"`
	Approvers      []string       `json:"approvers"`
	Quorum         Quorum         `json:"quorum"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	EscalateTo     []string       `json:"escalate_to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Response is a single approver's recorded verdict.
type Response struct {
	Actor     string    `json:"actor"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approval is one workflow step owned by an execution run.
type Approval struct {
	ID              string     `json:"approval_id"`
	RunID           string     `json:"run_id"`
	TenantID        string     `json:"tenant_id"`
	ClarificationID string     `json:"clarification_id"`
	Question        string     `json:"question"`
	Requester       string     `json:"requester"`
	Status          Status     `json:"status"`
	Approvers       []string   `json:"approvers"`
	Quorum          Quorum     `json:"quorum"`
	Deadline        time.Time  `json:"deadline"`
	EscalateTo      []string   `json:"escalate_to,omitempty"`
	Responses       []Response `json:"responses,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Version         int        `json:"version"`
}

// canDecide reports whether the actor belongs to the current approver set.
func (a *Approval) canDecide(actor string) bool {
	for _, approver := range a.Approvers {
		if approver == actor {
			return true
		}
	}
	return false
}

// responded reports whether the actor already recorded a verdict.
func (a *Approval) responded(actor string) bool {
	for _, r := range a.Responses {
		if r.Actor == actor {
			return true
		}
	}
	return false
}

// approvalsOutstanding counts current approvers without an approve verdict.
func (a *Approval) approvalsOutstanding() int {
	outstanding := 0
	for _, approver := range a.Approvers {
		approved := false
		for _, r := range a.Responses {
			if r.Actor == approver && r.Decision == DecisionApprove {
				approved = true
				break
			}
		}
		if !approved {
			outstanding++
		}
	}
	return outstanding
}
