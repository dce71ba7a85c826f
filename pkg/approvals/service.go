package approvals

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
)

const defaultTimeout = 15 * time.Minute

// escalationExtension is added to the current deadline when a step
// escalates, keeping deadlines strictly increasing.
const escalationExtension = 10 * time.Minute

// Service runs the approval workflow.
type Service struct {
	store   Store
	audit   audit.Logger
	events  *eventbus.Publisher
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithDefaultTimeout sets the deadline applied to clarifications that do
// not carry their own timeout.
func WithDefaultTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(store Store, auditLog audit.Logger, events *eventbus.Publisher, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, audit: auditLog, events: events, logger: logger, now: time.Now, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens an approval step for a run's clarification. A run may have
// at most one open approval at a time.
func (s *Service) Create(ctx context.Context, runID string, clarification Clarification) (*Approval, error) {
	if len(clarification.Approvers) == 0 {
		return nil, errs.New(errs.KindValidation, "APPROVERS_REQUIRED", "at least one approver required")
	}
	quorum := clarification.Quorum
	if quorum == "" {
		quorum = QuorumAny
	}
	if quorum != QuorumAll && quorum != QuorumAny {
		return nil, errs.Newf(errs.KindValidation, "QUORUM_INVALID", "unknown quorum rule %q", quorum)
	}

	if existing, err := s.store.OpenByRun(ctx, runID); err == nil {
		return nil, errs.Newf(errs.KindConflict, "APPROVAL_IN_PROGRESS",
			"run %s already has open approval %s", runID, existing.ID)
	} else if !errs.IsKind(err, errs.KindNotFound) {
		return nil, err
	}

	timeout := time.Duration(clarification.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = s.timeout
	}

	now := s.now().UTC()
	approval := &Approval{
		ID:              uuid.New().String(),
		RunID:           runID,
		ClarificationID: clarification.ID,
		Question:        clarification.Question,
		Requester:       clarification.Requester,
		Status:          StatusPending,
		Approvers:       append([]string(nil), clarification.Approvers...),
		Quorum:          quorum,
		Deadline:        now.Add(timeout),
		EscalateTo:      append([]string(nil), clarification.EscalateTo...),
		CreatedAt:       now,
	}
	if approval.ClarificationID == "" {
		approval.ClarificationID = uuid.New().String()
	}

	if err := s.store.Create(ctx, approval); err != nil {
		return nil, err
	}
	s.record(ctx, "approval.created", approval, map[string]any{
		"approvers": approval.Approvers,
		"quorum":    string(approval.Quorum),
		"deadline":  approval.Deadline,
	})
	_ = s.events.Emit(ctx, eventbus.SubjectApprovalRequested, runID, approval)
	return s.store.Get(ctx, approval.ID)
}

// Get returns an approval by id.
func (s *Service) Get(ctx context.Context, approvalID string) (*Approval, error) {
	return s.store.Get(ctx, approvalID)
}

// PollByClarification returns the approval bound to a clarification id.
// The orchestrator polls this while a run waits.
func (s *Service) PollByClarification(ctx context.Context, clarificationID string) (*Approval, error) {
	return s.store.GetByClarification(ctx, clarificationID)
}

// Decide records an approver's verdict and resolves the step when the
// quorum rule is satisfied. Any rejection resolves immediately.
func (s *Service) Decide(ctx context.Context, approvalID string, decision Decision, actor, reason string) (*Approval, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, errs.Newf(errs.KindValidation, "DECISION_INVALID", "unknown decision %q", decision)
	}

	approval, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !approval.Status.Open() {
		return nil, errs.Newf(errs.KindConflict, "APPROVAL_RESOLVED",
			"approval is already %s", approval.Status)
	}
	if !approval.canDecide(actor) {
		return nil, errs.Newf(errs.KindDenied, "NOT_AN_APPROVER",
			"%s is not in the approver set", actor)
	}
	if approval.responded(actor) {
		return nil, errs.New(errs.KindConflict, "ALREADY_DECIDED", "actor already responded")
	}

	now := s.now().UTC()
	approval.Responses = append(approval.Responses, Response{
		Actor: actor, Decision: decision, Reason: reason, DecidedAt: now,
	})

	switch {
	case decision == DecisionReject:
		approval.Status = StatusRejected
		approval.ResolvedAt = &now
	case approval.Quorum == QuorumAny:
		approval.Status = StatusApproved
		approval.ResolvedAt = &now
	case approval.approvalsOutstanding() == 0:
		approval.Status = StatusApproved
		approval.ResolvedAt = &now
	default:
		approval.Status = StatusInProgress
	}

	if err := s.store.Update(ctx, approval); err != nil {
		return nil, err
	}

	s.record(ctx, "approval.decided", approval, map[string]any{
		"actor":    actor,
		"decision": string(decision),
		"reason":   reason,
		"status":   string(approval.Status),
	})
	switch approval.Status {
	case StatusApproved:
		_ = s.events.Emit(ctx, eventbus.SubjectApprovalGranted, approval.RunID, approval)
	case StatusRejected:
		_ = s.events.Emit(ctx, eventbus.SubjectApprovalRejected, approval.RunID, approval)
	}
	return s.store.Get(ctx, approvalID)
}

// Delegate transfers one approver's slot to another actor. The delegate
// joins the approver set in place of the delegator.
func (s *Service) Delegate(ctx context.Context, approvalID, from, to, reason string) (*Approval, error) {
	if to == "" {
		return nil, errs.New(errs.KindValidation, "DELEGATE_REQUIRED", "delegate actor required")
	}

	approval, err := s.store.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !approval.Status.Open() {
		return nil, errs.Newf(errs.KindConflict, "APPROVAL_RESOLVED", "approval is already %s", approval.Status)
	}
	if !approval.canDecide(from) {
		return nil, errs.Newf(errs.KindDenied, "NOT_AN_APPROVER", "%s is not in the approver set", from)
	}
	if approval.responded(from) {
		return nil, errs.New(errs.KindConflict, "ALREADY_DECIDED", "delegator already responded")
	}
	if approval.canDecide(to) {
		return nil, errs.New(errs.KindConflict, "ALREADY_AN_APPROVER", "delegate is already in the set")
	}

	for i, approver := range approval.Approvers {
		if approver == from {
			approval.Approvers[i] = to
			break
		}
	}
	if err := s.store.Update(ctx, approval); err != nil {
		return nil, err
	}

	s.record(ctx, "approval.delegated", approval, map[string]any{
		"from": from, "to": to, "reason": reason,
	})
	return s.store.Get(ctx, approvalID)
}

// SweepExpired transitions approvals past their deadline: escalate when a
// target is configured, expire otherwise. Returns the number of approvals
// transitioned.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	expired, err := s.store.Expired(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, approval := range expired {
		if len(approval.EscalateTo) > 0 {
			prior := approval.Approvers
			approval.Status = StatusEscalated
			approval.Approvers = approval.EscalateTo
			approval.EscalateTo = nil
			approval.Deadline = approval.Deadline.Add(escalationExtension)
			for !approval.Deadline.After(now) {
				approval.Deadline = approval.Deadline.Add(escalationExtension)
			}
			if err := s.store.Update(ctx, approval); err != nil {
				if errs.IsKind(err, errs.KindConflict) {
					continue
				}
				return swept, err
			}
			s.record(ctx, "approval.escalated", approval, map[string]any{
				"previous_approvers": prior,
				"approvers":          approval.Approvers,
				"deadline":           approval.Deadline,
			})
			swept++
			continue
		}

		resolvedAt := now
		approval.Status = StatusExpired
		approval.ResolvedAt = &resolvedAt
		if err := s.store.Update(ctx, approval); err != nil {
			if errs.IsKind(err, errs.KindConflict) {
				continue
			}
			return swept, err
		}
		s.record(ctx, "approval.expired", approval, nil)
		_ = s.events.Emit(ctx, eventbus.SubjectApprovalRejected, approval.RunID, approval)
		swept++
	}
	return swept, nil
}

func (s *Service) record(ctx context.Context, action string, approval *Approval, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["run_id"] = approval.RunID
	metadata["clarification_id"] = approval.ClarificationID
	if err := s.audit.Record(ctx, audit.EventMutation, action, "approval/"+approval.ID, metadata); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
