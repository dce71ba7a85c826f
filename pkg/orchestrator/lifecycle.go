package orchestrator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/approvals"
	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/receipts"
	"github.com/anumate/control-plane/pkg/toolproto"
)

// drive is the run actor: it owns every transition of one run from
// Pending to a terminal state.
func (o *Orchestrator) drive(ctx context.Context, actor *runActor, run *Run, req ExecuteRequest) {
	defer func() {
		o.mu.Lock()
		delete(o.actors, run.TenantID+"/"+run.RunID)
		o.mu.Unlock()
		o.release(run.TenantID)
		o.wg.Done()
	}()

	if err := o.transition(ctx, run, StatusValidating); err != nil {
		o.logger.Error("run lost before validation", "run_id", run.RunID, "error", err)
		return
	}

	plan, err := o.plans.Resolve(ctx, run.PlanHash)
	if err != nil {
		o.fail(ctx, run, req, err)
		return
	}
	run.CapsuleRef = plan.CapsuleRef
	run.Progress.TotalSteps = len(plan.Steps())

	if err := o.checkpoint(ctx, actor, run); err != nil {
		o.cancel(ctx, run, req)
		return
	}

	if plan.SecurityContext.RequiresApproval || run.RequireApproval {
		if err := o.awaitApproval(ctx, actor, run, req, plan); err != nil {
			if err == errRunCancelled {
				o.cancel(ctx, run, req)
			} else {
				o.fail(ctx, run, req, err)
			}
			return
		}
	}

	signedToken, err := o.issueCapability(ctx, run, plan)
	if err != nil {
		o.fail(ctx, run, req, err)
		return
	}

	if err := o.transition(ctx, run, StatusRunning); err != nil {
		o.fail(ctx, run, req, err)
		return
	}
	started := o.now().UTC()
	run.StartedAt = &started
	if err := o.runs.Update(ctx, run); err != nil {
		o.fail(ctx, run, req, err)
		return
	}
	o.emit(ctx, eventbus.SubjectExecutionStarted, run, nil)

	for _, wave := range plan.Flows {
		for _, step := range wave.Steps {
			if err := o.checkpoint(ctx, actor, run); err != nil {
				o.cancel(ctx, run, req)
				return
			}
			result, err := o.executeStep(ctx, run, req, plan, step, signedToken)
			if result != nil {
				run.Results = append(run.Results, *result)
				if err == nil {
					run.Progress.CompletedSteps++
				}
				o.notifyStep(run, *result)
			}
			if err != nil {
				o.fail(ctx, run, req, err)
				return
			}
			if err := o.runs.Update(ctx, run); err != nil {
				o.fail(ctx, run, req, err)
				return
			}
		}
	}

	o.succeed(ctx, run, req)
}

// awaitApproval opens the approval gate and polls it to resolution.
func (o *Orchestrator) awaitApproval(ctx context.Context, actor *runActor, run *Run, req ExecuteRequest, plan *plancompiler.ExecutablePlan) error {
	if err := o.transition(ctx, run, StatusAwaitingApproval); err != nil {
		return err
	}

	quorum := req.Quorum
	if quorum == "" {
		quorum = approvals.QuorumAll
	}
	approval, err := o.approvals.Create(ctx, run.RunID, approvals.Clarification{
		ID:             uuid.New().String(),
		Question:       fmt.Sprintf("Approve execution of %s (risk %s)?", plan.CapsuleRef, plan.SecurityContext.MaxRisk),
		Requester:      "orchestrator",
		Approvers:      req.Approvers,
		Quorum:         quorum,
		TimeoutSeconds: req.ApprovalTimeout,
		EscalateTo:     req.EscalateTo,
		Metadata: map[string]any{
			"plan_hash":   run.PlanHash,
			"capsule_ref": plan.CapsuleRef,
		},
	})
	if err != nil {
		return err
	}
	run.ApprovalIDs = append(run.ApprovalIDs, approval.ID)
	if err := o.runs.Update(ctx, run); err != nil {
		return err
	}

	for {
		cancelled, _ := actor.state()
		if cancelled {
			return errRunCancelled
		}
		current, err := o.approvals.Get(ctx, approval.ID)
		if err != nil {
			return err
		}
		switch current.Status {
		case approvals.StatusApproved:
			return nil
		case approvals.StatusRejected:
			return errs.New(errs.KindDenied, "APPROVAL_REJECTED", "approval was rejected")
		case approvals.StatusExpired:
			return errs.New(errs.KindDenied, "APPROVAL_EXPIRED", "approval deadline elapsed")
		}
		if err := o.sleep(ctx, o.cfg.ApprovalPollInterval); err != nil {
			return errRunCancelled
		}
	}
}

// issueCapability mints the run's execution token: scoped to the plan's
// required capabilities, valid just long enough to finish.
func (o *Orchestrator) issueCapability(ctx context.Context, run *Run, plan *plancompiler.ExecutablePlan) (string, error) {
	ttl := plan.EstimatedDuration() + time.Minute
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	token, err := o.tokens.Issue(ctx, "run:"+run.RunID, plan.SecurityContext.RequiredCapabilities, ttl, run.TenantID)
	if err != nil {
		return "", err
	}
	run.TokenID = token.TokenID
	return token.Token, nil
}

// executeStep invokes one tool with the per-step retry budget. Only
// Transient failures on steps that declare max_retries are retried.
func (o *Orchestrator) executeStep(ctx context.Context, run *Run, req ExecuteRequest, plan *plancompiler.ExecutablePlan, step plancompiler.CompiledStep, signedToken string) (*StepResult, error) {
	if !plan.AllowsTool(step.Tool) {
		return nil, errs.Newf(errs.KindDenied, "TOOL_NOT_ALLOWED", "tool %s is not in the plan allowlist", step.Tool)
	}

	caller := o.remote
	if run.Engine == EngineWasm {
		caller = o.wasm
	}

	args := make(map[string]any, len(step.Parameters)+len(req.Parameters))
	for k, v := range step.Parameters {
		args[k] = v
	}
	for k, v := range req.Parameters {
		args[k] = v
	}

	timeout := o.cfg.StepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}

	maxAttempts := 1 + step.MaxRetries
	if maxAttempts > o.cfg.RetryMaxAttempts {
		maxAttempts = o.cfg.RetryMaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	result := &StepResult{Step: step.Name, Tool: step.Tool}
	begin := o.now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if attempt > 1 {
			if err := o.sleep(ctx, o.backoff(attempt-2)); err != nil {
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := caller.Call(callCtx, toolproto.CallParams{
			Tool:            step.Tool,
			Arguments:       args,
			CapabilityToken: signedToken,
			RunID:           run.RunID,
			Step:            step.Name,
			TimeoutSeconds:  int(timeout / time.Second),
		})
		cancel()

		if err == nil && out != nil && out.IsError {
			err = errs.Newf(errs.KindInternal, "TOOL_REPORTED_ERROR", "tool %s: %s", step.Tool, out.Message)
		}
		if err == nil {
			result.Output = out.Output
			result.DurationMS = o.now().Sub(begin).Milliseconds()
			return result, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			break
		}
		o.logger.Warn("step attempt failed",
			"run_id", run.RunID, "step", step.Name, "attempt", attempt, "error", err)
	}

	result.Error = lastErr.Error()
	result.DurationMS = o.now().Sub(begin).Milliseconds()
	return result, errs.Wrap(errs.KindOf(lastErr), "STEP_FAILED",
		fmt.Sprintf("step %s failed after %d attempt(s)", step.Name, result.Attempts), lastErr)
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * o.cfg.RetryBaseDelay
	if d > o.cfg.RetryMaxDelay {
		d = o.cfg.RetryMaxDelay
	}
	if o.cfg.RetryJitterRatio > 0 {
		d += time.Duration(rand.Float64() * o.cfg.RetryJitterRatio * float64(d))
	}
	return d
}

func (o *Orchestrator) succeed(ctx context.Context, run *Run, req ExecuteRequest) {
	completed := o.now().UTC()
	run.CompletedAt = &completed
	if err := o.transition(ctx, run, StatusSucceeded); err != nil {
		o.logger.Error("finalize succeeded run", "run_id", run.RunID, "error", err)
		return
	}
	o.writeReceipt(ctx, run)
	o.emit(ctx, eventbus.SubjectExecutionCompleted, run, nil)
	o.finalizeIdem(ctx, run, req)
	o.record(ctx, "run.succeeded", run, nil)
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, req ExecuteRequest, cause error) {
	run.ErrorCode = errs.CodeOf(cause)
	run.Error = cause.Error()
	completed := o.now().UTC()
	run.CompletedAt = &completed
	if err := o.transition(ctx, run, StatusFailed); err != nil {
		o.logger.Error("finalize failed run", "run_id", run.RunID, "error", err)
		return
	}
	o.writeReceipt(ctx, run)
	o.emit(ctx, eventbus.SubjectExecutionFailed, run, map[string]any{"error_code": run.ErrorCode})
	o.finalizeIdem(ctx, run, req)
	o.record(ctx, "run.failed", run, map[string]any{"error_code": run.ErrorCode})
}

func (o *Orchestrator) cancel(ctx context.Context, run *Run, req ExecuteRequest) {
	completed := o.now().UTC()
	run.CompletedAt = &completed
	if err := o.transition(ctx, run, StatusCancelled); err != nil {
		o.logger.Error("finalize cancelled run", "run_id", run.RunID, "error", err)
		return
	}
	o.writeReceipt(ctx, run)
	o.emit(ctx, eventbus.SubjectExecutionCancelled, run, nil)
	o.finalizeIdem(ctx, run, req)
	o.record(ctx, "run.cancelled", run, nil)
}

// writeReceipt appends the signed execution record. Runs that never
// started executing leave no receipt.
func (o *Orchestrator) writeReceipt(ctx context.Context, run *Run) {
	if o.receipts == nil || run.StartedAt == nil {
		return
	}
	digest := ""
	if len(run.Results) > 0 {
		if sum, err := canonicalize.Hash(run.Results); err == nil {
			digest = sum
		}
	}
	receipt, err := o.receipts.Create(ctx, receiptPayload(run, digest))
	if err != nil {
		o.logger.Error("receipt append failed", "run_id", run.RunID, "error", err)
		return
	}
	run.ReceiptID = receipt.ID
	if err := o.runs.Update(ctx, run); err != nil {
		o.logger.Error("persist receipt id", "run_id", run.RunID, "error", err)
	}
}

func (o *Orchestrator) finalizeIdem(ctx context.Context, run *Run, req ExecuteRequest) {
	if req.IdempotencyKey == "" {
		return
	}
	if err := o.idem.Complete(ctx, req.IdempotencyKey); err != nil {
		o.logger.Error("finalize idempotency record", "run_id", run.RunID, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, subject string, run *Run, extra map[string]any) {
	payload := map[string]any{
		"run_id":    run.RunID,
		"plan_hash": run.PlanHash,
		"status":    string(run.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.events.Emit(ctx, subject, run.RunID, payload); err != nil {
		o.logger.Warn("event publish failed", "subject", subject, "run_id", run.RunID, "error", err)
	}
}

func (o *Orchestrator) notifyStep(run *Run, result StepResult) {
	o.mu.Lock()
	observers := append([]ExecutionObserver(nil), o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		obs.StepCompleted(run, result)
	}
}

func receiptPayload(run *Run, digest string) receipts.Payload {
	payload := receipts.Payload{
		RunID:              run.RunID,
		PlanHash:           run.PlanHash,
		TenantID:           run.TenantID,
		Status:             string(run.Status),
		ResultsDigest:      digest,
		CapabilityTokenJTI: run.TokenID,
	}
	if run.StartedAt != nil {
		payload.StartedAt = *run.StartedAt
	}
	if run.CompletedAt != nil {
		payload.CompletedAt = *run.CompletedAt
	}
	return payload
}
