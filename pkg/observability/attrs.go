package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Control-plane semantic convention attributes.
var (
	AttrTenantID = attribute.Key("anumate.tenant.id")
	AttrRunID    = attribute.Key("anumate.run.id")
	AttrPlanHash = attribute.Key("anumate.plan.hash")
	AttrEngine   = attribute.Key("anumate.run.engine")

	AttrStepName    = attribute.Key("anumate.step.name")
	AttrStepTool    = attribute.Key("anumate.step.tool")
	AttrStepAttempt = attribute.Key("anumate.step.attempt")

	AttrApprovalID       = attribute.Key("anumate.approval.id")
	AttrApprovalDecision = attribute.Key("anumate.approval.decision")

	AttrSimulationID   = attribute.Key("anumate.simulation.id")
	AttrSimulationRisk = attribute.Key("anumate.simulation.risk")

	AttrReceiptID = attribute.Key("anumate.receipt.id")
)

// RunOperation builds attributes for run lifecycle spans.
func RunOperation(tenantID, runID, planHash, engine string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrRunID.String(runID),
		AttrPlanHash.String(planHash),
		AttrEngine.String(engine),
	}
}

// StepOperation builds attributes for a single tool invocation.
func StepOperation(runID, step, tool string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrStepName.String(step),
		AttrStepTool.String(tool),
		AttrStepAttempt.Int(attempt),
	}
}

// ApprovalOperation builds attributes for approval decisions.
func ApprovalOperation(runID, approvalID, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrApprovalID.String(approvalID),
		AttrApprovalDecision.String(decision),
	}
}

// SimulationOperation builds attributes for preflight simulations.
func SimulationOperation(tenantID, simulationID, planHash, overallRisk string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrSimulationID.String(simulationID),
		AttrPlanHash.String(planHash),
		AttrSimulationRisk.String(overallRisk),
	}
}

// SpanFromContext extracts the current span, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
