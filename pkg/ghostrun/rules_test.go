package ghostrun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/capsule"
)

func TestRules_RiskyStepsWithoutGuards(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "charge", Tool: "payments", Risk: "HIGH", TimeoutSeconds: 30},
	})
	report := &PreflightReport{Feasible: true, SuccessProbability: 0.85}

	engine, err := NewRuleEngine(nil)
	require.NoError(t, err)

	recs, err := engine.Evaluate(plan, report)
	require.NoError(t, err)

	assert.Contains(t, joined(recs), "max_retries")
	assert.Contains(t, joined(recs), "Require approval")
}

func TestRules_CleanPlanGetsNoRecommendations(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "notify", Tool: "mailer", Risk: "LOW", TimeoutSeconds: 10, MaxRetries: 2},
	})
	report := &PreflightReport{Feasible: true, SuccessProbability: 0.99, EstimatedCostUnits: 1}

	engine, err := NewRuleEngine(nil)
	require.NoError(t, err)

	recs, err := engine.Evaluate(plan, report)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRules_SensitiveParameters(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "charge", Tool: "payments", TimeoutSeconds: 10, MaxRetries: 1,
			Parameters: map[string]any{"card_number": "redacted", "amount": 10}},
	})
	report := &PreflightReport{SuccessProbability: 0.99}

	engine, err := NewRuleEngine(nil)
	require.NoError(t, err)

	recs, err := engine.Evaluate(plan, report)
	require.NoError(t, err)
	assert.Contains(t, joined(recs), "secret store")
}

func TestRules_LargeMonetaryAmount(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "payout", Tool: "payments", TimeoutSeconds: 10, MaxRetries: 1,
			Parameters: map[string]any{"refund_amount": 250000, "currency": "usd"}},
	})
	report := &PreflightReport{SuccessProbability: 0.99}

	engine, err := NewRuleEngine(nil)
	require.NoError(t, err)

	recs, err := engine.Evaluate(plan, report)
	require.NoError(t, err)
	assert.Contains(t, joined(recs), "minor units")

	// Small amounts stay quiet.
	plan = compiledPlan(t, []capsule.Step{
		{Name: "payout", Tool: "payments", TimeoutSeconds: 10, MaxRetries: 1,
			Parameters: map[string]any{"refund_amount": 500}},
	})
	recs, err = engine.Evaluate(plan, report)
	require.NoError(t, err)
	assert.NotContains(t, joined(recs), "minor units")
}

func TestRules_HighCostAndLowSuccess(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "a", Tool: "x", TimeoutSeconds: 10, MaxRetries: 1},
	})
	report := &PreflightReport{EstimatedCostUnits: 120, SuccessProbability: 0.3}

	engine, err := NewRuleEngine(nil)
	require.NoError(t, err)

	recs, err := engine.Evaluate(plan, report)
	require.NoError(t, err)
	assert.Contains(t, joined(recs), "cost")
	assert.Contains(t, joined(recs), "success probability")
}

func TestRules_CustomRule(t *testing.T) {
	engine, err := NewRuleEngine([]Rule{{
		Name:           "always",
		Expr:           `report.issue_count >= 0`,
		Recommendation: "custom advice",
	}})
	require.NoError(t, err)

	plan := compiledPlan(t, []capsule.Step{{Name: "a", Tool: "x"}})
	recs, err := engine.Evaluate(plan, &PreflightReport{})
	require.NoError(t, err)
	assert.Equal(t, []string{"custom advice"}, recs)
}

func joined(recs []string) string {
	out := ""
	for _, r := range recs {
		out += r + "\n"
	}
	return out
}
