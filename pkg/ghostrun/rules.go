package ghostrun

import (
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/plancompiler"
)

// Rule pairs a CEL predicate over {plan, report} with the recommendation it
// emits when the predicate holds.
type Rule struct {
	Name           string
	Expr           string
	Recommendation string
}

// sensitiveParamPattern flags parameter names that look like credentials or
// payment data.
const sensitiveParamPattern = `(?i)(password|secret|token|api_?key|card|pan|cvv)`

// monetaryParams matches parameter names that carry money amounts, in minor
// units.
var monetaryParams = regexp.MustCompile(`(?i)(amount|price|cost|charge|total)`)

// DefaultRules are the built-in recommendation heuristics.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "missing-timeouts",
			Expr:           `plan.steps.exists(s, s.timeout_seconds == 0)`,
			Recommendation: "Set an explicit timeout_seconds on every step; steps without one inherit the default and can stall the run.",
		},
		{
			Name:           "risky-without-retries",
			Expr:           `plan.steps.exists(s, s.max_retries == 0 && (s.risk == 'HIGH' || s.risk == 'CRITICAL'))`,
			Recommendation: "Configure max_retries on HIGH and CRITICAL risk steps so transient tool failures do not fail the run.",
		},
		{
			Name:           "risky-without-approval",
			Expr:           `plan.steps.exists(s, (s.risk == 'HIGH' || s.risk == 'CRITICAL') && !s.requires_approval)`,
			Recommendation: "Require approval on HIGH and CRITICAL risk steps before execution.",
		},
		{
			Name:           "high-cost",
			Expr:           `report.estimated_cost_units > 50.0`,
			Recommendation: "Estimated cost exceeds 50 units; review the plan for unnecessary high-cost steps.",
		},
		{
			Name:           "large-monetary-amount",
			Expr:           `plan.steps.exists(s, s.max_monetary_amount > 10000.0)`,
			Recommendation: "A step moves more than 10000 minor units in a single call; gate it behind approval or split the transfer.",
		},
		{
			Name:           "sensitive-parameters",
			Expr:           `plan.steps.exists(s, s.parameter_names.exists(p, p.matches('` + sensitiveParamPattern + `')))`,
			Recommendation: "Plan parameters reference credential-like names; source them from the secret store instead of inline values.",
		},
		{
			Name:           "low-success-probability",
			Expr:           `report.success_probability < 0.5`,
			Recommendation: "Aggregate success probability is below 50%; split the plan or reduce step risk before executing.",
		},
	}
}

// RuleEngine evaluates recommendation rules with a compiled-program cache.
type RuleEngine struct {
	env   *cel.Env
	rules []Rule

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewRuleEngine builds the CEL environment. Pass nil rules for the defaults.
func NewRuleEngine(rules []Rule) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("plan", cel.DynType),
		cel.Variable("report", cel.DynType),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "RULE_ENV_FAILED", "cel environment", err)
	}
	if rules == nil {
		rules = DefaultRules()
	}
	return &RuleEngine{
		env:   env,
		rules: rules,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate returns the recommendations whose predicates hold for this
// plan/report pair, in rule order.
func (e *RuleEngine) Evaluate(plan *plancompiler.ExecutablePlan, report *PreflightReport) ([]string, error) {
	input := map[string]any{
		"plan":   planFacts(plan),
		"report": reportFacts(report),
	}

	var recs []string
	for _, rule := range e.rules {
		hit, err := e.evalBool(rule.Expr, input)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "RULE_EVAL_FAILED", "rule "+rule.Name, err)
		}
		if hit {
			recs = append(recs, rule.Recommendation)
		}
	}
	return recs, nil
}

func (e *RuleEngine) evalBool(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.cache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, issues.Err()
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errs.New(errs.KindInternal, "RULE_NOT_BOOL", "rule result is not boolean")
	}
	return val, nil
}

func planFacts(plan *plancompiler.ExecutablePlan) map[string]any {
	steps := make([]map[string]any, 0)
	for _, s := range plan.Steps() {
		names := make([]string, 0, len(s.Parameters))
		for name := range s.Parameters {
			names = append(names, name)
		}
		steps = append(steps, map[string]any{
			"name":                s.Name,
			"tool":                s.Tool,
			"risk":                riskOrLow(s.Risk),
			"timeout_seconds":     s.TimeoutSeconds,
			"max_retries":         s.MaxRetries,
			"requires_approval":   s.RequiresApproval,
			"parameter_names":     names,
			"max_monetary_amount": maxMonetaryAmount(s.Parameters),
		})
	}
	return map[string]any{
		"plan_hash":   plan.PlanHash,
		"capsule_ref": plan.CapsuleRef,
		"steps":       steps,
	}
}

// maxMonetaryAmount returns the largest numeric value among a step's
// monetary parameters, zero when it has none.
func maxMonetaryAmount(params map[string]any) float64 {
	var max float64
	for name, value := range params {
		if !monetaryParams.MatchString(name) {
			continue
		}
		var v float64
		switch n := value.(type) {
		case int:
			v = float64(n)
		case int64:
			v = float64(n)
		case float64:
			v = n
		default:
			continue
		}
		if v > max {
			max = v
		}
	}
	return max
}

func reportFacts(report *PreflightReport) map[string]any {
	return map[string]any{
		"overall_risk":          report.OverallRisk,
		"feasible":              report.Feasible,
		"success_probability":   report.SuccessProbability,
		"estimated_cost_units":  report.EstimatedCostUnits,
		"estimated_duration_ms": report.EstimatedDurationMS,
		"issue_count":           len(report.Issues),
	}
}
