package plancompiler

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/anumate/control-plane/pkg/capsule"
)

// Compiling the same capsule twice, with step declaration order permuted,
// yields the same plan hash: the compiled form is canonical.
func TestPlanHash_OrderIndependent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50

	properties := gopter.NewProperties(params)

	properties.Property("hash ignores step declaration order", prop.ForAll(
		func(n int, swapA, swapB int) bool {
			steps := chainSteps(n)
			caps := &capsule.Capsule{Name: "prop-capsule", Version: "1.0.0",
				Definition: capsule.Definition{Steps: steps}}

			shuffled := append([]capsule.Step(nil), steps...)
			i, j := swapA%len(shuffled), swapB%len(shuffled)
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			caps2 := &capsule.Capsule{Name: "prop-capsule", Version: "1.0.0",
				Definition: capsule.Definition{Steps: shuffled}}

			ctx := tenantCtx("T1")
			r1, err := NewCompiler(capsule.NewMemoryRegistry(), nil).Compile(ctx, caps)
			if err != nil {
				return false
			}
			r2, err := NewCompiler(capsule.NewMemoryRegistry(), nil).Compile(ctx, caps2)
			if err != nil {
				return false
			}
			return r1.PlanHash == r2.PlanHash
		},
		gen.IntRange(2, 8),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// chainSteps builds n steps where each even step depends on the previous
// one and odd steps are independent, giving a mix of waves.
func chainSteps(n int) []capsule.Step {
	steps := make([]capsule.Step, n)
	for i := range steps {
		steps[i] = capsule.Step{Name: fmt.Sprintf("step-%02d", i), Tool: "tool"}
		if i > 0 && i%2 == 0 {
			steps[i].DependsOn = []string{fmt.Sprintf("step-%02d", i-1)}
		}
	}
	return steps
}
