package capsule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

const validYAML = `
name: payment-refund
version: 1.2.0
description: Refund flow
dependencies:
  - payment-core@2.0.1
tools:
  - razorpay_refund
  - notify_slack
steps:
  - name: create-refund
    tool: razorpay_refund
    parameters:
      amount: 100
    risk: HIGH
    requires_approval: true
    timeout_seconds: 30
  - name: notify
    tool: notify_slack
    depends_on: [create-refund]
`

func TestParseYAML_Valid(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, "payment-refund", c.Name)
	assert.Equal(t, "1.2.0", c.Version)
	require.Len(t, c.Definition.Steps, 2)
	assert.Equal(t, []string{"create-refund"}, c.Definition.Steps[1].DependsOn)
	assert.Empty(t, c.Validate())
}

func TestValidate_BadName(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	c.Name = "Payment_Refund"

	problems := c.Validate()
	require.NotEmpty(t, problems)
	assert.Equal(t, "CAPSULE_NAME_INVALID", errs.CodeOf(problems[0]))
}

func TestValidate_BadSemver(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	c.Version = "1.2"

	problems := c.Validate()
	require.NotEmpty(t, problems)
	assert.Equal(t, "CAPSULE_VERSION_INVALID", errs.CodeOf(problems[0]))
}

func TestValidate_DuplicateSteps(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	c.Definition.Steps[1].Name = "create-refund"
	c.Definition.Steps[1].DependsOn = nil

	var codes []string
	for _, p := range c.Validate() {
		codes = append(codes, errs.CodeOf(p))
	}
	assert.Contains(t, codes, "STEP_NAME_DUPLICATE")
}

func TestValidate_UnknownStepDependency(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	c.Definition.Steps[1].DependsOn = []string{"missing-step"}

	var codes []string
	for _, p := range c.Validate() {
		codes = append(codes, errs.CodeOf(p))
	}
	assert.Contains(t, codes, "STEP_DEPENDENCY_UNKNOWN")
}

func TestValidate_CycleDetected(t *testing.T) {
	c := &Capsule{
		Name:    "cyclic",
		Version: "1.0.0",
		Definition: Definition{
			Steps: []Step{
				{Name: "a", Tool: "t", DependsOn: []string{"b"}},
				{Name: "b", Tool: "t", DependsOn: []string{"a"}},
			},
		},
	}

	var codes []string
	for _, p := range c.Validate() {
		codes = append(codes, errs.CodeOf(p))
	}
	assert.Contains(t, codes, "CYCLE_DETECTED")
}

func TestValidate_BadDependencyRef(t *testing.T) {
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	c.Definition.Dependencies = []string{"no-version"}

	var codes []string
	for _, p := range c.Validate() {
		codes = append(codes, errs.CodeOf(p))
	}
	assert.Contains(t, codes, "DEPENDENCY_REF_INVALID")
}

func TestValidateSchema(t *testing.T) {
	valid := map[string]any{
		"name":    "x",
		"version": "1.0.0",
		"steps":   []any{map[string]any{"name": "a", "tool": "t"}},
	}
	assert.NoError(t, ValidateSchema(valid))

	missing := map[string]any{"name": "x"}
	err := ValidateSchema(missing)
	require.Error(t, err)
	assert.Equal(t, "CAPSULE_SCHEMA_INVALID", errs.CodeOf(err))

	badRisk := map[string]any{
		"name":    "x",
		"version": "1.0.0",
		"steps":   []any{map[string]any{"name": "a", "tool": "t", "risk": "EXTREME"}},
	}
	assert.Error(t, ValidateSchema(badRisk))
}

func TestChecksum_Deterministic(t *testing.T) {
	a, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)
	b, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	require.NoError(t, a.ComputeChecksum())
	require.NoError(t, b.ComputeChecksum())
	assert.Equal(t, a.Checksum, b.Checksum)
	assert.Len(t, a.Checksum, 64)
}

func tenantCtx(tenant string) context.Context {
	return tenancy.WithPrincipal(context.Background(), tenancy.Principal{ActorID: "t", TenantID: tenant})
}

func TestMemoryRegistry_TenantIsolation(t *testing.T) {
	reg := NewMemoryRegistry()
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	created, err := reg.Create(tenantCtx("T1"), c)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// Same tenant reads it back.
	got, err := reg.Get(tenantCtx("T1"), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Checksum, got.Checksum)

	// Another tenant sees NotFound, not Forbidden — existence is hidden.
	_, err = reg.Get(tenantCtx("T2"), created.ID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestMemoryRegistry_ImmutableVersions(t *testing.T) {
	reg := NewMemoryRegistry()
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	_, err = reg.Create(tenantCtx("T1"), c)
	require.NoError(t, err)

	_, err = reg.Create(tenantCtx("T1"), c)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))

	// A different tenant may reuse the same (name, version).
	_, err = reg.Create(tenantCtx("T2"), c)
	assert.NoError(t, err)
}

func TestMemoryRegistry_SoftDelete(t *testing.T) {
	reg := NewMemoryRegistry()
	c, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	created, err := reg.Create(tenantCtx("T1"), c)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(tenantCtx("T1"), created.ID))

	_, err = reg.Get(tenantCtx("T1"), created.ID)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	_, err = reg.GetByRef(tenantCtx("T1"), "payment-refund", "1.2.0")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
