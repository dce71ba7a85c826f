package plancompiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/tenancy"
)

func tenantCtx(tenant string) context.Context {
	return tenancy.WithPrincipal(context.Background(), tenancy.Principal{ActorID: "t", TenantID: tenant})
}

func testCapsule() *capsule.Capsule {
	return &capsule.Capsule{
		Name:    "deploy-service",
		Version: "1.0.0",
		Definition: capsule.Definition{
			Steps: []capsule.Step{
				{Name: "build", Tool: "builder", TimeoutSeconds: 10},
				{Name: "push", Tool: "registry-push", DependsOn: []string{"build"}},
				{Name: "scan", Tool: "scanner", DependsOn: []string{"build"}, Risk: "MEDIUM"},
				{Name: "deploy", Tool: "deployer", DependsOn: []string{"push", "scan"}, Risk: "HIGH", RequiresApproval: true},
			},
		},
	}
}

func TestCompile_WavesRespectDependencies(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)

	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)
	require.NotNil(t, res.Plan)

	require.Len(t, res.Plan.Flows, 3)
	assert.Equal(t, []string{"build"}, stepNames(res.Plan.Flows[0]))
	assert.Equal(t, []string{"push", "scan"}, stepNames(res.Plan.Flows[1]))
	assert.Equal(t, []string{"deploy"}, stepNames(res.Plan.Flows[2]))
}

func stepNames(w Wave) []string {
	out := make([]string, len(w.Steps))
	for i, s := range w.Steps {
		out[i] = s.Name
	}
	return out
}

func TestCompile_DeterministicHash(t *testing.T) {
	reg := capsule.NewMemoryRegistry()

	first, err := NewCompiler(reg, nil).Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	// A separate compiler instance (fresh process stand-in), later in time.
	second := NewCompiler(reg, nil)
	second.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := second.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	assert.Equal(t, first.PlanHash, res.PlanHash)
	assert.Len(t, first.PlanHash, 64)
}

func TestCompile_AllowlistCoversAllTools(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	for _, step := range res.Plan.Steps() {
		assert.True(t, res.Plan.AllowsTool(step.Tool), step.Tool)
	}
	assert.Equal(t, []string{"builder", "deployer", "registry-push", "scanner"}, res.Plan.ToolAllowlist)
}

func TestCompile_SecurityContext(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	sc := res.Plan.SecurityContext
	assert.True(t, sc.RequiresApproval)
	assert.Equal(t, "HIGH", sc.MaxRisk)
	assert.Contains(t, sc.RequiredCapabilities, "tool:deployer")
}

func TestCompile_PublishesPlanCompiled(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()

	got := make(chan *eventbus.Event, 1)
	_, err := bus.Subscribe(context.Background(), eventbus.SubjectPlanCompiled, "g",
		func(ctx context.Context, evt *eventbus.Event) error {
			got <- evt
			return nil
		})
	require.NoError(t, err)

	c := NewCompiler(capsule.NewMemoryRegistry(), nil,
		WithEvents(eventbus.NewPublisher(bus, "plancompiler")))
	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	select {
	case evt := <-got:
		assert.Equal(t, "T1", evt.TenantID)
		var payload map[string]any
		require.NoError(t, evt.DecodeData(&payload))
		assert.Equal(t, res.PlanHash, payload["plan_hash"])
	case <-time.After(2 * time.Second):
		t.Fatal("plan.compiled never published")
	}
}

func TestCompile_ValidationFailure(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	bad := testCapsule()
	bad.Version = "not-semver"

	res, err := c.Compile(tenantCtx("T1"), bad)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.NotEmpty(t, res.ValidationErrors)
}

func TestCompile_DependencyNotFound(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	caps := testCapsule()
	caps.Definition.Dependencies = []string{"missing-lib@1.0.0"}

	_, err := c.Compile(tenantCtx("T1"), caps)
	require.Error(t, err)
	assert.Equal(t, "DEPENDENCY_NOT_FOUND", errs.CodeOf(err))
}

func TestCompile_TransitiveDependencyCycle(t *testing.T) {
	reg := capsule.NewMemoryRegistry()
	ctx := tenantCtx("T1")

	a := &capsule.Capsule{
		Name: "lib-a", Version: "1.0.0",
		Definition: capsule.Definition{
			Dependencies: []string{"lib-b@1.0.0"},
			Steps:        []capsule.Step{{Name: "s", Tool: "t"}},
		},
	}
	b := &capsule.Capsule{
		Name: "lib-b", Version: "1.0.0",
		Definition: capsule.Definition{
			Dependencies: []string{"lib-a@1.0.0"},
			Steps:        []capsule.Step{{Name: "s", Tool: "t"}},
		},
	}
	_, err := reg.Create(ctx, a)
	require.NoError(t, err)
	_, err = reg.Create(ctx, b)
	require.NoError(t, err)

	root := testCapsule()
	root.Definition.Dependencies = []string{"lib-a@1.0.0"}

	_, err = NewCompiler(reg, nil).Compile(ctx, root)
	require.Error(t, err)
	assert.Equal(t, "CYCLE_DETECTED", errs.CodeOf(err))
}

func TestCompile_CachesByHash(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	cached := c.Cache().Get(res.PlanHash)
	require.NotNil(t, cached)
	assert.Equal(t, res.PlanHash, cached.PlanHash)
	assert.Equal(t, 1, c.Cache().Len())

	// Recompiling the same capsule does not grow the cache.
	_, err = c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)
	assert.Equal(t, 1, c.Cache().Len())
}

func TestJobRunner_AsyncCompile(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	runner := NewJobRunner(c, 2)
	ctx := tenantCtx("T1")

	jobID, err := runner.Submit(ctx, testCapsule())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := runner.Status(ctx, jobID)
		require.NoError(t, err)
		if job.Status == JobCompleted {
			require.NotNil(t, job.Result)
			assert.NotEmpty(t, job.Result.PlanHash)
			assert.InDelta(t, 1.0, job.Progress, 1e-9)
			break
		}
		if job.Status == JobFailed {
			t.Fatalf("job failed: %s", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatal("compile job did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = runner.Status(ctx, "nope")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	// Jobs are invisible outside the submitting tenant.
	_, err = runner.Status(tenantCtx("T2"), jobID)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestEstimatedDuration_CriticalPath(t *testing.T) {
	c := NewCompiler(capsule.NewMemoryRegistry(), nil)
	res, err := c.Compile(tenantCtx("T1"), testCapsule())
	require.NoError(t, err)

	// Wave 0: build 10s. Wave 1: slowest default 2s. Wave 2: default 2s.
	assert.Equal(t, 14*time.Second, res.Plan.EstimatedDuration())
}
