package ghostrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
)

func TestRunner_StartToReport(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{
		{Name: "lookup", Tool: "lookup"},
		{Name: "refund", Tool: "payments", DependsOn: []string{"lookup"}, Risk: "HIGH"},
	})
	tools := NewMockToolRegistry()
	neverFail(tools, "lookup", "payments")

	r := NewRunner(NewSimulator(tools, nil, nil, WithSeed(1)), nil)
	runID, err := r.Start(tenantCtx("T1"), plan)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		job, err := r.Status(tenantCtx("T1"), runID)
		return err == nil && job.Status == JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job, err := r.Status(tenantCtx("T1"), runID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, job.Progress, 1e-9)

	report, err := r.Report(tenantCtx("T1"), runID)
	require.NoError(t, err)
	assert.True(t, report.Feasible)
	assert.Equal(t, plan.PlanHash, report.PlanHash)
}

func TestRunner_ReportBeforeCompletion(t *testing.T) {
	r := NewRunner(NewSimulator(NewMockToolRegistry(), nil, nil), nil)
	r.jobs["T1/r-1"] = &Job{ID: "r-1", TenantID: "T1", Status: JobRunning}

	_, err := r.Report(tenantCtx("T1"), "r-1")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
}

func TestRunner_CrossTenantIsolation(t *testing.T) {
	plan := compiledPlan(t, []capsule.Step{{Name: "a", Tool: "x"}})
	r := NewRunner(NewSimulator(NewMockToolRegistry(), nil, nil, WithSeed(1)), nil)

	runID, err := r.Start(tenantCtx("T1"), plan)
	require.NoError(t, err)

	_, err = r.Status(tenantCtx("T2"), runID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	err = r.Cancel(tenantCtx("T2"), runID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestRunner_ReportReadableAfterRestart(t *testing.T) {
	store := NewMemoryReportStore()
	plan := compiledPlan(t, []capsule.Step{{Name: "a", Tool: "x"}})
	tools := NewMockToolRegistry()
	neverFail(tools, "x")

	r := NewRunner(NewSimulator(tools, nil, store, WithSeed(1)), nil)
	runID, err := r.Start(tenantCtx("T1"), plan)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := r.Status(tenantCtx("T1"), runID)
		return err == nil && job.Status == JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh runner has no job state; the persisted report still resolves
	// by run id.
	restarted := NewRunner(NewSimulator(tools, nil, store, WithSeed(1)), nil)
	report, err := restarted.Report(tenantCtx("T1"), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, plan.PlanHash, report.PlanHash)

	_, err = restarted.Report(tenantCtx("T2"), runID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestRunner_EmitsPreflightCompleted(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()

	got := make(chan *eventbus.Event, 1)
	_, err := bus.Subscribe(context.Background(), eventbus.SubjectPreflightCompleted, "g",
		func(ctx context.Context, evt *eventbus.Event) error {
			got <- evt
			return nil
		})
	require.NoError(t, err)

	plan := compiledPlan(t, []capsule.Step{{Name: "a", Tool: "x"}})
	r := NewRunner(NewSimulator(NewMockToolRegistry(), nil, nil, WithSeed(1)),
		eventbus.NewPublisher(bus, "ghostrun"))

	runID, err := r.Start(tenantCtx("T1"), plan)
	require.NoError(t, err)

	select {
	case evt := <-got:
		assert.Equal(t, runID, evt.RunID)
		assert.Equal(t, "T1", evt.TenantID)
		var payload map[string]any
		require.NoError(t, evt.DecodeData(&payload))
		assert.Equal(t, plan.PlanHash, payload["plan_hash"])
		assert.Equal(t, true, payload["feasible"])
		assert.NotEmpty(t, payload["report_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("preflight.completed never published")
	}
}
