package ghostrun

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// JobStatus tracks an asynchronous simulation.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
)

// Job is one simulation run with its outcome. Progress moves 0 → 0.1 when
// the simulation starts, reaches 1 on completion and resets to 0 on failure.
type Job struct {
	ID          string           `json:"run_id"`
	TenantID    string           `json:"tenant_id"`
	PlanHash    string           `json:"plan_hash"`
	Status      JobStatus        `json:"status"`
	Progress    float64          `json:"progress"`
	Report      *PreflightReport `json:"report,omitempty"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Runner executes simulations off the request path and tracks their
// status per tenant.
type Runner struct {
	sim    *Simulator
	events *eventbus.Publisher

	mu      sync.RWMutex
	jobs    map[string]*Job // tenant + "/" + job id
	cancels map[string]context.CancelFunc
}

func NewRunner(sim *Simulator, events *eventbus.Publisher) *Runner {
	return &Runner{
		sim:     sim,
		events:  events,
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches a simulation and returns its run id immediately.
func (r *Runner) Start(ctx context.Context, plan *plancompiler.ExecutablePlan) (string, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return "", err
	}
	if plan == nil || plan.PlanHash == "" {
		return "", errs.New(errs.KindValidation, "PLAN_REQUIRED", "simulation needs a compiled plan")
	}

	job := &Job{
		ID:          uuid.New().String(),
		TenantID:    tid,
		PlanHash:    plan.PlanHash,
		Status:      JobQueued,
		SubmittedAt: time.Now().UTC(),
	}
	key := tid + "/" + job.ID

	simCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.jobs[key] = job
	r.cancels[key] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, key)
			r.mu.Unlock()
		}()

		r.setStatus(key, JobRunning)
		report, err := r.sim.SimulateRun(simCtx, job.ID, plan)

		r.mu.Lock()
		job.CompletedAt = time.Now().UTC()
		switch {
		case err != nil:
			job.Status = JobFailed
			job.Error = err.Error()
			job.Progress = 0
		case simCtx.Err() != nil:
			job.Report = report
			job.Status = JobCancelled
		default:
			job.Report = report
			job.Status = JobCompleted
			job.Progress = 1
		}
		completed := job.Status == JobCompleted
		r.mu.Unlock()

		if completed {
			_ = r.events.Emit(simCtx, eventbus.SubjectPreflightCompleted, job.ID, map[string]any{
				"plan_hash": job.PlanHash,
				"report_id": report.ReportID,
				"feasible":  report.Feasible,
			})
		}
	}()

	return job.ID, nil
}

// Status returns the job within the caller's tenant.
func (r *Runner) Status(ctx context.Context, jobID string) (*Job, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[tid+"/"+jobID]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "SIMULATION_NOT_FOUND", "simulation %s not found", jobID)
	}
	copied := *job
	return &copied, nil
}

// Report returns the preflight report of a completed simulation. Jobs the
// process no longer tracks are served from the report store, so persisted
// reports stay retrievable across restarts.
func (r *Runner) Report(ctx context.Context, jobID string) (*PreflightReport, error) {
	job, err := r.Status(ctx, jobID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) && r.sim.store != nil {
			return r.sim.store.GetByRun(ctx, jobID)
		}
		return nil, err
	}
	if job.Report == nil {
		return nil, errs.Newf(errs.KindConflict, "SIMULATION_NOT_COMPLETED", "simulation %s is %s", jobID, job.Status)
	}
	return job.Report, nil
}

// Cancel aborts a running simulation. Cancelling a finished job is a
// no-op.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return err
	}
	r.mu.RLock()
	cancel, ok := r.cancels[tid+"/"+jobID]
	_, known := r.jobs[tid+"/"+jobID]
	r.mu.RUnlock()
	if !known {
		return errs.Newf(errs.KindNotFound, "SIMULATION_NOT_FOUND", "simulation %s not found", jobID)
	}
	if ok {
		cancel()
	}
	return nil
}

func (r *Runner) setStatus(key string, status JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[key]; ok && job.Status == JobQueued {
		job.Status = status
		job.Progress = 0.1
	}
}
