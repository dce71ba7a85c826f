package plancompiler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// JobStatus tracks an asynchronous compile job.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// Job is an async compilation with its outcome. Progress moves 0 → 0.1
// when the compile starts and lands on 1 at either terminal status.
type Job struct {
	ID          string    `json:"job_id"`
	TenantID    string    `json:"tenant_id"`
	Status      JobStatus `json:"status"`
	Progress    float64   `json:"progress"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// JobRunner executes compile jobs on a bounded worker pool.
type JobRunner struct {
	compiler *Compiler
	mu       sync.RWMutex
	jobs     map[string]*Job
	sem      chan struct{}
}

func NewJobRunner(compiler *Compiler, workers int) *JobRunner {
	if workers <= 0 {
		workers = 4
	}
	return &JobRunner{
		compiler: compiler,
		jobs:     make(map[string]*Job),
		sem:      make(chan struct{}, workers),
	}
}

// Submit queues a compile and returns immediately with a job id. The
// passed context's tenant binding is captured for the background work.
func (r *JobRunner) Submit(ctx context.Context, caps *capsule.Capsule) (string, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return "", err
	}
	job := &Job{
		ID:          uuid.New().String(),
		TenantID:    tid,
		Status:      JobQueued,
		SubmittedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	// Detach from the request deadline but keep tenant and correlation
	// values.
	bg := context.WithoutCancel(ctx)

	go func() {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		r.advance(job.ID, JobRunning, 0.1)
		result, err := r.compiler.Compile(bg, caps)

		r.mu.Lock()
		defer r.mu.Unlock()
		job.CompletedAt = time.Now().UTC()
		job.Progress = 1
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
			job.Result = result // carries validation errors if any
			return
		}
		job.Status = JobCompleted
		job.Result = result
	}()

	return job.ID, nil
}

// Status returns the job by id within the caller's tenant.
func (r *JobRunner) Status(ctx context.Context, jobID string) (*Job, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok || job.TenantID != tid {
		return nil, errs.Newf(errs.KindNotFound, "JOB_NOT_FOUND", "compile job %s not found", jobID)
	}
	out := *job
	return &out, nil
}

func (r *JobRunner) advance(jobID string, status JobStatus, progress float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.Status = status
		job.Progress = progress
	}
}
