package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/approvals"
	"github.com/anumate/control-plane/pkg/audit"
	"github.com/anumate/control-plane/pkg/captokens"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/receipts"
	"github.com/anumate/control-plane/pkg/tenancy"
	"github.com/anumate/control-plane/pkg/toolproto"
)

// Execution engines. Remote is the default; the WASI engine must be
// requested explicitly and be configured at startup.
const (
	EngineRemote = "remote"
	EngineWasm   = "wasm"
)

const maxTokenTTL = 5 * time.Minute

// PlanResolver looks up a compiled plan by hash within the caller's
// tenant.
type PlanResolver interface {
	Resolve(ctx context.Context, planHash string) (*plancompiler.ExecutablePlan, error)
}

// CacheResolver serves plans from the compiler cache, enforcing the
// tenant boundary on lookup. With a durable store attached, a cache miss
// falls back to it and re-warms the cache, so compiled plans stay
// resolvable across restarts.
type CacheResolver struct {
	cache *plancompiler.Cache
	store plancompiler.PlanStore
}

func NewCacheResolver(cache *plancompiler.Cache) *CacheResolver {
	return &CacheResolver{cache: cache}
}

// NewDurableResolver backs the cache with a persistent plan store.
func NewDurableResolver(cache *plancompiler.Cache, store plancompiler.PlanStore) *CacheResolver {
	return &CacheResolver{cache: cache, store: store}
}

func (r *CacheResolver) Resolve(ctx context.Context, planHash string) (*plancompiler.ExecutablePlan, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if plan := r.cache.Get(planHash); plan != nil && plan.TenantID == tid {
		return plan, nil
	}
	if r.store != nil {
		plan, err := r.store.Get(ctx, planHash)
		if err == nil && plan.TenantID == tid {
			r.cache.Put(plan)
			return plan, nil
		}
		if err != nil && !errs.IsKind(err, errs.KindNotFound) {
			return nil, err
		}
	}
	return nil, errs.Newf(errs.KindNotFound, "PLAN_NOT_FOUND", "no compiled plan for hash %s", planHash)
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	MaxConcurrentRunsPerTenant int
	RetryMaxAttempts           int
	RetryBaseDelay             time.Duration
	RetryMaxDelay              time.Duration
	RetryJitterRatio           float64
	ApprovalPollInterval       time.Duration
	SignalPollInterval         time.Duration
	StepTimeout                time.Duration
	IdempotencyTTL             time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrentRunsPerTenant == 0 {
		c.MaxConcurrentRunsPerTenant = 16
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.ApprovalPollInterval == 0 {
		c.ApprovalPollInterval = 500 * time.Millisecond
	}
	if c.SignalPollInterval == 0 {
		c.SignalPollInterval = 250 * time.Millisecond
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
}

// ExecuteRequest starts a run of a compiled plan.
type ExecuteRequest struct {
	PlanHash        string           `json:"plan_hash"`
	Engine          string           `json:"engine,omitempty"`
	Parameters      map[string]any   `json:"parameters,omitempty"`
	RequireApproval bool             `json:"require_approval,omitempty"`
	Approvers       []string         `json:"approvers,omitempty"`
	Quorum          approvals.Quorum `json:"quorum,omitempty"`
	ApprovalTimeout int              `json:"approval_timeout_seconds,omitempty"`
	EscalateTo      []string         `json:"escalate_to,omitempty"`
	IdempotencyKey  string           `json:"-"`
}

// Orchestrator executes plans. One actor goroutine per active run owns
// every transition of that run.
type Orchestrator struct {
	runs      RunStore
	idem      IdempotencyStore
	plans     PlanResolver
	tokens    *captokens.Service
	approvals *approvals.Service
	receipts  *receipts.Service
	remote    toolproto.Caller
	wasm      toolproto.Caller
	events    *eventbus.Publisher
	audit     audit.Logger
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	actors    map[string]*runActor // tenant + "/" + run id
	active    map[string]int       // live runs per tenant
	observers []ExecutionObserver
	wg        sync.WaitGroup
}

// Deps are the orchestrator's collaborators. Remote is required; Wasm is
// optional and gates the "wasm" engine.
type Deps struct {
	Runs      RunStore
	Idem      IdempotencyStore
	Plans     PlanResolver
	Tokens    *captokens.Service
	Approvals *approvals.Service
	Receipts  *receipts.Service
	Remote    toolproto.Caller
	Wasm      toolproto.Caller
	Events    *eventbus.Publisher
	Audit     audit.Logger
	Logger    *slog.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	cfg.defaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		runs:      deps.Runs,
		idem:      deps.Idem,
		plans:     deps.Plans,
		tokens:    deps.Tokens,
		approvals: deps.Approvals,
		receipts:  deps.Receipts,
		remote:    deps.Remote,
		wasm:      deps.Wasm,
		events:    deps.Events,
		audit:     deps.Audit,
		logger:    deps.Logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
		actors:    make(map[string]*runActor),
		active:    make(map[string]int),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observe registers a lifecycle observer. Register before the first
// Execute; registration is not synchronized with running actors.
func (o *Orchestrator) Observe(obs ExecutionObserver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Execute validates the request, settles idempotency, admits the run
// against the tenant's concurrency budget and starts its actor. The
// returned run is a snapshot; poll Get for progress.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*Run, error) {
	tid, err := tenancy.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if req.PlanHash == "" {
		return nil, errs.New(errs.KindValidation, "PLAN_HASH_REQUIRED", "plan_hash is required")
	}
	if req.Engine == "" {
		req.Engine = EngineRemote
	}
	// Any engine name other than "wasm" is served by the remote runtime;
	// the name is recorded on the run and forwarded to the tool calls.
	if req.Engine == EngineWasm {
		if o.wasm == nil {
			return nil, errs.New(errs.KindValidation, "ENGINE_UNAVAILABLE", "wasm engine not enabled")
		}
	} else if o.remote == nil {
		return nil, errs.New(errs.KindInternal, "ENGINE_UNAVAILABLE", "remote tool runtime not configured")
	}

	runID := uuid.New().String()

	if req.IdempotencyKey != "" {
		fingerprint, err := requestFingerprint(req)
		if err != nil {
			return nil, err
		}
		existing, reserved, err := o.idem.Reserve(ctx, &IdemRecord{
			Key:         req.IdempotencyKey,
			Fingerprint: fingerprint,
			RunID:       runID,
			ExpiresAt:   o.now().Add(o.cfg.IdempotencyTTL),
		})
		if err != nil {
			return nil, err
		}
		if !reserved {
			if existing.Fingerprint != fingerprint {
				return nil, errs.New(errs.KindConflict, "IDEMPOTENCY_CONFLICT",
					"idempotency key was used with a different request")
			}
			// Replays never consume an admission slot.
			return o.runs.Get(ctx, existing.RunID)
		}
	}

	if err := o.admit(tid); err != nil {
		o.dropReservation(ctx, req)
		return nil, err
	}

	run := &Run{
		RunID:           runID,
		TenantID:        tid,
		PlanHash:        req.PlanHash,
		Engine:          req.Engine,
		Status:          StatusPending,
		Parameters:      req.Parameters,
		RequireApproval: req.RequireApproval,
		CorrelationID:   tenancy.CorrelationID(ctx),
		CreatedAt:       o.now().UTC(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		o.release(tid)
		o.dropReservation(ctx, req)
		return nil, err
	}

	actor := newRunActor()
	o.mu.Lock()
	o.actors[tid+"/"+runID] = actor
	o.mu.Unlock()

	// The actor outlives the request; keep the principal, drop the
	// request's cancellation.
	actorCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go o.drive(actorCtx, actor, cloneRun(run), req)

	o.record(ctx, "run.submitted", run, map[string]any{"plan_hash": run.PlanHash, "engine": run.Engine})
	return run, nil
}

func (o *Orchestrator) dropReservation(ctx context.Context, req ExecuteRequest) {
	if req.IdempotencyKey == "" {
		return
	}
	if err := o.idem.Delete(ctx, req.IdempotencyKey); err != nil {
		o.logger.Warn("drop idempotency reservation", "key", req.IdempotencyKey, "error", err)
	}
}

// Get returns the run within the caller's tenant.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*Run, error) {
	return o.runs.Get(ctx, runID)
}

// List returns the tenant's runs, newest first.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*Run, error) {
	return o.runs.ListByTenant(ctx, limit)
}

// Cancel requests cooperative cancellation. Cancelling a terminal run is
// a no-op that returns the run as is.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*Run, error) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if actor := o.actor(run.TenantID, runID); actor != nil {
		actor.requestCancel()
		o.record(ctx, "run.cancel_requested", run, nil)
		return run, nil
	}
	// No live actor (for example after a restart): finalize directly.
	if err := o.transition(ctx, run, StatusCancelled); err != nil {
		return nil, err
	}
	now := o.now().UTC()
	run.CompletedAt = &now
	if err := o.runs.Update(ctx, run); err != nil {
		return nil, err
	}
	o.record(ctx, "run.cancelled", run, nil)
	return run, nil
}

// Pause requests suspension at the next step boundary.
func (o *Orchestrator) Pause(ctx context.Context, runID string) (*Run, error) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, errs.Newf(errs.KindConflict, "RUN_NOT_PAUSABLE", "run is %s", run.Status)
	}
	actor := o.actor(run.TenantID, runID)
	if actor == nil {
		return nil, errs.New(errs.KindConflict, "RUN_NOT_PAUSABLE", "run has no live executor")
	}
	actor.requestPause()
	o.record(ctx, "run.pause_requested", run, nil)
	return run, nil
}

// Resume lifts a pause. Resuming a run that is not paused is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, errs.Newf(errs.KindConflict, "RUN_NOT_RESUMABLE", "run is %s", run.Status)
	}
	if actor := o.actor(run.TenantID, runID); actor != nil {
		actor.requestResume()
		o.record(ctx, "run.resumed", run, nil)
	}
	return run, nil
}

// Wait blocks until every live actor has finished. Test and shutdown
// helper.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) actor(tenantID, runID string) *runActor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.actors[tenantID+"/"+runID]
}

// admit reserves a concurrency slot for the tenant.
func (o *Orchestrator) admit(tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[tenantID] >= o.cfg.MaxConcurrentRunsPerTenant {
		return errs.Newf(errs.KindTransient, "SERVICE_BUSY",
			"tenant at the limit of %d concurrent runs", o.cfg.MaxConcurrentRunsPerTenant)
	}
	o.active[tenantID]++
	return nil
}

func (o *Orchestrator) release(tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[tenantID] > 0 {
		o.active[tenantID]--
	}
}

// transition moves the run to the next status, enforcing the state
// machine, and persists it.
func (o *Orchestrator) transition(ctx context.Context, run *Run, to RunStatus) error {
	from := run.Status
	if !canTransition(from, to) {
		return errs.Newf(errs.KindInternal, "INVALID_TRANSITION", "no edge %s -> %s", from, to)
	}
	run.Status = to
	if err := o.runs.Update(ctx, run); err != nil {
		run.Status = from
		return err
	}
	o.logger.Info("run transitioned",
		"run_id", run.RunID, "tenant_id", run.TenantID, "from", string(from), "to", string(to))
	o.mu.Lock()
	observers := append([]ExecutionObserver(nil), o.observers...)
	o.mu.Unlock()
	for _, obs := range observers {
		obs.RunTransitioned(run, from, to)
	}
	return nil
}

func (o *Orchestrator) record(ctx context.Context, action string, run *Run, metadata map[string]any) {
	if o.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["run_id"] = run.RunID
	metadata["status"] = string(run.Status)
	_ = o.audit.Record(ctx, audit.EventMutation, action, "run/"+run.RunID, metadata)
}
