package ghostrun

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/plancompiler"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// Simulator dry-runs compiled plans against the mock tool registry.
type Simulator struct {
	tools          *MockToolRegistry
	rules          *RuleEngine
	store          ReportStore
	maxParallelism int
	now            func() time.Time
	seed           func() int64

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSeed fixes the PRNG seed so simulations are reproducible in tests.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.seed = func() int64 { return seed } }
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithMaxParallelism bounds concurrent step simulation inside a wave.
func WithMaxParallelism(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.maxParallelism = n
		}
	}
}

func NewSimulator(tools *MockToolRegistry, rules *RuleEngine, store ReportStore, opts ...Option) *Simulator {
	if tools == nil {
		tools = NewMockToolRegistry()
	}
	s := &Simulator{
		tools:          tools,
		rules:          rules,
		store:          store,
		maxParallelism: 8,
		now:            time.Now,
		seed:           func() int64 { return time.Now().UnixNano() },
		active:         make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulate walks the plan's waves, sampling latency and failures per step,
// and returns the aggregated report. The returned report carries its own id
// which also serves as the cancellation handle while the simulation runs.
func (s *Simulator) Simulate(ctx context.Context, plan *plancompiler.ExecutablePlan) (*PreflightReport, error) {
	return s.SimulateRun(ctx, "", plan)
}

// SimulateRun binds the report to the simulation run that produced it, so
// a persisted report can be looked up by run id after a restart.
func (s *Simulator) SimulateRun(ctx context.Context, runID string, plan *plancompiler.ExecutablePlan) (*PreflightReport, error) {
	if plan == nil || plan.PlanHash == "" {
		return nil, errs.New(errs.KindValidation, "PLAN_REQUIRED", "simulation needs a compiled plan")
	}

	reportID := uuid.New().String()
	simCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.active[reportID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, reportID)
		s.mu.Unlock()
	}()

	rng := rand.New(rand.NewSource(s.seed()))
	tid, _ := tenancy.TenantID(ctx)

	report := &PreflightReport{
		ReportID:    reportID,
		RunID:       runID,
		PlanHash:    plan.PlanHash,
		TenantID:    tid,
		SimulatedAt: s.now().UTC(),
	}

	cancelled := false
	for _, wave := range plan.Flows {
		if simCtx.Err() != nil {
			cancelled = true
		}
		outcomes := s.simulateWave(simCtx, rng, wave, cancelled)
		report.Steps = append(report.Steps, outcomes...)

		var waveLatency int64
		for _, out := range outcomes {
			if out.LatencyMS > waveLatency {
				waveLatency = out.LatencyMS
			}
			if out.Status == StepCancelled {
				cancelled = true
			}
		}
		report.EstimatedDurationMS += waveLatency
	}

	s.aggregate(plan, report, cancelled)

	if s.rules != nil {
		recs, err := s.rules.Evaluate(plan, report)
		if err != nil {
			return nil, err
		}
		report.Recommendations = recs
	}

	if s.store != nil {
		if err := s.store.Save(ctx, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// Cancel aborts a running simulation by report id. Idempotent.
func (s *Simulator) Cancel(reportID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.active[reportID]; ok {
		cancel()
	}
}

// simulateWave runs one wave's steps under the parallelism bound. The PRNG
// is sampled sequentially before fan-out so a fixed seed stays reproducible
// regardless of goroutine scheduling.
func (s *Simulator) simulateWave(ctx context.Context, rng *rand.Rand, wave plancompiler.Wave, skipAll bool) []StepOutcome {
	outcomes := make([]StepOutcome, len(wave.Steps))

	type sample struct {
		latency int64
		roll    float64
	}
	samples := make([]sample, len(wave.Steps))
	for i, step := range wave.Steps {
		tool := s.tools.Lookup(step.Tool)
		samples[i] = sample{
			latency: sampleLatency(rng, tool.BaseLatencyMS),
			roll:    rng.Float64(),
		}
	}

	sem := make(chan struct{}, s.maxParallelism)
	var wg sync.WaitGroup
	for i, step := range wave.Steps {
		wg.Add(1)
		go func(i int, step plancompiler.CompiledStep) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = s.simulateStep(ctx, step, samples[i].latency, samples[i].roll, skipAll)
		}(i, step)
	}
	wg.Wait()
	return outcomes
}

func (s *Simulator) simulateStep(ctx context.Context, step plancompiler.CompiledStep, latency int64, roll float64, skip bool) StepOutcome {
	out := StepOutcome{Name: step.Name, Tool: step.Tool, Risk: step.Risk}

	if skip {
		out.Status = StepSkipped
		return out
	}
	if ctx.Err() != nil {
		out.Status = StepCancelled
		return out
	}

	tool := s.tools.Lookup(step.Tool)
	p := failureProbability(step.Risk)
	if tool.FailureProbability != nil {
		p = *tool.FailureProbability
	}

	out.LatencyMS = latency
	if roll < p {
		out.Status = StepFailed
		out.Error = fmt.Sprintf("simulated %s failure for tool %s", riskOrLow(step.Risk), step.Tool)
		return out
	}
	out.Status = StepSimulated
	out.Response = tool.Response
	return out
}

// aggregate fills the summary fields: overall risk is the max step risk,
// feasibility requires no critical issue, and success probability is the
// product of per-step survival rates.
func (s *Simulator) aggregate(plan *plancompiler.ExecutablePlan, report *PreflightReport, cancelled bool) {
	successProb := 1.0
	overall := "LOW"

	for _, step := range plan.Steps() {
		report.EstimatedCostUnits += step.Envelope.EstimatedCostUnits
		tool := s.tools.Lookup(step.Tool)
		p := failureProbability(step.Risk)
		if tool.FailureProbability != nil {
			p = *tool.FailureProbability
		}
		successProb *= 1 - p
		if riskRank(step.Risk) > riskRank(overall) {
			overall = riskOrLow(step.Risk)
		}
	}

	for _, out := range report.Steps {
		if out.Status != StepFailed {
			continue
		}
		severity := SeverityWarning
		if out.Risk == "CRITICAL" || out.Risk == "HIGH" {
			severity = SeverityCritical
		}
		report.Issues = append(report.Issues, Issue{
			Severity: severity,
			Step:     out.Name,
			Code:     "SIMULATED_FAILURE",
			Message:  out.Error,
		})
	}
	if cancelled {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityCritical,
			Code:     "SIMULATION_CANCELLED",
			Message:  "simulation cancelled before completion",
		})
	}

	report.OverallRisk = overall
	report.SuccessProbability = successProb
	report.Feasible = len(report.CriticalIssues()) == 0
}

func riskOrLow(risk string) string {
	if risk == "" {
		return "LOW"
	}
	return risk
}

func riskRank(risk string) int {
	switch risk {
	case "CRITICAL":
		return 4
	case "HIGH":
		return 3
	case "MEDIUM":
		return 2
	case "LOW":
		return 1
	default:
		return 0
	}
}
