package plancompiler

import (
	"context"
	"sort"
	"time"

	"github.com/anumate/control-plane/pkg/capsule"
	"github.com/anumate/control-plane/pkg/errs"
	"github.com/anumate/control-plane/pkg/eventbus"
	"github.com/anumate/control-plane/pkg/tenancy"
)

// maxDependencyDepth bounds transitive capsule resolution.
const maxDependencyDepth = 10

// Result is the compiler output. ValidationErrors is non-empty iff
// compilation was rejected.
type Result struct {
	PlanHash         string          `json:"plan_hash,omitempty"`
	Plan             *ExecutablePlan `json:"compiled_plan,omitempty"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
}

// Compiler validates, resolves, optimizes and hashes capsules.
type Compiler struct {
	registry capsule.Registry
	cache    *Cache
	store    PlanStore
	events   *eventbus.Publisher
	now      func() time.Time
}

// CompilerOption configures the Compiler.
type CompilerOption func(*Compiler)

// WithEvents publishes a plan.compiled event for every fresh compilation.
func WithEvents(events *eventbus.Publisher) CompilerOption {
	return func(c *Compiler) { c.events = events }
}

// WithStore persists every compiled plan so it outlives the in-process
// cache.
func WithStore(store PlanStore) CompilerOption {
	return func(c *Compiler) { c.store = store }
}

func NewCompiler(registry capsule.Registry, cache *Cache, opts ...CompilerOption) *Compiler {
	if cache == nil {
		cache = NewCache()
	}
	c := &Compiler{registry: registry, cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache exposes the plan cache for O(1) lookup by plan hash.
func (c *Compiler) Cache() *Cache { return c.cache }

// Compile runs the full pipeline: schema + business validation, transitive
// dependency resolution, wave optimization, deterministic hashing.
func (c *Compiler) Compile(ctx context.Context, caps *capsule.Capsule) (*Result, error) {
	if problems := caps.Validate(); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Error()
		}
		return &Result{ValidationErrors: msgs}, errs.New(errs.KindValidation, "CAPSULE_INVALID", msgs[0])
	}

	if err := c.resolveDependencies(ctx, caps); err != nil {
		return nil, err
	}

	waves, err := optimize(caps.Definition.Steps)
	if err != nil {
		return nil, err
	}

	tid, _ := tenancy.TenantID(ctx)
	plan := &ExecutablePlan{
		TenantID:        tid,
		CapsuleRef:      caps.Ref(),
		Flows:           waves,
		ToolAllowlist:   allowlist(caps),
		SecurityContext: securityContext(caps),
		CompiledAt:      c.now().UTC(),
	}
	if err := plan.ComputeHash(); err != nil {
		return nil, err
	}

	c.cache.Put(plan)
	if c.store != nil {
		if err := c.store.Save(ctx, plan); err != nil {
			return nil, err
		}
	}
	_ = c.events.Emit(ctx, eventbus.SubjectPlanCompiled, "", map[string]any{
		"plan_hash":   plan.PlanHash,
		"capsule_ref": plan.CapsuleRef,
	})
	return &Result{PlanHash: plan.PlanHash, Plan: plan}, nil
}

// resolveDependencies walks capsule dependencies transitively through the
// registry, bounding depth and detecting cycles across capsules.
func (c *Compiler) resolveDependencies(ctx context.Context, root *capsule.Capsule) error {
	visiting := map[string]bool{root.Ref(): true}
	done := map[string]bool{}

	var walk func(deps []string, depth int) error
	walk = func(deps []string, depth int) error {
		if depth > maxDependencyDepth {
			return errs.Newf(errs.KindValidation, "DEPENDENCY_DEPTH_EXCEEDED",
				"dependency chain deeper than %d", maxDependencyDepth)
		}
		for _, ref := range deps {
			if done[ref] {
				continue
			}
			if visiting[ref] {
				return errs.Newf(errs.KindValidation, "CYCLE_DETECTED",
					"dependency cycle through %s", ref)
			}
			name, version, err := capsule.ParseRef(ref)
			if err != nil {
				return err
			}
			dep, err := c.registry.GetByRef(ctx, name, version)
			if err != nil {
				if errs.IsKind(err, errs.KindNotFound) {
					return errs.Newf(errs.KindValidation, "DEPENDENCY_NOT_FOUND",
						"dependency %s not found", ref)
				}
				return err
			}
			visiting[ref] = true
			if err := walk(dep.Definition.Dependencies, depth+1); err != nil {
				return err
			}
			delete(visiting, ref)
			done[ref] = true
		}
		return nil
	}

	return walk(root.Definition.Dependencies, 1)
}

// optimize topologically sorts steps into parallel waves. Steps land in the
// earliest wave after all their dependencies; order inside a wave is
// lexicographic so the compiled output is deterministic.
func optimize(steps []capsule.Step) ([]Wave, error) {
	byName := make(map[string]capsule.Step, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		byName[s.Name] = s
		indegree[s.Name] = len(s.DependsOn)
		for _, d := range s.DependsOn {
			dependents[d] = append(dependents[d], s.Name)
		}
	}

	var waves []Wave
	frontier := make([]string, 0, len(steps))
	for name, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, name)
		}
	}

	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		wave := Wave{Index: len(waves)}
		var next []string
		for _, name := range frontier {
			step := byName[name]
			wave.Steps = append(wave.Steps, compileStep(step))
			placed++
			for _, dep := range dependents[name] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		waves = append(waves, wave)
		frontier = next
	}

	if placed != len(steps) {
		// Unreachable when capsule.Validate passed, but the compiler must
		// not emit a partial plan on an inconsistent graph.
		return nil, errs.New(errs.KindValidation, "CYCLE_DETECTED", "step graph is not a DAG")
	}
	return waves, nil
}

// compileStep attaches the resource envelope estimate.
func compileStep(s capsule.Step) CompiledStep {
	duration := int64(s.TimeoutSeconds) * 1000
	if duration == 0 {
		duration = 2000 // default step estimate
	}
	cost := 1.0
	switch s.Risk {
	case "HIGH":
		cost = 5.0
	case "CRITICAL":
		cost = 10.0
	case "MEDIUM":
		cost = 2.0
	}
	return CompiledStep{
		Name:             s.Name,
		Tool:             s.Tool,
		Parameters:       s.Parameters,
		DependsOn:        append([]string(nil), s.DependsOn...),
		RequiresApproval: s.RequiresApproval,
		Risk:             s.Risk,
		TimeoutSeconds:   s.TimeoutSeconds,
		MaxRetries:       s.MaxRetries,
		Envelope: ResourceEnvelope{
			EstimatedDurationMS: duration,
			EstimatedCostUnits:  cost,
		},
	}
}

func allowlist(caps *capsule.Capsule) []string {
	set := make(map[string]bool)
	for _, t := range caps.Definition.Tools {
		set[t] = true
	}
	for _, s := range caps.Definition.Steps {
		set[s.Tool] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func securityContext(caps *capsule.Capsule) SecurityContext {
	requiresApproval := false
	risk := ""
	for _, s := range caps.Definition.Steps {
		if s.RequiresApproval {
			requiresApproval = true
		}
		risk = maxRisk(risk, s.Risk)
	}
	if risk == "" {
		risk = "LOW"
	}
	caps2 := make([]string, 0, len(caps.Definition.Steps))
	seen := map[string]bool{}
	for _, s := range caps.Definition.Steps {
		c := "tool:" + s.Tool
		if !seen[c] {
			seen[c] = true
			caps2 = append(caps2, c)
		}
	}
	sort.Strings(caps2)
	return SecurityContext{
		RequiredCapabilities: caps2,
		RequiresApproval:     requiresApproval,
		MaxRisk:              risk,
	}
}
