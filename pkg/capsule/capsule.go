// Package capsule models the declarative automation artifact tenants
// submit: a named, semver'd YAML definition of steps, dependencies and
// approval requirements. The registry stores immutable versions per tenant.
package capsule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/anumate/control-plane/pkg/canonicalize"
	"github.com/anumate/control-plane/pkg/errs"
)

// namePattern enforces lowercase-hyphen capsule and step names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Capsule is a stored automation artifact. Immutable per (tenant, name,
// version); soft-deletable.
type Capsule struct {
	ID        string     `json:"id" yaml:"-"`
	TenantID  string     `json:"tenant_id" yaml:"-"`
	Name      string     `json:"name" yaml:"name"`
	Version   string     `json:"version" yaml:"version"`
	Checksum  string     `json:"checksum" yaml:"-"`
	Signature string     `json:"signature,omitempty" yaml:"-"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"-"`

	Definition Definition `json:"definition" yaml:",inline"`
}

// Definition is the structured body of a capsule.
type Definition struct {
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // "name@version"
	Tools        []string          `json:"tools,omitempty" yaml:"tools,omitempty"`
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Steps        []Step            `json:"steps" yaml:"steps"`
}

// Step is one unit of work inside a capsule flow.
type Step struct {
	Name             string         `json:"name" yaml:"name"`
	Tool             string         `json:"tool" yaml:"tool"`
	Parameters       map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Risk             string         `json:"risk,omitempty" yaml:"risk,omitempty"` // LOW, MEDIUM, HIGH, CRITICAL
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries       int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ParseYAML decodes a capsule definition from YAML.
func ParseYAML(data []byte) (*Capsule, error) {
	var c Capsule
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "CAPSULE_YAML_INVALID", "capsule yaml parse failed", err)
	}
	return &c, nil
}

// ComputeChecksum sets Checksum = SHA-256(canonical(definition)).
func (c *Capsule) ComputeChecksum() error {
	sum, err := canonicalize.Hash(c.Definition)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "CHECKSUM_FAILED", "capsule checksum", err)
	}
	c.Checksum = sum
	return nil
}

// Ref is the "name@version" form used in dependency lists.
func (c *Capsule) Ref() string {
	return c.Name + "@" + c.Version
}

// ParseRef splits a "name@version" dependency reference.
func ParseRef(ref string) (name, version string, err error) {
	parts := strings.SplitN(ref, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Newf(errs.KindValidation, "DEPENDENCY_REF_INVALID",
			"dependency reference %q must be name@version", ref)
	}
	return parts[0], parts[1], nil
}

// Validate applies the structural and business rules: semver version,
// lowercase-hyphen name, well-formed dependency refs, unique step names,
// step-local dependency references, acyclic step graph.
func (c *Capsule) Validate() []error {
	var problems []error

	if !namePattern.MatchString(c.Name) {
		problems = append(problems, errs.Newf(errs.KindValidation, "CAPSULE_NAME_INVALID",
			"name %q must be lowercase-hyphen", c.Name))
	}
	if _, err := semver.StrictNewVersion(c.Version); err != nil {
		problems = append(problems, errs.Newf(errs.KindValidation, "CAPSULE_VERSION_INVALID",
			"version %q is not valid semver: %v", c.Version, err))
	}
	for _, dep := range c.Definition.Dependencies {
		name, version, err := ParseRef(dep)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		if !namePattern.MatchString(name) {
			problems = append(problems, errs.Newf(errs.KindValidation, "DEPENDENCY_REF_INVALID",
				"dependency name %q must be lowercase-hyphen", name))
		}
		if _, err := semver.StrictNewVersion(version); err != nil {
			problems = append(problems, errs.Newf(errs.KindValidation, "DEPENDENCY_REF_INVALID",
				"dependency version %q is not valid semver", version))
		}
	}

	if len(c.Definition.Steps) == 0 {
		problems = append(problems, errs.New(errs.KindValidation, "CAPSULE_EMPTY", "capsule has no steps"))
	}

	seen := make(map[string]bool, len(c.Definition.Steps))
	for _, step := range c.Definition.Steps {
		if !namePattern.MatchString(step.Name) {
			problems = append(problems, errs.Newf(errs.KindValidation, "STEP_NAME_INVALID",
				"step name %q must be lowercase-hyphen", step.Name))
		}
		if seen[step.Name] {
			problems = append(problems, errs.Newf(errs.KindValidation, "STEP_NAME_DUPLICATE",
				"duplicate step name %q", step.Name))
		}
		seen[step.Name] = true
		if step.Tool == "" {
			problems = append(problems, errs.Newf(errs.KindValidation, "STEP_TOOL_MISSING",
				"step %q declares no tool", step.Name))
		}
	}
	for _, step := range c.Definition.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				problems = append(problems, errs.Newf(errs.KindValidation, "STEP_DEPENDENCY_UNKNOWN",
					"step %q depends on unknown step %q", step.Name, dep))
			}
		}
	}

	if cycle := findStepCycle(c.Definition.Steps); cycle != "" {
		problems = append(problems, errs.Newf(errs.KindValidation, "CYCLE_DETECTED",
			"step dependency cycle through %q", cycle))
	}

	return problems
}

// findStepCycle returns a step on a dependency cycle, or "".
func findStepCycle(steps []Step) string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = s.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(string) string
	visit = func(n string) string {
		color[n] = grey
		for _, d := range deps[n] {
			switch color[d] {
			case grey:
				return d
			case white:
				if hit := visit(d); hit != "" {
					return hit
				}
			}
		}
		color[n] = black
		return ""
	}

	for _, s := range steps {
		if color[s.Name] == white {
			if hit := visit(s.Name); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// String implements fmt.Stringer for log lines.
func (c *Capsule) String() string {
	return fmt.Sprintf("capsule %s (tenant %s)", c.Ref(), c.TenantID)
}
