package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/orchestrator/pkg/engine"
)

// Config configures the policy engine.
type Config struct {
	// Paths are .rego or .json policy files or directories loaded next to the builtins.
	Paths []string `yaml:"paths" envconfig:"PATHS"`

	// Watch reloads Paths when they change on disk.
	Watch bool `yaml:"watch" envconfig:"WATCH"`

	// MaxMonthlyCost is the cost ceiling seen by the cost-ceiling policy. Zero disables it.
	MaxMonthlyCost float64 `yaml:"max_monthly_cost" envconfig:"MAX_MONTHLY_COST"`

	// Disabled names policies that start disabled.
	Disabled []string `yaml:"disabled" envconfig:"DISABLED"`
}

// Engine evaluates Rego policies against execution plans. It implements
// engine.PlanGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	config   Config
	loader   *Loader
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.PlanGate = (*Engine)(nil)

// NewEngine compiles the builtin policies and the policies under cfg.Paths.
func NewEngine(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		config:   cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(logger)

	var loaded []Policy
	if len(cfg.Paths) > 0 {
		var err error
		loaded, err = e.loader.LoadFromPaths(ctx, cfg.Paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	policies, err := e.compileAll(ctx, loaded)
	if err != nil {
		return nil, err
	}
	e.policies = policies

	e.logger.Info().
		Int("count", len(e.policies)).
		Int("custom", len(loaded)).
		Msg("Policies loaded")

	return e, nil
}

// Watch starts reloading the configured paths whenever they change, until ctx
// is done. A reload that fails to compile keeps the previous policy set.
func (e *Engine) Watch(ctx context.Context) error {
	if !e.config.Watch || len(e.config.Paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.config.Paths, func(loaded []Policy) error {
		return e.ReplacePolicies(ctx, loaded)
	})
}

// ReplacePolicies swaps the custom policy set, keeping the builtins. A custom
// policy named like a builtin replaces it.
func (e *Engine) ReplacePolicies(ctx context.Context, loaded []Policy) error {
	policies, err := e.compileAll(ctx, loaded)
	if err != nil {
		return err
	}

	e.mu.Lock()
	// Carry enable/disable toggles across reloads.
	for name, cp := range policies {
		if old, ok := e.policies[name]; ok {
			cp.policy.Enabled = old.policy.Enabled
		}
	}
	e.policies = policies
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

func (e *Engine) compileAll(ctx context.Context, loaded []Policy) (map[string]*compiledPolicy, error) {
	disabled := make(map[string]bool, len(e.config.Disabled))
	for _, name := range e.config.Disabled {
		disabled[name] = true
	}

	all := append(BuiltinPolicies(), loaded...)
	policies := make(map[string]*compiledPolicy, len(all))
	for i := range all {
		p := all[i]
		if disabled[p.Name] {
			p.Enabled = false
		}
		cp, err := compile(ctx, &p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		policies[p.Name] = cp
	}
	return policies, nil
}

// compile parses the module and prepares a query for its deny set.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: p, query: query, compiled: time.Now()}, nil
}

// Review implements engine.PlanGate. An evaluation error on any policy
// denies auto-approval rather than failing planning.
func (e *Engine) Review(ctx context.Context, d *engine.Deployment, plan *engine.ExecutionPlan) (bool, []string, error) {
	result, err := e.EvaluatePlan(ctx, d, plan)
	if err != nil {
		return false, nil, err
	}
	return result.Allowed, result.Reasons(), nil
}

// EvaluatePlan runs every enabled policy against the plan of d.
func (e *Engine) EvaluatePlan(ctx context.Context, d *engine.Deployment, plan *engine.ExecutionPlan) (*Result, error) {
	if d == nil || plan == nil {
		return nil, engine.NewValidationError("policy evaluation requires a deployment and a plan", nil)
	}
	start := time.Now()

	input, err := toInputDocument(NewInput(d, plan, e.config.MaxMonthlyCost))
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: start.UTC()}
	for _, cp := range policies {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := evaluate(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("deployment_id", d.ID).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			result.Allowed = false
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
			}
		}
		result.Violations = append(result.Violations, violations...)
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("deployment_id", d.ID).
		Str("plan_id", plan.PlanID).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// toInputDocument converts the input to plain JSON values so policies see the
// json field names.
func toInputDocument(input Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range results {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// newViolation maps one deny member to a Violation. Members without a
// severity take the policy's.
func newViolation(p *Policy, member interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch m := member.(type) {
	case string:
		v.Message = m
	case map[string]interface{}:
		if msg, ok := m["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := m["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if res, ok := m["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", member)
	}
	return v
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return engine.NewNotFoundError("policy", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Close stops watching policy paths.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}
