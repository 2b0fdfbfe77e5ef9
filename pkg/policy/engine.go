package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/p4converge/pkg/engine"
)

// Engine compiles Rego policies and evaluates them over a desired state
// before the reconciler runs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine returns an engine loaded with BuiltinPolicies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.Add(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Add compiles p and registers it, replacing any policy with the same name.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// LoadPaths loads and compiles every policy found under paths. Nothing is
// registered if any policy fails to compile.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.Replace(ctx, policies)
}

// Replace swaps every non-builtin policy for the given set.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Source != "builtin" {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Custom policies loaded")
	return nil
}

// Evaluate runs every enabled policy over in. Policies run in name order so
// violations are reported deterministically.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	active := make([]*compiledPolicy, 0, len(names))
	for _, name := range names {
		if cp := e.policies[name]; cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range active {
		violations, err := evaluate(ctx, cp, in)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("policy %s failed to evaluate", cp.policy.Name), err)
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
		}
		e.logger.Warn().
			Str("policy", v.Policy).
			Str("unit", v.Unit).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("policies", len(result.EvaluatedPolicies)).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Check evaluates the desired state and returns a ConfigurationError when any
// blocking violation is found. The result is returned in both cases.
func (e *Engine) Check(ctx context.Context, family string, entrypoints []string, ds *engine.DesiredState) (*Result, error) {
	in := Input{Family: family, Entrypoints: entrypoints, Units: ds.Units()}
	if in.Entrypoints == nil {
		in.Entrypoints = []string{}
	}

	result, err := e.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		return result, nil
	}

	blocking := result.Blocking()
	messages := make([]string, 0, len(blocking))
	for _, v := range blocking {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return result, engine.NewConfigurationError(
		fmt.Sprintf("%d policy violation(s): %s", len(blocking), messages[0]), nil).
		WithDetail("violations", messages)
}

// Policies returns the registered policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", p.Name, err)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, in Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denied, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denied {
			out = append(out, newViolation(cp.policy, d))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		return out[i].Message < out[j].Message
	})
	return out, nil
}

func newViolation(p Policy, value interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch d := value.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if unit, ok := d["unit"].(string); ok {
			v.Unit = unit
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}
