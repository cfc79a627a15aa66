package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates trust policies against inbound peer requests.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine loaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// Authorize evaluates every enabled policy against in. A policy that fails
// to evaluate counts as a denial.
func (e *Engine) Authorize(ctx context.Context, in RequestInput) (Decision, error) {
	start := time.Now()
	if in.Timestamp.IsZero() {
		in.Timestamp = start
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := Decision{Allowed: true, EvaluatedPolicies: make([]string, 0, len(e.policies))}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		messages, err := evaluate(ctx, cp, in)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			messages = []string{fmt.Sprintf("evaluation failed: %v", err)}
		}
		for _, msg := range messages {
			decision.Denials = append(decision.Denials, Denial{Policy: name, Message: msg})
		}
	}

	decision.Allowed = len(decision.Denials) == 0
	decision.Duration = time.Since(start)

	if !decision.Allowed {
		e.logger.Warn().
			Str("remote_addr", in.RemoteAddr).
			Str("method", in.Method).
			Str("path", in.Path).
			Int("denials", len(decision.Denials)).
			Msg("Request denied by policy")
	}

	return decision, nil
}

// evaluate returns the messages of the policy's deny set.
func evaluate(ctx context.Context, cp *compiledPolicy, in RequestInput) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(inputDocument(in)))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			messages = append(messages, denialMessage(d))
		}
	}
	sort.Strings(messages)
	return messages, nil
}

// inputDocument converts in to the plain value Rego sees as input.
func inputDocument(in RequestInput) map[string]interface{} {
	doc := map[string]interface{}{
		"remote_addr": in.RemoteAddr,
		"method":      in.Method,
		"path":        in.Path,
		"self":        in.Self,
		"timestamp":   in.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if in.Agent != "" {
		doc["agent"] = in.Agent
	}
	return doc
}

func denialMessage(d interface{}) string {
	switch v := d.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", d)
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "bsig.trust"
}

// compile parses the policy and prepares its deny query.
func compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if _, err := ast.ParseModule(policy.Name, policy.Rego); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// LoadPolicies loads policy files from paths and adds them to the engine.
// A policy with the name of an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles and installs policies. Nothing is installed unless
// every policy compiles.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// ReplacePolicies resets the engine to the built-in policies plus policies.
// It is the reload callback of Loader.Watch.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	fresh := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	if err := fresh.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	if err := fresh.AddPolicies(ctx, policies); err != nil {
		return err
	}

	// Keep operator toggles of built-in policies across reloads
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if next, ok := fresh.policies[name]; ok && isBuiltin(name) {
			next.policy.Enabled = cp.policy.Enabled
		}
	}
	e.policies = fresh.policies
	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return nil
}

func isBuiltin(name string) bool {
	for _, p := range GetBuiltinPolicies() {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

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
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
