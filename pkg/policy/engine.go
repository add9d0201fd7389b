// Package policy decides approval gating and sandbox profiles for
// session steps by evaluating Rego policies against step metadata.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates approval and sandbox policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared query.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		policy := p
		if err := e.Load(context.Background(), &policy); err != nil {
			return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Load compiles and registers a policy, replacing any previous policy
// with the same name.
func (e *Engine) Load(ctx context.Context, p *Policy) error {
	packageName := extractPackageName(p.Rego)
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s", packageName)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	e.logger.Debug().Str("policy", p.Name).Msg("policy loaded")
	return nil
}

// EvaluateStep runs every enabled policy against one step. The runbook's
// own approval flag and sandbox profile are the floor; policies can only
// tighten them.
func (e *Engine) EvaluateStep(ctx context.Context, input *StepInput) (*StepDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &StepDecision{
		RequiresApproval: input.RequiresApproval,
		SandboxProfile:   input.SandboxProfile,
	}
	if decision.SandboxProfile == "" {
		decision.SandboxProfile = ProfileStandard
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		reasons, profile, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			// A broken policy must not block remediation of a live
			// incident; log and fall through to the declared values.
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Int("step_number", input.StepNumber).
				Msg("policy evaluation failed")
			continue
		}
		if len(reasons) > 0 {
			decision.RequiresApproval = true
			decision.Reasons = append(decision.Reasons, reasons...)
		}
		if profile != "" {
			decision.SandboxProfile = StricterProfile(decision.SandboxProfile, profile)
		}
	}
	return decision, nil
}

// EvaluateSession evaluates every step and aggregates the session-level
// approval mode and sandbox profile.
func (e *Engine) EvaluateSession(ctx context.Context, steps []StepInput) (*SessionDecision, error) {
	session := &SessionDecision{
		ApprovalMode:   ApprovalModeAuto,
		SandboxProfile: ProfileStandard,
		Steps:          make([]StepDecision, 0, len(steps)),
	}
	for i := range steps {
		decision, err := e.EvaluateStep(ctx, &steps[i])
		if err != nil {
			return nil, err
		}
		session.Steps = append(session.Steps, *decision)
		if decision.RequiresApproval {
			session.ApprovalMode = ApprovalModeManual
			session.GatedSteps = append(session.GatedSteps, steps[i].StepNumber)
		}
		session.SandboxProfile = StricterProfile(session.SandboxProfile, decision.SandboxProfile)
	}
	return session, nil
}

// evaluatePolicy runs one policy and extracts the require_approval
// reasons and the optional sandbox_profile suggestion.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *StepInput) ([]string, string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, "", fmt.Errorf("policy evaluation error: %w", err)
	}

	var reasons []string
	profile := ""
	for _, result := range results {
		for _, expr := range result.Expressions {
			doc, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			if set, ok := doc["require_approval"].([]interface{}); ok {
				for _, r := range set {
					if msg, ok := r.(string); ok {
						reasons = append(reasons, fmt.Sprintf("%s: %s", cp.policy.Name, msg))
					}
				}
			}
			if p, ok := doc["sandbox_profile"].(string); ok {
				profile = p
			}
		}
	}
	return reasons, profile, nil
}

// extractPackageName extracts the package name from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "remedy.policies"
}

// Names returns the loaded policy names.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	return names
}
