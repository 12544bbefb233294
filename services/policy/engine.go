package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateTracker answers whether a key is within its rate window. The engine
// consults it for every matching policy carrying a rateLimit condition.
type RateTracker interface {
	Allow(key string, limit int, period time.Duration) bool
}

// Engine holds an ordered, append-only list of policies and evaluates
// request contexts against them. Safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies []compiledPolicy
	rates    RateTracker
	logger   *zap.Logger
}

// NewEngine creates an Engine seeded with the default policy set.
func NewEngine(rates RateTracker, logger *zap.Logger) *Engine {
	e := &Engine{rates: rates, logger: logger}
	e.Append(DefaultPolicies()...)
	return e
}

// NewEmptyEngine creates an Engine with no policies, for tests and for
// callers that load a full set from file.
func NewEmptyEngine(rates RateTracker, logger *zap.Logger) *Engine {
	return &Engine{rates: rates, logger: logger}
}

// Append adds policies to the end of the store. Policies are never removed
// in-process; restart to reset.
func (e *Engine) Append(policies ...Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		e.policies = append(e.policies, compilePolicy(p))
	}
	e.logger.Info("loaded policies",
		zap.Int("added", len(policies)),
		zap.Int("total", len(e.policies)))
}

// Policies returns a snapshot of the stored policy definitions.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	for i, cp := range e.policies {
		out[i] = cp.Policy
	}
	return out
}

// Evaluate tests a context against all policies in insertion order.
// Condition violations are collected across every matching policy; the first
// matching deny stops the scan. A context with any violations is denied even
// when only permit policies matched. Evaluate never fails.
func (e *Engine) Evaluate(ctx Context) Result {
	return e.evaluate(ctx, true)
}

func (e *Engine) evaluate(ctx Context, chargeRates bool) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var (
		violations []string
		matched    string
		reason     string
		allowed    = true
	)

	for _, p := range e.policies {
		if !p.matches(ctx) {
			continue
		}

		matched = p.ID
		violations = append(violations, e.checkConditions(p, ctx, chargeRates)...)

		if p.Effect == EffectDeny {
			allowed = false
			reason = fmt.Sprintf("Denied by policy: %s", p.ID)
			break
		}
	}

	if len(violations) > 0 {
		allowed = false
		if reason == "" {
			reason = "Condition violations: " + strings.Join(violations, ", ")
		}
	}

	if violations == nil {
		violations = []string{}
	}

	return Result{
		Allowed:       allowed,
		MatchedPolicy: matched,
		Reason:        reason,
		Violations:    violations,
	}
}

// Enforce evaluates the context and returns a *ViolationError when denied.
// Each Enforce charges matching rate windows one unit.
func (e *Engine) Enforce(ctx Context) error {
	return toViolation(e.evaluate(ctx, true))
}

// Recheck is Enforce without charging rate windows. The transport layer
// charges each request exactly once on entry; in-core rechecks (the
// dispatch entry and per-tool-call gates) use this so a single request
// never consumes more than one unit of a rate budget.
func (e *Engine) Recheck(ctx Context) error {
	return toViolation(e.evaluate(ctx, false))
}

func toViolation(result Result) error {
	if result.Allowed {
		return nil
	}

	message := result.Reason
	if message == "" {
		message = "Policy violation"
	}
	return &ViolationError{
		Message:    message,
		PolicyID:   result.MatchedPolicy,
		Violations: result.Violations,
	}
}

func (e *Engine) checkConditions(p compiledPolicy, ctx Context, chargeRates bool) []string {
	if p.Conditions == nil {
		return nil
	}

	var violations []string

	if spec := p.Conditions.RateLimit; spec != "" && chargeRates {
		limit, period := ParseRateLimit(spec)
		key := ctx.PrincipalOrAnonymous() + ":" + p.ID
		if !e.rates.Allow(key, limit, period) {
			violations = append(violations, fmt.Sprintf("Rate limit exceeded: %s", spec))
		}
	}

	if max := p.Conditions.InputMaxLength; max > 0 && ctx.Input != "" {
		if n := len(ctx.Input); n > max {
			violations = append(violations, fmt.Sprintf("Input too long: %d > %d", n, max))
		}
	}

	if p.Conditions.RequireAuth && ctx.IsAnonymous() {
		violations = append(violations, "Authentication required")
	}

	return violations
}

// DefaultPolicies is the built-in secure-by-default set loaded at startup.
// The definitions must stay byte-for-byte compatible with existing clients.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			ID:          "allow-public-ai",
			Description: "Allow public AI endpoints",
			Effect:      EffectPermit,
			Principal:   &Principal{Any: true},
			Actions:     []string{"invoke_tool", "api_call"},
			Resource: &Resource{
				Endpoints: []string{
					"/coding/assist",
					"/behavioral/answer",
					"/case/analyze",
					"/coach/natural",
					"/listen/assist",
					"/image/*",
				},
			},
		},
		{
			ID:          "rate-limit-ai",
			Description: "Rate limit AI requests",
			Effect:      EffectPermit,
			Principal:   &Principal{Any: true},
			Actions:     []string{"invoke_tool"},
			Conditions:  &Conditions{RateLimit: "100/hour"},
		},
		{
			ID:          "input-length-limit",
			Description: "Limit input prompt length",
			Effect:      EffectPermit,
			Principal:   &Principal{Any: true},
			Actions:     []string{"*"},
			Conditions:  &Conditions{InputMaxLength: 10000},
		},
		{
			ID:          "deny-admin-tools",
			Description: "Deny access to admin tools",
			Effect:      EffectDeny,
			Principal:   &Principal{Role: "user"},
			Actions:     []string{"invoke_tool"},
			Resource: &Resource{
				Tools: []string{"delete_session", "delete_profile", "admin_*"},
			},
		},
	}
}
