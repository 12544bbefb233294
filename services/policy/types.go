package policy

import (
	"fmt"
	"strings"
	"time"
)

// Effect is the outcome a policy applies to matching requests.
type Effect string

const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// Principal matches the acting identity of a request.
// Any takes precedence; otherwise Role and UserID must each match when set.
type Principal struct {
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
	UserID string `json:"userId,omitempty" yaml:"userId,omitempty"`
	Any    bool   `json:"any,omitempty" yaml:"any,omitempty"`
}

// Resource matches the target of a request over tool-name and endpoint
// patterns. An empty matcher or Any matches everything.
type Resource struct {
	Tools     []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Endpoints []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Any       bool     `json:"any,omitempty" yaml:"any,omitempty"`
}

// Conditions are usage constraints attached to an otherwise-matching policy.
type Conditions struct {
	// RateLimit is "N/unit" where unit is second, minute, hour or day.
	RateLimit      string `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty" validate:"omitempty,ratespec"`
	InputMaxLength int    `json:"inputMaxLength,omitempty" yaml:"inputMaxLength,omitempty" validate:"omitempty,gt=0"`
	RequireAuth    bool   `json:"requireAuth,omitempty" yaml:"requireAuth,omitempty"`
}

// Policy is a declarative permit/deny rule. Policies are immutable once
// loaded; the store is append-only and evaluated in insertion order.
type Policy struct {
	ID          string      `json:"id" yaml:"id" validate:"required"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      Effect      `json:"effect" yaml:"effect" validate:"required,oneof=permit deny"`
	Principal   *Principal  `json:"principal,omitempty" yaml:"principal,omitempty"`
	Actions     []string    `json:"action" yaml:"action" validate:"required,min=1"`
	Resource    *Resource   `json:"resource,omitempty" yaml:"resource,omitempty"`
	Conditions  *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Context is the ephemeral per-request evaluation input. It is built by the
// transport layer and discarded after the call; this package never stores it.
type Context struct {
	UserID    string    `json:"userId,omitempty"`
	Role      string    `json:"role,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource,omitempty"`
	Input     string    `json:"input,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// PrincipalOrAnonymous returns the user id, or "anonymous" when unset.
func (c Context) PrincipalOrAnonymous() string {
	if c.UserID == "" {
		return "anonymous"
	}
	return c.UserID
}

// IsAnonymous reports whether the context carries no authenticated
// identity. Unauthenticated requests arrive with an empty user id or an
// anon_<ip> identifier assigned by the transport layer.
func (c Context) IsAnonymous() bool {
	return c.UserID == "" || strings.HasPrefix(c.UserID, "anon_")
}

// Result is the outcome of evaluating a context against the store.
type Result struct {
	Allowed       bool     `json:"allowed"`
	MatchedPolicy string   `json:"matchedPolicy,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Violations    []string `json:"violations"`
}

// ViolationError is returned by Enforce when a context is denied.
type ViolationError struct {
	Message    string
	PolicyID   string
	Violations []string
}

func (e *ViolationError) Error() string {
	return e.Message
}

// ParseRateLimit parses a "N/unit" rate spec into a limit and window.
// Invalid specs fall back to 100/hour, matching the permissive behavior the
// default policy set was written against.
func ParseRateLimit(spec string) (int, time.Duration) {
	var limit int
	var unit string
	if _, err := fmt.Sscanf(spec, "%d/%s", &limit, &unit); err != nil || limit <= 0 {
		return 100, time.Hour
	}
	switch unit {
	case "second":
		return limit, time.Second
	case "minute":
		return limit, time.Minute
	case "hour":
		return limit, time.Hour
	case "day":
		return limit, 24 * time.Hour
	default:
		return 100, time.Hour
	}
}
