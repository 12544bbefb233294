package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionDispatchRequest   AuditAction = "dispatch_request"
	AuditActionDispatchCompleted AuditAction = "dispatch_completed"
	AuditActionPolicyViolation   AuditAction = "policy_violation"
	AuditActionOutputHalted      AuditAction = "output_halted"
	AuditActionToolInvoked       AuditAction = "tool_invoked"
	AuditActionPoliciesLoaded    AuditAction = "policies_loaded"
)

// Decision outcomes recorded on audit entries.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
	DecisionHalted  = "halted"
)

// AuditLog represents one audit trail entry for a dispatch decision.
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"` // principal id or anon_<ip>
	Role         string          `json:"role,omitempty" db:"role"`
	Action       AuditAction     `json:"action" db:"action"`
	Resource     string          `json:"resource" db:"resource"`
	Decision     string          `json:"decision" db:"decision"`
	PolicyID     *string         `json:"policy_id,omitempty" db:"policy_id"`
	Details      json.RawMessage `json:"details,omitempty" db:"details"`
	IPAddress    string          `json:"ip_address" db:"ip_address"`
	UserAgent    string          `json:"user_agent" db:"user_agent"`
	RequestID    string          `json:"request_id" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
	Provider     *string         `json:"provider,omitempty" db:"provider"`
	LatencyMs    *int            `json:"latency_ms,omitempty" db:"latency_ms"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(userID string, action AuditAction, resource string) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Decision:  DecisionAllowed,
		Timestamp: time.Now(),
	}
}

// WithRole sets the principal role
func (a *AuditLog) WithRole(role string) *AuditLog {
	a.Role = role
	return a
}

// WithDecision sets the decision outcome
func (a *AuditLog) WithDecision(decision string) *AuditLog {
	a.Decision = decision
	return a
}

// WithPolicy sets the policy that produced the decision
func (a *AuditLog) WithPolicy(policyID string) *AuditLog {
	a.PolicyID = &policyID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}

// WithProvider sets the provider that served the request
func (a *AuditLog) WithProvider(provider string, latencyMs int) *AuditLog {
	a.Provider = &provider
	a.LatencyMs = &latencyMs
	return a
}

// WithError sets error information
func (a *AuditLog) WithError(message string) *AuditLog {
	a.ErrorMessage = &message
	return a
}
