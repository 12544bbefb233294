package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/utils"
)

const aiPathPrefix = "/api/ai"

// inputFields are the request body fields concatenated into the policy
// input for length checks, in this order.
var inputFields = []string{"question", "prompt", "code", "description", "message", "input"}

// ViolationRecorder receives policy denials for the audit trail.
type ViolationRecorder interface {
	RecordPolicyViolation(userID, role, resource, policyID string, violations []string) error
}

// RequestRecorder is optionally implemented by recorders that also want
// allowed AI requests in the audit trail.
type RequestRecorder interface {
	RecordDispatchRequest(userID, role, resource, requestID, ip, userAgent string) error
}

// PolicyMiddleware enforces the policy engine on every request before it
// reaches a handler.
type PolicyMiddleware struct {
	engine   *policy.Engine
	recorder ViolationRecorder
	logger   *zap.Logger
}

// NewPolicyMiddleware creates a policy middleware. recorder may be nil.
func NewPolicyMiddleware(engine *policy.Engine, recorder ViolationRecorder, logger *zap.Logger) *PolicyMiddleware {
	return &PolicyMiddleware{
		engine:   engine,
		recorder: recorder,
		logger:   logger,
	}
}

// Enforce builds a policy context from the request and rejects denied
// requests with a structured 403.
func (m *PolicyMiddleware) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		input := m.extractInput(r)

		userID, role := m.principal(r)
		pctx := policy.Context{
			UserID:    userID,
			Role:      role,
			Action:    deriveAction(r),
			Resource:  deriveResource(r),
			Input:     input,
			Timestamp: time.Now(),
		}

		if err := m.engine.Enforce(pctx); err != nil {
			var violation *policy.ViolationError
			if !errors.As(err, &violation) {
				_ = utils.WriteForbidden(w, err.Error())
				return
			}

			m.logger.Warn("request denied by policy",
				zap.String("user_id", userID),
				zap.String("action", pctx.Action),
				zap.String("resource", pctx.Resource),
				zap.String("policy_id", violation.PolicyID))

			if m.recorder != nil {
				_ = m.recorder.RecordPolicyViolation(userID, role, pctx.Resource, violation.PolicyID, violation.Violations)
			}

			_ = utils.WritePolicyViolation(w, violation.Message, violation.PolicyID, violation.Violations)
			return
		}

		if rr, ok := m.recorder.(RequestRecorder); ok && strings.HasPrefix(r.URL.Path, aiPathPrefix) {
			_ = rr.RecordDispatchRequest(userID, role, pctx.Resource,
				chimiddleware.GetReqID(r.Context()), clientIP(r), r.UserAgent())
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), userID)))
	})
}

// principal resolves the acting identity: the token subject when
// authenticated, anon_<ip> with the "anonymous" role otherwise.
func (m *PolicyMiddleware) principal(r *http.Request) (string, string) {
	if claims := GetClaimsFromContext(r.Context()); claims != nil {
		return claims.Sub, claims.Role
	}
	return "anon_" + clientIP(r), "anonymous"
}

// extractInput reads the body and concatenates the known input fields.
// The body is restored so handlers can read it again.
func (m *PolicyMiddleware) extractInput(r *http.Request) string {
	if r.Body == nil || r.Method == http.MethodGet {
		return ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	var parts []string
	for _, field := range inputFields {
		if v, ok := payload[field].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// deriveAction maps the route to a policy action. AI routes are tool
// invocations; everything else maps from the HTTP verb.
func deriveAction(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, aiPathPrefix) {
		return "invoke_tool"
	}

	switch r.Method {
	case http.MethodGet:
		return "read"
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "api_call"
	}
}

// deriveResource strips the AI prefix so resources line up with policy
// endpoint patterns.
func deriveResource(r *http.Request) string {
	path := r.URL.Path
	if strings.HasPrefix(path, aiPathPrefix) {
		if rest := strings.TrimPrefix(path, aiPathPrefix); rest != "" {
			return rest
		}
	}
	return path
}

func clientIP(r *http.Request) string {
	// RealIP middleware rewrites RemoteAddr when forwarded headers are
	// present, so RemoteAddr is authoritative here.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
