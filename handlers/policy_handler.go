package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/utils"
)

// PolicyHandler serves the policy administration endpoints.
type PolicyHandler struct {
	engine *policy.Engine
	logger *zap.Logger
}

// NewPolicyHandler creates a policy handler.
func NewPolicyHandler(engine *policy.Engine, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		engine: engine,
		logger: logger,
	}
}

// List returns all stored policies in evaluation order.
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, map[string]interface{}{
		"policies": h.engine.Policies(),
	})
}

// Append validates and appends a single policy.
func (h *PolicyHandler) Append(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if err := utils.DecodeJSON(r, &p); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid policy body", nil)
		return
	}

	if err := policy.ValidatePolicy(p); err != nil {
		_ = utils.WriteBadRequest(w, "Policy validation failed", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	h.engine.Append(p)
	h.logger.Info("policy appended", zap.String("policy_id", p.ID))

	_ = utils.WriteCreated(w, map[string]interface{}{"id": p.ID})
}

// Evaluate runs a dry evaluation for debugging policy sets.
func (h *PolicyHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var ctx policy.Context
	if err := utils.DecodeJSON(r, &ctx); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid evaluation context", nil)
		return
	}

	_ = utils.WriteOK(w, h.engine.Evaluate(ctx))
}
