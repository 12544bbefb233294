package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/upb/dispatch-core/middleware"
	"github.com/upb/dispatch-core/services/dispatch"
	"github.com/upb/dispatch-core/services/policy"
	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/utils"
)

// AIHandler serves the streaming AI endpoints.
type AIHandler struct {
	dispatcher *dispatch.Service
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewAIHandler creates an AI handler.
func NewAIHandler(dispatcher *dispatch.Service, logger *zap.Logger) *AIHandler {
	return &AIHandler{
		dispatcher: dispatcher,
		validate:   validator.New(),
		logger:     logger,
	}
}

// askRequest is the request body shared by the AI endpoints. Question
// and Prompt are interchangeable; at least one must be present.
type askRequest struct {
	Question     string              `json:"question" validate:"required_without=Prompt"`
	Prompt       string              `json:"prompt"`
	Code         string              `json:"code"`
	Provider     string              `json:"provider"`
	SessionID    string              `json:"sessionId"`
	SystemPrompt string              `json:"systemPrompt"`
	History      []providers.Message `json:"history" validate:"max=50"`
}

// Ask returns the streaming handler for one endpoint. kind selects the
// retrieval collection; resource is the policy resource for the route.
func (h *AIHandler) Ask(kind, resource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body askRequest
		if err := utils.DecodeJSON(r, &body); err != nil {
			_ = utils.WriteBadRequest(w, "Invalid request body", nil)
			return
		}
		if err := h.validate.Struct(body); err != nil {
			_ = utils.WriteBadRequest(w, "Validation failed", map[string]interface{}{"reason": err.Error()})
			return
		}

		question := body.Question
		if question == "" {
			question = body.Prompt
		}
		if body.Code != "" {
			question += "\n\n" + body.Code
		}

		userID := middleware.GetPrincipalFromContext(r.Context())
		role := ""
		if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
			role = claims.Role
		}

		req := dispatch.Request{
			SessionID:    body.SessionID,
			UserID:       userID,
			Role:         role,
			Kind:         kind,
			Provider:     body.Provider,
			Action:       "invoke_tool",
			Resource:     resource,
			Question:     question,
			History:      body.History,
			SystemPrompt: body.SystemPrompt,
			RequestID:    chimiddleware.GetReqID(r.Context()),
		}

		fragments, err := h.dispatcher.Dispatch(r.Context(), req)
		if err != nil {
			h.writeDispatchError(w, err)
			return
		}

		h.stream(w, fragments)
	}
}

// stream writes fragments as server-sent events, ending with [DONE].
func (h *AIHandler) stream(w http.ResponseWriter, fragments <-chan dispatch.Fragment) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frag := range fragments {
		switch frag.Type {
		case dispatch.FragmentText, dispatch.FragmentHalted:
			writeSSE(w, map[string]string{"text": frag.Text})
		case dispatch.FragmentError:
			writeSSE(w, map[string]string{"error": frag.Err.Error()})
		}
		flusher.Flush()
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *AIHandler) writeDispatchError(w http.ResponseWriter, err error) {
	var violation *policy.ViolationError
	if errors.As(err, &violation) {
		_ = utils.WritePolicyViolation(w, violation.Message, violation.PolicyID, violation.Violations)
		return
	}
	if errors.Is(err, providers.ErrNoProvidersAvailable) {
		_ = utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse{
			Error:   "no_providers_available",
			Message: "No generation backend is available",
		})
		return
	}

	h.logger.Error("dispatch failed", zap.Error(err))
	_ = utils.WriteInternalError(w, "")
}

func writeSSE(w http.ResponseWriter, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}
