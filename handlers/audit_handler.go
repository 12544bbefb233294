package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/audit"
	"github.com/upb/dispatch-core/utils"
)

const maxAuditPageSize = 500

// AuditHandler serves the audit trail admin endpoints.
type AuditHandler struct {
	service *audit.Service
	logger  *zap.Logger
}

// NewAuditHandler creates an audit handler.
func NewAuditHandler(service *audit.Service, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger,
	}
}

// Recent returns the newest audit entries. The limit query parameter
// defaults to 100 and is capped.
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			_ = utils.WriteBadRequest(w, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}

	entries, err := h.service.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read audit trail", zap.Error(err))
		_ = utils.WriteInternalError(w, "")
		return
	}

	_ = utils.WriteOK(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Stats returns audit pipeline statistics.
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.service.GetStats()
	_ = utils.WriteOK(w, map[string]interface{}{
		"bufferSize":    stats.BufferSize,
		"pendingEvents": stats.PendingEvents,
		"workerCount":   stats.WorkerCount,
		"started":       stats.Started,
	})
}
