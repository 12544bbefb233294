package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/dispatch-core/services/broadcast"
	"github.com/upb/dispatch-core/utils"
)

// EventsHandler relays broadcast events to observers over SSE.
type EventsHandler struct {
	hub    *broadcast.Hub
	logger *zap.Logger
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(hub *broadcast.Hub, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		hub:    hub,
		logger: logger,
	}
}

// Stream subscribes the client to the broadcast hub until it
// disconnects.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalError(w, "Streaming not supported")
		return
	}

	events, cancel := h.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Initial comment opens the stream on the client side.
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}
