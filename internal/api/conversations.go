package api

import (
	"net/http"

	"github.com/dennisdiepolder/monti/queueengine/internal/metrics"
	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ConversationHandler receives conversation lifecycle events
type ConversationHandler struct {
	queues  *queue.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(queues *queue.Manager, m *metrics.Metrics, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		queues:  queues,
		metrics: m,
		logger:  logger.With().Str("component", "conversations_api").Logger(),
	}
}

// HandleQueue handles POST /internal/conversations/queue
func (h *ConversationHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	entry, err := h.queues.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.metrics.RecordEnqueued(entry.DepartmentID, string(entry.Priority))
	writeJSON(w, http.StatusCreated, entry)
}

// HandleClosed handles POST /internal/conversations/{conversationId}/closed.
// Closing an unknown or already finished conversation is a no-op.
func (h *ConversationHandler) HandleClosed(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")

	result, err := h.queues.Cancel(r.Context(), conversationID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	for range result.Entries {
		h.metrics.RecordCancelled()
	}
	writeJSON(w, http.StatusOK, result)
}
