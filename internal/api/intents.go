package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/queueengine/internal/storage"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	defaultPendingLimit = 100
	maxPendingLimit     = 1000
)

// IntentHandler lets the outbound messaging collaborator pull pending
// notification intents and report delivery
type IntentHandler struct {
	intents storage.IntentStore
	now     func() time.Time
	logger  zerolog.Logger
}

// NewIntentHandler creates a new IntentHandler
func NewIntentHandler(intents storage.IntentStore, now func() time.Time, logger zerolog.Logger) *IntentHandler {
	return &IntentHandler{
		intents: intents,
		now:     now,
		logger:  logger.With().Str("component", "intents_api").Logger(),
	}
}

type failedRequest struct {
	ErrorMessage string `json:"errorMessage"`
}

// HandlePending handles GET /internal/intents/pending?limit=n
func (h *IntentHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, h.logger, fmt.Errorf("limit must be a positive integer: %w", types.ErrInvalidInput))
			return
		}
		limit = min(n, maxPendingLimit)
	}

	pending, err := h.intents.ListPendingIntents(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if pending == nil {
		pending = []*types.NotificationIntent{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleSent handles POST /internal/intents/{intentId}/sent
func (h *IntentHandler) HandleSent(w http.ResponseWriter, r *http.Request) {
	h.mark(w, r, types.IntentSent, "")
}

// HandleFailed handles POST /internal/intents/{intentId}/failed. Failed
// intents are recorded, never retried.
func (h *IntentHandler) HandleFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.mark(w, r, types.IntentFailed, req.ErrorMessage)
}

func (h *IntentHandler) mark(w http.ResponseWriter, r *http.Request, status types.IntentStatus, errorMessage string) {
	intentID := chi.URLParam(r, "intentId")
	if err := h.intents.MarkIntent(r.Context(), intentID, status, errorMessage, h.now()); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Debug().
		Str("intent_id", intentID).
		Str("status", string(status)).
		Msg("intent delivery recorded")
	writeJSON(w, http.StatusOK, map[string]string{"id": intentID, "status": string(status)})
}
