package api

import (
	"net/http"

	"github.com/dennisdiepolder/monti/queueengine/internal/queue"
	"github.com/dennisdiepolder/monti/queueengine/internal/rules"
	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// DashboardHandler serves the supervisor read views and rule administration
type DashboardHandler struct {
	queues *queue.Manager
	rules  *rules.Store
	logger zerolog.Logger
}

// NewDashboardHandler creates a new DashboardHandler
func NewDashboardHandler(queues *queue.Manager, rules *rules.Store, logger zerolog.Logger) *DashboardHandler {
	return &DashboardHandler{
		queues: queues,
		rules:  rules,
		logger: logger.With().Str("component", "dashboard_api").Logger(),
	}
}

type queueResponse struct {
	DepartmentID string                    `json:"departmentId"`
	Rule         types.QueueRule           `json:"rule"`
	Waiting      []types.QueueEntrySummary `json:"waiting"`
}

// HandleQueue handles GET /api/queues/{departmentId}
func (h *DashboardHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	departmentID := chi.URLParam(r, "departmentId")

	waiting, err := h.queues.Snapshot(r.Context(), departmentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		DepartmentID: departmentID,
		Rule:         h.rules.Rule(departmentID),
		Waiting:      waiting,
	})
}

// HandleRules handles GET /api/rules
func (h *DashboardHandler) HandleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.All())
}

// HandlePutRule handles PUT /api/rules/{departmentId}. The new rule applies
// from the next cycle.
func (h *DashboardHandler) HandlePutRule(w http.ResponseWriter, r *http.Request) {
	var rule types.QueueRule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	rule.DepartmentID = chi.URLParam(r, "departmentId")

	if err := h.rules.Put(r.Context(), rule); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("department_id", rule.DepartmentID).Msg("queue rule updated")
	saved, _ := h.rules.Lookup(rule.DepartmentID)
	writeJSON(w, http.StatusOK, saved)
}
