package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/queueengine/internal/types"
	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error           string `json:"error"`
	ExistingEntryID string `json:"existingEntryId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP status codes
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var dup *types.DuplicateEntryError
	switch {
	case errors.As(err, &dup):
		status = http.StatusConflict
		resp.ExistingEntryID = dup.EntryID
	case errors.Is(err, types.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrUnknownAgent):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrInvalidTransition):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(types.ErrInvalidInput, errors.New("invalid JSON body"))
	}
	return nil
}
