package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const (
	maxPageLimit = 100
	maxBodyBytes = 1 << 20
)

type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// writeServiceError maps a pipeline error onto a status and a safe message.
// Internal error text is logged, never written.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var incomplete *services.IncompleteBriefError
	if errors.As(err, &incomplete) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ErrorBody{
			Code:    "incomplete_brief",
			Message: "One or more cards are missing or invalid",
			Details: incomplete.Problems,
		}})
		return
	}

	status := utils.GetHTTPStatusFromError(err)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyReplayed), errors.Is(err, stores.ErrAlreadyProcessing):
		status = http.StatusConflict
	}
	fields := map[string]interface{}{
		"op":         op,
		"status":     status,
		"error_kind": string(utils.KindOf(err)),
	}
	if status >= http.StatusInternalServerError {
		utils.LogError(r.Context(), err, op+" failed", fields)
	} else {
		fields["error"] = err.Error()
		utils.Warn(r.Context(), op+" rejected", fields)
	}

	message := http.StatusText(status)
	if status < http.StatusInternalServerError {
		var pe *utils.PipelineError
		if errors.As(err, &pe) && pe.Err != nil {
			message = pe.Err.Error()
		}
	}
	writeError(w, status, utils.ErrorCode(status), message)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body")
		return nil, false
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "Request body too large")
		return nil, false
	}
	return body, true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
