package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/analytics"
	"github.com/malwarebo/reelpipe/middleware"
	"github.com/malwarebo/reelpipe/monitoring"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

// AdminHandler serves the operator surface. Every route sits behind
// RequireAdmin.
type AdminHandler struct {
	pipeline *services.Pipeline
	reporter *analytics.Reporter
	alerts   *monitoring.AlertManager
}

// CreateAdminHandler builds the handler. alerts may be nil.
func CreateAdminHandler(pipeline *services.Pipeline, alerts *monitoring.AlertManager) *AdminHandler {
	return &AdminHandler{
		pipeline: pipeline,
		reporter: analytics.CreateReporter(pipeline.Stores.Orders),
		alerts:   alerts,
	}
}

func (h *AdminHandler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = string(models.DeadLetterStatusFailed)
	}

	letters, err := h.pipeline.DeadLetters.List(r.Context(), status, clampLimit(queryInt(r, "limit", 0)))
	if err != nil {
		writeServiceError(w, r, err, "list dead letters")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func (h *AdminHandler) HandleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.audit(r, "replay_dead_letter", id)

	if err := h.pipeline.DeadLetters.Replay(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "replay dead letter")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       id,
		"replayed": true,
	})
}

// HandleListEvents returns a correlation trace, or a filtered page of the
// event log when no correlation id is given.
func (h *AdminHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if correlationID := query.Get("correlation_id"); correlationID != "" {
		trace, err := h.pipeline.Stores.Events.ListByCorrelation(r.Context(), correlationID)
		if err != nil {
			writeServiceError(w, r, err, "trace events")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"correlation_id": correlationID,
			"events":         trace,
			"total":          len(trace),
		})
		return
	}

	filter := models.SystemEventFilter{
		OrderID:     query.Get("order_id"),
		EventType:   query.Get("event_type"),
		MinSeverity: models.Severity(query.Get("min_severity")),
		Limit:       clampLimit(queryInt(r, "limit", 0)),
		Offset:      queryInt(r, "offset", 0),
	}
	if since := query.Get("since"); since != "" {
		if parsed, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &parsed
		}
	}
	if until := query.Get("until"); until != "" {
		if parsed, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &parsed
		}
	}

	list, total, err := h.pipeline.Stores.Events.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (h *AdminHandler) HandleResurrect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.audit(r, "resurrect_order", id)

	if err := h.pipeline.Resurrection.Resurrect(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "resurrect order")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"order_id":    id,
		"resurrected": true,
	})
}

func (h *AdminHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	h.audit(r, "resurrection_sweep", "")

	report, err := h.pipeline.Resurrection.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "resurrection sweep")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) HandleResurrectionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Resurrection.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "resurrection stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *AdminHandler) HandleRevokeTokens(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req revokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "revoked by operator"
	}
	h.audit(r, "revoke_tokens", id)

	revoked, err := h.pipeline.Delivery.Revoke(r.Context(), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, err, "revoke tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": id,
		"revoked":  revoked,
	})
}

func (h *AdminHandler) HandleRevenueReport(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if _, err := analytics.PeriodStart(period, time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_period", "period must be daily, weekly, monthly or all")
		return
	}

	report, err := h.reporter.GetRevenueReport(r.Context(), period)
	if err != nil {
		writeServiceError(w, r, err, "revenue report")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// HandleReissueToken revokes a delivered order's tokens and returns a fresh
// download link.
func (h *AdminHandler) HandleReissueToken(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.audit(r, "reissue_token", id)

	result, err := h.pipeline.Delivery.Reissue(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "reissue token")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	active := []*monitoring.Alert{}
	if h.alerts != nil {
		active = h.alerts.Active()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": active,
		"count":  len(active),
	})
}

func (h *AdminHandler) audit(r *http.Request, action, target string) {
	fields := map[string]interface{}{
		"action": action,
		"target": target,
	}
	if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
		fields["operator"] = claims.Subject
	}
	utils.Info(r.Context(), "admin action", fields)
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/deadletters", h.HandleListDeadLetters).Methods(http.MethodGet)
	router.HandleFunc("/deadletters/{id}/replay", h.HandleReplayDeadLetter).Methods(http.MethodPost)
	router.HandleFunc("/events", h.HandleListEvents).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}/resurrect", h.HandleResurrect).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}/revoke-tokens", h.HandleRevokeTokens).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}/reissue-token", h.HandleReissueToken).Methods(http.MethodPost)
	router.HandleFunc("/resurrection/sweep", h.HandleSweep).Methods(http.MethodPost)
	router.HandleFunc("/resurrection/stats", h.HandleResurrectionStats).Methods(http.MethodGet)
	router.HandleFunc("/reports/revenue", h.HandleRevenueReport).Methods(http.MethodGet)
	router.HandleFunc("/alerts", h.HandleListAlerts).Methods(http.MethodGet)
}
