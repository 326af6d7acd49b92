package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

type OrderHandler struct {
	pipeline *services.Pipeline
}

func CreateOrderHandler(pipeline *services.Pipeline) *OrderHandler {
	return &OrderHandler{
		pipeline: pipeline,
	}
}

type checkoutRequest struct {
	Tier string `json:"tier"`
}

// HandleCheckout is safe to repeat: the same brief always resolves to the
// same order and provider session.
func (h *OrderHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	briefID := mux.Vars(r)["id"]

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	var problems utils.ValidationErrors
	problems.Add(utils.ValidateString(req.Tier, "tier", 1, 32, true))
	problems.Add(utils.ValidateOneOf(req.Tier, "tier", models.TierNames()))
	if err := problems.Err(); err != nil {
		utils.WriteValidationError(w, err)
		return
	}

	result, err := h.pipeline.Gateway.CreateCheckout(r.Context(), briefID, req.Tier)
	if err != nil {
		writeServiceError(w, r, err, "create checkout")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *OrderHandler) HandleTracking(w http.ResponseWriter, r *http.Request) {
	tracking, err := h.pipeline.Track(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err, "track order")
		return
	}

	writeJSON(w, http.StatusOK, tracking)
}

func (h *OrderHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/briefs/{id}/checkout", h.HandleCheckout).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}/tracking", h.HandleTracking).Methods(http.MethodGet)
}
