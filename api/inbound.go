package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/utils"
)

const (
	conversationSource = "conversation"

	conversationSignatureHeader = "X-Pipeline-Signature"
	workerSignatureHeader       = "X-Worker-Signature"
)

// InboundHandler turns signed calls from the conversation layer and the
// production worker into pipeline events.
type InboundHandler struct {
	emitter            *services.Emitter
	orders             *stores.OrderStore
	conversationSecret string
	workerSecret       string
}

func CreateInboundHandler(emitter *services.Emitter, orders *stores.OrderStore, conversationSecret, workerSecret string) *InboundHandler {
	return &InboundHandler{
		emitter:            emitter,
		orders:             orders,
		conversationSecret: conversationSecret,
		workerSecret:       workerSecret,
	}
}

type acceptedResponse struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	CorrelationID string `json:"correlation_id"`
}

// HandleCardsComplete publishes conversation.cards_complete. Incomplete
// cards are refused with 422 and the list of problems.
func (h *InboundHandler) HandleCardsComplete(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r, h.conversationSecret, conversationSignatureHeader)
	if !ok {
		return
	}

	var payload events.CardsComplete
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	var problems utils.ValidationErrors
	problems.Add(utils.ValidateString(payload.SessionID, "session_id", 1, 64, true))
	problems.Add(utils.ValidateEmail(payload.UserEmail, "user_email"))
	problems.Add(utils.ValidateString(payload.BusinessName, "business_name", 0, 200, false))
	problems.Add(utils.ValidateOneOf(payload.Tier, "tier", models.TierNames()))
	if err := problems.Err(); err != nil {
		utils.WriteValidationError(w, err)
		return
	}

	if _, cardProblems := payload.ParseCards(); len(cardProblems) > 0 {
		writeServiceError(w, r, &services.IncompleteBriefError{SessionID: payload.SessionID, Problems: cardProblems}, "cards complete")
		return
	}

	env, err := events.New(conversationSource, utils.GetCorrelationID(r.Context()), &payload)
	if err != nil {
		writeServiceError(w, r, err, "cards complete")
		return
	}
	if err := h.emitter.Emit(r.Context(), env, models.SeverityInfo); err != nil {
		writeServiceError(w, r, err, "cards complete")
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		EventID:       env.ID,
		EventType:     string(env.Type),
		CorrelationID: env.CorrelationID,
	})
}

// ProductionCallback is the body the worker posts for every job update.
type ProductionCallback struct {
	Type            string `json:"type"`
	OrderID         string `json:"order_id"`
	JobID           string `json:"job_id"`
	Percent         int    `json:"percent,omitempty"`
	Phase           string `json:"phase,omitempty"`
	AssetURL        string `json:"asset_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Error           string `json:"error,omitempty"`
	Retryable       *bool  `json:"retryable,omitempty"`
}

func (c *ProductionCallback) payload() (events.Payload, error) {
	switch events.EventType(c.Type) {
	case events.ProductionStarted:
		return &events.ProductionStartedPayload{OrderID: c.OrderID, JobID: c.JobID}, nil
	case events.ProductionProgress:
		return &events.ProductionProgressPayload{OrderID: c.OrderID, JobID: c.JobID, Percent: c.Percent, Phase: c.Phase}, nil
	case events.ProductionComplete:
		if c.AssetURL == "" {
			return nil, errors.New("asset_url is required for production.complete")
		}
		return &events.ProductionCompletePayload{OrderID: c.OrderID, JobID: c.JobID, AssetURL: c.AssetURL, DurationSeconds: c.DurationSeconds}, nil
	case events.ProductionFailed:
		return &events.ProductionFailedPayload{OrderID: c.OrderID, JobID: c.JobID, Error: c.Error, Retryable: c.Retryable}, nil
	}
	return nil, fmt.Errorf("unsupported callback type %q", c.Type)
}

// HandleProductionCallback emits the worker's update under the order's own
// correlation id so it joins the order's trace.
func (h *InboundHandler) HandleProductionCallback(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verified(w, r, h.workerSecret, workerSignatureHeader)
	if !ok {
		return
	}

	var callback ProductionCallback
	if err := json.Unmarshal(body, &callback); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if callback.OrderID == "" {
		utils.WriteValidationError(w, utils.ValidationErrors{{Field: "order_id", Message: "is required"}})
		return
	}
	payload, err := callback.payload()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	order, err := h.orders.GetByID(r.Context(), callback.OrderID)
	if err != nil {
		writeServiceError(w, r, err, "production callback")
		return
	}

	env, err := events.New(providers.WorkerName, order.CorrelationID, payload)
	if err != nil {
		writeServiceError(w, r, err, "production callback")
		return
	}
	severity := models.SeverityInfo
	if env.Type == events.ProductionFailed {
		severity = models.SeverityError
	}
	if err := h.emitter.Emit(r.Context(), env, severity); err != nil {
		writeServiceError(w, r, err, "production callback")
		return
	}

	writeJSON(w, http.StatusAccepted, acceptedResponse{
		EventID:       env.ID,
		EventType:     string(env.Type),
		CorrelationID: env.CorrelationID,
	})
}

func (h *InboundHandler) verified(w http.ResponseWriter, r *http.Request, secret, header string) ([]byte, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	if !security.VerifySignature(secret, body, r.Header.Get(header)) {
		utils.Warn(r.Context(), "inbound signature rejected", map[string]interface{}{
			"path":   r.URL.Path,
			"header": header,
		})
		writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid request signature")
		return nil, false
	}
	return body, true
}

func (h *InboundHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/conversations/cards-complete", h.HandleCardsComplete).Methods(http.MethodPost)
	router.HandleFunc("/production/callbacks", h.HandleProductionCallback).Methods(http.MethodPost)
}
