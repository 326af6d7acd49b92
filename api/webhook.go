package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

type WebhookHandler struct {
	gateway *services.PaymentGateway
}

func CreateWebhookHandler(gateway *services.PaymentGateway) *WebhookHandler {
	return &WebhookHandler{
		gateway: gateway,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, providers.StripeName, r.Header.Get("Stripe-Signature"))
}

func (h *WebhookHandler) HandleXenditWebhook(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, providers.XenditName, r.Header.Get("x-callback-token"))
}

// handle answers 2xx only once the event is applied or known to be a
// duplicate, so the provider keeps retrying anything transient.
func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, provider, signature string) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}

	if signature == "" {
		writeError(w, http.StatusBadRequest, "invalid_signature", "Missing webhook signature")
		return
	}

	if err := h.gateway.HandleWebhook(r.Context(), provider, payload, signature); err != nil {
		if errors.Is(err, providers.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, "invalid_signature", "Invalid webhook signature")
			return
		}
		writeServiceError(w, r, err, provider+" webhook")
		return
	}

	utils.Debug(r.Context(), "webhook accepted", map[string]interface{}{"provider": provider})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"provider": provider,
	})
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/stripe", h.HandleStripeWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/xendit", h.HandleXenditWebhook).Methods(http.MethodPost)
}
