package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/testutil"
	"github.com/malwarebo/reelpipe/utils"
)

const testWebhookSecret = "whsec_test123"

func newTestStripe(apiBase string) *StripeProvider {
	return NewStripeProvider(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		APIBase:       apiBase,
	}, nil)
}

func TestStripeProvider_ParseWebhook(t *testing.T) {
	p := newTestStripe("")

	tests := []struct {
		name      string
		eventType string
		object    string
		wantKind  PaymentEventKind
		wantOrder string
		check     func(t *testing.T, ev *PaymentEvent)
	}{
		{
			name:      "checkout completed",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","object":"checkout.session","client_reference_id":"o1","amount_total":500000,"currency":"usd","payment_status":"paid","payment_intent":"pi_1"}`,
			wantKind:  PaymentSucceeded,
			wantOrder: "o1",
			check: func(t *testing.T, ev *PaymentEvent) {
				if ev.Amount != 500000 || ev.Currency != "USD" {
					t.Errorf("amount = %d %s, want 500000 USD", ev.Amount, ev.Currency)
				}
				if ev.PaymentID != "pi_1" || ev.SessionID != "cs_1" {
					t.Errorf("ids = %s/%s, want pi_1/cs_1", ev.PaymentID, ev.SessionID)
				}
			},
		},
		{
			name:      "checkout completed but unpaid",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_2","object":"checkout.session","client_reference_id":"o2","payment_status":"unpaid"}`,
			wantKind:  PaymentIgnored,
			wantOrder: "o2",
		},
		{
			name:      "session expired",
			eventType: "checkout.session.expired",
			object:    `{"id":"cs_3","object":"checkout.session","client_reference_id":"o3"}`,
			wantKind:  PaymentExpired,
			wantOrder: "o3",
		},
		{
			name:      "intent failed",
			eventType: "payment_intent.payment_failed",
			object:    `{"id":"pi_4","object":"payment_intent","amount":500000,"currency":"usd","metadata":{"order_id":"o4"},"last_payment_error":{"message":"Your card was declined."}}`,
			wantKind:  PaymentDeclined,
			wantOrder: "o4",
			check: func(t *testing.T, ev *PaymentEvent) {
				if ev.Reason != "Your card was declined." {
					t.Errorf("Reason = %q", ev.Reason)
				}
			},
		},
		{
			name:      "charge refunded",
			eventType: "charge.refunded",
			object:    `{"id":"ch_5","object":"charge","amount_refunded":500000,"currency":"usd","payment_intent":"pi_5","metadata":{}}`,
			wantKind:  PaymentRefunded,
			check: func(t *testing.T, ev *PaymentEvent) {
				if ev.PaymentID != "pi_5" {
					t.Errorf("PaymentID = %q, want pi_5", ev.PaymentID)
				}
			},
		},
		{
			name:      "unrelated event",
			eventType: "customer.created",
			object:    `{"id":"cus_1","object":"customer"}`,
			wantKind:  PaymentIgnored,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventID := fmt.Sprintf("evt_%d", i)
			payload := testutil.StripeEvent(eventID, tt.eventType, tt.object)

			ev, err := p.ParseWebhook(payload, testutil.StripeSignature(payload, testWebhookSecret))
			if err != nil {
				t.Fatalf("ParseWebhook() error = %v", err)
			}
			if ev.EventID != eventID {
				t.Errorf("EventID = %q, want %q", ev.EventID, eventID)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.OrderID != tt.wantOrder {
				t.Errorf("OrderID = %q, want %q", ev.OrderID, tt.wantOrder)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestStripeProvider_ParseWebhook_RejectsBadSignature(t *testing.T) {
	p := newTestStripe("")
	payload := testutil.StripeEvent("evt_1", "checkout.session.completed", `{"id":"cs_1","client_reference_id":"o1"}`)

	tests := []struct {
		name      string
		signature string
		payload   []byte
	}{
		{"missing", "", payload},
		{"garbage", "invalid_signature", payload},
		{"wrong secret", testutil.StripeSignature(payload, "whsec_other"), payload},
		{"tampered body", testutil.StripeSignature(payload, testWebhookSecret), append([]byte{' '}, payload...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseWebhook(tt.payload, tt.signature)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("ParseWebhook() error = %v, want %v", err, ErrInvalidSignature)
			}
		})
	}
}

func TestStripeProvider_CreateCheckout(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute).Unix()
	var gotIdempotency string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			http.NotFound(w, r)
			return
		}
		gotIdempotency = r.Header.Get("Idempotency-Key")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("client_reference_id"); got != "o1" {
			t.Errorf("client_reference_id = %q, want o1", got)
		}
		if got := r.PostForm.Get("line_items[0][price_data][unit_amount]"); got != "500000" {
			t.Errorf("unit_amount = %q, want 500000", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","expires_at":%d}`, expires)
	}))
	defer srv.Close()

	p := newTestStripe(srv.URL)
	sess, err := p.CreateCheckout(context.Background(), &CheckoutRequest{
		OrderID:        "o1",
		BriefID:        "b1",
		ProductName:    "Professional Video Package",
		CustomerEmail:  "olivia@example.com",
		Amount:         500000,
		Currency:       "USD",
		SuccessURL:     "https://example.com/ok",
		CancelURL:      "https://example.com/cancel",
		ExpiresAt:      time.Unix(expires, 0),
		IdempotencyKey: "checkout_b1",
	})
	if err != nil {
		t.Fatalf("CreateCheckout() error = %v", err)
	}
	if sess.ID != "cs_test_1" || sess.URL == "" {
		t.Errorf("CreateCheckout() = %+v", sess)
	}
	if gotIdempotency != "checkout_b1" {
		t.Errorf("Idempotency-Key = %q, want checkout_b1", gotIdempotency)
	}
}

func TestStripeProvider_CreateCheckout_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   utils.ErrorKind
	}{
		{"server error", http.StatusInternalServerError, utils.KindTransient},
		{"bad request", http.StatusBadRequest, utils.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"nope"}}`)
			}))
			defer srv.Close()

			_, err := newTestStripe(srv.URL).CreateCheckout(context.Background(), &CheckoutRequest{OrderID: "o1", Amount: 100, Currency: "USD"})
			if got := utils.KindOf(err); got != tt.want {
				t.Errorf("KindOf(err) = %q, want %q (err %v)", got, tt.want, err)
			}
		})
	}
}
