package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/malwarebo/reelpipe/security"
)

func TestXenditProvider_ParseWebhook(t *testing.T) {
	secret := "test_webhook_secret"
	p := CreateXenditProvider(XenditConfig{SecretKey: "xnd_test_123", WebhookSecret: secret}, nil)

	tests := []struct {
		name       string
		payload    string
		wantKind   PaymentEventKind
		wantAmount int64
	}{
		{"paid", `{"id":"inv_1","external_id":"o1","status":"PAID","amount":50000,"paid_amount":50000,"currency":"IDR"}`, PaymentSucceeded, 50000},
		{"settled", `{"id":"inv_1","external_id":"o1","status":"SETTLED","amount":50000,"currency":"IDR"}`, PaymentSucceeded, 50000},
		{"expired", `{"id":"inv_2","external_id":"o2","status":"EXPIRED","amount":50000,"currency":"IDR"}`, PaymentExpired, 50000},
		{"pending", `{"id":"inv_3","external_id":"o3","status":"PENDING","amount":50000,"currency":"IDR"}`, PaymentIgnored, 50000},
		{"paid in pesos", `{"id":"inv_4","external_id":"o4","status":"PAID","amount":280000.5,"currency":"PHP"}`, PaymentSucceeded, 28000050},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.payload)
			ev, err := p.ParseWebhook(payload, security.SignPayload(secret, payload))
			if err != nil {
				t.Fatalf("ParseWebhook() error = %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", ev.Kind, tt.wantKind)
			}
			if ev.OrderID == "" || ev.Provider != XenditName {
				t.Errorf("ParseWebhook() = %+v", ev)
			}
			if ev.Amount != tt.wantAmount {
				t.Errorf("Amount = %d, want %d minor units", ev.Amount, tt.wantAmount)
			}
		})
	}
}

func TestXenditProvider_CreateCheckout_ConvertsByCurrency(t *testing.T) {
	tests := []struct {
		currency string
		amount   int64
		want     float64
	}{
		{currency: "IDR", amount: 80000000, want: 80000000},
		{currency: "PHP", amount: 28000000, want: 280000},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			var got struct {
				ExternalID string  `json:"external_id"`
				Amount     float64 `json:"amount"`
				Currency   string  `json:"currency"`
			}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v2/invoices" {
					http.NotFound(w, r)
					return
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode invoice request: %v", err)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"id":"inv_1","external_id":"o1","invoice_url":"https://checkout.xendit.co/web/inv_1"}`))
			}))
			defer srv.Close()

			p := CreateXenditProvider(XenditConfig{SecretKey: "xnd_test_123", APIBase: srv.URL}, nil)
			sess, err := p.CreateCheckout(context.Background(), &CheckoutRequest{
				OrderID:     "o1",
				ProductName: "Professional Video Package",
				Amount:      tt.amount,
				Currency:    tt.currency,
			})
			if err != nil {
				t.Fatalf("CreateCheckout() error = %v", err)
			}
			if sess.ID != "inv_1" || sess.URL == "" {
				t.Errorf("CreateCheckout() = %+v", sess)
			}
			if got.Amount != tt.want || got.Currency != tt.currency {
				t.Errorf("invoice amount = %v %s, want %v %s", got.Amount, got.Currency, tt.want, tt.currency)
			}
		})
	}
}

func TestXenditProvider_ParseWebhook_EventIDsDifferByStatus(t *testing.T) {
	secret := "test_webhook_secret"
	p := CreateXenditProvider(XenditConfig{WebhookSecret: secret}, nil)

	paid := []byte(`{"id":"inv_1","external_id":"o1","status":"PAID","amount":1}`)
	settled := []byte(`{"id":"inv_1","external_id":"o1","status":"SETTLED","amount":1}`)

	a, _ := p.ParseWebhook(paid, security.SignPayload(secret, paid))
	b, _ := p.ParseWebhook(settled, security.SignPayload(secret, settled))
	if a.EventID == b.EventID {
		t.Errorf("EventID = %q for both callbacks", a.EventID)
	}
}

func TestXenditProvider_ParseWebhook_InvalidSignature(t *testing.T) {
	p := CreateXenditProvider(XenditConfig{WebhookSecret: "test_webhook_secret"}, nil)
	payload := []byte(`{"id":"inv_1","external_id":"o1","status":"PAID"}`)

	if _, err := p.ParseWebhook(payload, "invalid"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("ParseWebhook() error = %v, want %v", err, ErrInvalidSignature)
	}

	unconfigured := CreateXenditProvider(XenditConfig{}, nil)
	if _, err := unconfigured.ParseWebhook(payload, "anything"); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("ParseWebhook() without secret error = %v, want %v", err, ErrInvalidSignature)
	}
}
