package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
	"github.com/xendit/xendit-go"
	"github.com/xendit/xendit-go/invoice"
)

const XenditName = "xendit"

type XenditConfig struct {
	SecretKey     string
	WebhookSecret string
	APIBase       string
	Timeout       time.Duration
}

// XenditProvider opens hosted invoices for the IDR/PHP markets. Amounts are
// kept in minor units inside the pipeline and converted at this boundary by
// the currency's exponent: IDR has none, PHP has two.
type XenditProvider struct {
	invoices      *invoice.Client
	webhookSecret string
	executor      *resilience.ProviderExecutor
}

func CreateXenditProvider(cfg XenditConfig, executor *resilience.ProviderExecutor) *XenditProvider {
	opt := &xendit.Option{SecretKey: cfg.SecretKey, XenditURL: "https://api.xendit.co"}
	if cfg.APIBase != "" {
		opt.XenditURL = cfg.APIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &XenditProvider{
		invoices: &invoice.Client{
			Opt:          opt,
			APIRequester: &xendit.APIRequesterImplementation{HTTPClient: &http.Client{Timeout: timeout}},
		},
		webhookSecret: cfg.WebhookSecret,
		executor:      executor,
	}
}

func (p *XenditProvider) Name() string {
	return XenditName
}

func (p *XenditProvider) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	params := &invoice.CreateParams{
		ExternalID:         req.OrderID,
		Amount:             models.ToMajorUnits(req.Amount, req.Currency),
		PayerEmail:         req.CustomerEmail,
		Description:        req.ProductName,
		Currency:           strings.ToUpper(req.Currency),
		SuccessRedirectURL: req.SuccessURL,
		FailureRedirectURL: req.CancelURL,
	}
	if !req.ExpiresAt.IsZero() {
		params.InvoiceDuration = int(math.Max(1, time.Until(req.ExpiresAt).Seconds()))
	}

	var inv *xendit.Invoice
	err := p.execute(ctx, func(ctx context.Context) error {
		var xerr *xendit.Error
		inv, xerr = p.invoices.CreateWithContext(ctx, params)
		if xerr != nil {
			return classifyXenditError("create invoice", xerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &CheckoutSession{ID: inv.ID, URL: inv.InvoiceURL, ExpiresAt: req.ExpiresAt}
	if inv.ExpiryDate != nil {
		out.ExpiresAt = inv.ExpiryDate.UTC()
	}
	return out, nil
}

func (p *XenditProvider) execute(ctx context.Context, fn func(context.Context) error) error {
	if p.executor == nil {
		return fn(ctx)
	}
	return p.executor.Execute(ctx, XenditName, fn)
}

func classifyXenditError(op string, xerr *xendit.Error) error {
	err := fmt.Errorf("%s: %s", xerr.ErrorCode, xerr.Message)
	if xerr.Status >= http.StatusInternalServerError || xerr.Status == http.StatusTooManyRequests || xerr.Status == 0 {
		return utils.Transient(op, err)
	}
	return utils.Validation(op, err)
}

type xenditInvoiceCallback struct {
	ID         string  `json:"id"`
	ExternalID string  `json:"external_id"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	PaidAmount float64 `json:"paid_amount"`
	Currency   string  `json:"currency"`
	PaymentID  string  `json:"payment_id"`
}

// ParseWebhook checks the callback token, an HMAC-SHA256 of the raw body
// keyed with the webhook secret.
func (p *XenditProvider) ParseWebhook(payload []byte, signature string) (*PaymentEvent, error) {
	if p.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if !security.VerifySignature(p.webhookSecret, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var cb xenditInvoiceCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("decode invoice callback: %w", err)
	}

	status := strings.ToUpper(cb.Status)
	out := &PaymentEvent{
		Provider:  XenditName,
		EventID:   cb.ID + ":" + status,
		Type:      "invoice." + strings.ToLower(status),
		Kind:      PaymentIgnored,
		OrderID:   cb.ExternalID,
		SessionID: cb.ID,
		PaymentID: cb.PaymentID,
		Currency:  strings.ToUpper(cb.Currency),
	}

	amount := cb.PaidAmount
	if amount == 0 {
		amount = cb.Amount
	}
	out.Amount = models.ToMinorUnits(amount, cb.Currency)

	switch status {
	case "PAID", "SETTLED":
		out.Kind = PaymentSucceeded
	case "EXPIRED":
		out.Kind = PaymentExpired
		out.Reason = "expired"
	}
	return out, nil
}
