package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrUnsupportedCurrency = errors.New("no payment provider for currency")
	ErrUnknownProvider     = errors.New("unknown payment provider")
)

// PaymentProvider is the narrow surface the pipeline needs from a payment
// processor: open a hosted checkout and turn a signed callback into a
// normalized event.
type PaymentProvider interface {
	Name() string
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
	// ParseWebhook verifies the signature before decoding anything. A bad
	// signature returns ErrInvalidSignature.
	ParseWebhook(payload []byte, signature string) (*PaymentEvent, error)
}

type CheckoutRequest struct {
	OrderID        string
	BriefID        string
	ProductName    string
	CustomerEmail  string
	Amount         int64
	Currency       string
	SuccessURL     string
	CancelURL      string
	ExpiresAt      time.Time
	IdempotencyKey string
}

type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type PaymentEventKind string

const (
	PaymentSucceeded PaymentEventKind = "succeeded"
	PaymentDeclined  PaymentEventKind = "declined"
	PaymentExpired   PaymentEventKind = "expired"
	PaymentRefunded  PaymentEventKind = "refunded"
	// PaymentIgnored marks verified events the pipeline has no use for.
	PaymentIgnored PaymentEventKind = "ignored"
)

// PaymentEvent is a verified provider callback. OrderID, SessionID and
// PaymentID are whatever the provider echoed back; the gateway resolves the
// order from the first one that is set.
type PaymentEvent struct {
	Provider  string
	EventID   string
	Type      string
	Kind      PaymentEventKind
	OrderID   string
	SessionID string
	PaymentID string
	Amount    int64
	Currency  string
	Reason    string
}

// Router picks the provider for a checkout by currency, falling back to a
// default provider.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]PaymentProvider
	byCurrency map[string]string
	fallback   string
}

func CreateRouter(fallback string, providers ...PaymentProvider) *Router {
	r := &Router{
		providers:  make(map[string]PaymentProvider, len(providers)),
		byCurrency: make(map[string]string),
		fallback:   fallback,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// RouteCurrency sends checkouts in currency to the named provider.
func (r *Router) RouteCurrency(currency, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCurrency[strings.ToUpper(currency)] = provider
}

func (r *Router) Route(currency string) (PaymentProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byCurrency[strings.ToUpper(currency)]
	if !ok {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	return p, nil
}

func (r *Router) Get(name string) (PaymentProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
