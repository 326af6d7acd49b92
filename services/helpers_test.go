package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/cache"
	"github.com/malwarebo/reelpipe/events"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/testutil"
	"gorm.io/gorm"
)

const testTokenSecret = "delivery-token-secret-for-tests"

type fakeWorker struct {
	mu   sync.Mutex
	jobs []*providers.ProductionJob
	errs []error
}

func (w *fakeWorker) Submit(ctx context.Context, job *providers.ProductionJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, job)
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	return nil
}

func (w *fakeWorker) Jobs() []*providers.ProductionJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*providers.ProductionJob, len(w.jobs))
	copy(out, w.jobs)
	return out
}

// fakeProvider opens checkouts locally and accepts webhooks signed with
// the literal signature "valid"; the body is a JSON PaymentEvent.
type fakeProvider struct {
	mu        sync.Mutex
	name      string
	checkouts []*providers.CheckoutRequest
	err       error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CreateCheckout(ctx context.Context, req *providers.CheckoutRequest) (*providers.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkouts = append(p.checkouts, req)
	if p.err != nil {
		return nil, p.err
	}
	return &providers.CheckoutSession{
		ID:        "cs_" + req.OrderID,
		URL:       "https://pay.example.com/" + req.OrderID,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (p *fakeProvider) ParseWebhook(payload []byte, signature string) (*providers.PaymentEvent, error) {
	if signature != "valid" {
		return nil, providers.ErrInvalidSignature
	}
	var ev providers.PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	ev.Provider = p.name
	return &ev, nil
}

func (p *fakeProvider) Checkouts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.checkouts)
}

type sentNotification struct {
	eventType string
	data      map[string]interface{}
}

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []sentNotification
	failures int
}

func (n *recordingNotifier) Notify(ctx context.Context, eventType string, data map[string]interface{}, source string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("presentation layer unavailable")
	}
	n.sent = append(n.sent, sentNotification{eventType: eventType, data: data})
	return nil
}

// FailNext makes the next count calls fail without recording anything.
func (n *recordingNotifier) FailNext(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = count
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentNotification, len(n.sent))
	copy(out, n.sent)
	return out
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	stores   *stores.Stores
	p        *Pipeline
	worker   *fakeWorker
	provider *fakeProvider
	notifier *recordingNotifier
	progress *cache.MemoryProgressStore
}

// newHarness builds a pipeline over a fresh sqlite database. With a nil bus
// events are only recorded; handlers are driven directly by the test.
func newHarness(t *testing.T, bus events.Publisher, mutate ...func(*PipelineConfig)) *harness {
	t.Helper()

	db := testutil.NewTestDB(t)
	hasher, err := security.CreateTokenHasher(testTokenSecret)
	if err != nil {
		t.Fatalf("CreateTokenHasher() error = %v", err)
	}

	h := &harness{
		t:        t,
		db:       db,
		stores:   stores.CreateStores(db, time.Minute),
		worker:   &fakeWorker{},
		provider: &fakeProvider{name: providers.StripeName},
		notifier: &recordingNotifier{},
		progress: cache.CreateMemoryProgressStore(time.Hour),
	}

	cfg := PipelineConfig{
		RetryCeiling: 3,
		KeyTTL:       time.Hour,
		Gateway: GatewayConfig{
			Currency:   "USD",
			SuccessURL: "https://app.example.com/success",
			CancelURL:  "https://app.example.com/cancel",
		},
		Dispatcher: DispatcherConfig{CallbackURL: "https://pipeline.example.com/api/v1/production/callbacks"},
		Delivery:   DeliveryConfig{PublicBaseURL: "https://pipeline.example.com"},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	h.p = NewPipeline(cfg, PipelineDeps{
		Stores:   h.stores,
		Bus:      bus,
		Router:   providers.CreateRouter(providers.StripeName, h.provider),
		Worker:   h.worker,
		Progress: h.progress,
		Hasher:   hasher,
		Notifier: h.notifier,
	})
	h.p.Dispatcher.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *harness) order(id string) *models.Order {
	h.t.Helper()
	order, err := h.stores.Orders.GetByID(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return order
}

func (h *harness) countEvents(eventType events.EventType, orderID string) int64 {
	h.t.Helper()
	n, err := h.stores.Events.CountByType(context.Background(), string(eventType), orderID, time.Time{})
	if err != nil {
		h.t.Fatalf("CountByType(%s) error = %v", eventType, err)
	}
	return n
}

// createBrief stores a brief for a fresh session and returns it.
func (h *harness) createBrief(sessionID string) *models.Brief {
	h.t.Helper()
	brief, err := h.p.Assembler.Assemble(context.Background(), "corr-"+sessionID, *testutil.CardsComplete(h.t, sessionID))
	if err != nil {
		h.t.Fatalf("Assemble() error = %v", err)
	}
	return brief
}

func envelope(t *testing.T, source, correlationID string, payload events.Payload) *events.Envelope {
	t.Helper()
	env, err := events.New(source, correlationID, payload)
	if err != nil {
		t.Fatalf("events.New() error = %v", err)
	}
	return env
}

func boolPtr(v bool) *bool {
	return &v
}
