package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malwarebo/reelpipe/cache"
	"github.com/malwarebo/reelpipe/middleware"
	"github.com/malwarebo/reelpipe/models"
	"github.com/malwarebo/reelpipe/providers"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/stores"
	"github.com/malwarebo/reelpipe/testutil"
	"gorm.io/gorm"
)

const (
	testConversationSecret = "conversation-secret"
	testWorkerSecret       = "worker-secret"
	testJWTSecret          = "admin-jwt-secret"
)

type nopWorker struct{}

func (nopWorker) Submit(context.Context, *providers.ProductionJob) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, map[string]interface{}, string) error { return nil }

// stubProvider accepts webhooks signed with the literal "valid"; the body is
// a JSON PaymentEvent.
type stubProvider struct {
	name string
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateCheckout(ctx context.Context, req *providers.CheckoutRequest) (*providers.CheckoutSession, error) {
	return &providers.CheckoutSession{
		ID:        "cs_" + req.OrderID,
		URL:       "https://pay.example.com/" + req.OrderID,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

func (p *stubProvider) ParseWebhook(payload []byte, signature string) (*providers.PaymentEvent, error) {
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

type testServer struct {
	t        *testing.T
	db       *gorm.DB
	pipeline *services.Pipeline
	jwt      *security.JWTManager
	router   http.Handler
}

func newTestServer(t *testing.T, limit security.RateLimitConfig) *testServer {
	t.Helper()

	db := testutil.NewTestDB(t)
	hasher, err := security.CreateTokenHasher("api-token-secret")
	if err != nil {
		t.Fatalf("CreateTokenHasher() error = %v", err)
	}

	pipeline := services.NewPipeline(services.PipelineConfig{
		RetryCeiling: 3,
		KeyTTL:       time.Hour,
		Gateway:      services.GatewayConfig{Currency: "USD"},
		Delivery:     services.DeliveryConfig{PublicBaseURL: "https://pipeline.example.com"},
	}, services.PipelineDeps{
		Stores: stores.CreateStores(db, time.Minute),
		Router: providers.CreateRouter(providers.StripeName,
			&stubProvider{name: providers.StripeName},
			&stubProvider{name: providers.XenditName},
		),
		Worker:   nopWorker{},
		Progress: cache.CreateMemoryProgressStore(time.Hour),
		Hasher:   hasher,
		Notifier: nopNotifier{},
	})

	jwtManager := security.CreateJWTManager(testJWTSecret, "reelpipe", "reelpipe-admin")
	limiter := security.CreateRateLimiter(limit)
	t.Cleanup(limiter.Close)

	return &testServer{
		t:        t,
		db:       db,
		pipeline: pipeline,
		jwt:      jwtManager,
		router: NewRouter(RouterConfig{
			Pipeline:           pipeline,
			Auth:               middleware.CreateAuthMiddleware(jwtManager, limiter),
			ConversationSecret: testConversationSecret,
			WorkerSecret:       testWorkerSecret,
		}),
	}
}

func generousLimit() security.RateLimitConfig {
	return security.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	s.t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) adminToken() string {
	s.t.Helper()
	token, err := s.jwt.GenerateToken("ops-1", "ops@example.com", []string{security.RoleAdmin}, time.Hour)
	if err != nil {
		s.t.Fatalf("GenerateToken() error = %v", err)
	}
	return token
}

func (s *testServer) adminRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.adminToken())
	return req
}

func signedRequest(path, header, secret string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(header, security.SignPayload(secret, body))
	return req
}

func (s *testServer) brief(sessionID string) *models.Brief {
	s.t.Helper()
	brief, err := s.pipeline.Assembler.Assemble(context.Background(), "corr-"+sessionID, *testutil.CardsComplete(s.t, sessionID))
	if err != nil {
		s.t.Fatalf("Assemble() error = %v", err)
	}
	return brief
}

func (s *testServer) order(id string) *models.Order {
	s.t.Helper()
	order, err := s.pipeline.Stores.Orders.GetByID(context.Background(), id)
	if err != nil {
		s.t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return order
}

// deliveredToken returns a delivered order and a raw token for it.
func (s *testServer) deliveredToken() (*models.Order, string) {
	s.t.Helper()
	order := testutil.CreateOrder(s.t, s.db, models.OrderStatusDelivered, func(o *models.Order) {
		o.AssetURL = "https://cdn.example.com/" + o.ID + ".mp4"
	})
	raw, err := s.pipeline.Delivery.Issue(context.Background(), order)
	if err != nil {
		s.t.Fatalf("Issue() error = %v", err)
	}
	return order, raw
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func countEvents(t *testing.T, s *testServer, eventType string) int64 {
	t.Helper()
	n, err := s.pipeline.Stores.Events.CountByType(context.Background(), eventType, "", time.Time{})
	if err != nil {
		t.Fatalf("CountByType(%s) error = %v", eventType, err)
	}
	return n
}
