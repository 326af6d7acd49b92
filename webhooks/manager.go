package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
)

// WebhookEvent is the body of an outbound notification to the presentation
// layer.
type WebhookEvent struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Data          map[string]interface{} `json:"data"`
	CreatedAt     time.Time              `json:"created_at"`
	Source        string                 `json:"source"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

type WebhookEndpoint struct {
	URL        string   `json:"url"`
	Events     []string `json:"events"`
	Secret     string   `json:"-"`
	IsActive   bool     `json:"is_active"`
	RetryCount int      `json:"retry_count"`
	Timeout    time.Duration
}

// Notifier signs and posts events to every active endpoint subscribed to
// their type.
type Notifier struct {
	mu        sync.RWMutex
	endpoints []*WebhookEndpoint
	client    *http.Client
	baseDelay time.Duration
}

func CreateNotifier(endpoints ...*WebhookEndpoint) *Notifier {
	n := &Notifier{
		client:    &http.Client{},
		baseDelay: time.Second,
	}
	for _, ep := range endpoints {
		n.RegisterEndpoint(ep)
	}
	return n
}

func (n *Notifier) RegisterEndpoint(endpoint *WebhookEndpoint) error {
	if endpoint.URL == "" {
		return errors.New("webhook endpoint url is required")
	}
	if endpoint.Secret == "" {
		return fmt.Errorf("webhook endpoint %s has no signing secret", endpoint.URL)
	}
	if endpoint.Timeout <= 0 {
		endpoint.Timeout = 10 * time.Second
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints = append(n.endpoints, endpoint)
	return nil
}

// Notify delivers synchronously, retrying each endpoint on transient
// failures. It returns the joined errors of endpoints that never accepted.
func (n *Notifier) Notify(ctx context.Context, eventType string, data map[string]interface{}, source string) error {
	event := WebhookEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
		Source:        source,
		CorrelationID: utils.GetCorrelationID(ctx),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	n.mu.RLock()
	targets := make([]*WebhookEndpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		if ep.IsActive && shouldTrigger(ep, eventType) {
			targets = append(targets, ep)
		}
	}
	n.mu.RUnlock()

	var errs []error
	for _, ep := range targets {
		if err := n.send(ctx, ep, event.ID, payload); err != nil {
			utils.Warn(ctx, "outbound notification failed", map[string]interface{}{
				"url":        ep.URL,
				"event_type": eventType,
				"error":      err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func shouldTrigger(endpoint *WebhookEndpoint, eventType string) bool {
	for _, event := range endpoint.Events {
		if event == eventType || event == "*" {
			return true
		}
	}
	return false
}

func (n *Notifier) send(ctx context.Context, endpoint *WebhookEndpoint, eventID string, payload []byte) error {
	signature := security.SignPayload(endpoint.Secret, payload)
	retry := &utils.RetryConfig{
		MaxAttempts: endpoint.RetryCount + 1,
		BaseDelay:   n.baseDelay,
		MaxDelay:    30 * time.Second,
		BackoffType: utils.Linear,
	}

	return utils.Retry(ctx, retry, func() error {
		return n.deliver(ctx, endpoint, eventID, payload, signature)
	})
}

func (n *Notifier) deliver(ctx context.Context, endpoint *WebhookEndpoint, eventID string, payload []byte, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return utils.Terminal("build notification", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", eventID)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := n.client.Do(req)
	if err != nil {
		return utils.Transient("send notification", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return utils.Transient("send notification", fmt.Errorf("%s returned %d", endpoint.URL, resp.StatusCode))
	default:
		return utils.Terminal("send notification", fmt.Errorf("%s returned %d", endpoint.URL, resp.StatusCode))
	}
}

func (n *Notifier) Endpoints() []*WebhookEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*WebhookEndpoint, len(n.endpoints))
	copy(out, n.endpoints)
	return out
}
