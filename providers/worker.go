package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/malwarebo/reelpipe/resilience"
	"github.com/malwarebo/reelpipe/security"
	"github.com/malwarebo/reelpipe/utils"
)

const WorkerName = "production_worker"

// ProductionJob is the submission sent to the external video worker. JobID
// doubles as the idempotency key on the worker side.
type ProductionJob struct {
	JobID       string          `json:"job_id"`
	OrderID     string          `json:"order_id"`
	BriefID     string          `json:"brief_id"`
	Tier        string          `json:"tier"`
	Attempt     int             `json:"attempt"`
	CallbackURL string          `json:"callback_url"`
	Brief       json.RawMessage `json:"brief"`
}

type WorkerConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

type WorkerClient struct {
	baseURL  string
	secret   string
	http     *http.Client
	executor *resilience.ProviderExecutor
}

func NewWorkerClient(cfg WorkerConfig, executor *resilience.ProviderExecutor) *WorkerClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WorkerClient{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		secret:   cfg.Secret,
		http:     &http.Client{Timeout: timeout},
		executor: executor,
	}
}

// Submit posts the job. A 2xx, or a 409 for a job the worker already has,
// counts as acknowledgement. 5xx and network failures are transient; other
// 4xx responses are terminal.
func (c *WorkerClient) Submit(ctx context.Context, job *ProductionJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return utils.Terminal("encode production job", err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", bytes.NewReader(body))
		if err != nil {
			return utils.Terminal("build production request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", job.JobID)
		req.Header.Set("X-Correlation-ID", utils.GetCorrelationID(ctx))
		if c.secret != "" {
			req.Header.Set("X-Worker-Signature", security.SignPayload(c.secret, body))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return utils.Transient("submit production job", err)
		}
		defer resp.Body.Close()
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
			return utils.Transient("submit production job", fmt.Errorf("worker returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
		default:
			return utils.Terminal("submit production job", fmt.Errorf("worker rejected job with %d: %s", resp.StatusCode, bytes.TrimSpace(detail)))
		}
	}

	if c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, WorkerName, call)
}
