// Package workerclient sends job create and delete requests to worker
// instances.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/internal/instance"
	"batchdriver/pkg/backoff"
)

// Config controls how workers are contacted.
type Config struct {
	Port         int           // used when the instance address carries no port
	Timeout      time.Duration // per attempt
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 5000
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryWaitMin <= 0 {
		c.RetryWaitMin = 100 * time.Millisecond
	}
	if c.RetryWaitMax <= 0 {
		c.RetryWaitMax = 60 * time.Second
	}
	return c
}

// MetricsRecorder is an optional interface for recording worker RPC metrics.
type MetricsRecorder interface {
	RecordWorkerRequest(ctx context.Context, op, outcome string, durationSeconds float64)
}

// Client talks to the worker job API.
type Client struct {
	http    *retryablehttp.Client
	config  Config
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates a worker client.
func New(cfg Config, metrics MetricsRecorder) *Client {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "workerclient")

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = func(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
		return backoff.Jittered(attempt+1, &backoff.Config{Initial: min, Max: max, Jitter: 0.5})
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logger

	return &Client{http: rc, config: cfg, metrics: metrics, logger: logger}
}

// CreateJob asks the instance to start the job. Any 2xx is success.
// Transport failures, 429 and 5xx responses left after retries are
// returned as apperrors.ErrUnavailable; other answers mean the worker
// rejected the job and are returned as apperrors.ErrValidation. Every
// failed request counts against the instance.
func (c *Client) CreateJob(ctx context.Context, inst *instance.Instance, cfg *batch.JobConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return apperrors.Internal("marshal job config", err)
	}
	url := c.baseURL(inst) + "/api/v1alpha/batches/jobs/create"
	status, err := c.do(ctx, inst, "create", http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		inst.RecordFailedRequest()
		return c.statusError(inst, "create job "+cfg.Key().String(), status)
	}
	inst.MarkHealthy()
	return nil
}

// DeleteJob asks the instance to stop the job. A 2xx or a 404, meaning the
// worker no longer knows the job, counts as success.
func (c *Client) DeleteJob(ctx context.Context, inst *instance.Instance, key batch.JobKey) error {
	url := fmt.Sprintf("%s/api/v1alpha/batches/%d/jobs/%d/delete", c.baseURL(inst), key.BatchID, key.JobID)
	status, err := c.do(ctx, inst, "delete", http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if !isSuccess(status) && status != http.StatusNotFound {
		inst.RecordFailedRequest()
		return c.statusError(inst, "delete job "+key.String(), status)
	}
	inst.MarkHealthy()
	return nil
}

func isSuccess(status int) bool {
	return status/100 == 2
}

func (c *Client) do(ctx context.Context, inst *instance.Instance, op, method, url string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, apperrors.Internal(op+" request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		inst.RecordFailedRequest()
		c.record(ctx, op, "error", start)
		c.logger.Warn("Worker request failed", "instance", inst.Name, "op", op, "error", err)
		return 0, apperrors.Unavailable(op+" on "+inst.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.record(ctx, op, outcome(resp.StatusCode), start)
	return resp.StatusCode, nil
}

func (c *Client) statusError(inst *instance.Instance, op string, status int) error {
	err := fmt.Errorf("%s returned HTTP %d", inst.Name, status)
	if status >= 500 || status == http.StatusTooManyRequests {
		return apperrors.Unavailable(op, err)
	}
	return apperrors.Validation(op, op+": "+err.Error())
}

func (c *Client) record(ctx context.Context, op, result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordWorkerRequest(ctx, op, result, time.Since(start).Seconds())
	}
}

func outcome(status int) string {
	switch {
	case isSuccess(status):
		return "ok"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// baseURL uses the instance address as is when it already names a port.
func (c *Client) baseURL(inst *instance.Instance) string {
	addr := inst.IPAddress()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(c.config.Port))
	}
	return "http://" + addr
}
