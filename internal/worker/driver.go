package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"batchdriver/internal/api"
	"batchdriver/internal/apperrors"
	"batchdriver/internal/batch"
	"batchdriver/pkg/backoff"
)

// ReportMetrics is an optional interface for recording status report outcomes.
type ReportMetrics interface {
	RecordStatusReport(ctx context.Context, success bool)
}

// DriverClientConfig configures calls to the driver.
type DriverClientConfig struct {
	URL          string
	Timeout      time.Duration // per attempt (default 30s)
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DriverClient registers the worker with the driver and pushes job statuses.
type DriverClient struct {
	http    *retryablehttp.Client
	url     string
	metrics ReportMetrics
	logger  *slog.Logger
}

// NewDriverClient creates a driver client. Connection errors and 5xx
// responses are retried with jittered exponential backoff.
func NewDriverClient(cfg DriverClientConfig, metrics ReportMetrics) *DriverClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 100 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 30 * time.Second
	}
	logger := slog.With("component", "driverclient")

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	rc.RetryMax = max(cfg.Retries, 0)
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = func(min, max time.Duration, attempt int, _ *http.Response) time.Duration {
		return backoff.Jittered(attempt+1, &backoff.Config{Initial: min, Max: max, Jitter: 0.5})
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logger

	return &DriverClient{
		http:    rc,
		url:     strings.TrimSuffix(cfg.URL, "/"),
		metrics: metrics,
		logger:  logger,
	}
}

// Activate registers this instance and its capacity with the driver.
func (c *DriverClient) Activate(ctx context.Context, name, ipAddress string, totalCoresMcpu int64) error {
	return c.post(ctx, "/api/v1alpha/instances/activate", api.ActivateRequest{
		Name:           name,
		IPAddress:      ipAddress,
		TotalCoresMcpu: totalCoresMcpu,
	})
}

// Deactivate tells the driver to stop placing jobs on this instance.
func (c *DriverClient) Deactivate(ctx context.Context, name string) error {
	return c.post(ctx, "/api/v1alpha/instances/deactivate", api.DeactivateRequest{Name: name})
}

// JobComplete pushes the final status of a job.
func (c *DriverClient) JobComplete(ctx context.Context, key batch.JobKey, status *batch.DockerStatus) error {
	err := c.post(ctx, "/api/v1alpha/instances/job_complete", api.JobCompleteRequest{
		BatchID: key.BatchID,
		JobID:   key.JobID,
		Status:  batch.RawStatus{Status: status},
	})
	if c.metrics != nil {
		c.metrics.RecordStatusReport(ctx, err == nil)
	}
	return err
}

func (c *DriverClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal("marshal "+path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(data))
	if err != nil {
		return apperrors.Internal("build "+path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Unavailable("POST "+path, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return apperrors.Unavailable("POST "+path, fmt.Errorf("driver returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	default:
		return apperrors.Internal("POST "+path, fmt.Errorf("driver returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}
}

var _ Reporter = (*DriverClient)(nil)
