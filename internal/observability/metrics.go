package observability

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"batchdriver/internal/instance"
)

// Metrics holds the instruments of the driver and the worker. Each process
// only records the ones it uses.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Scheduler metrics
	PassDuration    metric.Float64Histogram
	PassErrorsTotal metric.Int64Counter
	JobsScheduled   metric.Int64Counter
	JobsUnscheduled metric.Int64Counter
	JobsCompleted   metric.Int64Counter

	// Worker RPC metrics
	WorkerRequestDuration metric.Float64Histogram
	WorkerRequestsTotal   metric.Int64Counter

	// Callback metrics
	CallbackDuration     metric.Float64Histogram
	CallbacksDelivered   metric.Int64Counter
	CallbacksFailed      metric.Int64Counter
	CallbacksDropped     metric.Int64Counter
	CallbackQueueSize    metric.Int64Gauge
	NotificationsDropped metric.Int64Counter

	// Worker process metrics
	StatusReportsTotal     metric.Int64Counter
	ContainerDuration      metric.Float64Histogram
	ContainersActive       metric.Int64UpDownCounter
	ContainerErrorsTotal   metric.Int64Counter
	ContainersStartedTotal metric.Int64Counter
}

// NewMetrics creates the instruments on a Prometheus-backed meter named
// after the service. The returned handler serves them along with the Go
// runtime and process collectors.
func NewMetrics(ctx context.Context, service string) (*Metrics, http.Handler, error) {
	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(service)
	m := &Metrics{meter: meter}

	b := builder{meter: meter}
	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.PassDuration = b.histogram("scheduler_pass_duration_seconds", "Duration of schedule and cancel passes",
		0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60)
	m.PassErrorsTotal = b.counter("scheduler_pass_errors_total", "Passes that returned an error")
	m.JobsScheduled = b.counter("batch_jobs_scheduled_total", "Jobs placed on an instance")
	m.JobsUnscheduled = b.counter("batch_jobs_unscheduled_total", "Jobs taken off an instance")
	m.JobsCompleted = b.counter("batch_jobs_completed_total", "Jobs moved to a terminal state")

	m.WorkerRequestDuration = b.histogram("worker_request_duration_seconds", "Worker RPC latency in seconds, retries included",
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)
	m.WorkerRequestsTotal = b.counter("worker_requests_total", "Worker RPCs by operation and outcome")

	m.CallbackDuration = b.histogram("callback_duration_seconds", "Callback delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)
	m.CallbacksDelivered = b.counter("callbacks_delivered_total", "Callbacks delivered")
	m.CallbacksFailed = b.counter("callbacks_failed_total", "Callbacks that failed")
	m.CallbacksDropped = b.counter("callbacks_dropped_total", "Callbacks dropped before delivery")
	m.CallbackQueueSize = b.gauge("callback_queue_size", "Callbacks waiting for delivery (saturation)")
	m.NotificationsDropped = b.counter("notifications_dropped_total", "Batch completion checks dropped")

	m.StatusReportsTotal = b.counter("status_reports_total", "Job status reports sent to the driver")
	m.ContainerDuration = b.histogram("container_duration_seconds", "Job container run time in seconds",
		1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	m.ContainersActive = b.upDownCounter("containers_active", "Job containers currently running (saturation)")
	m.ContainerErrorsTotal = b.counter("container_errors_total", "Job containers that did not succeed")
	m.ContainersStartedTotal = b.counter("containers_started_total", "Job containers started")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) histogram(name, desc string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) upDownCounter(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
}

// CapacityReader reports aggregate pool capacity.
type CapacityReader interface {
	Capacity() instance.Capacity
}

// ObservePool registers gauges reading the pool's capacity at collection time.
func (m *Metrics) ObservePool(pool CapacityReader) error {
	free, err := m.meter.Int64ObservableGauge("pool_free_cores_mcpu",
		metric.WithDescription("Free capacity of active instances in millicores"))
	if err != nil {
		return err
	}
	total, err := m.meter.Int64ObservableGauge("pool_total_cores_mcpu",
		metric.WithDescription("Total capacity of active instances in millicores"))
	if err != nil {
		return err
	}
	active, err := m.meter.Int64ObservableGauge("pool_active_instances",
		metric.WithDescription("Number of active instances"))
	if err != nil {
		return err
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		c := pool.Capacity()
		o.ObserveInt64(free, c.FreeCoresMcpu)
		o.ObserveInt64(total, c.TotalCoresMcpu)
		o.ObserveInt64(active, int64(c.Instances))
		return nil
	}, free, total, active)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPass records one schedule or cancel pass.
func (m *Metrics) RecordPass(ctx context.Context, pass string, durationSeconds float64, failed bool) {
	attrs := metric.WithAttributes(passAttr(pass))
	m.PassDuration.Record(ctx, durationSeconds, attrs)
	if failed {
		m.PassErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobScheduled records a job placed on an instance.
func (m *Metrics) RecordJobScheduled(ctx context.Context) {
	m.JobsScheduled.Add(ctx, 1)
}

// RecordJobUnscheduled records a job taken off an instance.
func (m *Metrics) RecordJobUnscheduled(ctx context.Context) {
	m.JobsUnscheduled.Add(ctx, 1)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, state string) {
	m.JobsCompleted.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordWorkerRequest records one worker RPC.
func (m *Metrics) RecordWorkerRequest(ctx context.Context, op, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(opAttr(op), outcomeAttr(outcome))
	m.WorkerRequestDuration.Record(ctx, durationSeconds, attrs)
	m.WorkerRequestsTotal.Add(ctx, 1, attrs)
}

// RecordCallbackDelivered records a delivered callback with its duration.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, durationSeconds float64) {
	m.CallbacksDelivered.Add(ctx, 1)
	m.CallbackDuration.Record(ctx, durationSeconds)
}

// RecordCallbackFailed records a failed callback.
func (m *Metrics) RecordCallbackFailed(ctx context.Context) {
	m.CallbacksFailed.Add(ctx, 1)
}

// RecordCallbackDropped records a callback dropped before delivery.
func (m *Metrics) RecordCallbackDropped(ctx context.Context, reason string) {
	m.CallbacksDropped.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordCallbackQueueSize records the current queue size.
func (m *Metrics) RecordCallbackQueueSize(ctx context.Context, size int64) {
	m.CallbackQueueSize.Record(ctx, size)
}

// RecordNotificationDropped records a batch completion check that was dropped.
func (m *Metrics) RecordNotificationDropped(ctx context.Context) {
	m.NotificationsDropped.Add(ctx, 1)
}

// RecordStatusReport records a status push from a worker to the driver.
func (m *Metrics) RecordStatusReport(ctx context.Context, success bool) {
	m.StatusReportsTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordContainerStarted records a job container being started.
func (m *Metrics) RecordContainerStarted(ctx context.Context, image string) {
	attrs := metric.WithAttributes(imageAttr(image))
	m.ContainersStartedTotal.Add(ctx, 1, attrs)
	m.ContainersActive.Add(ctx, 1, attrs)
}

// RecordContainerFinished records a job container exiting or being removed.
func (m *Metrics) RecordContainerFinished(ctx context.Context, image string, success bool, durationSeconds float64) {
	m.ContainerDuration.Record(ctx, durationSeconds, metric.WithAttributes(imageAttr(image), successAttr(success)))
	m.ContainersActive.Add(ctx, -1, metric.WithAttributes(imageAttr(image)))
	if !success {
		m.ContainerErrorsTotal.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
	}
}
