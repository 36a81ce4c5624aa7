package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"batchdriver/pkg/backoff"
	"batchdriver/pkg/circuitbreaker"
	"batchdriver/pkg/webhook"
)

// MemoryDispatcher queues callbacks in a bounded channel and delivers them
// from a worker pool. When the buffer is full the callback is dropped.
type MemoryDispatcher struct {
	queue    chan *Callback
	sender   *webhook.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
	retries   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordCallbackDelivered(ctx context.Context, durationSeconds float64)
	RecordCallbackFailed(ctx context.Context)
	RecordCallbackDropped(ctx context.Context, reason string)
	RecordCallbackQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Callback, cfg.BufferSize),
		sender: webhook.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "maxAttempts", cfg.MaxAttempts)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordCallbackQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

func (d *MemoryDispatcher) drop(cb *Callback, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackDropped(context.Background(), reason)
	}
	d.logger.Warn("Callback dropped", "reason", reason, "batchId", cb.BatchID, "destination", extractHost(cb.Destination))
}

// Dispatch queues a callback for async delivery.
func (d *MemoryDispatcher) Dispatch(cb *Callback) error {
	if d.closed.Load() {
		d.drop(cb, "closed")
		return ErrClosed
	}

	select {
	case d.queue <- cb:
		d.queued.Add(1)
		return nil
	default:
		d.drop(cb, "buffer_full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Skipped:       d.skipped.Load(),
		Retries:       d.retries.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
			"failingHosts", d.breakers.Stats().OpenKeys,
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case cb := <-d.queue:
			d.deliver(cb)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case cb := <-d.queue:
			d.deliver(cb)
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(cb *Callback) {
	host := extractHost(cb.Destination)
	breaker := d.breakers.Get(host)
	logger := d.logger.With("batchId", cb.BatchID, "destination", host, "event", cb.Event, "deliveryId", cb.ID)

	if !breaker.Allow() {
		d.skipped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordCallbackDropped(context.Background(), "breaker_open")
		}
		logger.Warn("Callback skipped, destination failing")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.HTTPTimeout)
	defer cancel()

	start := time.Now()
	if err := d.send(ctx, cb); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordCallbackFailed(ctx)
		}
		logger.Warn("Callback failed, will not retry", "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackDelivered(ctx, time.Since(start).Seconds())
	}
	logger.Info("Callback delivered", "duration", time.Since(start))
}

func (d *MemoryDispatcher) send(ctx context.Context, cb *Callback) error {
	delivery := webhook.Delivery{ID: cb.ID, Event: cb.Event, SigningKey: cb.SigningKey}

	var lastErr error
	for attempt := range d.config.MaxAttempts {
		if attempt > 0 {
			d.retries.Add(1)
			if err := backoff.Sleep(ctx, backoff.Exponential(attempt, nil)); err != nil {
				return err
			}
		}
		lastErr = d.sender.Post(ctx, cb.Destination, cb.Payload, delivery)
		if lastErr == nil || webhook.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
