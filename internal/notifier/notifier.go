// Package notifier delivers the completion callback of a batch once its last
// job reaches a terminal state.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"batchdriver/internal/apperrors"
	"batchdriver/internal/dispatcher"
	"batchdriver/internal/store"
)

// EventBatchComplete is sent in the X-Batch-Event header of callbacks.
const EventBatchComplete = "batch.complete"

// BatchReader reads batch records.
type BatchReader interface {
	GetBatch(ctx context.Context, id int64) (*store.BatchRecord, error)
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotificationDropped(ctx context.Context)
}

// Config configures a Notifier.
type Config struct {
	QueueSize  int           // default: 1000
	Workers    int           // default: 4
	Timeout    time.Duration // per batch check, default: 10s
	SigningKey string        // optional HMAC key for callback signatures
	Remember   int           // notified batches kept to suppress duplicate callbacks, default: 10000
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Remember <= 0 {
		c.Remember = 10000
	}
	return c
}

// Notifier checks batches handed to it and dispatches a callback for each
// batch that is complete and has one registered. Callers are never blocked.
type Notifier struct {
	batches    BatchReader
	dispatcher dispatcher.Dispatcher
	config     Config
	metrics    MetricsRecorder
	logger     *slog.Logger
	notified   *lru.Cache

	queue    chan int64
	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a notifier and starts its workers.
func New(cfg Config, batches BatchReader, d dispatcher.Dispatcher, metrics MetricsRecorder) (*Notifier, error) {
	cfg = cfg.withDefaults()
	notified, err := lru.New(cfg.Remember)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		batches:    batches,
		dispatcher: d,
		config:     cfg,
		metrics:    metrics,
		logger:     slog.With("component", "notifier"),
		notified:   notified,
		queue:      make(chan int64, cfg.QueueSize),
		shutdown:   make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}
	return n, nil
}

// Notify queues a batch for a completion check. When the queue is full the
// batch is dropped and logged.
func (n *Notifier) Notify(batchID int64) {
	if n.closed.Load() {
		n.drop(batchID, "closed")
		return
	}
	select {
	case n.queue <- batchID:
	default:
		n.drop(batchID, "queue_full")
	}
}

func (n *Notifier) drop(batchID int64, reason string) {
	if n.metrics != nil {
		n.metrics.RecordNotificationDropped(context.Background())
	}
	n.logger.Warn("Batch notification dropped", "batchId", batchID, "reason", reason)
}

// Close stops accepting batches and waits for queued ones to be checked.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			for {
				select {
				case id := <-n.queue:
					n.check(id)
				default:
					return
				}
			}
		case id := <-n.queue:
			n.check(id)
		}
	}
}

func (n *Notifier) check(batchID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
	defer cancel()

	logger := n.logger.With("batchId", batchID)
	b, err := n.batches.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Debug("Batch gone before notification")
			return
		}
		logger.Error("Could not read batch for notification", "error", err)
		return
	}

	summary := b.Summary()
	if b.Deleted || b.Callback == "" || !summary.Complete {
		return
	}
	if seen, _ := n.notified.ContainsOrAdd(batchID, struct{}{}); seen {
		return
	}

	cb := &dispatcher.Callback{
		ID:          uuid.NewString(),
		Event:       EventBatchComplete,
		Destination: b.Callback,
		Payload:     summary,
		SigningKey:  n.config.SigningKey,
		BatchID:     batchID,
	}
	if err := n.dispatcher.Dispatch(cb); err != nil {
		logger.Warn("Could not queue batch callback", "error", err)
		return
	}
	logger.Info("Batch complete, callback queued", "deliveryId", cb.ID, "state", summary.State)
}
