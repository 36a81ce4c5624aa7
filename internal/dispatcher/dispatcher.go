// Package dispatcher delivers batch callbacks asynchronously. Deliveries are
// fire-and-forget: each callback gets a bounded number of attempts and
// failures are only logged and counted.
package dispatcher

import (
	"context"
	"errors"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the callback is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, callback dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of callbacks.
type Dispatcher interface {
	// Dispatch queues a callback for delivery. Non-blocking.
	Dispatch(cb *Callback) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting callbacks and delivers the queued ones. The
	// context deadline bounds the drain.
	Close(ctx context.Context) error
}

// Callback is one POST to a user-supplied URL.
type Callback struct {
	ID          string // delivery ID, sent as X-Delivery-Id
	Event       string // event name, e.g. "batch.complete"
	Destination string // callback URL
	Payload     any    // JSON body
	SigningKey  string // HMAC key, empty = unsigned
	BatchID     int64  // for logging
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total callbacks queued
	Delivered     int64 // successful deliveries
	Failed        int64 // deliveries that exhausted their attempts
	Dropped       int64 // dropped due to full buffer or closed dispatcher
	Skipped       int64 // not attempted because the destination's breaker was open
	Retries       int64 // attempts beyond the first
	BreakersTotal int
	BreakersOpen  int
}
