// Package webhook posts JSON payloads to user-supplied callback URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Header names set on every delivery.
const (
	HeaderSignature  = "X-Signature-256"
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderEvent      = "X-Batch-Event"
)

// Sender posts callbacks over HTTP. A single attempt is made per Post.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Delivery describes one callback POST.
type Delivery struct {
	ID         string // delivery identifier, echoed in X-Delivery-Id
	Event      string // event name, echoed in X-Batch-Event
	SigningKey string // optional HMAC key
}

// Post marshals payload and POSTs it to url.
func (s *Sender) Post(ctx context.Context, url string, payload any, d Delivery) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.ID != "" {
		req.Header.Set(HeaderDeliveryID, d.ID)
	}
	if d.Event != "" {
		req.Header.Set(HeaderEvent, d.Event)
	}
	if d.SigningKey != "" {
		req.Header.Set(HeaderSignature, Sign(body, d.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

// Sign returns the "sha256=<hex>" HMAC of body under key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is returned for non-2xx callback responses.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is a 4xx response.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
