package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// defaultBackoff is the wait before each attempt; its length is the attempt count.
var defaultBackoff = []time.Duration{0, 1 * time.Second, 5 * time.Second}

// Dispatcher fans events out to the configured endpoints.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	backoff    []time.Duration
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewDispatcher creates a Dispatcher for endpoints.
func NewDispatcher(endpoints []Endpoint, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		backoff:    defaultBackoff,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// SetBackoff overrides the retry schedule. The first element is the wait
// before the first attempt.
func (d *Dispatcher) SetBackoff(backoff []time.Duration) {
	if len(backoff) > 0 {
		d.backoff = backoff
	}
}

// Len returns the number of configured endpoints.
func (d *Dispatcher) Len() int { return len(d.endpoints) }

// Dispatch sends an event to every endpoint subscribed to eventType. Delivery
// runs in the background and outlives ctx's cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, ledger string, payload map[string]string) {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Ledger:    ledger,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	bg := context.WithoutCancel(ctx)
	for _, ep := range d.endpoints {
		if !ep.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(ep Endpoint) {
			defer d.wg.Done()
			d.deliver(bg, ep, event, body)
		}(ep)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event, body []byte) {
	signature := Sign(body, ep.Secret)

	for attempt, delay := range d.backoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		status, err := d.post(ctx, ep.URL, body, signature)
		success := err == nil
		if d.onMetrics != nil {
			d.onMetrics(success)
		}
		if success {
			d.logger.Debug("webhook delivered",
				zap.String("url", ep.URL),
				zap.String("event", event.Type),
				zap.Int("status", status),
			)
			return
		}

		d.logger.Warn("webhook: delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the SignatureHeader value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the SignatureHeader value for body.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
