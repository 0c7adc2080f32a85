// Package webhook delivers terminal job notifications to per-job callback
// URLs supplied at submission time.
package webhook

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
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/quaesitor/internal/metrics"
)

const (
	signatureHeader = "X-Quaesitor-Signature"
	maxAttempts     = 3
	retryDelay      = time.Second
)

// Payload is the JSON body posted to the callback URL when a job reaches
// a terminal status.
type Payload struct {
	DeliveryID string    `json:"delivery_id"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Event      string    `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	ReportID   int64     `json:"report_id,omitempty"`
}

// Notifier posts signed terminal notifications. Deliveries are
// best-effort: a failed webhook never fails the job.
type Notifier struct {
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNotifier creates a notifier. When secret is non-empty every delivery
// carries an HMAC-SHA256 signature over the exact request body.
func NewNotifier(secret string, timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("webhook"),
	}
}

// Notify posts the payload to url, retrying transient failures. The
// delivery id is assigned here if unset.
func (n *Notifier) Notify(ctx context.Context, url string, p Payload) error {
	if p.DeliveryID == "" {
		p.DeliveryID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt-1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if n.secret != "" {
			req.Header.Set(signatureHeader, Signature(n.secret, body))
		}

		resp, err := n.httpClient.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				metrics.RecordWebhookDelivery("ok")
				return nil
			}
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
			// Client errors other than 408/429 will not improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
				resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
				break
			}
		} else {
			lastErr = err
		}
	}

	metrics.RecordWebhookDelivery("failed")
	n.logger.Warn("webhook delivery failed",
		zap.String("job_id", p.JobID),
		zap.String("url", url),
		zap.Error(lastErr),
	)
	return lastErr
}

// Signature computes the sha256= prefixed hex HMAC used in the
// X-Quaesitor-Signature header.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
