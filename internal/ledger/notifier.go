package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

// Notifier forwards a fraud report to the downstream case-management
// system and returns nil only on acknowledgment.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, report *domain.FraudReport) error
}

// Delivery failures, classified so the ledger can record a failure code.
var (
	ErrDownstreamTimeout     = errors.New("case management timeout")
	ErrDownstreamServerError = errors.New("case management server error")
	ErrDownstreamUnavailable = errors.New("case management unavailable")
)

// FailureCode maps a notifier error to the code stored on the report.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrDownstreamTimeout):
		return domain.FailureTimeout
	case errors.Is(err, ErrDownstreamServerError):
		return domain.FailureServerError
	default:
		return domain.FailureUnavailable
	}
}

// LocalNotifier acknowledges every report without forwarding. Used when
// no case-management endpoint is configured.
type LocalNotifier struct{}

func (LocalNotifier) Notify(context.Context, string, *domain.FraudReport) error {
	return nil
}

// HTTPNotifier delivers reports to a case-management endpoint over HTTP.
// Transient failures are retried up to maxRetries times before the
// report is recorded as unacknowledged.
type HTTPNotifier struct {
	endpoint   string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

// NewHTTPNotifier creates a notifier for the given endpoint.
func NewHTTPNotifier(endpoint string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		maxRetries: 2,
		backoff:    100 * time.Millisecond,
	}
}

type notifyPayload struct {
	Event         string    `json:"event"`
	TransactionID string    `json:"transaction_id"`
	TenantID      string    `json:"tenant_id"`
	ReporterID    string    `json:"reporting_entity_id"`
	Details       string    `json:"fraud_details"`
	ReportedAt    time.Time `json:"reported_at"`
}

// Notify POSTs the report and retries on timeout, 5xx, and connection
// errors. A 4xx response is not retried; the downstream rejected the
// report and retrying cannot change that.
func (n *HTTPNotifier) Notify(ctx context.Context, tenantID string, report *domain.FraudReport) error {
	body, err := json.Marshal(notifyPayload{
		Event:         "fraud_report",
		TransactionID: report.TxID,
		TenantID:      tenantID,
		ReporterID:    report.ReporterID,
		Details:       report.Details,
		ReportedAt:    report.ReportedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ErrDownstreamTimeout
			}
		}

		lastErr = n.deliver(ctx, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return ErrDownstreamServerError
		}
	}
	return lastErr
}

// errPermanent marks a non-retryable downstream rejection.
var errPermanent = errors.New("permanent rejection")

func (n *HTTPNotifier) deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kite-Event", "fraud_report")

	resp, err := n.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrDownstreamTimeout
		}
		return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrDownstreamServerError, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}
