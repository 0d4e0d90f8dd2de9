// Package model provides fraud score providers backing the AI detection
// path. The HTTP scorer calls an external inference service; the stub
// scorer serves single-node deployments without a model endpoint.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

// HTTPScorer obtains fraud scores from an external model service over HTTP.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer creates a scorer that POSTs transactions to the given
// inference endpoint. The client carries no timeout of its own; callers
// bound requests through the context, typically via TimeoutScorer.
func NewHTTPScorer(endpoint string) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

type scoreRequest struct {
	TransactionID  string         `json:"transaction_id"`
	TenantID       string         `json:"tenant_id"`
	PayerID        string         `json:"payer_id"`
	PayeeID        string         `json:"payee_id"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	PaymentMethod  string         `json:"payment_method"`
	PaymentChannel string         `json:"payment_channel"`
	Timestamp      time.Time      `json:"timestamp"`
	Context        map[string]any `json:"context,omitempty"`
}

type scoreResponse struct {
	Score int `json:"score"`
}

// Score sends the transaction to the model service and returns its
// fraud score in the range [0, 100].
func (s *HTTPScorer) Score(ctx context.Context, tx *domain.Transaction) (int, error) {
	payload := scoreRequest{
		TransactionID:  tx.ID,
		TenantID:       tx.TenantID,
		PayerID:        tx.PayerID,
		PayeeID:        tx.PayeeID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		PaymentMethod:  string(tx.Method),
		PaymentChannel: string(tx.Channel),
		Timestamp:      tx.Timestamp,
		Context:        tx.Context,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, domain.ErrModelTimeout
		}
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model service returned %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}

	if out.Score < 0 {
		out.Score = 0
	} else if out.Score > 100 {
		out.Score = 100
	}
	return out.Score, nil
}

// StubScorer produces deterministic scores without a model service.
// The score is derived from a hash of the transaction ID so repeated
// evaluations of the same transaction agree.
type StubScorer struct{}

// NewStubScorer creates a stub scorer.
func NewStubScorer() *StubScorer {
	return &StubScorer{}
}

// Score returns a deterministic pseudo-score in [0, 100).
func (s *StubScorer) Score(_ context.Context, tx *domain.Transaction) (int, error) {
	h := fnv.New32a()
	h.Write([]byte(tx.ID))
	return int(h.Sum32() % 100), nil
}

// FixedScorer always returns the same score. Used as a test fixture and
// for deployments that want the AI path pinned during incident response.
type FixedScorer struct {
	Value int
	Err   error
}

func (s *FixedScorer) Score(context.Context, *domain.Transaction) (int, error) {
	return s.Value, s.Err
}

// TimeoutScorer bounds an underlying scorer with a deadline. When the
// deadline expires the returned error is ErrModelTimeout, which the
// pipeline treats as degraded mode rather than a hard failure.
type TimeoutScorer struct {
	inner   domain.ModelScorer
	timeout time.Duration
}

// NewTimeoutScorer wraps inner with the given timeout. A non-positive
// timeout falls back to 300ms.
func NewTimeoutScorer(inner domain.ModelScorer, timeout time.Duration) *TimeoutScorer {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	return &TimeoutScorer{inner: inner, timeout: timeout}
}

func (s *TimeoutScorer) Score(ctx context.Context, tx *domain.Transaction) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		score int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		score, err := s.inner.Score(ctx, tx)
		done <- result{score, err}
	}()

	select {
	case res := <-done:
		if errors.Is(res.err, context.DeadlineExceeded) {
			return 0, domain.ErrModelTimeout
		}
		return res.score, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, domain.ErrModelTimeout
		}
		return 0, ctx.Err()
	}
}
