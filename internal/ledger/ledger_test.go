package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kite-ledger-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func seedTx(t *testing.T, repo domain.Repository, tenantID, txID string) {
	t.Helper()
	tx := &domain.Transaction{
		ID:        txID,
		PayerID:   "payer-1",
		PayeeID:   "payee-1",
		Amount:    5000,
		Currency:  "USD",
		Method:    domain.MethodCreditCard,
		Channel:   domain.ChannelWeb,
		Timestamp: time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.SaveTransaction(context.Background(), tenantID, tx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
}

type failNotifier struct {
	err   error
	calls atomic.Int32
}

func (f *failNotifier) Notify(context.Context, string, *domain.FraudReport) error {
	f.calls.Add(1)
	return f.err
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("AcknowledgedReport", func(t *testing.T) {
		repo := newTestRepo(t)
		seedTx(t, repo, tenantID, "tx-1")
		l := New(repo, bus.NewChannelBus(16), nil, nil)

		report, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-1",
			ReporterID:    "analyst-1",
			Details:       "stolen card",
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if !report.Acknowledged {
			t.Error("expected acknowledged report")
		}
		if report.Version != 1 {
			t.Errorf("expected version 1, got %d", report.Version)
		}
		if report.FailureCode != "" {
			t.Errorf("unexpected failure code %q", report.FailureCode)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		repo := newTestRepo(t)
		l := New(repo, bus.NewChannelBus(16), nil, nil)

		_, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "missing",
			ReporterID:    "analyst-1",
		})
		if !errors.Is(err, domain.ErrUnknownTransaction) {
			t.Fatalf("expected ErrUnknownTransaction, got %v", err)
		}
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		repo := newTestRepo(t)
		l := New(repo, bus.NewChannelBus(16), nil, nil)

		_, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{ReporterID: "analyst-1"})
		if !errors.Is(err, domain.ErrInvalidTransaction) {
			t.Fatalf("expected ErrInvalidTransaction, got %v", err)
		}
		_, err = l.Submit(ctx, tenantID, &domain.FraudReportRequest{TransactionID: "tx-1"})
		if !errors.Is(err, domain.ErrInvalidTransaction) {
			t.Fatalf("expected ErrInvalidTransaction, got %v", err)
		}
	})

	t.Run("DeliveryFailureRecordsCode", func(t *testing.T) {
		repo := newTestRepo(t)
		seedTx(t, repo, tenantID, "tx-2")
		notifier := &failNotifier{err: ErrDownstreamTimeout}
		l := New(repo, bus.NewChannelBus(16), notifier, nil)

		report, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-2",
			ReporterID:    "analyst-1",
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if report.Acknowledged {
			t.Error("expected unacknowledged report")
		}
		if report.FailureCode != domain.FailureTimeout {
			t.Errorf("expected TIMEOUT, got %q", report.FailureCode)
		}
	})

	t.Run("AcknowledgedIsIdempotent", func(t *testing.T) {
		repo := newTestRepo(t)
		seedTx(t, repo, tenantID, "tx-3")
		notifier := &failNotifier{}
		l := New(repo, bus.NewChannelBus(16), notifier, nil)

		first, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-3",
			ReporterID:    "analyst-1",
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}

		second, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-3",
			ReporterID:    "analyst-1",
		})
		if err != nil {
			t.Fatalf("resubmit failed: %v", err)
		}
		if second.Version != first.Version {
			t.Errorf("resubmit created new version %d", second.Version)
		}
		if got := notifier.calls.Load(); got != 1 {
			t.Errorf("expected 1 downstream call, got %d", got)
		}
	})

	t.Run("FailedReportCanRetry", func(t *testing.T) {
		repo := newTestRepo(t)
		seedTx(t, repo, tenantID, "tx-4")
		notifier := &failNotifier{err: ErrDownstreamUnavailable}
		l := New(repo, bus.NewChannelBus(16), notifier, nil)

		first, _ := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-4",
			ReporterID:    "analyst-1",
		})
		if first.Acknowledged {
			t.Fatal("expected first attempt to fail")
		}

		// Downstream recovers; retry appends version 2 and succeeds.
		notifier.err = nil
		second, err := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-4",
			ReporterID:    "analyst-1",
		})
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		if !second.Acknowledged || second.Version != 2 {
			t.Errorf("expected acknowledged v2, got %+v", second)
		}
	})

	t.Run("ReportersAreIndependent", func(t *testing.T) {
		repo := newTestRepo(t)
		seedTx(t, repo, tenantID, "tx-5")
		l := New(repo, bus.NewChannelBus(16), nil, nil)

		a, _ := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-5", ReporterID: "analyst-1",
		})
		b, _ := l.Submit(ctx, tenantID, &domain.FraudReportRequest{
			TransactionID: "tx-5", ReporterID: "analyst-2",
		})
		if a.Version != 1 || b.Version != 1 {
			t.Errorf("expected independent version 1 per reporter, got %d and %d", a.Version, b.Version)
		}
	})
}

func TestHTTPNotifier(t *testing.T) {
	ctx := context.Background()
	report := &domain.FraudReport{
		TxID:       "tx-n",
		ReporterID: "analyst-1",
		Details:    "chargeback",
		ReportedAt: time.Now().UTC(),
	}

	t.Run("Delivers", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Kite-Event") != "fraud_report" {
				t.Errorf("missing event header")
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		n := NewHTTPNotifier(srv.URL)
		if err := n.Notify(ctx, "tenant-001", report); err != nil {
			t.Fatalf("Notify failed: %v", err)
		}
	})

	t.Run("RetriesServerError", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		n := NewHTTPNotifier(srv.URL)
		n.backoff = time.Millisecond
		if err := n.Notify(ctx, "tenant-001", report); err != nil {
			t.Fatalf("expected success on third attempt, got %v", err)
		}
		if calls.Load() != 3 {
			t.Errorf("expected 3 attempts, got %d", calls.Load())
		}
	})

	t.Run("ExhaustedRetriesClassified", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		n := NewHTTPNotifier(srv.URL)
		n.backoff = time.Millisecond
		err := n.Notify(ctx, "tenant-001", report)
		if FailureCode(err) != domain.FailureServerError {
			t.Errorf("expected SERVER_ERROR classification, got %v", err)
		}
	})

	t.Run("RejectionNotRetried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		n := NewHTTPNotifier(srv.URL)
		n.backoff = time.Millisecond
		if err := n.Notify(ctx, "tenant-001", report); err == nil {
			t.Fatal("expected error on 400")
		}
		if calls.Load() != 1 {
			t.Errorf("expected 1 attempt for 4xx, got %d", calls.Load())
		}
	})

	t.Run("ConnectionRefusedIsUnavailable", func(t *testing.T) {
		n := NewHTTPNotifier("http://127.0.0.1:1")
		n.backoff = time.Millisecond
		err := n.Notify(ctx, "tenant-001", report)
		if FailureCode(err) != domain.FailureUnavailable {
			t.Errorf("expected UNAVAILABLE classification, got %v", err)
		}
	})
}
