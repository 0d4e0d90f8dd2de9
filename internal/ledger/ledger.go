// Package ledger records fraud reports against decided transactions.
// The report log is append-only: resubmissions and corrections become
// new versions, and an acknowledged report is never re-forwarded.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/repository"
)

// Ledger accepts fraud reports, forwards them to case management, and
// persists the outcome.
type Ledger struct {
	repo     domain.Repository
	bus      domain.EventBus
	notifier Notifier
	logger   *slog.Logger
}

// New creates a ledger. A nil notifier acknowledges reports locally.
func New(repo domain.Repository, bus domain.EventBus, notifier Notifier, logger *slog.Logger) *Ledger {
	if notifier == nil {
		notifier = LocalNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:     repo,
		bus:      bus,
		notifier: notifier,
		logger:   logger,
	}
}

// Submit records a fraud report for a known transaction.
//
// Submissions are idempotent per (transaction, reporter): once a report
// is acknowledged downstream, resubmitting returns the stored outcome
// without contacting case management again. An unacknowledged report
// may be resubmitted; each attempt appends a new version.
func (l *Ledger) Submit(ctx context.Context, tenantID string, req *domain.FraudReportRequest) (*domain.FraudReport, error) {
	if err := validateReport(req); err != nil {
		return nil, err
	}

	if _, err := l.repo.GetTransaction(ctx, tenantID, req.TransactionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, req.TransactionID)
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	prev, err := l.repo.GetLatestReport(ctx, tenantID, req.TransactionID, req.ReporterID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load latest report: %w", err)
	}
	if prev != nil && prev.Acknowledged {
		l.logger.Debug("report already acknowledged, returning stored outcome",
			"tx_id", req.TransactionID,
			"reporter_id", req.ReporterID,
			"version", prev.Version,
		)
		return prev, nil
	}

	report := &domain.FraudReport{
		TxID:       req.TransactionID,
		TenantID:   tenantID,
		ReporterID: req.ReporterID,
		Details:    req.Details,
		ReportedAt: time.Now().UTC(),
	}

	if err := l.notifier.Notify(ctx, tenantID, report); err != nil {
		report.Acknowledged = false
		report.FailureCode = FailureCode(err)
		l.logger.Warn("case management delivery failed",
			"tx_id", report.TxID,
			"reporter_id", report.ReporterID,
			"failure_code", report.FailureCode,
			"error", err,
		)
	} else {
		report.Acknowledged = true
	}

	// The outcome is recorded either way; an unacknowledged row keeps
	// the failure code so the reporter can retry.
	if err := l.repo.SaveReport(ctx, tenantID, report); err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	payload, _ := json.Marshal(report)
	if err := l.bus.Publish(ctx, tenantID, domain.TopicReportSubmitted, payload); err != nil {
		l.logger.Error("failed to publish report event",
			"tx_id", report.TxID,
			"error", err,
		)
	}

	l.logger.Info("fraud report submitted",
		"tx_id", report.TxID,
		"tenant_id", tenantID,
		"reporter_id", report.ReporterID,
		"version", report.Version,
		"acknowledged", report.Acknowledged,
	)
	return report, nil
}

// History returns the latest report for a (transaction, reporter) pair.
func (l *Ledger) History(ctx context.Context, tenantID string, txID, reporterID string) (*domain.FraudReport, error) {
	report, err := l.repo.GetLatestReport(ctx, tenantID, txID, reporterID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: no report for %s by %s", domain.ErrUnknownTransaction, txID, reporterID)
	}
	return report, err
}

func validateReport(req *domain.FraudReportRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty report", domain.ErrInvalidTransaction)
	}
	if req.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", domain.ErrInvalidTransaction)
	}
	if req.ReporterID == "" {
		return fmt.Errorf("%w: reporting_entity_id is required", domain.ErrInvalidTransaction)
	}
	return nil
}
