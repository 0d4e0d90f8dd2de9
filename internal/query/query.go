// Package query serves the dashboard read path: transactions joined
// with their latest decision, filtered and paginated.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/settings"
)

// DefaultPageSize applies when the caller does not request a limit.
const DefaultPageSize = 50

// Service answers read queries against the repository.
type Service struct {
	repo     domain.Repository
	settings *settings.Store
}

// New creates a query service.
func New(repo domain.Repository, store *settings.Store) *Service {
	return &Service{repo: repo, settings: store}
}

// List returns transaction views matching the filter, newest first.
// A requested page size above the configured maximum fails with
// ErrPageSizeExceeded rather than being silently clamped.
func (s *Service) List(ctx context.Context, tenantID string, filter domain.TransactionFilter, page domain.Page) ([]*domain.TransactionView, error) {
	maxPage := s.settings.Snapshot().MaxPageSize

	if page.Limit > maxPage {
		return nil, fmt.Errorf("%w: requested %d, maximum %d", domain.ErrPageSizeExceeded, page.Limit, maxPage)
	}
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
		if page.Limit > maxPage {
			page.Limit = maxPage
		}
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	views, err := s.repo.ListTransactionViews(ctx, tenantID, filter, page)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if views == nil {
		views = []*domain.TransactionView{}
	}
	return views, nil
}

// Get returns the view for a single transaction, joining its latest
// decision. An unknown ID fails with ErrUnknownTransaction.
func (s *Service) Get(ctx context.Context, tenantID string, txID string) (*domain.TransactionView, error) {
	tx, err := s.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, txID)
		}
		return nil, err
	}

	view := &domain.TransactionView{
		TransactionID: tx.ID,
		Timestamp:     tx.Timestamp,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PayerID:       tx.PayerID,
		PayeeID:       tx.PayeeID,
		Method:        tx.Method,
		Channel:       tx.Channel,
	}

	decision, err := s.repo.GetLatestDecision(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Ingested but not yet decided; the view carries zero scores.
			return view, nil
		}
		return nil, err
	}

	view.IsFraud = decision.IsFraud
	view.FraudScore = decision.FraudScore
	view.Source = decision.Source
	view.Reason = decision.Reason
	return view, nil
}
