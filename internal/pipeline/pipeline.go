// Package pipeline runs the fraud decision flow: validate, persist,
// score, decide, publish. Each detection takes one settings snapshot so
// a concurrent configuration change never splits a single evaluation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"

	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/rules"
	"github.com/opensource-finance/kite/internal/score"
	"github.com/opensource-finance/kite/internal/settings"
	"github.com/opensource-finance/kite/internal/velocity"
)

// decisionCacheTTL bounds how long a decision stays in the fast-path
// duplicate check cache.
const decisionCacheTTL = 10 * time.Minute

// Pipeline orchestrates fraud detection for one deployment.
type Pipeline struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	velocity *velocity.Store
	engine   *rules.Engine
	scorer   domain.ModelScorer
	settings *settings.Store
	logger   *slog.Logger
}

// New creates a pipeline. The scorer may be nil; detection then runs
// rule-only regardless of the AI toggle.
func New(
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	vel *velocity.Store,
	engine *rules.Engine,
	scorer domain.ModelScorer,
	store *settings.Store,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		velocity: vel,
		engine:   engine,
		scorer:   scorer,
		settings: store,
		logger:   logger,
	}
}

// Process runs one transaction through the full decision flow and
// returns the persisted version-1 decision.
//
// Error contract: ErrInvalidTransaction for malformed input,
// ErrDuplicateTransaction when the transaction ID was already decided.
func (p *Pipeline) Process(ctx context.Context, tenantID string, req *domain.DetectRequest) (*domain.Decision, error) {
	start := time.Now()
	cfg := p.settings.Snapshot()

	// 1. Validate
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	tx := req.ToTransaction(tenantID)
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	} else {
		// 2. Duplicate check, cache fast path first.
		if cached, err := p.cache.GetDecision(ctx, tenantID, tx.ID); err == nil && cached != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, tx.ID)
		}
		if _, err := p.repo.GetTransaction(ctx, tenantID, tx.ID); err == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateTransaction, tx.ID)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
	}

	// 3. Persist the transaction before scoring so a scoring failure
	// never loses the ingested record.
	if err := p.repo.SaveTransaction(ctx, tenantID, tx); err != nil {
		return nil, fmt.Errorf("save transaction: %w", err)
	}

	// 4. Record velocity for both parties, then evaluate against the
	// state that includes this transaction.
	late := p.velocity.Record(tenantID, tx.PayerID, tx.Amount, tx.Timestamp)
	p.velocity.Record(tenantID, tx.PayeeID, tx.Amount, tx.Timestamp)
	if late {
		p.logger.Debug("late arrival recorded",
			"tx_id", tx.ID,
			"tenant_id", tenantID,
			"timestamp", tx.Timestamp,
		)
	}

	decision, err := p.decide(ctx, tenantID, tx, cfg)
	if err != nil {
		return nil, err
	}

	p.logger.Info("transaction processed",
		"tx_id", tx.ID,
		"tenant_id", tenantID,
		"fraud_score", decision.FraudScore,
		"is_fraud", decision.IsFraud,
		"degraded", decision.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return decision, nil
}

// Reprocess re-evaluates an already ingested transaction under the
// current configuration and rule set, appending a new decision version.
func (p *Pipeline) Reprocess(ctx context.Context, tenantID string, txID string) (*domain.Decision, error) {
	cfg := p.settings.Snapshot()

	tx, err := p.repo.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, txID)
		}
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	decision, err := p.decide(ctx, tenantID, tx, cfg)
	if err != nil {
		return nil, err
	}

	p.logger.Info("transaction reprocessed",
		"tx_id", txID,
		"tenant_id", tenantID,
		"version", decision.Version,
		"fraud_score", decision.FraudScore,
		"is_fraud", decision.IsFraud,
	)
	return decision, nil
}

// decide scores a transaction and persists the resulting decision.
// The repository assigns the decision version on insert.
func (p *Pipeline) decide(ctx context.Context, tenantID string, tx *domain.Transaction, cfg domain.DetectionConfig) (*domain.Decision, error) {
	snap := p.velocity.Snapshot(tenantID, tx.PayerID)

	// Rule engine path.
	var verdict domain.Verdict
	if cfg.EnableRuleEngine {
		verdict = p.engine.Evaluate(tx, snap)
	}

	// Model path. A timeout degrades the decision to rule-only instead
	// of failing the request.
	modelScore := 0
	degraded := false
	if cfg.EnableAIDetection && p.scorer != nil {
		var err error
		modelScore, err = p.scoreModel(ctx, tx, cfg)
		if err != nil {
			if errors.Is(err, domain.ErrModelTimeout) {
				degraded = true
				modelScore = 0
				p.logger.Warn("model scoring timed out, decision degraded",
					"tx_id", tx.ID,
					"tenant_id", tenantID,
					"timeout_ms", cfg.APITimeoutMs,
				)
			} else if ctx.Err() != nil {
				return nil, ctx.Err()
			} else {
				degraded = true
				modelScore = 0
				p.logger.Error("model scoring failed, decision degraded",
					"tx_id", tx.ID,
					"tenant_id", tenantID,
					"error", err,
				)
			}
		}
	}

	agg := score.New(cfg.AlertThreshold)
	result := agg.Aggregate(verdict, modelScore)

	decision := &domain.Decision{
		TxID:           tx.ID,
		TenantID:       tenantID,
		FraudScore:     result.Score,
		IsFraud:        result.Score >= cfg.FraudThreshold,
		Degraded:       degraded,
		FraudThreshold: cfg.FraudThreshold,
		DecidedAt:      time.Now().UTC(),
	}
	if decision.IsFraud {
		decision.Source = result.Source
		decision.Reason = result.Reason
	}

	if err := p.repo.SaveDecision(ctx, tenantID, decision); err != nil {
		return nil, fmt.Errorf("save decision: %w", err)
	}
	if err := p.cache.SetDecision(ctx, tenantID, tx.ID, decision, decisionCacheTTL); err != nil {
		p.logger.Warn("failed to cache decision",
			"tx_id", tx.ID,
			"error", err,
		)
	}

	p.publish(ctx, tenantID, decision, result)
	return decision, nil
}

// scoreModel calls the scorer under the configured deadline and maps
// deadline expiry to ErrModelTimeout.
func (p *Pipeline) scoreModel(ctx context.Context, tx *domain.Transaction, cfg domain.DetectionConfig) (int, error) {
	timeout := time.Duration(cfg.APITimeoutMs) * time.Millisecond
	scoreCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	modelScore, err := p.scorer.Score(scoreCtx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, domain.ErrModelTimeout
		}
		return 0, err
	}
	return modelScore, nil
}

// publish emits the decision event, plus an alert event when the score
// reached the alert threshold. Publish failures are logged, not fatal;
// the decision is already durable.
func (p *Pipeline) publish(ctx context.Context, tenantID string, decision *domain.Decision, result score.Result) {
	payload, _ := json.Marshal(decision)
	if err := p.bus.Publish(ctx, tenantID, domain.TopicDecisionCreated, payload); err != nil {
		p.logger.Error("failed to publish decision",
			"tx_id", decision.TxID,
			"error", err,
		)
	}

	if result.Source == domain.SourceNone {
		return
	}
	alert, _ := json.Marshal(map[string]any{
		"transaction_id": decision.TxID,
		"fraud_score":    decision.FraudScore,
		"is_fraud":       decision.IsFraud,
		"fraud_source":   result.Source,
		"fraud_reason":   result.Reason,
		"degraded":       decision.Degraded,
		"decided_at":     decision.DecidedAt,
	})
	if err := p.bus.Publish(ctx, tenantID, domain.TopicAlert, alert); err != nil {
		p.logger.Error("failed to publish alert",
			"tx_id", decision.TxID,
			"error", err,
		)
	}
}

// BatchResult pairs one batch entry with its outcome. Exactly one of
// Decision and Err is set.
type BatchResult struct {
	Decision *domain.Decision
	Err      error
}

// ProcessBatch scores a batch concurrently, bounded by the configured
// batch size. Results are returned in input order. A cancelled context
// fails the not-yet-started remainder with the context error.
func (p *Pipeline) ProcessBatch(ctx context.Context, tenantID string, reqs []*domain.DetectRequest) []BatchResult {
	cfg := p.settings.Snapshot()

	results := make([]BatchResult, len(reqs))
	sem := make(chan struct{}, cfg.BatchSize)
	done := make(chan int, len(reqs))

	for i, req := range reqs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = BatchResult{Err: ctx.Err()}
			done <- i
			continue
		}

		go func(i int, req *domain.DetectRequest) {
			defer func() { <-sem }()
			decision, err := p.Process(ctx, tenantID, req)
			results[i] = BatchResult{Decision: decision, Err: err}
			done <- i
		}(i, req)
	}

	for range reqs {
		<-done
	}
	return results
}

// validateRequest checks the structural validity of a detect request.
// All failures wrap ErrInvalidTransaction.
func validateRequest(req *domain.DetectRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", domain.ErrInvalidTransaction)
	}
	if req.PayerID == "" {
		return fmt.Errorf("%w: payer_id is required", domain.ErrInvalidTransaction)
	}
	if req.PayeeID == "" {
		return fmt.Errorf("%w: payee_id is required", domain.ErrInvalidTransaction)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidTransaction)
	}
	if _, err := currency.ParseISO(req.Currency); err != nil {
		return fmt.Errorf("%w: unknown currency %q", domain.ErrInvalidTransaction, req.Currency)
	}
	if !req.Method.Valid() {
		return fmt.Errorf("%w: unknown payment_method %q", domain.ErrInvalidTransaction, req.Method)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: unknown payment_channel %q", domain.ErrInvalidTransaction, req.Channel)
	}
	return nil
}
