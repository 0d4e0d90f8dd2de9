package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/cache"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/model"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/rules"
	"github.com/opensource-finance/kite/internal/settings"
	"github.com/opensource-finance/kite/internal/velocity"
)

func newTestPipeline(t *testing.T, scorer domain.ModelScorer, cfg domain.DetectionConfig) (*Pipeline, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kite-pipeline-*.db")
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

	engine, err := rules.NewEngine(rules.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	p := New(
		repo,
		cache.NewLRUCache(100),
		bus.NewChannelBus(64),
		velocity.NewStore(),
		engine,
		scorer,
		settings.NewStore(cfg, nil),
		nil,
	)
	return p, repo
}

func detectReq(id string, amount int64) *domain.DetectRequest {
	return &domain.DetectRequest{
		TransactionID: id,
		Amount:        amount,
		Currency:      "USD",
		PayerID:       "payer-1",
		PayeeID:       "payee-1",
		Method:        domain.MethodCreditCard,
		Channel:       domain.ChannelWeb,
	}
}

func TestProcess(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("CleanTransaction", func(t *testing.T) {
		p, repo := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		decision, err := p.Process(ctx, tenantID, detectReq("tx-1", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if decision.IsFraud {
			t.Error("clean transaction flagged as fraud")
		}
		if decision.Version != 1 {
			t.Errorf("expected version 1, got %d", decision.Version)
		}
		if decision.FraudThreshold != 70 {
			t.Errorf("expected recorded threshold 70, got %d", decision.FraudThreshold)
		}

		// Transaction and decision are durable.
		if _, err := repo.GetTransaction(ctx, tenantID, "tx-1"); err != nil {
			t.Errorf("transaction not persisted: %v", err)
		}
		if _, err := repo.GetLatestDecision(ctx, tenantID, "tx-1"); err != nil {
			t.Errorf("decision not persisted: %v", err)
		}
	})

	t.Run("ModelFlagsFraud", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 95}, domain.DefaultDetectionConfig())

		decision, err := p.Process(ctx, tenantID, detectReq("tx-2", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if !decision.IsFraud {
			t.Fatal("expected fraud decision")
		}
		if decision.Source != domain.SourceMLModel {
			t.Errorf("expected ml_model source, got %s", decision.Source)
		}
		if decision.Reason != domain.ReasonModelScore {
			t.Errorf("expected ml_model_score reason, got %s", decision.Reason)
		}
	})

	t.Run("VelocityFlagsFraud", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		var last *domain.Decision
		for i := 0; i < 15; i++ {
			req := &domain.DetectRequest{
				Amount:   1000,
				Currency: "USD",
				PayerID:  "burst-payer",
				PayeeID:  "payee-1",
				Method:   domain.MethodCreditCard,
				Channel:  domain.ChannelWeb,
			}
			var err error
			last, err = p.Process(ctx, tenantID, req)
			if err != nil {
				t.Fatalf("Process %d failed: %v", i, err)
			}
		}
		if !last.IsFraud {
			t.Fatal("expected velocity burst to be flagged")
		}
		if last.Source != domain.SourceRuleEngine {
			t.Errorf("expected rule_engine source, got %s", last.Source)
		}
		if last.Reason != domain.ReasonVelocityCheckFailed {
			t.Errorf("expected velocity_check_failed, got %s", last.Reason)
		}
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		if _, err := p.Process(ctx, tenantID, detectReq("tx-dup", 10000)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		_, err := p.Process(ctx, tenantID, detectReq("tx-dup", 20000))
		if !errors.Is(err, domain.ErrDuplicateTransaction) {
			t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
		}
	})

	t.Run("GeneratedIDsNeverCollide", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		a, err := p.Process(ctx, tenantID, detectReq("", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		b, err := p.Process(ctx, tenantID, detectReq("", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if a.TxID == b.TxID || a.TxID == "" {
			t.Errorf("expected distinct generated IDs, got %q and %q", a.TxID, b.TxID)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		cases := map[string]*domain.DetectRequest{
			"MissingPayer": {Amount: 100, Currency: "USD", PayeeID: "p", Method: domain.MethodCreditCard, Channel: domain.ChannelWeb},
			"MissingPayee": {Amount: 100, Currency: "USD", PayerID: "p", Method: domain.MethodCreditCard, Channel: domain.ChannelWeb},
			"ZeroAmount":   {Amount: 0, Currency: "USD", PayerID: "p", PayeeID: "q", Method: domain.MethodCreditCard, Channel: domain.ChannelWeb},
			"BadCurrency":  {Amount: 100, Currency: "DOLLARS", PayerID: "p", PayeeID: "q", Method: domain.MethodCreditCard, Channel: domain.ChannelWeb},
			"BadMethod":    {Amount: 100, Currency: "USD", PayerID: "p", PayeeID: "q", Method: "cheque", Channel: domain.ChannelWeb},
			"BadChannel":   {Amount: 100, Currency: "USD", PayerID: "p", PayeeID: "q", Method: domain.MethodCreditCard, Channel: "fax"},
		}
		for name, req := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := p.Process(ctx, tenantID, req)
				if !errors.Is(err, domain.ErrInvalidTransaction) {
					t.Errorf("expected ErrInvalidTransaction, got %v", err)
				}
			})
		}
	})

	t.Run("RuleOnlyWhenAIDisabled", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.EnableAIDetection = false
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 99}, cfg)

		decision, err := p.Process(ctx, tenantID, detectReq("tx-no-ai", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if decision.IsFraud {
			t.Error("model score must be ignored when AI detection is disabled")
		}
	})
}

func TestProcessDegradedMode(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	slow := scorerFunc(func(ctx context.Context, _ *domain.Transaction) (int, error) {
		select {
		case <-time.After(time.Second):
			return 99, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})

	cfg := domain.DefaultDetectionConfig()
	cfg.APITimeoutMs = 20
	p, _ := newTestPipeline(t, slow, cfg)

	decision, err := p.Process(ctx, tenantID, detectReq("tx-slow", 10000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !decision.Degraded {
		t.Error("expected degraded decision on model timeout")
	}
	if decision.IsFraud {
		t.Error("timeout must not contribute a model score")
	}
}

func TestProcessCancellation(t *testing.T) {
	tenantID := "tenant-001"

	blocked := scorerFunc(func(ctx context.Context, _ *domain.Transaction) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	p, _ := newTestPipeline(t, blocked, domain.DefaultDetectionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Process(ctx, tenantID, detectReq("tx-cancel", 10000))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestReprocess(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("AppendsNewVersion", func(t *testing.T) {
		p, repo := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		first, err := p.Process(ctx, tenantID, detectReq("tx-re", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		second, err := p.Reprocess(ctx, tenantID, "tx-re")
		if err != nil {
			t.Fatalf("Reprocess failed: %v", err)
		}
		if second.Version != first.Version+1 {
			t.Errorf("expected version %d, got %d", first.Version+1, second.Version)
		}

		latest, err := repo.GetLatestDecision(ctx, tenantID, "tx-re")
		if err != nil {
			t.Fatalf("GetLatestDecision failed: %v", err)
		}
		if latest.Version != second.Version {
			t.Errorf("latest decision is v%d, want v%d", latest.Version, second.Version)
		}
	})

	t.Run("UsesCurrentThreshold", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 75}, domain.DefaultDetectionConfig())

		first, err := p.Process(ctx, tenantID, detectReq("tx-thr", 10000))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if !first.IsFraud {
			t.Fatal("expected fraud at threshold 70")
		}

		// Raising the threshold only affects decisions made afterward.
		raised := domain.DefaultDetectionConfig()
		raised.FraudThreshold = 80
		if err := p.settings.Update(raised); err != nil {
			t.Fatalf("settings update failed: %v", err)
		}

		second, err := p.Reprocess(ctx, tenantID, "tx-thr")
		if err != nil {
			t.Fatalf("Reprocess failed: %v", err)
		}
		if second.IsFraud {
			t.Error("expected non-fraud under raised threshold")
		}
		if second.FraudThreshold != 80 {
			t.Errorf("expected recorded threshold 80, got %d", second.FraudThreshold)
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

		_, err := p.Reprocess(ctx, tenantID, "missing")
		if !errors.Is(err, domain.ErrUnknownTransaction) {
			t.Fatalf("expected ErrUnknownTransaction, got %v", err)
		}
	})
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	p, _ := newTestPipeline(t, &model.FixedScorer{Value: 5}, domain.DefaultDetectionConfig())

	reqs := []*domain.DetectRequest{
		detectReq("batch-1", 10000),
		{Amount: -5, Currency: "USD", PayerID: "p", PayeeID: "q", Method: domain.MethodCreditCard, Channel: domain.ChannelWeb},
		detectReq("batch-3", 20000),
	}

	results := p.ProcessBatch(ctx, tenantID, reqs)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	// Results stay in input order.
	if results[0].Err != nil || results[0].Decision.TxID != "batch-1" {
		t.Errorf("result 0 mismatch: %+v", results[0])
	}
	if !errors.Is(results[1].Err, domain.ErrInvalidTransaction) {
		t.Errorf("expected invalid transaction at index 1, got %v", results[1].Err)
	}
	if results[2].Err != nil || results[2].Decision.TxID != "batch-3" {
		t.Errorf("result 2 mismatch: %+v", results[2])
	}
}

type scorerFunc func(context.Context, *domain.Transaction) (int, error)

func (f scorerFunc) Score(ctx context.Context, tx *domain.Transaction) (int, error) {
	return f(ctx, tx)
}
