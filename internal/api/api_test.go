package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/opensource-finance/kite/internal/bus"
	"github.com/opensource-finance/kite/internal/cache"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/model"
	"github.com/opensource-finance/kite/internal/pipeline"
	"github.com/opensource-finance/kite/internal/query"
	"github.com/opensource-finance/kite/internal/repository"
	"github.com/opensource-finance/kite/internal/rules"
	"github.com/opensource-finance/kite/internal/settings"
	"github.com/opensource-finance/kite/internal/velocity"
)

const testTenant = "tenant-api"

// newTestServer wires a full server against a temp SQLite database,
// in-process cache and channel bus. The scorer may be nil for
// rule-only detection.
func newTestServer(t *testing.T, scorer domain.ModelScorer) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kite-api-*.db")
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

	store := settings.NewStore(domain.DefaultDetectionConfig(), nil)
	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	p := pipeline.New(repo, lru, eventBus, velocity.NewStore(), engine, scorer, store, nil)
	l := ledger.New(repo, eventBus, nil, nil)
	q := query.New(repo, store)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	return NewServer(cfg, p, l, q, store, engine, repo, lru, "test-v1")
}

// doRequest executes a request through the full middleware stack.
func doRequest(t *testing.T, server *Server, method, path string, body interface{}, tenant string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantIDHeader, tenant)
	}

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func detectBody(txID string) *domain.DetectRequest {
	return &domain.DetectRequest{
		TransactionID: txID,
		Amount:        4999,
		Currency:      "USD",
		PayerID:       "payer-001",
		PayeeID:       "payee-001",
		Method:        domain.MethodBankTransfer,
		Channel:       domain.ChannelWeb,
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("HealthWithoutTenant", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/health", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %q", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %q", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/ready", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestTenantRequired(t *testing.T) {
	server := newTestServer(t, nil)

	rec := doRequest(t, server, http.MethodPost, "/detect", detectBody(""), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant header, got %d", rec.Code)
	}
}

func TestDetectEndpoint(t *testing.T) {
	server := newTestServer(t, &model.FixedScorer{Value: 10})

	t.Run("ScoresCleanTransaction", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodPost, "/detect", detectBody("tx-api-001"), testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp domain.DetectionResponse
		decodeBody(t, rec, &resp)
		if resp.TransactionID != "tx-api-001" {
			t.Errorf("expected tx-api-001, got %q", resp.TransactionID)
		}
		if resp.IsFraud {
			t.Error("clean transaction flagged as fraud")
		}
	})

	t.Run("GeneratesMissingTransactionID", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodPost, "/detect", detectBody(""), testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp domain.DetectionResponse
		decodeBody(t, rec, &resp)
		if resp.TransactionID == "" {
			t.Error("expected a generated transaction id")
		}
	})

	t.Run("DuplicateRejected", func(t *testing.T) {
		if rec := doRequest(t, server, http.MethodPost, "/detect", detectBody("tx-api-dup"), testTenant); rec.Code != http.StatusOK {
			t.Fatalf("first submission failed: %d", rec.Code)
		}

		rec := doRequest(t, server, http.MethodPost, "/detect", detectBody("tx-api-dup"), testTenant)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
		}
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		req := detectBody("tx-api-bad")
		req.PayerID = ""
		rec := doRequest(t, server, http.MethodPost, "/detect", req, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("{not json"))
		req.Header.Set(TenantIDHeader, testTenant)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestDetectFlagsModelFraud(t *testing.T) {
	server := newTestServer(t, &model.FixedScorer{Value: 95})

	rec := doRequest(t, server, http.MethodPost, "/detect", detectBody("tx-api-hot"), testTenant)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp domain.DetectionResponse
	decodeBody(t, rec, &resp)
	if !resp.IsFraud {
		t.Fatal("expected fraud determination")
	}
	if resp.Source != domain.SourceMLModel {
		t.Errorf("expected source ml_model, got %q", resp.Source)
	}
}

func TestDetectBatchEndpoint(t *testing.T) {
	server := newTestServer(t, &model.FixedScorer{Value: 10})

	t.Run("MixedBatch", func(t *testing.T) {
		bad := detectBody("tx-batch-bad")
		bad.Amount = -5

		body := BatchRequest{Transactions: []*domain.DetectRequest{
			detectBody("tx-batch-1"),
			bad,
			detectBody("tx-batch-2"),
		}}

		rec := doRequest(t, server, http.MethodPost, "/detect/batch", body, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp BatchResponse
		decodeBody(t, rec, &resp)
		if resp.Succeeded != 2 || resp.Failed != 1 {
			t.Fatalf("expected 2 succeeded / 1 failed, got %d / %d", resp.Succeeded, resp.Failed)
		}
		if resp.Results[0].Result == nil || resp.Results[0].Result.TransactionID != "tx-batch-1" {
			t.Error("batch results out of order")
		}
		if resp.Results[1].Error == "" {
			t.Error("expected an error for the invalid entry")
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodPost, "/detect/batch", BatchRequest{}, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestReportEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	if rec := doRequest(t, server, http.MethodPost, "/detect", detectBody("tx-report-1"), testTenant); rec.Code != http.StatusOK {
		t.Fatalf("seed transaction failed: %d", rec.Code)
	}

	t.Run("AcknowledgedReport", func(t *testing.T) {
		body := domain.FraudReportRequest{
			TransactionID: "tx-report-1",
			ReporterID:    "analyst-1",
			Details:       "stolen card",
		}
		rec := doRequest(t, server, http.MethodPost, "/report", body, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp domain.FraudReportResponse
		decodeBody(t, rec, &resp)
		if !resp.Acknowledged {
			t.Error("expected acknowledged report")
		}
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		body := domain.FraudReportRequest{
			TransactionID: "tx-missing",
			ReporterID:    "analyst-1",
		}
		rec := doRequest(t, server, http.MethodPost, "/report", body, testTenant)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("MissingReporter", func(t *testing.T) {
		body := domain.FraudReportRequest{TransactionID: "tx-report-1"}
		rec := doRequest(t, server, http.MethodPost, "/report", body, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	for _, id := range []string{"tx-list-1", "tx-list-2", "tx-list-3"} {
		if rec := doRequest(t, server, http.MethodPost, "/detect", detectBody(id), testTenant); rec.Code != http.StatusOK {
			t.Fatalf("seed %s failed: %d", id, rec.Code)
		}
	}

	t.Run("ListAll", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp struct {
			Transactions []*domain.TransactionView `json:"transactions"`
			Count        int                       `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 3 {
			t.Errorf("expected 3 transactions, got %d", resp.Count)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions?limit=2&offset=2", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 transaction on last page, got %d", resp.Count)
		}
	})

	t.Run("PageSizeExceeded", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions?limit=501", nil, testTenant)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
	})

	t.Run("BadFilter", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions?payment_method=iou", nil, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("GetByID", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions/tx-list-1", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var view domain.TransactionView
		decodeBody(t, rec, &view)
		if view.TransactionID != "tx-list-1" {
			t.Errorf("expected tx-list-1, got %q", view.TransactionID)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions/tx-nope", nil, testTenant)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/transactions/tx-list-1", nil, "other-tenant")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 across tenants, got %d", rec.Code)
		}
	})

	t.Run("Reprocess", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodPost, "/transactions/tx-list-1/reprocess", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp struct {
			Version int                       `json:"version"`
			Result  *domain.DetectionResponse `json:"result"`
		}
		decodeBody(t, rec, &resp)
		if resp.Version != 2 {
			t.Errorf("expected version 2 after reprocess, got %d", resp.Version)
		}
	})

	t.Run("ReprocessUnknown", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodPost, "/transactions/tx-nope/reprocess", nil, testTenant)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestSettingsEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("GetDefaults", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/settings", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var cfg domain.DetectionConfig
		decodeBody(t, rec, &cfg)
		if cfg.FraudThreshold != 70 {
			t.Errorf("expected default fraud threshold 70, got %d", cfg.FraudThreshold)
		}
	})

	t.Run("UpdateAndReadBack", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.FraudThreshold = 85

		rec := doRequest(t, server, http.MethodPut, "/settings", cfg, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doRequest(t, server, http.MethodGet, "/settings", nil, testTenant)
		var got domain.DetectionConfig
		decodeBody(t, rec, &got)
		if got.FraudThreshold != 85 {
			t.Errorf("expected updated threshold 85, got %d", got.FraudThreshold)
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		cfg := domain.DefaultDetectionConfig()
		cfg.FraudThreshold = 10

		rec := doRequest(t, server, http.MethodPut, "/settings", cfg, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}

		// The running configuration must be untouched.
		rec = doRequest(t, server, http.MethodGet, "/settings", nil, testTenant)
		var got domain.DetectionConfig
		decodeBody(t, rec, &got)
		if got.FraudThreshold == 10 {
			t.Error("invalid configuration was applied")
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := newTestServer(t, nil)

	t.Run("CreateAndReload", func(t *testing.T) {
		rule := CreateRuleRequest{
			ID:         "high-value-crypto",
			Name:       "High value crypto",
			Expression: `payment_method == "crypto" && amount > 1000000`,
			Confidence: 90,
			Enabled:    true,
		}

		rec := doRequest(t, server, http.MethodPost, "/rules", rule, testTenant)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		rec = doRequest(t, server, http.MethodPost, "/rules/reload", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("reload failed: %d", rec.Code)
		}

		rec = doRequest(t, server, http.MethodGet, "/rules/high-value-crypto", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("ListRules", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/rules", nil, testTenant)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 loaded rule, got %d", resp.Count)
		}
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rule := CreateRuleRequest{
			ID:         "broken",
			Name:       "Broken",
			Expression: "amount >", // does not compile
			Confidence: 50,
			Enabled:    true,
		}

		rec := doRequest(t, server, http.MethodPost, "/rules", rule, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("RejectsNonBoolExpression", func(t *testing.T) {
		rule := CreateRuleRequest{
			ID:         "non-bool",
			Name:       "Non bool",
			Expression: "amount + 1",
			Confidence: 50,
			Enabled:    true,
		}

		rec := doRequest(t, server, http.MethodPost, "/rules", rule, testTenant)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("UnknownRule", func(t *testing.T) {
		rec := doRequest(t, server, http.MethodGet, "/rules/nothing-here", nil, testTenant)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}
