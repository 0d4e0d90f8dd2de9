package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/ledger"
	"github.com/opensource-finance/kite/internal/pipeline"
	"github.com/opensource-finance/kite/internal/query"
	"github.com/opensource-finance/kite/internal/rules"
	"github.com/opensource-finance/kite/internal/settings"
)

// GlobalTenantID is used for rules that apply to all tenants.
const GlobalTenantID = "*"

// maxBatchSize bounds the number of transactions accepted by one
// batch detection request.
const maxBatchSize = 1000

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *pipeline.Pipeline
	ledger   *ledger.Ledger
	query    *query.Service
	settings *settings.Store
	engine   *rules.Engine
	repo     domain.Repository
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(p *pipeline.Pipeline, l *ledger.Ledger, q *query.Service, s *settings.Store, engine *rules.Engine, repo domain.Repository, cache domain.Cache, version string) *Handler {
	return &Handler{
		pipeline: p,
		ledger:   l,
		query:    q,
		settings: s,
		engine:   engine,
		repo:     repo,
		cache:    cache,
		version:  version,
	}
}

// Detect handles POST /detect requests.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	decision, err := h.pipeline.Process(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision.ToResponse())
}

// BatchRequest is the request body for POST /detect/batch.
type BatchRequest struct {
	Transactions []*domain.DetectRequest `json:"transactions"`
}

// BatchItem is one entry in a batch detection response, positionally
// matching the request. Exactly one of Result and Error is set.
type BatchItem struct {
	Result *domain.DetectionResponse `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// BatchResponse is the response for POST /detect/batch.
type BatchResponse struct {
	Results   []BatchItem `json:"results"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// DetectBatch handles POST /detect/batch requests. Each transaction is
// scored independently; one bad entry never fails the batch.
func (h *Handler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(req.Transactions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transactions must not be empty",
		})
		return
	}
	if len(req.Transactions) > maxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch exceeds " + strconv.Itoa(maxBatchSize) + " transactions",
		})
		return
	}

	results := h.pipeline.ProcessBatch(ctx, tenantID, req.Transactions)

	resp := BatchResponse{Results: make([]BatchItem, len(results))}
	for i, res := range results {
		if res.Err != nil {
			resp.Results[i] = BatchItem{Error: res.Err.Error()}
			resp.Failed++
			continue
		}
		resp.Results[i] = BatchItem{Result: res.Decision.ToResponse()}
		resp.Succeeded++
	}

	writeJSON(w, http.StatusOK, resp)
}

// SubmitReport handles POST /report requests.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.FraudReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	report, err := h.ledger.Submit(ctx, tenantID, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report.ToResponse())
}

// ListTransactions handles GET /transactions with filter and
// pagination query parameters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	filter, page, err := parseListQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	views, err := h.query.List(ctx, tenantID, filter, page)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
		"offset":       page.Offset,
	})
}

// GetTransaction handles GET /transactions/{id}, returning the
// transaction joined with its latest decision.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	view, err := h.query.Get(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// Reprocess handles POST /transactions/{id}/reprocess, scoring a stored
// transaction again under the current configuration and rule set.
func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "transaction id is required",
		})
		return
	}

	decision, err := h.pipeline.Reprocess(ctx, tenantID, txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": decision.Version,
		"result":  decision.ToResponse(),
	})
}

// GetSettings handles GET /settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Snapshot())
}

// UpdateSettings handles PUT /settings. The new configuration replaces
// the current one atomically; invalid configurations are rejected and
// the running configuration is kept.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var cfg domain.DetectionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.settings.Update(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// ListRules returns all loaded rules from the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  loadedRules,
		"count":  len(loadedRules),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Expression  string             `json:"expression"`
	Confidence  int                `json:"confidence"`
	Reason      domain.FraudReason `json:"reason,omitempty"`
	Enabled     bool               `json:"enabled"`
}

// CreateRule creates a new rule and saves it to the database.
// Rules are saved globally (tenant_id = "*") so they apply to all tenants.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}
	if req.Confidence < 0 || req.Confidence > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "confidence must be between 0 and 100",
		})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = domain.ReasonKnownFraudPattern
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Confidence:  req.Confidence,
		Reason:      reason,
		Enabled:     req.Enabled,
	}

	// Validate the CEL expression before anything is persisted.
	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
		slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func parseListQuery(r *http.Request) (domain.TransactionFilter, domain.Page, error) {
	q := r.URL.Query()

	var filter domain.TransactionFilter
	var page domain.Page

	if v := q.Get("start_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, page, errors.New("start_date must be RFC 3339")
		}
		filter.StartDate = ts
	}
	if v := q.Get("end_date"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, page, errors.New("end_date must be RFC 3339")
		}
		filter.EndDate = ts
	}
	filter.PayerID = q.Get("payer_id")
	filter.PayeeID = q.Get("payee_id")
	filter.SearchQuery = q.Get("search")

	if v := q.Get("payment_method"); v != "" {
		method := domain.PaymentMethod(v)
		if !method.Valid() {
			return filter, page, errors.New("unknown payment_method: " + v)
		}
		filter.Method = method
	}
	if v := q.Get("only_fraud"); v != "" {
		onlyFraud, err := strconv.ParseBool(v)
		if err != nil {
			return filter, page, errors.New("only_fraud must be a boolean")
		}
		filter.OnlyFraud = onlyFraud
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return filter, page, errors.New("limit must be a non-negative integer")
		}
		page.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, page, errors.New("offset must be a non-negative integer")
		}
		page.Offset = offset
	}

	return filter, page, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateTransaction):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnknownTransaction):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPageSizeExceeded):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
