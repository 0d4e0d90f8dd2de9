// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kite/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	txContext, _ := json.Marshal(tx.Context)

	query := `
		INSERT INTO transactions (
			id, tenant_id, payer_id, payee_id, amount, currency,
			payment_method, payment_channel, timestamp, created_at, context
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.PayerID, tx.PayeeID,
		tx.Amount, tx.Currency,
		string(tx.Method), string(tx.Channel),
		tx.Timestamp, tx.CreatedAt,
		string(txContext),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, payer_id, payee_id, amount, currency,
			   payment_method, payment_channel, timestamp, created_at, context
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var txContext string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.PayerID, &tx.PayeeID,
		&tx.Amount, &tx.Currency,
		&tx.Method, &tx.Channel,
		&tx.Timestamp, &tx.CreatedAt,
		&txContext,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if txContext != "" {
		json.Unmarshal([]byte(txContext), &tx.Context)
	}

	return &tx, nil
}

// GetTransactionsByEntity retrieves transactions where the entity is
// payer or payee, with tenant isolation. Used to warm the velocity
// store on startup.
func (r *SQLRepository) GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, payer_id, payee_id, amount, currency,
			   payment_method, payment_channel, timestamp, created_at, context
		FROM transactions
		WHERE tenant_id = ?
		  AND (payer_id = ? OR payee_id = ?)
		  AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID, entityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var txContext string

		if err := rows.Scan(
			&tx.ID, &tx.TenantID, &tx.PayerID, &tx.PayeeID,
			&tx.Amount, &tx.Currency,
			&tx.Method, &tx.Channel,
			&tx.Timestamp, &tx.CreatedAt,
			&txContext,
		); err != nil {
			return nil, err
		}

		if txContext != "" {
			json.Unmarshal([]byte(txContext), &tx.Context)
		}

		transactions = append(transactions, &tx)
	}

	return transactions, rows.Err()
}

// SaveDecision appends a decision row, assigning the next version for
// the transaction. The assigned version is written back to the decision.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, decision *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var version int
	next := `SELECT COALESCE(MAX(version), 0) + 1 FROM decisions WHERE tx_id = ? AND tenant_id = ?`
	if err := dbTx.QueryRowContext(ctx, r.rebind(next), decision.TxID, tenantID).Scan(&version); err != nil {
		return err
	}

	isFraud := 0
	if decision.IsFraud {
		isFraud = 1
	}
	degraded := 0
	if decision.Degraded {
		degraded = 1
	}

	query := `
		INSERT INTO decisions (
			tx_id, tenant_id, version, fraud_score, is_fraud,
			fraud_source, fraud_reason, degraded, fraud_threshold, decided_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = dbTx.ExecContext(ctx, r.rebind(query),
		decision.TxID, tenantID, version,
		decision.FraudScore, isFraud,
		string(decision.Source), string(decision.Reason),
		degraded, decision.FraudThreshold, decision.DecidedAt,
	)
	if err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return err
	}

	decision.Version = version
	return nil
}

// GetLatestDecision retrieves the highest-version decision for a
// transaction with tenant isolation.
func (r *SQLRepository) GetLatestDecision(ctx context.Context, tenantID string, txID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_id, tenant_id, version, fraud_score, is_fraud,
			   fraud_source, fraud_reason, degraded, fraud_threshold, decided_at
		FROM decisions
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var d domain.Decision
	var isFraud, degraded int
	var source, reason string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&d.TxID, &d.TenantID, &d.Version,
		&d.FraudScore, &isFraud,
		&source, &reason,
		&degraded, &d.FraudThreshold, &d.DecidedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.IsFraud = isFraud == 1
	d.Degraded = degraded == 1
	d.Source = domain.FraudSource(source)
	d.Reason = domain.FraudReason(reason)

	return &d, nil
}

// SaveReport appends a fraud report row, assigning the next version for
// the (transaction, reporter) pair. The assigned version is written
// back to the report.
func (r *SQLRepository) SaveReport(ctx context.Context, tenantID string, report *domain.FraudReport) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	var version int
	next := `
		SELECT COALESCE(MAX(version), 0) + 1 FROM fraud_reports
		WHERE tx_id = ? AND tenant_id = ? AND reporter_id = ?
	`
	if err := dbTx.QueryRowContext(ctx, r.rebind(next), report.TxID, tenantID, report.ReporterID).Scan(&version); err != nil {
		return err
	}

	acknowledged := 0
	if report.Acknowledged {
		acknowledged = 1
	}

	query := `
		INSERT INTO fraud_reports (
			tx_id, tenant_id, reporter_id, version,
			details, acknowledged, failure_code, reported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = dbTx.ExecContext(ctx, r.rebind(query),
		report.TxID, tenantID, report.ReporterID, version,
		report.Details, acknowledged, report.FailureCode, report.ReportedAt,
	)
	if err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return err
	}

	report.Version = version
	return nil
}

// GetLatestReport retrieves the highest-version report for a
// (transaction, reporter) pair with tenant isolation.
func (r *SQLRepository) GetLatestReport(ctx context.Context, tenantID string, txID, reporterID string) (*domain.FraudReport, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_id, tenant_id, reporter_id, version,
			   details, acknowledged, failure_code, reported_at
		FROM fraud_reports
		WHERE tenant_id = ? AND tx_id = ? AND reporter_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var rep domain.FraudReport
	var acknowledged int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID, reporterID).Scan(
		&rep.TxID, &rep.TenantID, &rep.ReporterID, &rep.Version,
		&rep.Details, &acknowledged, &rep.FailureCode, &rep.ReportedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rep.Acknowledged = acknowledged == 1
	return &rep, nil
}

// ListTransactionViews retrieves transactions joined with their latest
// decision, newest first, stable-ordered for pagination.
func (r *SQLRepository) ListTransactionViews(ctx context.Context, tenantID string, filter domain.TransactionFilter, page domain.Page) ([]*domain.TransactionView, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT t.id, t.timestamp, t.amount, t.currency, t.payer_id, t.payee_id,
			   t.payment_method, t.payment_channel,
			   COALESCE(d.is_fraud, 0), COALESCE(d.fraud_score, 0),
			   COALESCE(d.fraud_source, ''), COALESCE(d.fraud_reason, '')
		FROM transactions t
		LEFT JOIN decisions d
		  ON d.tx_id = t.id AND d.tenant_id = t.tenant_id
		 AND d.version = (
			SELECT MAX(version) FROM decisions
			WHERE tx_id = t.id AND tenant_id = t.tenant_id
		 )
		WHERE t.tenant_id = ?
	`)
	args := []any{tenantID}

	if !filter.StartDate.IsZero() {
		sb.WriteString(" AND t.timestamp >= ?")
		args = append(args, filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		sb.WriteString(" AND t.timestamp <= ?")
		args = append(args, filter.EndDate)
	}
	if filter.PayerID != "" {
		sb.WriteString(" AND LOWER(t.payer_id) LIKE ?")
		args = append(args, likePattern(filter.PayerID))
	}
	if filter.PayeeID != "" {
		sb.WriteString(" AND LOWER(t.payee_id) LIKE ?")
		args = append(args, likePattern(filter.PayeeID))
	}
	if filter.Method != "" {
		sb.WriteString(" AND t.payment_method = ?")
		args = append(args, string(filter.Method))
	}
	if filter.OnlyFraud {
		sb.WriteString(" AND d.is_fraud = 1")
	}
	if filter.SearchQuery != "" {
		sb.WriteString(" AND (LOWER(t.id) LIKE ? OR LOWER(t.payer_id) LIKE ? OR LOWER(t.payee_id) LIKE ?)")
		p := likePattern(filter.SearchQuery)
		args = append(args, p, p, p)
	}

	sb.WriteString(" ORDER BY t.timestamp DESC, t.id DESC")

	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	sb.WriteString(" LIMIT ? OFFSET ?")
	args = append(args, limit, page.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*domain.TransactionView
	for rows.Next() {
		var v domain.TransactionView
		var isFraud int
		var source, reason string

		if err := rows.Scan(
			&v.TransactionID, &v.Timestamp, &v.Amount, &v.Currency,
			&v.PayerID, &v.PayeeID, &v.Method, &v.Channel,
			&isFraud, &v.FraudScore, &source, &reason,
		); err != nil {
			return nil, err
		}

		v.IsFraud = isFraud == 1
		v.Source = domain.FraudSource(source)
		v.Reason = domain.FraudReason(reason)
		views = append(views, &v)
	}

	return views, rows.Err()
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, expression, confidence, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			confidence = excluded.confidence,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, rule.Expression, rule.Confidence, string(rule.Reason), enabled,
		now, now,
	)
	return err
}

// GetRuleConfig retrieves a rule configuration with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, confidence, reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &cfg.Expression, &cfg.Confidence, &cfg.Reason, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, confidence, reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &cfg.Expression, &cfg.Confidence, &cfg.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
		} else {
			sb.WriteRune(ch)
		}
	}
	return sb.String()
}

// likePattern builds a case-insensitive substring LIKE pattern.
func likePattern(s string) string {
	return "%" + strings.ToLower(s) + "%"
}
