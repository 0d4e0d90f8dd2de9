// Package domain defines the core interfaces and types for Kite.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Transaction operations. Transactions are immutable once saved.
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionsByEntity(ctx context.Context, tenantID string, entityID string, since time.Time) ([]*Transaction, error)

	// Decision operations. SaveDecision assigns the next version for the
	// transaction and never overwrites a prior row.
	SaveDecision(ctx context.Context, tenantID string, decision *Decision) error
	GetLatestDecision(ctx context.Context, tenantID string, txID string) (*Decision, error)

	// Fraud report operations. SaveReport assigns the next version for
	// the (transaction, reporter) pair; rows are never deleted.
	SaveReport(ctx context.Context, tenantID string, report *FraudReport) error
	GetLatestReport(ctx context.Context, tenantID string, txID, reporterID string) (*FraudReport, error)

	// Read path: transactions joined with their latest decision,
	// timestamp descending, stable-sorted for pagination.
	ListTransactionViews(ctx context.Context, tenantID string, filter TransactionFilter, page Page) ([]*TransactionView, error)

	// Custom rule configuration operations
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
