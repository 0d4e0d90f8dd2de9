package repository

// Schema definitions for the Kite database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    payer_id TEXT NOT NULL,
    payee_id TEXT NOT NULL,
    amount BIGINT NOT NULL,
    currency TEXT NOT NULL,
    payment_method TEXT NOT NULL,
    payment_channel TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    context TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_transactions_payer ON transactions(tenant_id, payer_id);
CREATE INDEX IF NOT EXISTS idx_transactions_payee ON transactions(tenant_id, payee_id);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(tenant_id, timestamp);
`

// Decisions are append-only. Reprocessing inserts the next version for
// the transaction; no row is ever updated or deleted.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    fraud_score INTEGER NOT NULL,
    is_fraud INTEGER NOT NULL,
    fraud_source TEXT,
    fraud_reason TEXT,
    degraded INTEGER NOT NULL DEFAULT 0,
    fraud_threshold INTEGER NOT NULL,
    decided_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tx_id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant ON decisions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_decisions_fraud ON decisions(tenant_id, is_fraud);
`

// Fraud reports are append-only per (transaction, reporter) pair.
const schemaFraudReports = `
CREATE TABLE IF NOT EXISTS fraud_reports (
    tx_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    reporter_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    details TEXT,
    acknowledged INTEGER NOT NULL DEFAULT 0,
    failure_code TEXT,
    reported_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tx_id, tenant_id, reporter_id, version)
);

CREATE INDEX IF NOT EXISTS idx_fraud_reports_tenant ON fraud_reports(tenant_id);
CREATE INDEX IF NOT EXISTS idx_fraud_reports_tx ON fraud_reports(tenant_id, tx_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    confidence INTEGER NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_tenant ON rule_configs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaDecisions,
		schemaFraudReports,
		schemaRuleConfigs,
	}
}
