package domain

import (
	"time"
)

// TransactionFilter is the read-path filter contract consumed by the
// dashboard. Zero values mean "no constraint".
type TransactionFilter struct {
	StartDate time.Time
	EndDate   time.Time

	// Substring matches, case-insensitive.
	PayerID string
	PayeeID string

	Method    PaymentMethod
	OnlyFraud bool

	// SearchQuery matches transaction id, payer id, or payee id.
	SearchQuery string
}

// Page bounds a query result. Limit 0 means the configured default.
type Page struct {
	Limit  int
	Offset int
}

// TransactionView is a transaction joined with its latest decision,
// flattened the way the dashboard consumes it.
type TransactionView struct {
	TransactionID string         `json:"transaction_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	PayerID       string         `json:"payer_id"`
	PayeeID       string         `json:"payee_id"`
	Method        PaymentMethod  `json:"payment_method"`
	Channel       PaymentChannel `json:"payment_channel"`

	IsFraud    bool        `json:"is_fraud"`
	FraudScore int         `json:"fraud_score"`
	Source     FraudSource `json:"fraud_source,omitempty"`
	Reason     FraudReason `json:"fraud_reason,omitempty"`
}
