package domain

import (
	"time"
)

// PaymentMethod is the instrument used for a transaction.
type PaymentMethod string

const (
	MethodCreditCard    PaymentMethod = "credit_card"
	MethodDebitCard     PaymentMethod = "debit_card"
	MethodBankTransfer  PaymentMethod = "bank_transfer"
	MethodDigitalWallet PaymentMethod = "digital_wallet"
	MethodCrypto        PaymentMethod = "crypto"
)

// Valid reports whether the payment method is a known value.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodBankTransfer, MethodDigitalWallet, MethodCrypto:
		return true
	}
	return false
}

// PaymentChannel is the channel a transaction arrived through.
type PaymentChannel string

const (
	ChannelWeb     PaymentChannel = "web"
	ChannelMobile  PaymentChannel = "mobile"
	ChannelInStore PaymentChannel = "in_store"
	ChannelAPI     PaymentChannel = "api"
)

// Valid reports whether the payment channel is a known value.
func (c PaymentChannel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelMobile, ChannelInStore, ChannelAPI:
		return true
	}
	return false
}

// Transaction is an ingested payment transaction. Immutable once persisted.
type Transaction struct {
	// Core identifiers
	ID       string `json:"transaction_id"`
	TenantID string `json:"tenantId,omitempty"`

	// Parties
	PayerID string `json:"payer_id"`
	PayeeID string `json:"payee_id"`

	// Financial details. Amount is in minor units of the currency
	// (cents for USD) so arithmetic stays exact.
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`

	Method  PaymentMethod  `json:"payment_method"`
	Channel PaymentChannel `json:"payment_channel"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt,omitempty"`

	// Opaque signals for extension-point rules (location, device
	// fingerprint). Never interpreted by the core pipeline.
	Context map[string]any `json:"context,omitempty"`
}

// DetectRequest is the API payload for fraud detection.
type DetectRequest struct {
	TransactionID string         `json:"transaction_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp,omitempty"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	PayerID       string         `json:"payer_id"`
	PayeeID       string         `json:"payee_id"`
	Method        PaymentMethod  `json:"payment_method"`
	Channel       PaymentChannel `json:"payment_channel"`
	Context       map[string]any `json:"context,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
// Missing id and timestamp are filled by the caller.
func (r *DetectRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	ts := r.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &Transaction{
		ID:        r.TransactionID,
		TenantID:  tenantID,
		PayerID:   r.PayerID,
		PayeeID:   r.PayeeID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Method:    r.Method,
		Channel:   r.Channel,
		Timestamp: ts,
		CreatedAt: now,
		Context:   r.Context,
	}
}
