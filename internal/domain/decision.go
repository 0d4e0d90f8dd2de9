package domain

import (
	"time"
)

// FraudSource identifies which subsystem flagged a transaction.
type FraudSource string

const (
	SourceRuleEngine FraudSource = "rule_engine"
	SourceMLModel    FraudSource = "ml_model"
	SourceNone       FraudSource = "none"
)

// FraudReason names the rule or pattern behind a fraud determination.
type FraudReason string

const (
	ReasonVelocityCheckFailed FraudReason = "velocity_check_failed"
	ReasonUnusualAmount       FraudReason = "unusual_amount"
	ReasonKnownFraudPattern   FraudReason = "known_fraud_pattern"
	ReasonSuspiciousLocation  FraudReason = "suspicious_location"
	ReasonDeviceMismatch      FraudReason = "device_fingerprint_mismatch"
	ReasonModelScore          FraudReason = "ml_model_score"
)

// Decision is the recorded fraud determination for one transaction.
// Append-only: reprocessing writes a new version, never an update.
type Decision struct {
	TxID     string `json:"transaction_id"`
	TenantID string `json:"tenantId,omitempty"`
	Version  int    `json:"version"`

	FraudScore int         `json:"fraud_score"` // 0-100
	IsFraud    bool        `json:"is_fraud"`
	Source     FraudSource `json:"fraud_source,omitempty"` // set only when IsFraud
	Reason     FraudReason `json:"fraud_reason,omitempty"` // set only when IsFraud

	// Degraded marks a decision produced without model input
	// because the scorer timed out.
	Degraded bool `json:"degraded,omitempty"`

	// FraudThreshold is the threshold in force when the decision was
	// made. Later threshold changes never alter existing decisions.
	FraudThreshold int `json:"fraud_threshold"`

	DecidedAt time.Time `json:"decided_at"`
}

// DetectionResponse is the API response for a fraud detection call.
type DetectionResponse struct {
	TransactionID string      `json:"transaction_id"`
	IsFraud       bool        `json:"is_fraud"`
	FraudScore    int         `json:"fraud_score"`
	Source        FraudSource `json:"fraud_source,omitempty"`
	Reason        FraudReason `json:"fraud_reason,omitempty"`
	Degraded      bool        `json:"degraded,omitempty"`
}

// ToResponse converts a Decision to the API response shape.
func (d *Decision) ToResponse() *DetectionResponse {
	resp := &DetectionResponse{
		TransactionID: d.TxID,
		IsFraud:       d.IsFraud,
		FraudScore:    d.FraudScore,
		Degraded:      d.Degraded,
	}
	if d.IsFraud {
		resp.Source = d.Source
		resp.Reason = d.Reason
	}
	return resp
}
