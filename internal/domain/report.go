package domain

import (
	"time"
)

// Failure codes recorded on a report whose downstream acknowledgment
// could not be obtained.
const (
	FailureServerError = "SERVER_ERROR"
	FailureTimeout     = "TIMEOUT"
	FailureUnavailable = "UNAVAILABLE"
)

// FraudReport records an analyst or user fraud report against one
// transaction. Append-only: corrections are new rows with a higher
// version, never edits.
type FraudReport struct {
	TxID         string `json:"transaction_id"`
	TenantID     string `json:"tenantId,omitempty"`
	ReporterID   string `json:"reporting_entity_id"`
	Version      int    `json:"version"`
	Details      string `json:"fraud_details"`
	Acknowledged bool   `json:"acknowledged"`

	// FailureCode is set only when Acknowledged is false.
	FailureCode string `json:"failure_code,omitempty"`

	ReportedAt time.Time `json:"reported_at"`
}

// FraudReportRequest is the API payload for submitting a fraud report.
type FraudReportRequest struct {
	TransactionID string `json:"transaction_id"`
	ReporterID    string `json:"reporting_entity_id"`
	Details       string `json:"fraud_details"`
}

// FraudReportResponse is the API response for a fraud report submission.
type FraudReportResponse struct {
	TransactionID string `json:"transaction_id"`
	Acknowledged  bool   `json:"reporting_acknowledged"`
	FailureCode   string `json:"failure_code,omitempty"`
}

// ToResponse converts a stored report to the API response shape.
func (r *FraudReport) ToResponse() *FraudReportResponse {
	return &FraudReportResponse{
		TransactionID: r.TxID,
		Acknowledged:  r.Acknowledged,
		FailureCode:   r.FailureCode,
	}
}
