package domain

// RuleConfig defines a custom detection rule. Custom rules are CEL
// expressions stored in the repository and hot-reloaded into the engine;
// they run alongside the built-in rule set.
type RuleConfig struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is a CEL expression over the transaction that must
	// evaluate to a bool.
	Expression string `json:"expression"`

	// Confidence (0-100) contributed to the verdict when the
	// expression is true.
	Confidence int `json:"confidence"`

	// Reason reported when this rule is the highest-priority trigger.
	Reason FraudReason `json:"reason"`

	Enabled bool `json:"enabled"`
}

// Verdict is the output of a rule engine evaluation.
type Verdict struct {
	Triggered  bool        `json:"triggered"`
	Reason     FraudReason `json:"reason,omitempty"`
	Confidence int         `json:"confidence"` // 0-100, max across triggered rules
}
