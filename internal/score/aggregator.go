// Package score combines rule-engine verdicts with model scores into a
// single fraud score.
package score

import (
	"github.com/opensource-finance/kite/internal/domain"
)

// Result is the aggregated scoring outcome before classification.
type Result struct {
	Score  int // 0-100
	Source domain.FraudSource
	Reason domain.FraudReason
}

// Aggregator weighs rule confidence against the injected model score.
// The default combination is max: either subsystem flagging high risk is
// enough, a logical OR over the two signals.
type Aggregator struct {
	// AlertThreshold is the score below which the source is reported
	// as none.
	AlertThreshold int
}

// New creates an aggregator classifying sources against the given
// alert threshold.
func New(alertThreshold int) *Aggregator {
	return &Aggregator{AlertThreshold: alertThreshold}
}

// Aggregate combines a rule verdict with a model score (0-100). Source
// is rule_engine when rule confidence is at least the model score, else
// ml_model; none when the combined score stays below the alert
// threshold.
func (a *Aggregator) Aggregate(verdict domain.Verdict, modelScore int) Result {
	modelScore = clamp(modelScore)
	ruleScore := 0
	if verdict.Triggered {
		ruleScore = clamp(verdict.Confidence)
	}

	res := Result{Score: ruleScore}
	if modelScore > res.Score {
		res.Score = modelScore
	}

	if res.Score < a.AlertThreshold {
		res.Source = domain.SourceNone
		return res
	}

	if ruleScore >= modelScore {
		res.Source = domain.SourceRuleEngine
		res.Reason = verdict.Reason
	} else {
		res.Source = domain.SourceMLModel
		res.Reason = domain.ReasonModelScore
	}
	return res
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
