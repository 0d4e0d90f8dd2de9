package rules

import (
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/velocity"
)

// Config holds thresholds for the built-in rule set.
type Config struct {
	// VelocityCeiling is the max transaction count allowed in the short
	// window before velocity_check_failed triggers.
	VelocityCeiling int64

	// AnomalyMultiplier is the number of standard deviations (or the
	// multiple of the mean when the baseline has no spread) an amount
	// must exceed before unusual_amount triggers.
	AnomalyMultiplier float64

	// MinBaselineCount is the minimum long-window sample count before
	// unusual_amount can trigger. Entities with thinner history never
	// produce amount anomalies.
	MinBaselineCount int64

	// Denylist holds known-fraud (method, channel, amount-bucket)
	// patterns.
	Denylist []Pattern
}

// Pattern is a denylisted (payment_method, payment_channel, amount
// bucket) combination. MaxAmount 0 means unbounded.
type Pattern struct {
	Method     domain.PaymentMethod  `json:"payment_method"`
	Channel    domain.PaymentChannel `json:"payment_channel"`
	MinAmount  int64                 `json:"min_amount"`
	MaxAmount  int64                 `json:"max_amount"`
	Confidence int                   `json:"confidence"`
}

// DefaultConfig returns the built-in rule thresholds.
func DefaultConfig() Config {
	return Config{
		VelocityCeiling:   10,
		AnomalyMultiplier: 3,
		MinBaselineCount:  5,
		Denylist: []Pattern{
			// Card-tested micro amounts over crypto rails.
			{Method: domain.MethodCrypto, Channel: domain.ChannelAPI, MinAmount: 0, MaxAmount: 500, Confidence: 90},
			// Large card-not-present wallet drains.
			{Method: domain.MethodDigitalWallet, Channel: domain.ChannelWeb, MinAmount: 500_000, MaxAmount: 0, Confidence: 85},
		},
	}
}

// Context keys for extension-point signals. The pipeline passes the
// transaction's opaque context map through untouched; external enrichers
// populate these keys.
const (
	CtxSuspiciousLocation = "suspicious_location"
	CtxDeviceMismatch     = "device_fingerprint_mismatch"
)

// evaluateBuiltin runs the built-in rules in priority order against a
// transaction and its payer velocity snapshot. Pure function of its
// inputs. The first triggered rule supplies the reason; the confidence
// is the max across all triggered rules.
func (c Config) evaluateBuiltin(tx *domain.Transaction, snap velocity.Snapshot) domain.Verdict {
	var verdict domain.Verdict

	apply := func(reason domain.FraudReason, confidence int) {
		if !verdict.Triggered {
			verdict.Triggered = true
			verdict.Reason = reason
		}
		if confidence > verdict.Confidence {
			verdict.Confidence = confidence
		}
	}

	// 1. Velocity ceiling on the short window.
	if c.VelocityCeiling > 0 && snap.Short.Count > c.VelocityCeiling {
		over := snap.Short.Count - c.VelocityCeiling
		apply(domain.ReasonVelocityCheckFailed, clamp(60+int(over)*10, 60, 100))
	}

	// 2. Amount anomaly against the long-window baseline. Entities
	// without enough history never trigger: an empty baseline is not a
	// false positive.
	if snap.Long.Count >= c.MinBaselineCount && snap.Mean > 0 {
		amount := float64(tx.Amount)
		var deviations float64
		if snap.StdDev > 0 {
			deviations = (amount - snap.Mean) / snap.StdDev
		} else if amount > snap.Mean {
			// Flat history: fall back to a multiple of the mean.
			deviations = amount / snap.Mean
		}
		if deviations > c.AnomalyMultiplier {
			apply(domain.ReasonUnusualAmount, clamp(int(20*deviations), 60, 95))
		}
	}

	// 3. Denylisted (method, channel, amount-bucket) patterns.
	for _, p := range c.Denylist {
		if p.matches(tx) {
			apply(domain.ReasonKnownFraudPattern, p.Confidence)
		}
	}

	// 4. Extension points fed by external enrichment signals.
	if truthy(tx.Context[CtxSuspiciousLocation]) {
		apply(domain.ReasonSuspiciousLocation, 75)
	}
	if truthy(tx.Context[CtxDeviceMismatch]) {
		apply(domain.ReasonDeviceMismatch, 80)
	}

	return verdict
}

func (p Pattern) matches(tx *domain.Transaction) bool {
	if tx.Method != p.Method || tx.Channel != p.Channel {
		return false
	}
	if tx.Amount < p.MinAmount {
		return false
	}
	if p.MaxAmount > 0 && tx.Amount > p.MaxAmount {
		return false
	}
	return true
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
