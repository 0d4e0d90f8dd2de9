// Package rules provides the deterministic fraud rule engine: a fixed
// built-in rule set plus CEL-compiled custom rules with hot reload.
package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kite/internal/domain"
	"github.com/opensource-finance/kite/internal/velocity"
)

// Engine evaluates the built-in rule set and any loaded custom rules.
// Evaluation is a pure function of the transaction and velocity
// snapshot, which keeps decisions replayable.
type Engine struct {
	mu       sync.RWMutex
	cfg      Config
	env      *cel.Env
	compiled map[string]*compiledRule
}

type compiledRule struct {
	config  *domain.RuleConfig
	program cel.Program
}

// NewEngine creates a rule engine with the given built-in thresholds.
func NewEngine(cfg Config) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("payer_id", cel.StringType),
		cel.Variable("payee_id", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("payment_channel", cel.StringType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("velocity_sum", cel.IntType),
		cel.Variable("baseline_mean", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		cfg:      cfg,
		env:      env,
		compiled: make(map[string]*compiledRule),
	}, nil
}

// Evaluate runs all rules against a transaction and its payer velocity
// snapshot. The first triggered rule in priority order (built-ins before
// custom rules, custom rules by id) supplies the reason; the confidence
// is the max across everything that triggered.
func (e *Engine) Evaluate(tx *domain.Transaction, snap velocity.Snapshot) domain.Verdict {
	e.mu.RLock()
	cfg := e.cfg
	custom := make([]*compiledRule, 0, len(e.compiled))
	for _, r := range e.compiled {
		custom = append(custom, r)
	}
	e.mu.RUnlock()

	verdict := cfg.evaluateBuiltin(tx, snap)

	if len(custom) == 0 {
		return verdict
	}

	// Deterministic custom rule order.
	sort.Slice(custom, func(i, j int) bool { return custom[i].config.ID < custom[j].config.ID })

	activation := map[string]any{
		"tx": map[string]any{
			"id":              tx.ID,
			"payer_id":        tx.PayerID,
			"payee_id":        tx.PayeeID,
			"amount":          tx.Amount,
			"currency":        tx.Currency,
			"payment_method":  string(tx.Method),
			"payment_channel": string(tx.Channel),
		},
		"amount":          tx.Amount,
		"currency":        tx.Currency,
		"payer_id":        tx.PayerID,
		"payee_id":        tx.PayeeID,
		"payment_method":  string(tx.Method),
		"payment_channel": string(tx.Channel),
		"velocity_count":  snap.Short.Count,
		"velocity_sum":    snap.Short.Sum,
		"baseline_mean":   snap.Mean,
	}

	for _, r := range custom {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			// A broken custom rule must not fail the pipeline;
			// it simply does not trigger.
			continue
		}
		hit, ok := out.(types.Bool)
		if !ok || !bool(hit) {
			continue
		}
		if !verdict.Triggered {
			verdict.Triggered = true
			verdict.Reason = r.config.Reason
		}
		if r.config.Confidence > verdict.Confidence {
			verdict.Confidence = r.config.Confidence
		}
	}

	if verdict.Confidence > 100 {
		verdict.Confidence = 100
	}
	return verdict
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a custom rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces all custom rules atomically. This enables
// hot-reloading from the repository without a restart.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	next := make(map[string]*compiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = next
	return nil
}

// GetLoadedRules returns the currently loaded custom rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiled))
	for _, r := range e.compiled {
		rules = append(rules, r.config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// RulesCount returns the number of loaded custom rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// BuiltinConfig returns the built-in thresholds.
func (e *Engine) BuiltinConfig() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*compiledRule, error) {
	if cfg.Confidence < 0 || cfg.Confidence > 100 {
		return nil, fmt.Errorf("rule %s: confidence must be in [0,100], got %d", cfg.ID, cfg.Confidence)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}
