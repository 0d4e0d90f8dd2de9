// Package settings holds the hot-reloadable detection configuration.
// Readers take a consistent snapshot per detection call so a concurrent
// update never splits one evaluation across two configurations.
package settings

import (
	"log/slog"
	"sync/atomic"

	"github.com/opensource-finance/kite/internal/domain"
)

// Store serves DetectionConfig snapshots and applies validated updates.
type Store struct {
	current atomic.Pointer[domain.DetectionConfig]
	logger  *slog.Logger
}

// NewStore creates a settings store seeded with the given configuration.
// An invalid seed falls back to the defaults.
func NewStore(cfg domain.DetectionConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid initial detection config, using defaults", "error", err)
		cfg = domain.DefaultDetectionConfig()
	}
	s := &Store{logger: logger}
	s.current.Store(&cfg)
	return s
}

// Snapshot returns the current configuration by value. Callers hold the
// copy for the duration of one detection so threshold changes apply only
// to transactions scored after the update.
func (s *Store) Snapshot() domain.DetectionConfig {
	return *s.current.Load()
}

// Update validates and atomically installs a new configuration.
// In-flight detections keep the snapshot they started with.
func (s *Store) Update(cfg domain.DetectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	old := s.current.Swap(&cfg)
	s.logger.Info("detection config updated",
		"fraud_threshold", cfg.FraudThreshold,
		"alert_threshold", cfg.AlertThreshold,
		"enable_ai_detection", cfg.EnableAIDetection,
		"enable_rule_engine", cfg.EnableRuleEngine,
		"prev_fraud_threshold", old.FraudThreshold,
	)
	return nil
}
