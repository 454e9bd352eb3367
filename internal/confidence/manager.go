// Package confidence owns the per-rule metrics: execution counters, the
// confidence score, and the TTL. Confidence rises with success and falls with
// failure, time, or user correction; rules that stop earning their keep are
// disabled. The manager is the only writer of confidence and TTL; every other
// component requests adjustments through it.
package confidence

import (
	"context"
	"math"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/store"
	"homebrain/internal/types"
)

// Config tunes the confidence state machine. Zero values fall back to the
// defaults via DefaultConfig.
type Config struct {
	InitialTTL         time.Duration // time-to-live for new rules
	MaxTTL             time.Duration // extension ceiling for trusted rules
	DecayRate          float64       // fraction removed per decay sweep
	MinConfidence      float64       // floor; adjustments below it disable the rule
	SuccessBoost       float64       // confidence increase on success
	FailurePenalty     float64       // confidence decrease on failure
	UserFeedbackWeight float64       // explicit judgment is the strongest signal
	ExtendThreshold    float64       // confidence above which TTL gets extended
}

// DefaultConfig returns the stock tuning: 7-day TTL, 2% decay per sweep,
// 0.3 floor, +5%/-10% per outcome, ±20% per user judgment, 30-day TTL cap.
func DefaultConfig() Config {
	return Config{
		InitialTTL:         168 * time.Hour,
		MaxTTL:             720 * time.Hour,
		DecayRate:          0.02,
		MinConfidence:      0.3,
		SuccessBoost:       0.05,
		FailurePenalty:     0.1,
		UserFeedbackWeight: 0.2,
		ExtendThreshold:    0.8,
	}
}

// Manager owns the rule_metrics rows.
type Manager struct {
	store *store.LocalStore
	cfg   Config
}

// NewManager creates a confidence manager over the given store.
func NewManager(s *store.LocalStore, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.InitialTTL <= 0 {
		cfg.InitialTTL = def.InitialTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.DecayRate <= 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.SuccessBoost <= 0 {
		cfg.SuccessBoost = def.SuccessBoost
	}
	if cfg.FailurePenalty <= 0 {
		cfg.FailurePenalty = def.FailurePenalty
	}
	if cfg.UserFeedbackWeight <= 0 {
		cfg.UserFeedbackWeight = def.UserFeedbackWeight
	}
	if cfg.ExtendThreshold <= 0 {
		cfg.ExtendThreshold = def.ExtendThreshold
	}
	return &Manager{store: s, cfg: cfg}
}

// InitializeRuleMetrics creates the metrics row for a new rule: no executions,
// confidence 0.5, TTL one InitialTTL away.
func (m *Manager) InitializeRuleMetrics(ctx context.Context, ruleID string) error {
	return m.store.InitMetrics(ctx, ruleID, 0.5, time.Now().Add(m.cfg.InitialTTL))
}

// RecordSuccess records one successful execution: counters, the running
// execution-time average, and a confidence boost. Rules above the extend
// threshold earn more TTL.
func (m *Manager) RecordSuccess(ctx context.Context, ruleID string, execTime time.Duration) error {
	now := time.Now()
	updated, err := m.store.MutateMetrics(ctx, ruleID, func(rm *types.RuleMetrics) {
		rm.ExecutionCount++
		rm.SuccessCount++
		rm.LastExecuted = &now
		ms := float64(execTime.Milliseconds())
		if rm.AverageExecutionTime == 0 {
			rm.AverageExecutionTime = ms
		} else {
			rm.AverageExecutionTime = (rm.AverageExecutionTime + ms) / 2
		}
		rm.Confidence = clamp(rm.Confidence + m.cfg.SuccessBoost)
		if rm.Confidence > m.cfg.ExtendThreshold {
			m.extendTTL(rm, now)
		}
	})
	if err != nil || updated == nil {
		return err
	}
	return m.enforceFloor(ctx, updated)
}

// RecordFailure records one failed execution and the confidence penalty. The
// error is logged, never propagated; failure feeds the control loop, it does
// not crash it.
func (m *Manager) RecordFailure(ctx context.Context, ruleID string, execErr error) error {
	now := time.Now()
	updated, err := m.store.MutateMetrics(ctx, ruleID, func(rm *types.RuleMetrics) {
		rm.ExecutionCount++
		rm.FailureCount++
		rm.LastExecuted = &now
		rm.Confidence = clamp(rm.Confidence - m.cfg.FailurePenalty)
	})
	if err != nil || updated == nil {
		return err
	}

	logging.Get(logging.CategoryConfidence).Warn("Rule %s failed: %v", ruleID, execErr)
	return m.enforceFloor(ctx, updated)
}

// RecordUserFeedback applies an explicit human judgment. Neutral feedback is
// recorded but moves nothing.
func (m *Manager) RecordUserFeedback(ctx context.Context, ruleID, feedback string) error {
	updated, err := m.store.MutateMetrics(ctx, ruleID, func(rm *types.RuleMetrics) {
		rm.UserFeedback = feedback
		switch feedback {
		case types.FeedbackPositive:
			rm.Confidence = clamp(rm.Confidence + m.cfg.UserFeedbackWeight)
		case types.FeedbackNegative:
			rm.Confidence = clamp(rm.Confidence - m.cfg.UserFeedbackWeight)
		}
	})
	if err != nil || updated == nil {
		return err
	}
	return m.enforceFloor(ctx, updated)
}

// AdjustRuleConfidence clamp-sets a rule's confidence directly (operator
// surface). A value at or above the floor re-enables the rule.
func (m *Manager) AdjustRuleConfidence(ctx context.Context, ruleID string, value float64) error {
	value = clamp(value)
	updated, err := m.store.MutateMetrics(ctx, ruleID, func(rm *types.RuleMetrics) {
		rm.Confidence = value
	})
	if err != nil || updated == nil {
		return err
	}
	if value >= m.cfg.MinConfidence {
		return m.store.SetRuleEnabled(ctx, ruleID, true)
	}
	return m.enforceFloor(ctx, updated)
}

// ApplyTimeDecay multiplies every rule's confidence by (1 - decay rate).
// Unused knowledge ages; the sweep is intended to run roughly daily, but the
// cadence belongs to whoever schedules it. Rules dragged below the floor are
// disabled in the same sweep.
func (m *Manager) ApplyTimeDecay(ctx context.Context) error {
	log := logging.Get(logging.CategoryConfidence)

	below, err := m.store.DecayAllConfidence(ctx, m.cfg.DecayRate, m.cfg.MinConfidence)
	if err != nil {
		return err
	}
	log.Info("Applied %.0f%% decay to all rules", m.cfg.DecayRate*100)

	for _, id := range below {
		if err := m.store.SetRuleEnabled(ctx, id, false); err != nil {
			log.Error("Failed to disable decayed rule %s: %v", id, err)
			continue
		}
		log.Info("Disabled rule %s: confidence decayed below %.2f", id, m.cfg.MinConfidence)
	}
	return nil
}

// CleanupExpiredRules disables rules whose TTL has passed while their
// confidence is still below the floor. A rule that crossed the floor before
// expiry survives. Returns how many rules were disabled.
func (m *Manager) CleanupExpiredRules(ctx context.Context) (int, error) {
	n, err := m.store.DisableExpiredRules(ctx, m.cfg.MinConfidence)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Get(logging.CategoryConfidence).Info("Disabled %d expired rules", n)
	}
	return n, nil
}

// GetRuleMetrics returns one rule's metrics, or nil if none exist.
func (m *Manager) GetRuleMetrics(ctx context.Context, ruleID string) (*types.RuleMetrics, error) {
	return m.store.GetMetrics(ctx, ruleID)
}

// GetAllRuleMetrics returns every metrics row, highest confidence first.
func (m *Manager) GetAllRuleMetrics(ctx context.Context) ([]types.RuleMetrics, error) {
	return m.store.GetAllMetrics(ctx)
}

// GetRulesNeedingAttention returns enabled rules that are weak or expiring
// soon, weakest first.
func (m *Manager) GetRulesNeedingAttention(ctx context.Context) ([]types.RuleMetrics, error) {
	return m.store.RulesNeedingAttention(ctx)
}

// GetConfidenceStats summarizes the confidence landscape.
func (m *Manager) GetConfidenceStats(ctx context.Context) (store.ConfidenceStats, error) {
	return m.store.GetConfidenceStats(ctx)
}

// enforceFloor disables the rule as soon as any adjustment leaves its
// confidence below the floor. Disabling happens with the write that caused
// it, never deferred to the next sweep.
func (m *Manager) enforceFloor(ctx context.Context, rm *types.RuleMetrics) error {
	if rm.Confidence >= m.cfg.MinConfidence {
		return nil
	}
	if err := m.store.SetRuleEnabled(ctx, rm.RuleID, false); err != nil {
		if err == store.ErrRuleNotFound {
			return nil
		}
		return err
	}
	logging.Get(logging.CategoryConfidence).Info("Disabled rule %s: confidence %.2f below floor %.2f",
		rm.RuleID, rm.Confidence, m.cfg.MinConfidence)
	return nil
}

// extendTTL grants a trusted rule more lifetime: the remaining TTL plus a
// day, capped at MaxTTL, measured from now.
func (m *Manager) extendTTL(rm *types.RuleMetrics, now time.Time) {
	if rm.TTLExpiresAt == nil {
		return
	}
	remaining := rm.TTLExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	extension := remaining + 24*time.Hour
	if extension > m.cfg.MaxTTL {
		extension = m.cfg.MaxTTL
	}
	expiry := now.Add(extension)
	rm.TTLExpiresAt = &expiry
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
