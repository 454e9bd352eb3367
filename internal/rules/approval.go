package rules

import (
	"context"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/store"
	"homebrain/internal/types"
)

// ApproveRule enables a proposed rule. A rule that somehow has no metrics row
// yet gets one initialized here, so the confidence loop always has state to
// work with.
func (e *Engine) ApproveRule(ctx context.Context, id string) error {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule == nil {
		return store.ErrRuleNotFound
	}
	if err := e.store.SetRuleEnabled(ctx, id, true); err != nil {
		return fmt.Errorf("failed to approve rule %s: %w", id, err)
	}

	m, err := e.store.GetMetrics(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		if err := e.store.InitMetrics(ctx, id, 0.5, time.Now().Add(e.initialTTL)); err != nil {
			return fmt.Errorf("failed to init metrics for approved rule %s: %w", id, err)
		}
	}

	logging.Get(logging.CategoryRules).Info("Approved rule %s", id)
	return nil
}

// RejectRule deletes a proposed rule and, through the cascade, its metrics.
func (e *Engine) RejectRule(ctx context.Context, id string) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("failed to reject rule %s: %w", id, err)
	}
	logging.Get(logging.CategoryRules).Info("Rejected rule %s", id)
	return nil
}

// ListProposedRules returns disabled rules pending approval, strongest first.
func (e *Engine) ListProposedRules(ctx context.Context) ([]types.AutomationRule, error) {
	return e.store.ListProposedRules(ctx)
}
