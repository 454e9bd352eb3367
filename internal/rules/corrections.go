package rules

import (
	"context"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// CorrectionStartConfidence is deliberately low: a correction rule is created
// live but must earn trust before it dominates matches.
const CorrectionStartConfidence = 0.1

// CreateRuleFromCorrection synthesizes a rule directly from one user override,
// with no statistical mining. Conditions come from the correction's context
// (an hour-wide time window around the correction, the weekday, and whoever
// was present); the single action replays the corrected parameters. Unlike
// pattern drafts the rule is created enabled.
func (e *Engine) CreateRuleFromCorrection(ctx context.Context, correction types.Correction) (*types.AutomationRule, error) {
	now := time.Now()

	var conditions []types.RuleCondition

	if correction.Context.Time != "" {
		var hour, minute int
		if _, err := fmt.Sscanf(correction.Context.Time, "%d:%d", &hour, &minute); err == nil {
			// The range end is exclusive, so the last hour of the day ends at
			// "24:00": never a clock reading, but it compares correctly.
			conditions = append(conditions, types.RuleCondition{
				Kind:      types.CondTime,
				Operator:  types.OpEquals,
				TimeValue: fmt.Sprintf("%02d:00-%02d:00", hour, hour+1),
			})
		}
	}

	conditions = append(conditions, types.RuleCondition{
		Kind:     types.CondDay,
		Operator: types.OpEquals,
		DayValue: correction.Context.Day,
	})

	if len(correction.Context.PeoplePresent) > 0 {
		conditions = append(conditions, types.RuleCondition{
			Kind:     types.CondPeoplePresent,
			Operator: types.OpContains,
			People:   correction.Context.PeoplePresent,
		})
	}

	rule := types.AutomationRule{
		ID:          newRuleID(now),
		Name:        fmt.Sprintf("Correction for %s %s", correction.DeviceID, correction.Action),
		Description: "Auto-generated rule from user correction",
		Trigger: types.RuleTrigger{
			Type:      types.TriggerEvent,
			EventType: types.TopicDeviceAction,
			DeviceID:  correction.DeviceID,
			Action:    correction.Action,
		},
		Conditions: conditions,
		Actions: []types.RuleAction{{
			DeviceID: correction.DeviceID,
			Action:   correction.Action,
			Params:   correction.CorrectedParams,
		}},
		Confidence: CorrectionStartConfidence,
		Enabled:    true,
		CreatedBy:  "system",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.SaveRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to save correction rule: %w", err)
	}
	if err := e.store.InitMetrics(ctx, rule.ID, CorrectionStartConfidence, now.Add(e.initialTTL)); err != nil {
		return nil, fmt.Errorf("failed to init correction rule metrics: %w", err)
	}

	logging.Get(logging.CategoryRules).Info("Created correction rule %s for %s %s", rule.ID, correction.DeviceID, correction.Action)
	return &rule, nil
}
