package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// ErrRuleNotFound is returned when an operation targets a rule id that does
// not exist.
var ErrRuleNotFound = fmt.Errorf("rule not found")

// SaveRule inserts or replaces an automation rule.
func (s *LocalStore) SaveRule(ctx context.Context, rule types.AutomationRule) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}
	if rule.ID == "" {
		return fmt.Errorf("rule id required")
	}

	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	var lastTriggered any
	if rule.LastTriggered != nil {
		lastTriggered = rule.LastTriggered.UTC().Format(timeLayout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rules (
			id, name, description,
			trigger_type, trigger_device_id, trigger_event_type, trigger_action,
			conditions, actions, schedule,
			confidence, enabled, created_by,
			created_at, updated_at, last_triggered, trigger_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.ID, rule.Name, rule.Description,
		rule.Trigger.Type, rule.Trigger.DeviceID, rule.Trigger.EventType, rule.Trigger.Action,
		string(conditions), string(actions), rule.Schedule,
		rule.Confidence, boolToInt(rule.Enabled), rule.CreatedBy,
		rule.CreatedAt.UTC().Format(timeLayout),
		rule.UpdatedAt.UTC().Format(timeLayout),
		lastTriggered, rule.TriggerCount,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save rule %s: %v", rule.ID, err)
		return err
	}
	return nil
}

// GetRule returns a single rule by id, or nil when no such rule exists.
func (s *LocalStore) GetRule(ctx context.Context, id string) (*types.AutomationRule, error) {
	rules, err := s.queryRules(ctx, selectRules+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}
	return &rules[0], nil
}

// GetEnabledEventRules returns enabled event-triggered rules whose trigger
// event type matches, and whose device filter (when set) matches deviceID.
// Confidence is read from rule_metrics where a metrics row exists, so both
// the ordering and the Confidence field track successes, failures, feedback
// and decay rather than the value frozen at creation.
func (s *LocalStore) GetEnabledEventRules(ctx context.Context, eventType, deviceID string) ([]types.AutomationRule, error) {
	return s.queryRules(ctx, selectRulesLive+`
		WHERE r.enabled = 1 AND r.trigger_type = ? AND r.trigger_event_type = ?
		  AND (r.trigger_device_id = '' OR r.trigger_device_id IS NULL OR r.trigger_device_id = ?)
		ORDER BY confidence DESC, r.id ASC
	`, types.TriggerEvent, eventType, deviceID)
}

// GetScheduledRules returns enabled schedule-triggered rules.
func (s *LocalStore) GetScheduledRules(ctx context.Context) ([]types.AutomationRule, error) {
	return s.queryRules(ctx, selectRules+`
		WHERE enabled = 1 AND trigger_type = ? AND schedule != ''
		ORDER BY id ASC
	`, types.TriggerSchedule)
}

// ListProposedRules returns disabled rules pending approval, ordered by
// current confidence descending.
func (s *LocalStore) ListProposedRules(ctx context.Context) ([]types.AutomationRule, error) {
	return s.queryRules(ctx, selectRulesLive+`
		WHERE r.enabled = 0
		ORDER BY confidence DESC, r.id ASC
	`)
}

// SetRuleEnabled flips a rule's enabled flag.
func (s *LocalStore) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule; its metrics row goes with it via the cascade.
func (s *LocalStore) DeleteRule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RecordRuleTrigger stamps last_triggered and bumps the trigger counter.
// Called on every selected rule regardless of dispatch outcome.
func (s *LocalStore) RecordRuleTrigger(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET last_triggered = ?, trigger_count = trigger_count + 1, updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record trigger for rule %s: %v", id, err)
		return err
	}
	return nil
}

const selectRules = `
	SELECT id, name, description,
	       trigger_type, trigger_device_id, trigger_event_type, trigger_action,
	       conditions, actions, schedule,
	       confidence, enabled, created_by,
	       created_at, updated_at, last_triggered, trigger_count
	FROM rules
`

// selectRulesLive is selectRules with confidence taken from the metrics row
// when present. rules.confidence is written once at creation; the confidence
// manager updates rule_metrics.confidence from then on.
const selectRulesLive = `
	SELECT r.id, r.name, r.description,
	       r.trigger_type, r.trigger_device_id, r.trigger_event_type, r.trigger_action,
	       r.conditions, r.actions, r.schedule,
	       COALESCE(rm.confidence, r.confidence) AS confidence, r.enabled, r.created_by,
	       r.created_at, r.updated_at, r.last_triggered, r.trigger_count
	FROM rules r
	LEFT JOIN rule_metrics rm ON rm.rule_id = r.id
`

func (s *LocalStore) queryRules(ctx context.Context, query string, args ...any) ([]types.AutomationRule, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []types.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping malformed rule row: %v", err)
			continue
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func scanRule(rows *sql.Rows) (types.AutomationRule, error) {
	var r types.AutomationRule
	var description, triggerDevice, triggerEvent, triggerAction sql.NullString
	var conditions, actions, schedule, createdBy sql.NullString
	var enabled int
	var createdAt, updatedAt string
	var lastTriggered sql.NullString

	err := rows.Scan(
		&r.ID, &r.Name, &description,
		&r.Trigger.Type, &triggerDevice, &triggerEvent, &triggerAction,
		&conditions, &actions, &schedule,
		&r.Confidence, &enabled, &createdBy,
		&createdAt, &updatedAt, &lastTriggered, &r.TriggerCount,
	)
	if err != nil {
		return types.AutomationRule{}, err
	}

	r.Description = description.String
	r.Trigger.DeviceID = triggerDevice.String
	r.Trigger.EventType = triggerEvent.String
	r.Trigger.Action = triggerAction.String
	r.Schedule = schedule.String
	r.CreatedBy = createdBy.String
	r.Enabled = enabled != 0

	if conditions.Valid && conditions.String != "" {
		if err := json.Unmarshal([]byte(conditions.String), &r.Conditions); err != nil {
			return types.AutomationRule{}, fmt.Errorf("bad conditions payload: %w", err)
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &r.Actions); err != nil {
			return types.AutomationRule{}, fmt.Errorf("bad actions payload: %w", err)
		}
	}

	if t, err := parseStoredTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := parseStoredTime(updatedAt); err == nil {
		r.UpdatedAt = t
	}
	if lastTriggered.Valid && lastTriggered.String != "" {
		if t, err := parseStoredTime(lastTriggered.String); err == nil {
			r.LastTriggered = &t
		}
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
