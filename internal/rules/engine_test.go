package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homebrain/internal/store"
	"homebrain/internal/types"
)

// stubDrafter returns a canned draft, an error, or nothing at all.
type stubDrafter struct {
	draft *types.AutomationRule
	err   error
	calls int
}

func (d *stubDrafter) DraftRule(ctx context.Context, pattern types.EventPattern) (*types.AutomationRule, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if d.draft == nil {
		return nil, nil
	}
	draft := *d.draft
	return &draft, nil
}

func newTestEngine(t *testing.T, drafter types.RuleDrafter) (*Engine, *store.LocalStore) {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, Options{Drafter: drafter}), s
}

func seedPattern(t *testing.T, s *store.LocalStore, confidence float64) {
	t.Helper()
	require.NoError(t, s.UpsertPatterns(context.Background(), []types.EventPattern{{
		Trigger:    types.EventRef{DeviceID: "thermostat", EventType: "opened"},
		Effect:     types.EventRef{DeviceID: "ac", EventType: "turned_on"},
		TimeDelay:  4 * time.Minute,
		Confidence: confidence,
		Frequency:  5,
		LastSeen:   time.Now(),
		Created:    time.Now(),
	}}))
}

func validDraft() *types.AutomationRule {
	return &types.AutomationRule{
		Name:    "Turn on AC when thermostat opens",
		Trigger: types.RuleTrigger{Type: types.TriggerEvent, DeviceID: "thermostat", EventType: types.TopicDeviceStateChanged},
		Actions: []types.RuleAction{{DeviceID: "ac", Action: "turn_on"}},
	}
}

func TestProposeRulesFromPatterns(t *testing.T) {
	drafter := &stubDrafter{draft: validDraft()}
	engine, s := newTestEngine(t, drafter)
	seedPattern(t, s, 0.85)

	proposals, err := engine.ProposeRulesFromPatterns(context.Background(), 0.7)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, 1, drafter.calls)

	rule := proposals[0]
	assert.False(t, rule.Enabled, "drafts must require approval")
	assert.InDelta(t, 0.85, rule.Confidence, 1e-9, "draft carries the pattern confidence")
	assert.Equal(t, "system", rule.CreatedBy)
	assert.NotEmpty(t, rule.ID)

	// A metrics row is created at the neutral starting confidence.
	m, err := s.GetMetrics(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.InDelta(t, 0.5, m.Confidence, 1e-9)
	require.NotNil(t, m.TTLExpiresAt)
}

func TestProposeRulesSkipsWeakPatterns(t *testing.T) {
	drafter := &stubDrafter{draft: validDraft()}
	engine, s := newTestEngine(t, drafter)
	seedPattern(t, s, 0.65)

	proposals, err := engine.ProposeRulesFromPatterns(context.Background(), 0.7)
	require.NoError(t, err)
	assert.Empty(t, proposals)
	assert.Equal(t, 0, drafter.calls)
}

func TestProposeRulesDrafterFailureIsSkip(t *testing.T) {
	drafter := &stubDrafter{err: fmt.Errorf("model unavailable")}
	engine, s := newTestEngine(t, drafter)
	seedPattern(t, s, 0.9)

	proposals, err := engine.ProposeRulesFromPatterns(context.Background(), 0.7)
	require.NoError(t, err, "one failed draft must not abort the batch")
	assert.Empty(t, proposals)
}

func TestProposeRulesNoDrafter(t *testing.T) {
	engine, s := newTestEngine(t, nil)
	seedPattern(t, s, 0.9)

	proposals, err := engine.ProposeRulesFromPatterns(context.Background(), 0.7)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestCreateRuleFromCorrection(t *testing.T) {
	engine, s := newTestEngine(t, nil)

	correction := types.Correction{
		DeviceID:        "light_livingroom",
		Action:          "set_brightness",
		OriginalParams:  map[string]any{"level": 100},
		CorrectedParams: map[string]any{"level": 40},
		Context: types.CorrectionContext{
			Time:          "21:37",
			Day:           time.Friday,
			PeoplePresent: []string{"alice"},
		},
		Timestamp: time.Now(),
	}

	rule, err := engine.CreateRuleFromCorrection(context.Background(), correction)
	require.NoError(t, err)
	require.NotNil(t, rule)

	// Correction rules go live immediately at low confidence.
	assert.True(t, rule.Enabled)
	assert.InDelta(t, 0.1, rule.Confidence, 1e-9)

	assert.Equal(t, types.TriggerEvent, rule.Trigger.Type)
	assert.Equal(t, types.TopicDeviceAction, rule.Trigger.EventType)
	assert.Equal(t, "light_livingroom", rule.Trigger.DeviceID)
	assert.Equal(t, "set_brightness", rule.Trigger.Action)

	require.Len(t, rule.Conditions, 3)
	assert.Equal(t, "21:00-22:00", rule.Conditions[0].TimeValue, "time condition widens to the hour")
	assert.Equal(t, time.Friday, rule.Conditions[1].DayValue)
	assert.Equal(t, []string{"alice"}, rule.Conditions[2].People)

	require.Len(t, rule.Actions, 1)
	assert.Equal(t, map[string]any{"level": 40}, rule.Actions[0].Params)

	// Persisted and metrics initialized at the correction confidence.
	stored, err := s.GetRule(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Enabled)

	m, err := s.GetMetrics(context.Background(), rule.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.InDelta(t, 0.1, m.Confidence, 1e-9)
}

func TestCreateRuleFromCorrectionLastHour(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	rule, err := engine.CreateRuleFromCorrection(context.Background(), types.Correction{
		DeviceID: "porch_light",
		Action:   "turn_off",
		Context:  types.CorrectionContext{Time: "23:15", Day: time.Monday},
	})
	require.NoError(t, err)
	assert.Equal(t, "23:00-24:00", rule.Conditions[0].TimeValue)

	// The rule must match at the moment it was learned from.
	assert.True(t, EvaluateConditions(*rule, types.EvalContext{Time: "23:15", Day: time.Monday}))
	assert.False(t, EvaluateConditions(*rule, types.EvalContext{Time: "22:59", Day: time.Monday}))
}

func TestApproveRejectFlow(t *testing.T) {
	drafter := &stubDrafter{draft: validDraft()}
	engine, s := newTestEngine(t, drafter)
	seedPattern(t, s, 0.85)

	proposals, err := engine.ProposeRulesFromPatterns(context.Background(), 0.7)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	id := proposals[0].ID

	pending, err := engine.ListProposedRules(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, engine.ApproveRule(context.Background(), id))
	got, err := s.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	pending, err = engine.ListProposedRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, engine.RejectRule(context.Background(), id))
	got, err = s.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApproveRuleMissing(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	err := engine.ApproveRule(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrRuleNotFound)
}

func TestParseDraft(t *testing.T) {
	raw := "Sure! Here is the rule:\n" + `{
		"name": "Evening AC",
		"trigger": {"type": "event", "event_type": "device_state_changed", "device_id": "thermostat"},
		"actions": [{"device_id": "ac", "action": "turn_on"}]
	}` + "\nLet me know if you need changes."

	draft := ParseDraft(raw)
	require.NotNil(t, draft)
	assert.Equal(t, "Evening AC", draft.Name)
	assert.Equal(t, "thermostat", draft.Trigger.DeviceID)
}

func TestParseDraftMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no json", "I cannot propose a rule for this pattern."},
		{"broken json", `{"name": "x", "actions": [`},
		{"missing actions", `{"name": "x", "trigger": {"type": "event"}}`},
		{"missing name", `{"trigger": {"type": "event"}, "actions": [{"device_id": "a", "action": "on"}]}`},
		{"action without command", `{"name": "x", "trigger": {"type": "event"}, "actions": [{"device_id": "a"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, ParseDraft(tt.raw))
		})
	}
}

func TestBuildDraftPrompt(t *testing.T) {
	prompt := BuildDraftPrompt(types.EventPattern{
		Trigger:    types.EventRef{DeviceID: "thermostat", EventType: "opened"},
		Effect:     types.EventRef{DeviceID: "ac", EventType: "turned_on"},
		TimeDelay:  4 * time.Minute,
		Confidence: 0.92,
		Frequency:  5,
	})
	assert.Contains(t, prompt, "thermostat")
	assert.Contains(t, prompt, "240 seconds")
	assert.Contains(t, prompt, "92.0%")
	assert.Contains(t, prompt, "Return only the JSON object")
}
