package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homebrain/internal/types"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRule(id string, confidence float64, enabled bool) types.AutomationRule {
	return types.AutomationRule{
		ID:   id,
		Name: "test rule " + id,
		Trigger: types.RuleTrigger{
			Type:      types.TriggerEvent,
			DeviceID:  "light_1",
			EventType: types.TopicDeviceStateChanged,
		},
		Actions:    []types.RuleAction{{DeviceID: "light_2", Action: "turn_on"}},
		Confidence: confidence,
		Enabled:    enabled,
		CreatedBy:  "system",
		CreatedAt:  time.Now(),
	}
}

func TestEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	events := []types.Event{
		{DeviceID: "sensor_1", EventType: types.TopicDeviceStateChanged, Timestamp: base, State: map[string]any{"open": true}},
		{DeviceID: "light_1", EventType: types.TopicDeviceStateChanged, Timestamp: base.Add(2 * time.Minute)},
		{DeviceID: "cam_1", EventType: types.TopicPersonDetected, Timestamp: base.Add(5 * time.Minute), State: map[string]any{"person": "alice"}},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.ReadEvents(ctx, base.Add(-time.Minute), base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "sensor_1", got[0].DeviceID)
	assert.Equal(t, true, got[0].State["open"])
	assert.Equal(t, "alice", got[2].State["person"])

	// Range is inclusive on both ends; a narrower window drops the edges.
	got, err = s.ReadEvents(ctx, base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "light_1", got[0].DeviceID)
}

func TestReadEventsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	// Same timestamp; insertion order must break the tie.
	require.NoError(t, s.AppendEvent(ctx, types.Event{DeviceID: "a", EventType: types.TopicDeviceStateChanged, Timestamp: base}))
	require.NoError(t, s.AppendEvent(ctx, types.Event{DeviceID: "b", EventType: types.TopicDeviceStateChanged, Timestamp: base}))
	require.NoError(t, s.AppendEvent(ctx, types.Event{DeviceID: "c", EventType: types.TopicDeviceStateChanged, Timestamp: base.Add(-time.Minute)}))

	got, err := s.ReadEvents(ctx, base.Add(-2*time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].DeviceID)
	assert.Equal(t, "a", got[1].DeviceID)
	assert.Equal(t, "b", got[2].DeviceID)
}

func TestRuleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rule := testRule("rule_1", 0.8, true)
	rule.Conditions = []types.RuleCondition{
		{Kind: types.CondTime, Operator: types.OpEquals, TimeValue: "18:00-22:00"},
	}
	rule.Schedule = ""
	require.NoError(t, s.SaveRule(ctx, rule))

	got, err := s.GetRule(ctx, "rule_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Trigger, got.Trigger)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "18:00-22:00", got.Conditions[0].TimeValue)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "turn_on", got.Actions[0].Action)

	missing, err := s.GetRule(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetEnabledEventRulesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two enabled with equal confidence, one higher, one disabled, one other device.
	require.NoError(t, s.SaveRule(ctx, testRule("rule_b", 0.5, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_a", 0.5, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_c", 0.9, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_d", 0.99, false)))
	other := testRule("rule_e", 0.7, true)
	other.Trigger.DeviceID = "light_9"
	require.NoError(t, s.SaveRule(ctx, other))

	got, err := s.GetEnabledEventRules(ctx, types.TopicDeviceStateChanged, "light_1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "rule_c", got[0].ID)
	// Equal confidence resolves to lowest id.
	assert.Equal(t, "rule_a", got[1].ID)
	assert.Equal(t, "rule_b", got[2].ID)
}

func TestGetEnabledEventRulesLiveConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_old", 0.6, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_new", 0.5, true)))
	expires := time.Now().Add(168 * time.Hour)
	require.NoError(t, s.InitMetrics(ctx, "rule_old", 0.6, expires))
	require.NoError(t, s.InitMetrics(ctx, "rule_new", 0.5, expires))

	// Earned trust lives in rule_metrics; the rules row keeps the creation
	// value. Selection must follow the metrics.
	_, err := s.MutateMetrics(ctx, "rule_new", func(m *types.RuleMetrics) {
		m.Confidence = 0.9
	})
	require.NoError(t, err)

	got, err := s.GetEnabledEventRules(ctx, types.TopicDeviceStateChanged, "light_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rule_new", got[0].ID)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	assert.InDelta(t, 0.6, got[1].Confidence, 1e-9)
}

func TestGetEnabledEventRulesWildcardDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	anyDevice := testRule("rule_any", 0.5, true)
	anyDevice.Trigger.DeviceID = ""
	require.NoError(t, s.SaveRule(ctx, anyDevice))

	got, err := s.GetEnabledEventRules(ctx, types.TopicDeviceStateChanged, "whatever")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rule_any", got[0].ID)
}

func TestSetRuleEnabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_1", 0.5, true)))
	require.NoError(t, s.SetRuleEnabled(ctx, "rule_1", false))

	got, err := s.GetRule(ctx, "rule_1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	err = s.SetRuleEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestDeleteRuleCascadesMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_1", 0.5, true)))
	require.NoError(t, s.InitMetrics(ctx, "rule_1", 0.5, time.Now().Add(time.Hour)))
	require.NoError(t, s.DeleteRule(ctx, "rule_1"))

	m, err := s.GetMetrics(ctx, "rule_1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMutateMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_1", 0.5, true)))
	require.NoError(t, s.InitMetrics(ctx, "rule_1", 0.5, time.Now().Add(time.Hour)))

	updated, err := s.MutateMetrics(ctx, "rule_1", func(m *types.RuleMetrics) {
		m.ExecutionCount++
		m.SuccessCount++
		m.Confidence = 0.55
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, 1, updated.ExecutionCount)

	got, err := s.GetMetrics(ctx, "rule_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.InDelta(t, 0.55, got.Confidence, 1e-9)

	// No metrics row means no mutation and no error.
	none, err := s.MutateMetrics(ctx, "missing", func(m *types.RuleMetrics) { m.Confidence = 1 })
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDecayAllConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_high", 0.9, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_low", 0.3, true)))
	require.NoError(t, s.InitMetrics(ctx, "rule_high", 0.9, time.Now().Add(time.Hour)))
	require.NoError(t, s.InitMetrics(ctx, "rule_low", 0.3, time.Now().Add(time.Hour)))

	below, err := s.DecayAllConfidence(ctx, 0.02, 0.3)
	require.NoError(t, err)
	// 0.3 * 0.98 = 0.294 < 0.3
	require.Len(t, below, 1)
	assert.Equal(t, "rule_low", below[0])

	m, err := s.GetMetrics(ctx, "rule_high")
	require.NoError(t, err)
	assert.InDelta(t, 0.882, m.Confidence, 1e-9)
}

func TestDisableExpiredRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_expired_low", 0.2, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_expired_high", 0.8, true)))
	require.NoError(t, s.SaveRule(ctx, testRule("rule_fresh_low", 0.2, true)))
	require.NoError(t, s.InitMetrics(ctx, "rule_expired_low", 0.2, time.Now().Add(-time.Hour)))
	require.NoError(t, s.InitMetrics(ctx, "rule_expired_high", 0.8, time.Now().Add(-time.Hour)))
	require.NoError(t, s.InitMetrics(ctx, "rule_fresh_low", 0.2, time.Now().Add(time.Hour)))

	n, err := s.DisableExpiredRules(ctx, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetRule(ctx, "rule_expired_low")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// High confidence survives expiry; fresh TTL survives low confidence.
	got, err = s.GetRule(ctx, "rule_expired_high")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	got, err = s.GetRule(ctx, "rule_fresh_low")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestUpsertPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := types.EventPattern{
		Trigger:          types.EventRef{DeviceID: "thermostat", EventType: "opened"},
		Effect:           types.EventRef{DeviceID: "ac", EventType: "turned_on"},
		TimeDelay:        4 * time.Minute,
		Confidence:       0.7,
		Frequency:        5,
		TotalOccurrences: 5,
		Consistency:      0.9,
		LastSeen:         time.Now(),
		Created:          time.Now(),
	}
	require.NoError(t, s.UpsertPatterns(ctx, []types.EventPattern{p}))

	// Upserting the same key updates in place.
	p.Confidence = 0.8
	p.Frequency = 7
	require.NoError(t, s.UpsertPatterns(ctx, []types.EventPattern{p}))

	got, err := s.GetPatternsForTrigger(ctx, "thermostat", "opened", 0.5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.8, got[0].Confidence, 1e-9)
	assert.Equal(t, 7, got[0].Frequency)
	assert.Equal(t, 4*time.Minute, got[0].TimeDelay)
}

func TestRecordRuleTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, testRule("rule_1", 0.5, true)))
	require.NoError(t, s.RecordRuleTrigger(ctx, "rule_1"))
	require.NoError(t, s.RecordRuleTrigger(ctx, "rule_1"))

	got, err := s.GetRule(ctx, "rule_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TriggerCount)
	require.NotNil(t, got.LastTriggered)
	assert.WithinDuration(t, time.Now(), *got.LastTriggered, time.Minute)
}
