package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"homebrain/internal/types"
)

func TestMatchTimeRange(t *testing.T) {
	cond := types.RuleCondition{
		Kind:      types.CondTime,
		Operator:  types.OpEquals,
		TimeValue: "14:00-15:00",
	}
	rule := types.AutomationRule{Conditions: []types.RuleCondition{cond}}

	tests := []struct {
		now  string
		want bool
	}{
		{"13:59", false},
		{"14:00", true}, // start included
		{"14:30", true},
		{"14:59", true},
		{"15:00", false}, // end excluded
		{"15:01", false},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			got := EvaluateConditions(rule, types.EvalContext{Time: tt.now})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchTimeExact(t *testing.T) {
	rule := types.AutomationRule{Conditions: []types.RuleCondition{
		{Kind: types.CondTime, Operator: types.OpEquals, TimeValue: "07:30"},
	}}
	assert.True(t, EvaluateConditions(rule, types.EvalContext{Time: "07:30"}))
	assert.False(t, EvaluateConditions(rule, types.EvalContext{Time: "07:31"}))
	assert.False(t, EvaluateConditions(rule, types.EvalContext{}))
}

func TestMatchDay(t *testing.T) {
	rule := types.AutomationRule{Conditions: []types.RuleCondition{
		{Kind: types.CondDay, Operator: types.OpEquals, DayValue: time.Saturday},
	}}
	assert.True(t, EvaluateConditions(rule, types.EvalContext{Day: time.Saturday}))
	assert.False(t, EvaluateConditions(rule, types.EvalContext{Day: time.Sunday}))
}

func TestMatchPeoplePresent(t *testing.T) {
	rule := types.AutomationRule{Conditions: []types.RuleCondition{
		{Kind: types.CondPeoplePresent, Operator: types.OpContains, People: []string{"alice", "bob"}},
	}}

	// Every listed person must be present; extras are fine.
	assert.True(t, EvaluateConditions(rule, types.EvalContext{PeoplePresent: []string{"bob", "carol", "alice"}}))
	assert.False(t, EvaluateConditions(rule, types.EvalContext{PeoplePresent: []string{"alice"}}))
	assert.False(t, EvaluateConditions(rule, types.EvalContext{}))
}

func TestMatchDeviceState(t *testing.T) {
	ctx := types.EvalContext{DeviceStates: map[string]any{
		"thermostat.temperature": 23.5,
		"door.locked":            true,
	}}

	tests := []struct {
		name string
		cond types.RuleCondition
		want bool
	}{
		{"equals bool", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpEquals, Key: "door.locked", Value: true}, true},
		{"not equals", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpNotEquals, Key: "door.locked", Value: false}, true},
		{"greater than", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpGreaterThan, Key: "thermostat.temperature", Value: 22}, true},
		{"less than", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpLessThan, Key: "thermostat.temperature", Value: 22}, false},
		{"int vs float equality", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpEquals, Key: "thermostat.temperature", Value: 23.5}, true},
		{"absent key never matches", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpEquals, Key: "missing", Value: 1}, false},
		{"absent key not_equals still no match", types.RuleCondition{Kind: types.CondDeviceState, Operator: types.OpNotEquals, Key: "missing", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := types.AutomationRule{Conditions: []types.RuleCondition{tt.cond}}
			assert.Equal(t, tt.want, EvaluateConditions(rule, ctx))
		})
	}
}

func TestEvaluateConditionsAllMustHold(t *testing.T) {
	rule := types.AutomationRule{Conditions: []types.RuleCondition{
		{Kind: types.CondTime, Operator: types.OpEquals, TimeValue: "08:00-09:00"},
		{Kind: types.CondDay, Operator: types.OpEquals, DayValue: time.Monday},
	}}

	ctx := types.EvalContext{Time: "08:30", Day: time.Monday}
	assert.True(t, EvaluateConditions(rule, ctx))

	ctx.Day = time.Tuesday
	assert.False(t, EvaluateConditions(rule, ctx))
}

func TestEvaluateConditionsEmptyMatches(t *testing.T) {
	assert.True(t, EvaluateConditions(types.AutomationRule{}, types.EvalContext{}))
}

func TestEvaluateConditionsUnknownKindFailsClosed(t *testing.T) {
	rule := types.AutomationRule{Conditions: []types.RuleCondition{
		{Kind: "astrology", Operator: types.OpEquals},
	}}
	assert.False(t, EvaluateConditions(rule, types.EvalContext{}))
}
