package rules

import (
	"strings"

	"homebrain/internal/types"
)

// EvaluateConditions reports whether every condition of the rule holds in the
// given context. An empty condition list always matches. Unknown kinds and
// absent context keys never match; a rule should fail closed rather than fire
// on missing information.
func EvaluateConditions(rule types.AutomationRule, ctx types.EvalContext) bool {
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, ctx) {
			return false
		}
	}
	return true
}

func evaluateCondition(cond types.RuleCondition, ctx types.EvalContext) bool {
	switch cond.Kind {
	case types.CondTime:
		return matchTime(cond, ctx.Time)
	case types.CondDay:
		return cond.Operator == types.OpEquals && ctx.Day == cond.DayValue
	case types.CondPeoplePresent:
		return matchPeople(cond, ctx.PeoplePresent)
	case types.CondDeviceState:
		return matchLookup(cond, ctx.DeviceStates)
	case types.CondMetric:
		return matchLookup(cond, ctx.Metrics)
	default:
		return false
	}
}

// matchTime handles both an exact "HH:MM" and a half-open "HH:MM-HH:MM"
// range: the start is included, the end is not, so "14:00-15:00" matches
// 14:59 and not 15:00. Zero-padded times compare correctly as strings.
func matchTime(cond types.RuleCondition, now string) bool {
	if cond.Operator != types.OpEquals || now == "" {
		return false
	}
	if start, end, ok := strings.Cut(cond.TimeValue, "-"); ok {
		return now >= start && now < end
	}
	return now == cond.TimeValue
}

// matchPeople requires every listed person to be present.
func matchPeople(cond types.RuleCondition, present []string) bool {
	if cond.Operator != types.OpContains || len(cond.People) == 0 {
		return false
	}
	set := make(map[string]bool, len(present))
	for _, p := range present {
		set[p] = true
	}
	for _, want := range cond.People {
		if !set[want] {
			return false
		}
	}
	return true
}

// matchLookup compares a context map entry against the condition value.
// Absent keys never match.
func matchLookup(cond types.RuleCondition, m map[string]any) bool {
	if m == nil {
		return false
	}
	got, ok := m[cond.Key]
	if !ok {
		return false
	}

	switch cond.Operator {
	case types.OpEquals:
		return looseEqual(got, cond.Value)
	case types.OpNotEquals:
		return !looseEqual(got, cond.Value)
	case types.OpGreaterThan:
		a, aok := toFloat(got)
		b, bok := toFloat(cond.Value)
		return aok && bok && a > b
	case types.OpLessThan:
		a, aok := toFloat(got)
		b, bok := toFloat(cond.Value)
		return aok && bok && a < b
	default:
		return false
	}
}

// looseEqual compares values the way JSON round-trips leave them: numbers as
// float64, everything else by plain equality.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}
