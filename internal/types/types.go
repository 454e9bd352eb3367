// Package types holds the shared domain types and collaborator interfaces for
// homebrain. Every other package depends on this one; it depends on nothing.
package types

import (
	"time"
)

// Event is an immutable record of something a device, person or user did.
// Events are written by the ingestion side (device monitor, discovery, face
// detection) and consumed read-only by the reasoning core. Ordering is by
// timestamp, ties broken by insertion order (the rowid).
type Event struct {
	ID        int64          `json:"id"`
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state,omitempty"`
}

// Event topics carried on the bus. A rule's trigger type matches one of these.
const (
	TopicDeviceStateChanged = "device_state_changed"
	TopicPersonDetected     = "person_detected"
	TopicUserCorrection     = "user_correction"
	TopicDeviceDiscovered   = "device_discovered"
	TopicDeviceAction       = "device_action"
)

// Topics lists every bus topic the orchestrator subscribes to.
func Topics() []string {
	return []string{
		TopicDeviceStateChanged,
		TopicPersonDetected,
		TopicUserCorrection,
		TopicDeviceDiscovered,
		TopicDeviceAction,
	}
}

// EventRef identifies one side of a mined pattern: a (device, event type) pair.
type EventRef struct {
	DeviceID  string `json:"device_id"`
	EventType string `json:"event_type"`
}

// EventPattern is a statistically supported trigger→effect relationship
// between two distinct devices' event types. Owned by the correlation engine
// and upserted keyed by (trigger, effect) on every analysis cycle.
type EventPattern struct {
	Trigger          EventRef      `json:"trigger"`
	Effect           EventRef      `json:"effect"`
	TimeDelay        time.Duration `json:"time_delay"`
	Confidence       float64       `json:"confidence"`
	Frequency        int           `json:"frequency"`
	TotalOccurrences int           `json:"total_occurrences"`
	Consistency      float64       `json:"consistency"`
	LastSeen         time.Time     `json:"last_seen"`
	Created          time.Time     `json:"created"`
}

// Key returns the upsert key for the pattern.
func (p EventPattern) Key() string {
	return p.Trigger.DeviceID + ":" + p.Trigger.EventType + "->" + p.Effect.DeviceID + ":" + p.Effect.EventType
}

// Rule trigger types.
const (
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
)

// RuleTrigger describes what starts a rule evaluation. Type is either
// TriggerEvent (EventType names a bus topic, DeviceID optionally narrows it,
// Action narrows device_action events) or TriggerSchedule (the rule's
// Schedule cron expression fires it instead of any event).
type RuleTrigger struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Condition kinds.
const (
	CondTime          = "time"
	CondDay           = "day"
	CondPeoplePresent = "people_present"
	CondDeviceState   = "device_state"
	CondMetric        = "metric"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
)

// RuleCondition is a tagged union over the five condition kinds. Only the
// value fields for the condition's Kind are meaningful:
//
//	time:           TimeValue, either "HH:MM" or a half-open range "HH:MM-HH:MM"
//	day:            DayValue (0=Sunday .. 6=Saturday)
//	people_present: People, every listed id must currently be present
//	device_state:   Key into the context device-state map, compared to Value
//	metric:         Key into the context metrics map, compared to Value
type RuleCondition struct {
	Kind      string       `json:"kind"`
	Operator  string       `json:"operator"`
	TimeValue string       `json:"time_value,omitempty"`
	DayValue  time.Weekday `json:"day_value,omitempty"`
	People    []string     `json:"people,omitempty"`
	Key       string       `json:"key,omitempty"`
	Value     any          `json:"value,omitempty"`
}

// RuleAction is one command sent to the action dispatcher when a rule fires.
type RuleAction struct {
	DeviceID string         `json:"device_id"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
}

// AutomationRule is a trigger plus ordered conditions and actions, either
// pending approval (Enabled=false) or live. A disabled rule is visible to the
// approval flow but never evaluated by the orchestrator.
type AutomationRule struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Trigger       RuleTrigger     `json:"trigger"`
	Conditions    []RuleCondition `json:"conditions,omitempty"`
	Actions       []RuleAction    `json:"actions"`
	Schedule      string          `json:"schedule,omitempty"`
	Confidence    float64         `json:"confidence"`
	Enabled       bool            `json:"enabled"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastTriggered *time.Time      `json:"last_triggered,omitempty"`
	TriggerCount  int             `json:"trigger_count"`
}

// User feedback values for RuleMetrics.
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
	FeedbackNeutral  = "neutral"
)

// RuleMetrics is the confidence/TTL/execution state attached 1:1 to a rule.
// The confidence manager is the only writer of Confidence and TTLExpiresAt.
// Invariant: ExecutionCount == SuccessCount + FailureCount, and Confidence is
// clamped to [0,1] after every update.
type RuleMetrics struct {
	RuleID               string     `json:"rule_id"`
	ExecutionCount       int        `json:"execution_count"`
	SuccessCount         int        `json:"success_count"`
	FailureCount         int        `json:"failure_count"`
	Confidence           float64    `json:"confidence"`
	LastExecuted         *time.Time `json:"last_executed,omitempty"`
	AverageExecutionTime float64    `json:"average_execution_time,omitempty"` // milliseconds
	UserFeedback         string     `json:"user_feedback,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	TTLExpiresAt         *time.Time `json:"ttl_expires_at,omitempty"`
}

// CorrectionContext captures the situation in which a user overrode an action.
type CorrectionContext struct {
	Time          string       `json:"time"` // "HH:MM"
	Day           time.Weekday `json:"day"`
	PeoplePresent []string     `json:"people_present,omitempty"`
}

// Correction is a user override of a dispatched action. It feeds rule
// synthesis directly, without statistical mining.
type Correction struct {
	DeviceID        string            `json:"device_id"`
	Action          string            `json:"action"`
	OriginalParams  map[string]any    `json:"original_params,omitempty"`
	CorrectedParams map[string]any    `json:"corrected_params,omitempty"`
	Context         CorrectionContext `json:"context"`
	Timestamp       time.Time         `json:"timestamp"`
}

// EvalContext is the transient snapshot a rule's conditions are evaluated
// against. Built fresh per evaluation, never stored.
type EvalContext struct {
	Time          string // "HH:MM"
	Day           time.Weekday
	PeoplePresent []string
	DeviceStates  map[string]any
	Metrics       map[string]any
}

// DispatchResult is the outcome of one action dispatcher call.
type DispatchResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}
