package types

import (
	"context"
	"time"
)

// EventSource is the read side of the event store. Implemented by the store;
// the ingestion pipeline that fills it lives outside this core.
type EventSource interface {
	// ReadEvents returns events with start <= timestamp <= end, ordered by
	// timestamp ascending, ties broken by insertion order.
	ReadEvents(ctx context.Context, start, end time.Time) ([]Event, error)
}

// ActionDispatcher is the only way actions reach real devices. Implementations
// must honor the context deadline; a timeout is a failure outcome, never fatal.
type ActionDispatcher interface {
	Execute(ctx context.Context, deviceID, action string, params map[string]any) (DispatchResult, error)
}

// PresenceDetector reports which people are currently present.
type PresenceDetector interface {
	CurrentlyPresent() []string
}

// RuleDrafter turns a mined pattern into an automation rule draft. Backed by
// a natural-language service in production; the proposer treats any malformed
// or missing draft as an ordinary skip, never a crash.
type RuleDrafter interface {
	DraftRule(ctx context.Context, pattern EventPattern) (*AutomationRule, error)
}
