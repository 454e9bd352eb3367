package main

import (
	"context"
	"fmt"
	"time"

	"homebrain/internal/bus"
	"homebrain/internal/types"
)

// templateDrafter turns a mined pattern into a rule without any model in the
// loop: the effect event type doubles as the action command. Deployments with
// an LLM drafter swap this out.
type templateDrafter struct{}

func (d *templateDrafter) DraftRule(ctx context.Context, pattern types.EventPattern) (*types.AutomationRule, error) {
	if pattern.Trigger.DeviceID == "" || pattern.Effect.DeviceID == "" {
		return nil, fmt.Errorf("pattern is missing a device")
	}
	return &types.AutomationRule{
		Name: fmt.Sprintf("When %s %s, %s %s",
			pattern.Trigger.DeviceID, pattern.Trigger.EventType,
			pattern.Effect.DeviceID, pattern.Effect.EventType),
		Description: fmt.Sprintf("Learned from %d occurrences, typically %s apart",
			pattern.Frequency, pattern.TimeDelay.Round(time.Second)),
		Trigger: types.RuleTrigger{
			Type:      types.TriggerEvent,
			DeviceID:  pattern.Trigger.DeviceID,
			EventType: types.TopicDeviceStateChanged,
		},
		Actions: []types.RuleAction{{
			DeviceID: pattern.Effect.DeviceID,
			Action:   pattern.Effect.EventType,
		}},
	}, nil
}

// busDispatcher publishes dispatched actions back onto the bus as
// device_action events. Device integrations subscribe to that topic and talk
// to the hardware; the published event also lands in history, so the miner
// sees the brain's own actions.
type busDispatcher struct {
	bus *bus.Bus
}

func (d *busDispatcher) Execute(ctx context.Context, deviceID, action string, params map[string]any) (types.DispatchResult, error) {
	if deviceID == "" || action == "" {
		return types.DispatchResult{}, fmt.Errorf("dispatch needs a device and an action")
	}
	state := map[string]any{"action": action}
	for k, v := range params {
		state[k] = v
	}
	d.bus.Publish(types.Event{
		DeviceID:  deviceID,
		EventType: types.TopicDeviceAction,
		Timestamp: time.Now(),
		State:     state,
	})
	return types.DispatchResult{Success: true}, nil
}
