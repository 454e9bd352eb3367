package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// DefaultProposeThreshold is the pattern confidence floor for proposals.
const DefaultProposeThreshold = 0.7

// ProposeRulesFromPatterns reads high-confidence patterns and drafts one rule
// per pattern through the external drafting collaborator. Drafts come back
// disabled; approval is mandatory before execution. Malformed or missing
// drafts are skipped, and a failure on one pattern never aborts the batch.
func (e *Engine) ProposeRulesFromPatterns(ctx context.Context, minConfidence float64) ([]types.AutomationRule, error) {
	if minConfidence <= 0 {
		minConfidence = DefaultProposeThreshold
	}
	log := logging.Get(logging.CategoryRules)

	if e.drafter == nil {
		log.Warn("No rule drafter configured; skipping proposals")
		return nil, nil
	}

	patterns, err := e.store.GetHighConfidencePatterns(ctx, minConfidence, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	if len(patterns) == 0 {
		log.Info("No high-confidence patterns found for rule proposal")
		return nil, nil
	}

	var proposals []types.AutomationRule
	for _, pattern := range patterns {
		rule, err := e.draftFromPattern(ctx, pattern)
		if err != nil {
			log.Error("Failed to draft rule from pattern %s: %v", pattern.Key(), err)
			continue
		}
		if rule == nil {
			log.Warn("Drafter returned no usable rule for pattern %s", pattern.Key())
			continue
		}
		if err := e.store.SaveRule(ctx, *rule); err != nil {
			log.Error("Failed to save proposed rule %q: %v", rule.Name, err)
			continue
		}
		if err := e.store.InitMetrics(ctx, rule.ID, 0.5, time.Now().Add(e.initialTTL)); err != nil {
			log.Error("Failed to init metrics for rule %s: %v", rule.ID, err)
		}
		proposals = append(proposals, *rule)
	}

	log.Info("Proposed %d rules from %d patterns", len(proposals), len(patterns))
	return proposals, nil
}

// draftFromPattern calls the drafter with a bounded timeout and normalizes
// whatever comes back into a disabled draft carrying the pattern confidence.
func (e *Engine) draftFromPattern(ctx context.Context, pattern types.EventPattern) (*types.AutomationRule, error) {
	dctx, cancel := context.WithTimeout(ctx, e.drafterTimeout)
	defer cancel()

	draft, err := e.drafter.DraftRule(dctx, pattern)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, nil
	}
	if err := ValidateDraft(draft); err != nil {
		logging.Get(logging.CategoryRules).Warn("Rejecting invalid draft for pattern %s: %v", pattern.Key(), err)
		return nil, nil
	}

	now := time.Now()
	draft.ID = newRuleID(now)
	draft.Enabled = false // drafts require approval
	draft.Confidence = pattern.Confidence
	draft.CreatedBy = "system"
	draft.CreatedAt = now
	draft.UpdatedAt = now
	return draft, nil
}

// ValidateDraft is the structural boundary between the drafting collaborator
// and the rule store: a draft must name itself, carry a trigger type, and do
// at least one thing.
func ValidateDraft(draft *types.AutomationRule) error {
	if draft.Name == "" {
		return fmt.Errorf("draft missing name")
	}
	if draft.Trigger.Type == "" {
		return fmt.Errorf("draft missing trigger type")
	}
	if len(draft.Actions) == 0 {
		return fmt.Errorf("draft has no actions")
	}
	for i, a := range draft.Actions {
		if a.Action == "" {
			return fmt.Errorf("draft action %d missing command", i)
		}
	}
	return nil
}

// BuildDraftPrompt renders the proposal prompt for a pattern. Drafter
// implementations backed by a language model feed this to their completion
// call and hand the raw response to ParseDraft.
func BuildDraftPrompt(pattern types.EventPattern) string {
	var b strings.Builder
	b.WriteString("You are a home automation expert. Based on the following observed pattern between device events, propose a practical automation rule.\n\n")
	b.WriteString("OBSERVED PATTERN:\n")
	fmt.Fprintf(&b, "- Trigger Event: %s\n", pattern.Trigger.EventType)
	fmt.Fprintf(&b, "- Trigger Device: %s\n", pattern.Trigger.DeviceID)
	fmt.Fprintf(&b, "- Correlated Event: %s\n", pattern.Effect.EventType)
	fmt.Fprintf(&b, "- Correlated Device: %s\n", pattern.Effect.DeviceID)
	fmt.Fprintf(&b, "- Time Delay: %d seconds\n", int(pattern.TimeDelay.Seconds()))
	fmt.Fprintf(&b, "- Confidence: %.1f%%\n", pattern.Confidence*100)
	fmt.Fprintf(&b, "- Frequency: %d occurrences\n", pattern.Frequency)
	fmt.Fprintf(&b, "- Total Occurrences: %d\n\n", pattern.TotalOccurrences)
	b.WriteString(`PROPOSE AN AUTOMATION RULE as a JSON object:
{
  "name": "Brief, descriptive name for the automation",
  "description": "What this automation does and why it is useful",
  "trigger": {"type": "event", "event_type": "...", "device_id": "..."},
  "conditions": [{"kind": "time|day|people_present|device_state|metric", "operator": "equals", ...}],
  "actions": [{"device_id": "...", "action": "...", "params": {}}]
}

GUIDELINES:
- Make the rule practical and safe
- Consider the time delay and add appropriate conditions
- Use the specific device ids from the pattern
- Ensure the action is a logical response to the trigger

Return only the JSON object, no additional text.`)
	return b.String()
}

// ParseDraft extracts the first JSON object from a drafter response and maps
// it onto an AutomationRule. Returns nil (not an error) on malformed input:
// a bad draft is a skip, not a crash.
func ParseDraft(raw string) *types.AutomationRule {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		logging.Get(logging.CategoryRules).Warn("No JSON object found in draft response")
		return nil
	}

	var draft types.AutomationRule
	if err := json.Unmarshal([]byte(raw[start:end+1]), &draft); err != nil {
		logging.Get(logging.CategoryRules).Warn("Failed to parse draft response: %v", err)
		return nil
	}
	if err := ValidateDraft(&draft); err != nil {
		logging.Get(logging.CategoryRules).Warn("Invalid draft structure: %v", err)
		return nil
	}
	return &draft
}
