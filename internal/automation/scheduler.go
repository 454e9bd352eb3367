package automation

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"homebrain/internal/logging"
	"homebrain/internal/types"
)

// scheduler fires schedule-triggered rules from cron expressions. Rules are
// re-read at fire time so a rule disabled after registration simply stops
// running.
type scheduler struct {
	orch *Orchestrator
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

func newScheduler(o *Orchestrator) *scheduler {
	return &scheduler{
		orch:    o,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// start registers every enabled scheduled rule from the store and starts the
// cron loop.
func (s *scheduler) start(ctx context.Context) error {
	s.ctx = ctx

	scheduled, err := s.orch.store.GetScheduledRules(ctx)
	if err != nil {
		return fmt.Errorf("loading scheduled rules: %w", err)
	}
	log := logging.Get(logging.CategoryScheduler)
	for _, rule := range scheduled {
		if err := s.register(rule); err != nil {
			log.Warn("Skipping rule %s: %v", rule.ID, err)
		}
	}

	s.cron.Start()
	log.Info("Scheduler started with %d rules", len(s.entries))
	return nil
}

func (s *scheduler) stop() {
	<-s.cron.Stop().Done()
}

// register validates the cron expression and adds the rule to the loop. An
// already registered rule is replaced.
func (s *scheduler) register(rule types.AutomationRule) error {
	if _, err := cron.ParseStandard(rule.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", rule.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[rule.ID]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(rule.Schedule, func() {
		s.fire(rule.ID)
	})
	if err != nil {
		return err
	}
	s.entries[rule.ID] = id
	return nil
}

func (s *scheduler) unregister(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[ruleID]; ok {
		s.cron.Remove(id)
		delete(s.entries, ruleID)
	}
}

// fire runs one scheduled rule: re-fetch, check it is still enabled, execute.
// There is no condition matching here; the schedule itself is the condition.
func (s *scheduler) fire(ruleID string) {
	log := logging.Get(logging.CategoryScheduler)
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	rule, err := s.orch.store.GetRule(ctx, ruleID)
	if err != nil {
		log.Error("Failed to load scheduled rule %s: %v", ruleID, err)
		return
	}
	if rule == nil || !rule.Enabled {
		return
	}
	s.orch.executeRule(ctx, *rule)
}

// AddScheduledRule validates and persists a schedule-triggered rule, then
// registers it with the running scheduler. Validation happens here, at
// registration, not at fire time.
func (o *Orchestrator) AddScheduledRule(ctx context.Context, rule types.AutomationRule) error {
	if rule.Trigger.Type != types.TriggerSchedule {
		return fmt.Errorf("rule %s is not schedule-triggered", rule.ID)
	}
	if _, err := cron.ParseStandard(rule.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", rule.Schedule, err)
	}
	if err := o.store.SaveRule(ctx, rule); err != nil {
		return err
	}
	if existing, err := o.confidence.GetRuleMetrics(ctx, rule.ID); err != nil {
		return err
	} else if existing == nil {
		if err := o.confidence.InitializeRuleMetrics(ctx, rule.ID); err != nil {
			return err
		}
	}
	if !rule.Enabled {
		o.schedule.unregister(rule.ID)
		return nil
	}
	return o.schedule.register(rule)
}
